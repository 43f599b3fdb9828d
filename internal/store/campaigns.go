package store

import (
	"context"
	"database/sql"
	"errors"

	"waflow/internal/domain"
)

const campaignColumns = `id,owner_id,instance_id,name,message,media_ref,status,created_at,updated_at`

func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.ID == "" {
		c.ID = NewID("cmp")
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	now := millis(s.now())
	c.CreatedAt, c.UpdatedAt = fromMillis(now), fromMillis(now)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO campaigns (id,owner_id,instance_id,name,message,media_ref,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`, c.ID, c.OwnerID, c.InstanceID, c.Name, c.Message, nullString(c.MediaRef), c.Status, now, now)
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// GetCampaign loads a campaign. An empty ownerID skips the ownership check.
func (s *Store) GetCampaign(ctx context.Context, ownerID, id string) (domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=?`
	args := []any{id}
	if ownerID != "" {
		q += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE owner_id=? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCampaignsByStatus returns campaigns of every owner in the given statuses.
func (s *Store) ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY created_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status=?, updated_at=? WHERE id=?`, status, millis(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionCampaign sets status only when the campaign is currently in one of from.
// It reports whether the row changed.
func (s *Store) TransitionCampaign(ctx context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{to, millis(s.now()), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

const recipientColumns = `id,campaign_id,address,status,last_error,created_at,updated_at`

// InsertRecipients adds one pending recipient per address in a single transaction.
func (s *Store) InsertRecipients(ctx context.Context, campaignID string, addresses []string) ([]domain.Recipient, error) {
	now := millis(s.now())
	out := make([]domain.Recipient, 0, len(addresses))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO campaign_recipients (id,campaign_id,address,status,created_at,updated_at)
VALUES (?,?,?,'pending',?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, addr := range addresses {
			r := domain.Recipient{
				ID:         NewID("rcp"),
				CampaignID: campaignID,
				Address:    addr,
				Status:     domain.RecipientPending,
				CreatedAt:  fromMillis(now),
				UpdatedAt:  fromMillis(now),
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.CampaignID, r.Address, now, now); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id=? ORDER BY created_at ASC, rowid ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, ErrNotFound
	}
	return r, err
}

// UpdateRecipientStatus overwrites the status of one recipient unconditionally.
func (s *Store) UpdateRecipientStatus(ctx context.Context, id string, status domain.RecipientStatus, errText string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_recipients SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullString(errText), millis(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRecipientOutcome updates a recipient from the dispatch loop.
// Sent and canceled recipients are left untouched; it reports whether the row changed.
func (s *Store) RecordRecipientOutcome(ctx context.Context, id string, status domain.RecipientStatus, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaign_recipients SET status=?, last_error=?, updated_at=?
WHERE id=? AND status NOT IN ('sent','canceled')`, status, nullString(errText), millis(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// CancelRecipients marks every recipient of the campaign canceled regardless of prior state.
func (s *Store) CancelRecipients(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_recipients SET status='canceled', updated_at=? WHERE campaign_id=?`,
		millis(s.now()), campaignID)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// RecipientStats counts the campaign's recipients by status. Absent statuses are zero.
func (s *Store) RecipientStats(ctx context.Context, campaignID string) (domain.RecipientStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=? GROUP BY status`, campaignID)
	if err != nil {
		return domain.RecipientStats{}, err
	}
	defer rows.Close()

	var stats domain.RecipientStats
	for rows.Next() {
		var (
			status domain.RecipientStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.RecipientStats{}, err
		}
		stats.Add(status, n)
	}
	return stats, rows.Err()
}

// ReconcileRecipients repairs recipients left behind by an interrupted write sequence:
// a completed job marks its recipient sent, a failed job marks its recipient failed.
func (s *Store) ReconcileRecipients(ctx context.Context, campaignID string) (int, error) {
	now := millis(s.now())
	total := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE campaign_recipients SET status='sent', last_error=NULL, updated_at=?
WHERE campaign_id=? AND status IN ('pending','retry')
  AND id IN (SELECT recipient_id FROM queue_jobs WHERE campaign_id=? AND status='completed' AND recipient_id IS NOT NULL)`,
			now, campaignID, campaignID)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		total += n

		res, err = tx.ExecContext(ctx, `
UPDATE campaign_recipients
SET status='failed',
    last_error=(SELECT j.last_error FROM queue_jobs j WHERE j.recipient_id=campaign_recipients.id AND j.status='failed' LIMIT 1),
    updated_at=?
WHERE campaign_id=? AND status IN ('pending','retry')
  AND id IN (SELECT recipient_id FROM queue_jobs WHERE campaign_id=? AND status='failed' AND recipient_id IS NOT NULL)`,
			now, campaignID, campaignID)
		if err != nil {
			return err
		}
		n, err = affected(res)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

func scanCampaign(r rowScanner) (domain.Campaign, error) {
	var (
		c                domain.Campaign
		media            sql.NullString
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.OwnerID, &c.InstanceID, &c.Name, &c.Message, &media, &c.Status, &created, &updated); err != nil {
		return domain.Campaign{}, err
	}
	c.MediaRef = media.String
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func scanRecipient(r rowScanner) (domain.Recipient, error) {
	var (
		rc               domain.Recipient
		lastErr          sql.NullString
		created, updated int64
	)
	if err := r.Scan(&rc.ID, &rc.CampaignID, &rc.Address, &rc.Status, &lastErr, &created, &updated); err != nil {
		return domain.Recipient{}, err
	}
	rc.LastError = lastErr.String
	rc.CreatedAt = fromMillis(created)
	rc.UpdatedAt = fromMillis(updated)
	return rc, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
