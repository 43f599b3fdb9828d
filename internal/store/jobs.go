package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"waflow/internal/domain"
)

const jobColumns = `id,owner_id,instance_id,campaign_id,kind,payload,status,attempts,next_run_at,last_error,created_at,updated_at`

// InsertJobs persists jobs in one transaction. Missing ids, statuses and run times are filled in.
func (s *Store) InsertJobs(ctx context.Context, jobs []domain.QueueJob) ([]domain.QueueJob, error) {
	now := s.now()
	out := make([]domain.QueueJob, 0, len(jobs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO queue_jobs (id,owner_id,instance_id,campaign_id,recipient_id,kind,payload,status,attempts,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,0,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, j := range jobs {
			if j.ID == "" {
				j.ID = NewID("job")
			}
			if j.Status == "" {
				j.Status = domain.JobPaused
			}
			if j.NextRunAt.IsZero() {
				j.NextRunAt = now
			}
			kind, raw, err := domain.EncodePayload(j.Payload)
			if err != nil {
				return err
			}
			j.Kind = kind
			var recipientID string
			if p, ok := j.Payload.(domain.SendMessage); ok {
				recipientID = p.RecipientID
			}
			j.CreatedAt, j.UpdatedAt = fromMillis(millis(now)), fromMillis(millis(now))
			j.NextRunAt = fromMillis(millis(j.NextRunAt))
			if _, err := stmt.ExecContext(ctx, j.ID, j.OwnerID, j.InstanceID, nullString(j.CampaignID), nullString(recipientID),
				j.Kind, raw, j.Status, millis(j.NextRunAt), millis(now), millis(now)); err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DueJobs returns up to limit pending jobs whose next_run_at has passed, oldest due first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM queue_jobs
WHERE status='pending' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC, rowid ASC
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.QueueJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueJob{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListCampaignJobs(ctx context.Context, campaignID string) ([]domain.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE campaign_id=? ORDER BY created_at ASC, rowid ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// RescheduleJob moves a pending job's next run without touching attempts.
// errText, when non-empty, replaces last_error.
func (s *Store) RescheduleJob(ctx context.Context, id string, next time.Time, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET next_run_at=?, last_error=COALESCE(?, last_error), updated_at=?
WHERE id=? AND status='pending'`, millis(next), nullString(errText), millis(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// CompleteJob records a delivery. A job paused while its send was in flight
// still completes; a canceled one does not.
func (s *Store) CompleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='completed', last_error=NULL, updated_at=?
WHERE id=? AND status IN ('pending','paused')`, millis(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// RetryJob records a failed attempt on a still-pending job and schedules the next one.
func (s *Store) RetryJob(ctx context.Context, id string, attempts int, next time.Time, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET attempts=?, next_run_at=?, last_error=?, updated_at=?
WHERE id=? AND status='pending'`, attempts, millis(next), errText, millis(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// FailJob moves a still-pending job to failed.
func (s *Store) FailJob(ctx context.Context, id string, attempts int, errText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='failed', attempts=?, last_error=?, updated_at=?
WHERE id=? AND status='pending'`, attempts, errText, millis(s.now()), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// TransitionCampaignJobs moves the campaign's jobs in status from to status to.
func (s *Store) TransitionCampaignJobs(ctx context.Context, campaignID string, from, to domain.JobStatus) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET status=?, updated_at=? WHERE campaign_id=? AND status=?`, to, millis(s.now()), campaignID, from)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// ResumeCampaignJobs turns the campaign's paused jobs pending, due at now.
func (s *Store) ResumeCampaignJobs(ctx context.Context, campaignID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='pending', next_run_at=MAX(next_run_at, ?), updated_at=?
WHERE campaign_id=? AND status='paused'`, millis(now), millis(s.now()), campaignID)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// CancelCampaignJobs cancels every non-terminal job of the campaign.
func (s *Store) CancelCampaignJobs(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET status='canceled', updated_at=? WHERE campaign_id=? AND status IN ('pending','paused')`,
		millis(s.now()), campaignID)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *Store) CountCampaignJobs(ctx context.Context, campaignID string) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_jobs WHERE campaign_id=? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.JobStatus]int{
		domain.JobPending:   0,
		domain.JobPaused:    0,
		domain.JobCompleted: 0,
		domain.JobFailed:    0,
		domain.JobCanceled:  0,
	}
	for rows.Next() {
		var (
			st domain.JobStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]domain.QueueJob, error) {
	defer rows.Close()
	var out []domain.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(r rowScanner) (domain.QueueJob, error) {
	var (
		j                      domain.QueueJob
		campaignID, lastErr    sql.NullString
		raw                    []byte
		next, created, updated int64
	)
	if err := r.Scan(&j.ID, &j.OwnerID, &j.InstanceID, &campaignID, &j.Kind, &raw, &j.Status, &j.Attempts,
		&next, &lastErr, &created, &updated); err != nil {
		return domain.QueueJob{}, err
	}
	p, err := domain.DecodePayload(j.Kind, raw)
	if err != nil {
		// keep the job loadable so the engine can fail it terminally
		p = domain.UnknownPayload{JobKind: j.Kind, Raw: raw}
	}
	j.Payload = p
	j.CampaignID = campaignID.String
	j.LastError = lastErr.String
	j.NextRunAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}
