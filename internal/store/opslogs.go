package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"waflow/internal/domain"
)

// AppendOpsLog writes an audit entry. Entries are never updated or deleted.
func (s *Store) AppendOpsLog(ctx context.Context, e domain.OpsLogEntry) (domain.OpsLogEntry, error) {
	if e.ID == "" {
		e.ID = NewID("log")
	}
	if e.Level == "" {
		e.Level = domain.LevelInfo
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = fromMillis(millis(e.CreatedAt))
	var meta sql.NullString
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return domain.OpsLogEntry{}, fmt.Errorf("encode ops log meta: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ops_logs (id,level,type,owner_id,instance_id,campaign_id,message,meta,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`, e.ID, e.Level, e.Type, nullString(e.OwnerID), nullString(e.InstanceID), nullString(e.CampaignID),
		e.Message, meta, millis(e.CreatedAt))
	if err != nil {
		return domain.OpsLogEntry{}, err
	}
	return e, nil
}

// ListOpsLogs returns the newest entries for ownerID first.
func (s *Store) ListOpsLogs(ctx context.Context, ownerID string, limit int) ([]domain.OpsLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,level,type,owner_id,instance_id,campaign_id,message,meta,created_at
FROM ops_logs WHERE owner_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OpsLogEntry
	for rows.Next() {
		var (
			e                         domain.OpsLogEntry
			owner, instance, campaign sql.NullString
			meta                      sql.NullString
			created                   int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Type, &owner, &instance, &campaign, &e.Message, &meta, &created); err != nil {
			return nil, err
		}
		e.OwnerID = owner.String
		e.InstanceID = instance.String
		e.CampaignID = campaign.String
		e.CreatedAt = fromMillis(created)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("decode ops log meta: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
