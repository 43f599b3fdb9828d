package store

import (
	"context"
	"database/sql"
	"errors"

	"waflow/internal/domain"
)

const instanceColumns = `id,owner_id,label,status,session_path,phone,last_qr,last_qr_at,last_ready_at,last_disconnect_at,last_error_at,created_at,updated_at`

func (s *Store) CreateInstance(ctx context.Context, in domain.Instance) (domain.Instance, error) {
	if in.ID == "" {
		in.ID = NewID("ins")
	}
	if in.Status == "" {
		in.Status = domain.InstanceStopped
	}
	now := s.now()
	in.CreatedAt, in.UpdatedAt = fromMillis(millis(now)), fromMillis(millis(now))
	_, err := s.db.ExecContext(ctx, `
INSERT INTO instances (id,owner_id,label,status,session_path,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`, in.ID, in.OwnerID, in.Label, in.Status, in.SessionPath, millis(now), millis(now))
	if err != nil {
		return domain.Instance{}, err
	}
	return in, nil
}

// GetInstance loads an instance. An empty ownerID skips the ownership check.
func (s *Store) GetInstance(ctx context.Context, ownerID, id string) (domain.Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM instances WHERE id=?`
	args := []any{id}
	if ownerID != "" {
		q += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	in, err := scanInstance(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, ErrNotFound
	}
	return in, err
}

// ListInstances returns instances for ownerID, or every instance when ownerID is empty.
func (s *Store) ListInstances(ctx context.Context, ownerID string) ([]domain.Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	if ownerID != "" {
		q += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SaveInstanceState persists the live snapshot of an instance.
// Timestamps absent from the snapshot keep their stored value.
func (s *Store) SaveInstanceState(ctx context.Context, snap domain.InstanceSnapshot) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET
  status=?,
  phone=COALESCE(?, phone),
  last_qr=COALESCE(?, last_qr),
  last_qr_at=COALESCE(?, last_qr_at),
  last_ready_at=COALESCE(?, last_ready_at),
  last_disconnect_at=COALESCE(?, last_disconnect_at),
  last_error_at=COALESCE(?, last_error_at),
  updated_at=?
WHERE id=?`,
		snap.Status, nullString(snap.Phone), nullString(snap.QR),
		nullMillis(snap.LastQRAt), nullMillis(snap.LastReadyAt), nullMillis(snap.LastDisconnectAt), nullMillis(snap.LastErrorAt),
		millis(s.now()), snap.InstanceID)
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

func (s *Store) SetSessionPath(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET session_path=?, updated_at=? WHERE id=?`, path, millis(s.now()), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (domain.Instance, error) {
	var (
		in                                   domain.Instance
		phone, qr                            sql.NullString
		qrAt, readyAt, disconnectAt, errorAt sql.NullInt64
		created, updated                     int64
	)
	if err := r.Scan(&in.ID, &in.OwnerID, &in.Label, &in.Status, &in.SessionPath, &phone, &qr,
		&qrAt, &readyAt, &disconnectAt, &errorAt, &created, &updated); err != nil {
		return domain.Instance{}, err
	}
	in.Phone = phone.String
	in.LastQR = qr.String
	in.LastQRAt = timePtr(qrAt)
	in.LastReadyAt = timePtr(readyAt)
	in.LastDisconnectAt = timePtr(disconnectAt)
	in.LastErrorAt = timePtr(errorAt)
	in.CreatedAt = fromMillis(created)
	in.UpdatedAt = fromMillis(updated)
	return in, nil
}
