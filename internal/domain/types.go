package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type InstanceStatus string

const (
	InstanceStopped       InstanceStatus = "stopped"
	InstanceInitializing  InstanceStatus = "initializing"
	InstanceQR            InstanceStatus = "qr"
	InstanceAuthenticated InstanceStatus = "authenticated"
	InstanceReady         InstanceStatus = "ready"
	InstanceDisconnected  InstanceStatus = "disconnected"
	InstanceError         InstanceStatus = "error"
)

type Instance struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Label            string         `json:"label"`
	Status           InstanceStatus `json:"status"`
	SessionPath      string         `json:"session_path"`
	Phone            string         `json:"phone,omitempty"`
	LastQR           string         `json:"-"`
	LastQRAt         *time.Time     `json:"last_qr_at,omitempty"`
	LastReadyAt      *time.Time     `json:"last_ready_at,omitempty"`
	LastDisconnectAt *time.Time     `json:"last_disconnect_at,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// InstanceSnapshot is the live view of an instance kept by the lifecycle manager.
type InstanceSnapshot struct {
	InstanceID       string         `json:"instance_id"`
	OwnerID          string         `json:"owner_id"`
	Status           InstanceStatus `json:"status"`
	Phone            string         `json:"phone,omitempty"`
	QR               string         `json:"-"`
	LastQRAt         *time.Time     `json:"last_qr_at,omitempty"`
	LastReadyAt      *time.Time     `json:"last_ready_at,omitempty"`
	LastDisconnectAt *time.Time     `json:"last_disconnect_at,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Snapshot returns the persisted view of an instance as a live snapshot.
func (i Instance) Snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		InstanceID:       i.ID,
		OwnerID:          i.OwnerID,
		Status:           i.Status,
		Phone:            i.Phone,
		QR:               i.LastQR,
		LastQRAt:         i.LastQRAt,
		LastReadyAt:      i.LastReadyAt,
		LastDisconnectAt: i.LastDisconnectAt,
		LastErrorAt:      i.LastErrorAt,
		UpdatedAt:        i.UpdatedAt,
	}
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCanceled  CampaignStatus = "canceled"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	MediaRef   string         `json:"media_ref,omitempty"`
	Status     CampaignStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
	RecipientRetry    RecipientStatus = "retry"
	RecipientCanceled RecipientStatus = "canceled"
)

type Recipient struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Address    string          `json:"address"`
	Status     RecipientStatus `json:"status"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RecipientStats holds recipient counts by status for one campaign.
type RecipientStats struct {
	Pending  int `json:"pending"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Retry    int `json:"retry"`
	Canceled int `json:"canceled"`
}

// Outstanding is the number of recipients still waiting for a terminal outcome.
func (s RecipientStats) Outstanding() int { return s.Pending + s.Retry }

func (s RecipientStats) Total() int {
	return s.Pending + s.Sent + s.Failed + s.Retry + s.Canceled
}

// Add increments the counter for status by n. Unknown statuses are ignored.
func (s *RecipientStats) Add(status RecipientStatus, n int) {
	switch status {
	case RecipientPending:
		s.Pending += n
	case RecipientSent:
		s.Sent += n
	case RecipientFailed:
		s.Failed += n
	case RecipientRetry:
		s.Retry += n
	case RecipientCanceled:
		s.Canceled += n
	}
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

type JobKind string

const KindSendMessage JobKind = "send_message"

// JobPayload is the typed body of a queue job. Each kind has exactly one payload type.
type JobPayload interface {
	Kind() JobKind
}

type SendMessage struct {
	RecipientID string `json:"recipient_id,omitempty"`
	Target      string `json:"target"`
	Message     string `json:"message,omitempty"`
	MediaRef    string `json:"media_ref,omitempty"`
}

func (SendMessage) Kind() JobKind { return KindSendMessage }

// UnknownPayload carries a stored job whose kind this build does not understand.
type UnknownPayload struct {
	JobKind JobKind
	Raw     json.RawMessage
}

func (p UnknownPayload) Kind() JobKind { return p.JobKind }

// EncodePayload serializes p for storage.
func EncodePayload(p JobPayload) (JobKind, []byte, error) {
	if u, ok := p.(UnknownPayload); ok {
		return u.JobKind, u.Raw, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), b, nil
}

// DecodePayload restores a stored payload. Unknown kinds decode to UnknownPayload.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	switch kind {
	case KindSendMessage:
		var p SendMessage
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", kind, err)
			}
		}
		return p, nil
	default:
		return UnknownPayload{JobKind: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

type QueueJob struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	InstanceID string     `json:"instance_id"`
	CampaignID string     `json:"campaign_id,omitempty"`
	Kind       JobKind    `json:"kind"`
	Payload    JobPayload `json:"payload"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

type OpsLogEntry struct {
	ID         string         `json:"id"`
	Level      LogLevel       `json:"level"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"owner_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
