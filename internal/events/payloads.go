package events

import (
	"time"

	"waflow/internal/domain"
)

// StatusPayload is published on TopicStatus.
type StatusPayload struct {
	InstanceID       string                `json:"instanceId"`
	OwnerID          string                `json:"ownerId"`
	Status           domain.InstanceStatus `json:"status"`
	Phone            string                `json:"phone,omitempty"`
	LastQRAt         *time.Time            `json:"lastQrAt,omitempty"`
	LastReadyAt      *time.Time            `json:"lastReadyAt,omitempty"`
	LastDisconnectAt *time.Time            `json:"lastDisconnectAt,omitempty"`
	LastErrorAt      *time.Time            `json:"lastErrorAt,omitempty"`
}

func StatusFromSnapshot(s domain.InstanceSnapshot) StatusPayload {
	return StatusPayload{
		InstanceID:       s.InstanceID,
		OwnerID:          s.OwnerID,
		Status:           s.Status,
		Phone:            s.Phone,
		LastQRAt:         s.LastQRAt,
		LastReadyAt:      s.LastReadyAt,
		LastDisconnectAt: s.LastDisconnectAt,
		LastErrorAt:      s.LastErrorAt,
	}
}

type QRPayload struct {
	InstanceID  string    `json:"instanceId"`
	OwnerID     string    `json:"ownerId"`
	QR          string    `json:"qr"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type CampaignProgressPayload struct {
	Campaign domain.Campaign       `json:"campaign"`
	Stats    domain.RecipientStats `json:"stats"`
}

type JobUpdatePayload struct {
	JobID      string           `json:"jobId"`
	Status     domain.JobStatus `json:"status"`
	InstanceID string           `json:"instanceId"`
	OwnerID    string           `json:"ownerId"`
	CampaignID string           `json:"campaignId,omitempty"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
}
