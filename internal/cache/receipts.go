package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"waflow/internal/domain"
	"waflow/internal/session"
)

// Receipts keeps the provider receipt of each delivered job for a bounded time.
type Receipts struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReceipts(rdb *redis.Client, ttl time.Duration) *Receipts {
	return &Receipts{rdb: rdb, ttl: ttl}
}

type Receipt struct {
	JobID      string    `json:"jobId"`
	InstanceID string    `json:"instanceId"`
	CampaignID string    `json:"campaignId,omitempty"`
	Target     string    `json:"target,omitempty"`
	MessageID  string    `json:"messageId"`
	SentAt     time.Time `json:"sentAt"`
}

func receiptKey(jobID string) string { return "receipt:" + jobID }

func (c *Receipts) StoreReceipt(ctx context.Context, job domain.QueueJob, r session.Receipt) error {
	val := Receipt{
		JobID:      job.ID,
		InstanceID: job.InstanceID,
		CampaignID: job.CampaignID,
		MessageID:  r.MessageID,
		SentAt:     r.Timestamp.UTC(),
	}
	if msg, ok := job.Payload.(domain.SendMessage); ok {
		val.Target = msg.Target
	}
	if val.SentAt.IsZero() {
		val.SentAt = time.Now().UTC()
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, receiptKey(job.ID), b, c.ttl).Err()
}

// Lookup returns the cached receipt of jobID; ok is false when it expired or never existed.
func (c *Receipts) Lookup(ctx context.Context, jobID string) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %s: %w", jobID, err)
	}
	return r, true, nil
}
