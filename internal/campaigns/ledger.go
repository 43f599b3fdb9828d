// Package campaigns keeps campaigns and their recipients, scoped by owner.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"waflow/internal/domain"
)

var ErrInvalidCampaign = errors.New("invalid campaign")

// ValidationError names the rule a campaign request broke. It matches ErrInvalidCampaign.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string { return "invalid campaign: " + e.Code }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidCampaign }

const (
	CodeInstanceAndNameRequired = "INSTANCE_AND_NAME_REQUIRED"
	CodeMessageOrMediaRequired  = "MESSAGE_OR_MEDIA_REQUIRED"
	CodeRecipientsRequired      = "RECIPIENTS_REQUIRED"
)

type Store interface {
	GetInstance(ctx context.Context, ownerID, id string) (domain.Instance, error)
	CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error)
	GetCampaign(ctx context.Context, ownerID, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID string) ([]domain.Campaign, error)
	InsertRecipients(ctx context.Context, campaignID string, addresses []string) ([]domain.Recipient, error)
	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	UpdateRecipientStatus(ctx context.Context, id string, status domain.RecipientStatus, errText string) error
	RecipientStats(ctx context.Context, campaignID string) (domain.RecipientStats, error)
}

type Ledger struct {
	store Store
}

func NewLedger(st Store) *Ledger {
	return &Ledger{store: st}
}

type NewCampaign struct {
	OwnerID    string
	InstanceID string
	Name       string
	Message    string
	MediaRef   string
}

// CreateCampaign validates the request and stores a draft campaign.
// The target instance must exist and belong to the same owner.
func (l *Ledger) CreateCampaign(ctx context.Context, req NewCampaign) (domain.Campaign, error) {
	req, err := l.check(ctx, req)
	if err != nil {
		return domain.Campaign{}, err
	}
	return l.create(ctx, req)
}

// Build creates a draft campaign together with its recipients. Nothing is stored when
// the request or the recipient list is invalid.
func (l *Ledger) Build(ctx context.Context, req NewCampaign, addresses []string) (domain.Campaign, []domain.Recipient, error) {
	req, err := l.check(ctx, req)
	if err != nil {
		return domain.Campaign{}, nil, err
	}
	if len(addresses) == 0 {
		return domain.Campaign{}, nil, &ValidationError{Code: CodeRecipientsRequired}
	}
	c, err := l.create(ctx, req)
	if err != nil {
		return domain.Campaign{}, nil, err
	}
	rs, err := l.store.InsertRecipients(ctx, c.ID, addresses)
	if err != nil {
		return c, nil, fmt.Errorf("add recipients: %w", err)
	}
	return c, rs, nil
}

func (l *Ledger) check(ctx context.Context, req NewCampaign) (NewCampaign, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.InstanceID == "" || req.Name == "" {
		return req, &ValidationError{Code: CodeInstanceAndNameRequired}
	}
	if req.Message == "" && req.MediaRef == "" {
		return req, &ValidationError{Code: CodeMessageOrMediaRequired}
	}
	if _, err := l.store.GetInstance(ctx, req.OwnerID, req.InstanceID); err != nil {
		return req, fmt.Errorf("instance %s: %w", req.InstanceID, err)
	}
	return req, nil
}

func (l *Ledger) create(ctx context.Context, req NewCampaign) (domain.Campaign, error) {
	return l.store.CreateCampaign(ctx, domain.Campaign{
		OwnerID:    req.OwnerID,
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Message:    req.Message,
		MediaRef:   req.MediaRef,
		Status:     domain.CampaignDraft,
	})
}

// AddRecipients stores each address as a pending recipient. Addresses are kept as given;
// duplicates produce duplicate recipients.
func (l *Ledger) AddRecipients(ctx context.Context, campaignID string, addresses []string) ([]domain.Recipient, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	return l.store.InsertRecipients(ctx, campaignID, addresses)
}

func (l *Ledger) Get(ctx context.Context, ownerID, id string) (domain.Campaign, error) {
	return l.store.GetCampaign(ctx, ownerID, id)
}

func (l *Ledger) List(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	return l.store.ListCampaigns(ctx, ownerID)
}

func (l *Ledger) Recipients(ctx context.Context, ownerID, campaignID string) ([]domain.Recipient, error) {
	if _, err := l.store.GetCampaign(ctx, ownerID, campaignID); err != nil {
		return nil, err
	}
	return l.store.ListRecipients(ctx, campaignID)
}

// RecipientStats returns the campaign's recipient counts, zero-filled.
func (l *Ledger) RecipientStats(ctx context.Context, ownerID, campaignID string) (domain.RecipientStats, error) {
	if _, err := l.store.GetCampaign(ctx, ownerID, campaignID); err != nil {
		return domain.RecipientStats{}, err
	}
	return l.store.RecipientStats(ctx, campaignID)
}

// Progress returns the campaign together with its recipient counts.
func (l *Ledger) Progress(ctx context.Context, ownerID, campaignID string) (domain.Campaign, domain.RecipientStats, error) {
	c, err := l.store.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return domain.Campaign{}, domain.RecipientStats{}, err
	}
	stats, err := l.store.RecipientStats(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, domain.RecipientStats{}, err
	}
	return c, stats, nil
}

func (l *Ledger) UpdateRecipientStatus(ctx context.Context, id string, status domain.RecipientStatus, errText string) error {
	switch status {
	case domain.RecipientPending, domain.RecipientSent, domain.RecipientFailed, domain.RecipientRetry, domain.RecipientCanceled:
	default:
		return fmt.Errorf("unknown recipient status %q", status)
	}
	return l.store.UpdateRecipientStatus(ctx, id, status, errText)
}
