package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"waflow/internal/domain"
)

// EnqueueCampaignJobs builds one paused send job per pending recipient.
// Nothing is scheduled until the campaign is started.
func (e *Engine) EnqueueCampaignJobs(ctx context.Context, ownerID, campaignID string) (int, error) {
	c, err := e.store.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return 0, err
	}
	if closed(c.Status) {
		return 0, ErrCampaignClosed
	}
	recipients, err := e.store.ListRecipients(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}

	now := e.now()
	jobs := make([]domain.QueueJob, 0, len(recipients))
	for _, r := range recipients {
		if r.Status != domain.RecipientPending {
			continue
		}
		jobs = append(jobs, domain.QueueJob{
			OwnerID:    c.OwnerID,
			InstanceID: c.InstanceID,
			CampaignID: c.ID,
			Status:     domain.JobPaused,
			NextRunAt:  now,
			Payload: domain.SendMessage{
				RecipientID: r.ID,
				Target:      r.Address,
				Message:     c.Message,
				MediaRef:    c.MediaRef,
			},
		})
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if _, err := e.store.InsertJobs(ctx, jobs); err != nil {
		return 0, fmt.Errorf("insert jobs: %w", err)
	}
	e.recordCampaign(ctx, domain.LevelInfo, "campaign_enqueued", c, "campaign jobs created", map[string]any{"jobs": len(jobs)})
	return len(jobs), nil
}

// StartCampaign resumes the campaign's paused jobs and marks it running.
// A campaign whose jobs were never created gets them first.
func (e *Engine) StartCampaign(ctx context.Context, ownerID, campaignID string) (domain.Campaign, error) {
	c, err := e.store.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if closed(c.Status) {
		return c, ErrCampaignClosed
	}
	counts, err := e.store.CountCampaignJobs(ctx, c.ID)
	if err != nil {
		return c, fmt.Errorf("count jobs: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		if _, err := e.EnqueueCampaignJobs(ctx, ownerID, c.ID); err != nil {
			return c, err
		}
	}
	n, err := e.store.ResumeCampaignJobs(ctx, c.ID, e.now())
	if err != nil {
		return c, fmt.Errorf("resume jobs: %w", err)
	}
	if err := e.store.SetCampaignStatus(ctx, c.ID, domain.CampaignRunning); err != nil {
		return c, err
	}
	c.Status = domain.CampaignRunning
	log.Info().Str("campaign_id", c.ID).Int("jobs", n).Msg("campaign started")
	e.recordCampaign(ctx, domain.LevelInfo, "campaign_started", c, "campaign started", map[string]any{"jobs": n})
	e.emitProgress(ctx, c)
	return c, nil
}

// PauseCampaign parks the campaign's pending jobs. Terminal jobs are left alone.
func (e *Engine) PauseCampaign(ctx context.Context, ownerID, campaignID string) (domain.Campaign, error) {
	c, err := e.store.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if closed(c.Status) {
		return c, ErrCampaignClosed
	}
	n, err := e.store.TransitionCampaignJobs(ctx, c.ID, domain.JobPending, domain.JobPaused)
	if err != nil {
		return c, fmt.Errorf("pause jobs: %w", err)
	}
	if err := e.store.SetCampaignStatus(ctx, c.ID, domain.CampaignPaused); err != nil {
		return c, err
	}
	c.Status = domain.CampaignPaused
	e.recordCampaign(ctx, domain.LevelInfo, "campaign_paused", c, "campaign paused", map[string]any{"jobs": n})
	e.emitProgress(ctx, c)
	return c, nil
}

// CancelCampaign cancels every non-terminal job and every recipient, sent ones included.
// A send already in flight finishes but its outcome is discarded.
func (e *Engine) CancelCampaign(ctx context.Context, ownerID, campaignID string) (domain.Campaign, error) {
	c, err := e.store.GetCampaign(ctx, ownerID, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	switch c.Status {
	case domain.CampaignCanceled:
		return c, nil
	case domain.CampaignCompleted:
		return c, ErrCampaignClosed
	}
	jobs, err := e.store.CancelCampaignJobs(ctx, c.ID)
	if err != nil {
		return c, fmt.Errorf("cancel jobs: %w", err)
	}
	recipients, err := e.store.CancelRecipients(ctx, c.ID)
	if err != nil {
		return c, fmt.Errorf("cancel recipients: %w", err)
	}
	if err := e.store.SetCampaignStatus(ctx, c.ID, domain.CampaignCanceled); err != nil {
		return c, err
	}
	c.Status = domain.CampaignCanceled
	e.recordCampaign(ctx, domain.LevelWarning, "campaign_canceled", c, "campaign canceled", map[string]any{
		"jobs":       jobs,
		"recipients": recipients,
	})
	e.emitProgress(ctx, c)
	return c, nil
}

// Reconcile repairs recipients whose job outcome was written but whose own update was lost,
// then re-derives the campaign's completion.
func (e *Engine) Reconcile(ctx context.Context, campaignID string) (int, error) {
	n, err := e.store.ReconcileRecipients(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Str("campaign_id", campaignID).Int("recipients", n).Msg("reconciled recipients")
	}
	e.checkCompletion(ctx, campaignID)
	return n, nil
}

// ReconcileAll reconciles every running or paused campaign.
func (e *Engine) ReconcileAll(ctx context.Context) (int, error) {
	list, err := e.store.ListCampaignsByStatus(ctx, domain.CampaignRunning, domain.CampaignPaused)
	if err != nil {
		return 0, fmt.Errorf("list open campaigns: %w", err)
	}
	total := 0
	for _, c := range list {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := e.Reconcile(ctx, c.ID)
		if err != nil {
			log.Error().Err(err).Str("campaign_id", c.ID).Msg("reconcile campaign")
			continue
		}
		total += n
	}
	return total, nil
}

func (e *Engine) emitProgress(ctx context.Context, c domain.Campaign) {
	stats, err := e.store.RecipientStats(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Str("campaign_id", c.ID).Msg("recipient stats")
		return
	}
	e.publishProgress(c, stats)
}

func closed(s domain.CampaignStatus) bool {
	return s == domain.CampaignCanceled || s == domain.CampaignCompleted
}
