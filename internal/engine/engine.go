// Package engine runs the dispatch loop that turns due queue jobs into paced sends
// and drives the job, recipient and campaign state machines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"waflow/internal/domain"
	"waflow/internal/events"
	"waflow/internal/opslog"
	"waflow/internal/session"
)

var (
	ErrUnsupportedJob = errors.New("unsupported job kind")
	ErrCampaignClosed = errors.New("campaign is canceled or completed")
)

const (
	errInstanceNotReady = "INSTANCE_NOT_READY"
	errSendFailed       = "SEND_FAILED"
)

type Store interface {
	InsertJobs(ctx context.Context, jobs []domain.QueueJob) ([]domain.QueueJob, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.QueueJob, error)
	GetJob(ctx context.Context, id string) (domain.QueueJob, error)
	RescheduleJob(ctx context.Context, id string, next time.Time, errText string) (bool, error)
	CompleteJob(ctx context.Context, id string) (bool, error)
	RetryJob(ctx context.Context, id string, attempts int, next time.Time, errText string) (bool, error)
	FailJob(ctx context.Context, id string, attempts int, errText string) (bool, error)
	TransitionCampaignJobs(ctx context.Context, campaignID string, from, to domain.JobStatus) (int, error)
	ResumeCampaignJobs(ctx context.Context, campaignID string, now time.Time) (int, error)
	CancelCampaignJobs(ctx context.Context, campaignID string) (int, error)
	CountCampaignJobs(ctx context.Context, campaignID string) (map[domain.JobStatus]int, error)

	GetCampaign(ctx context.Context, ownerID, id string) (domain.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	TransitionCampaign(ctx context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (bool, error)

	ListRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	RecordRecipientOutcome(ctx context.Context, id string, status domain.RecipientStatus, errText string) (bool, error)
	CancelRecipients(ctx context.Context, campaignID string) (int, error)
	RecipientStats(ctx context.Context, campaignID string) (domain.RecipientStats, error)
	ReconcileRecipients(ctx context.Context, campaignID string) (int, error)
}

// Readiness reports whether an instance can send right now.
type Readiness interface {
	IsReady(instanceID string) bool
}

// Handler performs one job. The campaign is nil for jobs without one.
type Handler interface {
	Handle(ctx context.Context, job domain.QueueJob, campaign *domain.Campaign) (session.Receipt, error)
}

// ReceiptSink keeps delivery receipts outside the store.
type ReceiptSink interface {
	StoreReceipt(ctx context.Context, job domain.QueueJob, r session.Receipt) error
}

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	SendInterval  time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	NotReadyDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 1200 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = c.SendInterval
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = c.SendInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 60 * time.Second
	}
	return c
}

type Option func(*Engine)

func WithReceipts(r ReceiptSink) Option { return func(e *Engine) { e.receipts = r } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	cfg      Config
	store    Store
	ready    Readiness
	handlers map[domain.JobKind]Handler
	bus      events.Publisher
	journal  *opslog.Journal
	receipts ReceiptSink
	now      func() time.Time
	pace     *pacer

	// tickMu keeps a single dispatch pass at a time.
	tickMu sync.Mutex

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, st Store, ready Readiness, handlers map[domain.JobKind]Handler, bus events.Publisher, journal *opslog.Journal, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if handlers == nil {
		handlers = map[domain.JobKind]Handler{}
	}
	e := &Engine{
		cfg:      cfg,
		store:    st,
		ready:    ready,
		handlers: handlers,
		bus:      bus,
		journal:  journal,
		now:      time.Now,
		pace:     newPacer(cfg.SendInterval),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register binds a handler to a job kind. Call before Start.
func (e *Engine) Register(kind domain.JobKind, h Handler) {
	e.handlers[kind] = h
}

// Start launches the dispatch loop. It reports false if the loop was already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)

	go func() {
		defer close(e.done)
		t := time.NewTicker(e.cfg.PollInterval)
		defer t.Stop()
		log.Info().Dur("poll", e.cfg.PollInterval).Dur("send_interval", e.cfg.SendInterval).Int("max_attempts", e.cfg.MaxAttempts).Msg("queue engine started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := e.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("queue tick")
				}
			}
		}
	}()
	return true
}

// Stop halts the loop and waits for the current pass to finish.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return false
	}
	e.cancel()
	<-e.done
	e.running.Store(false)
	log.Info().Msg("queue engine stopped")
	return true
}

func (e *Engine) IsRunning() bool { return e.running.Load() }

// Tick runs one dispatch pass over at most BatchSize due jobs and returns how many were examined.
// A failing job never aborts the pass.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	jobs, err := e.store.DueJobs(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due jobs: %w", err)
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.safeProcess(ctx, j)
	}
	return len(jobs), nil
}

func (e *Engine) safeProcess(ctx context.Context, job domain.QueueJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("job processing panic recovered")
		}
	}()
	if err := e.process(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("instance_id", job.InstanceID).Msg("process job")
	}
}

func (e *Engine) process(ctx context.Context, job domain.QueueJob) error {
	lg := log.With().Str("job_id", job.ID).Str("instance_id", job.InstanceID).Logger()
	now := e.now()

	if next, wait := e.pace.nextSlot(job.InstanceID, now); wait {
		if _, err := e.store.RescheduleJob(ctx, job.ID, next, ""); err != nil {
			return fmt.Errorf("reschedule for pacing: %w", err)
		}
		lg.Debug().Time("next_run_at", next).Msg("paced")
		return nil
	}

	if !e.ready.IsReady(job.InstanceID) {
		next := now.Add(e.cfg.NotReadyDelay)
		if _, err := e.store.RescheduleJob(ctx, job.ID, next, errInstanceNotReady); err != nil {
			return fmt.Errorf("reschedule not ready: %w", err)
		}
		lg.Debug().Time("next_run_at", next).Msg("instance not ready")
		return nil
	}

	// the job may have been paused or canceled since it was selected
	current, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if current.Status != domain.JobPending {
		lg.Info().Str("status", string(current.Status)).Msg("job left pending before send, skipping")
		return nil
	}
	job = current

	h, ok := e.handlers[job.Kind]
	if _, unknown := job.Payload.(domain.UnknownPayload); !ok || unknown {
		return e.fail(ctx, job, job.Attempts, fmt.Errorf("%w: %s", ErrUnsupportedJob, job.Kind))
	}

	var campaign *domain.Campaign
	if job.CampaignID != "" {
		c, err := e.store.GetCampaign(ctx, "", job.CampaignID)
		if err != nil {
			return fmt.Errorf("load campaign: %w", err)
		}
		campaign = &c
	}

	receipt, sendErr := e.invoke(ctx, h, job, campaign)
	if sendErr != nil {
		return e.retryOrFail(ctx, job, sendErr)
	}
	return e.succeed(ctx, job, receipt)
}

// invoke runs the handler under the send timeout and turns a panic into an error.
func (e *Engine) invoke(ctx context.Context, h Handler, job domain.QueueJob, c *domain.Campaign) (r session.Receipt, err error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(sendCtx, job, c)
}

func (e *Engine) succeed(ctx context.Context, job domain.QueueJob, receipt session.Receipt) error {
	sentAt := e.now()
	e.pace.record(job.InstanceID, sentAt)
	lg := log.With().Str("job_id", job.ID).Str("instance_id", job.InstanceID).Logger()

	changed, err := e.store.CompleteJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !changed {
		// canceled while the send was in flight; cancellation wins
		lg.Warn().Msg("job canceled during send, outcome discarded")
		return nil
	}

	msg, _ := job.Payload.(domain.SendMessage)
	if msg.RecipientID != "" {
		if _, err := e.store.RecordRecipientOutcome(ctx, msg.RecipientID, domain.RecipientSent, ""); err != nil {
			lg.Error().Err(err).Msg("mark recipient sent")
		}
	}
	if e.receipts != nil {
		if err := e.receipts.StoreReceipt(ctx, job, receipt); err != nil {
			lg.Warn().Err(err).Msg("store receipt")
		}
	}

	e.record(ctx, domain.LevelInfo, "queue_sent", job, "message sent", map[string]any{
		"job_id":     job.ID,
		"target":     msg.Target,
		"message_id": receipt.MessageID,
	})
	job.Status = domain.JobCompleted
	job.Attempts++
	e.publishJob(job, "")
	if job.CampaignID != "" {
		e.checkCompletion(ctx, job.CampaignID)
	}
	return nil
}

func (e *Engine) retryOrFail(ctx context.Context, job domain.QueueJob, sendErr error) error {
	attempts := job.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		return e.fail(ctx, job, attempts, sendErr)
	}

	errText := errorText(sendErr)
	// linear backoff, never earlier than the instance's next pacing slot
	next := e.pace.earliest(job.InstanceID, e.now().Add(time.Duration(attempts)*e.cfg.RetryDelay))
	changed, err := e.store.RetryJob(ctx, job.ID, attempts, next, errText)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if !changed {
		return nil
	}

	msg, _ := job.Payload.(domain.SendMessage)
	if msg.RecipientID != "" {
		if _, err := e.store.RecordRecipientOutcome(ctx, msg.RecipientID, domain.RecipientRetry, errText); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("mark recipient retry")
		}
	}
	e.record(ctx, domain.LevelWarning, "queue_retry", job, "send failed, retry scheduled", map[string]any{
		"job_id":      job.ID,
		"attempts":    attempts,
		"next_run_at": next.UnixMilli(),
		"error":       errText,
	})
	job.Status = domain.JobPending
	job.Attempts = attempts
	e.publishJob(job, errText)
	if job.CampaignID != "" {
		e.checkCompletion(ctx, job.CampaignID)
	}
	return nil
}

// fail resolves the job as failed and pauses its campaign for operator attention.
func (e *Engine) fail(ctx context.Context, job domain.QueueJob, attempts int, cause error) error {
	errText := errorText(cause)
	changed, err := e.store.FailJob(ctx, job.ID, attempts, errText)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if !changed {
		return nil
	}

	if msg, ok := job.Payload.(domain.SendMessage); ok && msg.RecipientID != "" {
		if _, err := e.store.RecordRecipientOutcome(ctx, msg.RecipientID, domain.RecipientFailed, errText); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("mark recipient failed")
		}
	}

	if job.CampaignID != "" {
		paused, err := e.store.TransitionCampaign(ctx, job.CampaignID, domain.CampaignPaused, domain.CampaignRunning)
		if err != nil {
			log.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("pause campaign")
		}
		if _, err := e.store.TransitionCampaignJobs(ctx, job.CampaignID, domain.JobPending, domain.JobPaused); err != nil {
			log.Error().Err(err).Str("campaign_id", job.CampaignID).Msg("pause campaign jobs")
		}
		if paused {
			e.record(ctx, domain.LevelWarning, "campaign_paused", job, "campaign paused after delivery failure", map[string]any{"job_id": job.ID})
		}
	}

	e.record(ctx, domain.LevelError, "queue_failed", job, "send failed permanently", map[string]any{
		"job_id":   job.ID,
		"attempts": attempts,
		"error":    errText,
	})
	job.Status = domain.JobFailed
	job.Attempts = attempts
	e.publishJob(job, errText)
	if job.CampaignID != "" {
		e.checkCompletion(ctx, job.CampaignID)
	}
	return nil
}

// checkCompletion derives campaign completion from recipient state and always emits progress.
func (e *Engine) checkCompletion(ctx context.Context, campaignID string) {
	stats, err := e.store.RecipientStats(ctx, campaignID)
	if err != nil {
		log.Error().Err(err).Str("campaign_id", campaignID).Msg("recipient stats")
		return
	}
	completed := false
	if stats.Outstanding() == 0 {
		completed, err = e.store.TransitionCampaign(ctx, campaignID, domain.CampaignCompleted, domain.CampaignRunning, domain.CampaignPaused)
		if err != nil {
			log.Error().Err(err).Str("campaign_id", campaignID).Msg("complete campaign")
		}
	}
	c, err := e.store.GetCampaign(ctx, "", campaignID)
	if err != nil {
		log.Error().Err(err).Str("campaign_id", campaignID).Msg("load campaign")
		return
	}
	if completed {
		e.recordCampaign(ctx, domain.LevelInfo, "campaign_completed", c, "campaign completed", map[string]any{
			"sent":   stats.Sent,
			"failed": stats.Failed,
		})
	}
	e.publishProgress(c, stats)
}

func (e *Engine) publishJob(job domain.QueueJob, errText string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Topic:   events.TopicQueueJobUpdate,
		OwnerID: job.OwnerID,
		Data: events.JobUpdatePayload{
			JobID:      job.ID,
			Status:     job.Status,
			InstanceID: job.InstanceID,
			OwnerID:    job.OwnerID,
			CampaignID: job.CampaignID,
			Attempts:   job.Attempts,
			LastError:  errText,
		},
	})
}

func (e *Engine) publishProgress(c domain.Campaign, stats domain.RecipientStats) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Topic:   events.TopicCampaignProgress,
		OwnerID: c.OwnerID,
		Data:    events.CampaignProgressPayload{Campaign: c, Stats: stats},
	})
}

func (e *Engine) record(ctx context.Context, level domain.LogLevel, typ string, job domain.QueueJob, msg string, meta map[string]any) {
	if e.journal == nil {
		return
	}
	_ = e.journal.Record(ctx, domain.OpsLogEntry{
		Level:      level,
		Type:       typ,
		OwnerID:    job.OwnerID,
		InstanceID: job.InstanceID,
		CampaignID: job.CampaignID,
		Message:    msg,
		Meta:       meta,
	})
}

func (e *Engine) recordCampaign(ctx context.Context, level domain.LogLevel, typ string, c domain.Campaign, msg string, meta map[string]any) {
	if e.journal == nil {
		return
	}
	_ = e.journal.Record(ctx, domain.OpsLogEntry{
		Level:      level,
		Type:       typ,
		OwnerID:    c.OwnerID,
		InstanceID: c.InstanceID,
		CampaignID: c.ID,
		Message:    msg,
		Meta:       meta,
	})
}

func errorText(err error) string {
	if err == nil || err.Error() == "" {
		return errSendFailed
	}
	return err.Error()
}
