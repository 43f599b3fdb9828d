package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/domain"
	"waflow/internal/events"
	"waflow/internal/opslog"
	"waflow/internal/session"
	"waflow/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type readiness struct {
	mu    sync.Mutex
	ready map[string]bool
}

func (r *readiness) IsReady(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready[id]
}

func (r *readiness) set(id string, ok bool) {
	r.mu.Lock()
	r.ready[id] = ok
	r.mu.Unlock()
}

type handlerFunc func(ctx context.Context, job domain.QueueJob, c *domain.Campaign) (session.Receipt, error)

func (f handlerFunc) Handle(ctx context.Context, job domain.QueueJob, c *domain.Campaign) (session.Receipt, error) {
	return f(ctx, job, c)
}

type fixture struct {
	store  *store.Store
	clock  *clock
	ready  *readiness
	engine *Engine

	mu      sync.Mutex
	sends   []string
	sendErr func(target string) error
}

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		store: store.New(db),
		clock: &clock{t: t0},
		ready: &readiness{ready: map[string]bool{}},
	}
	bus := events.New()
	journal := opslog.New(f.store, bus)
	h := handlerFunc(func(ctx context.Context, job domain.QueueJob, c *domain.Campaign) (session.Receipt, error) {
		msg := job.Payload.(domain.SendMessage)
		f.mu.Lock()
		f.sends = append(f.sends, msg.Target)
		fail := f.sendErr
		f.mu.Unlock()
		if fail != nil {
			if err := fail(msg.Target); err != nil {
				return session.Receipt{}, err
			}
		}
		return session.Receipt{MessageID: "m-" + msg.Target}, nil
	})
	f.engine = New(cfg, f.store, f.ready, map[domain.JobKind]Handler{domain.KindSendMessage: h}, bus, journal, WithClock(f.clock.Now))
	return f
}

func (f *fixture) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fixture) campaign(t *testing.T, addrs ...string) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	in, err := f.store.CreateInstance(ctx, domain.Instance{OwnerID: "u1", Label: "main"})
	require.NoError(t, err)
	f.ready.set(in.ID, true)
	c, err := f.store.CreateCampaign(ctx, domain.Campaign{OwnerID: "u1", InstanceID: in.ID, Name: "promo", Message: "hello"})
	require.NoError(t, err)
	_, err = f.store.InsertRecipients(ctx, c.ID, addrs)
	require.NoError(t, err)
	n, err := f.engine.EnqueueCampaignJobs(ctx, "u1", c.ID)
	require.NoError(t, err)
	require.Equal(t, len(addrs), n)
	return c
}

func (f *fixture) jobs(t *testing.T, campaignID string) map[string]domain.QueueJob {
	t.Helper()
	list, err := f.store.ListCampaignJobs(context.Background(), campaignID)
	require.NoError(t, err)
	out := map[string]domain.QueueJob{}
	for _, j := range list {
		out[j.Payload.(domain.SendMessage).Target] = j
	}
	return out
}

func (f *fixture) recipients(t *testing.T, campaignID string) map[string]domain.Recipient {
	t.Helper()
	list, err := f.store.ListRecipients(context.Background(), campaignID)
	require.NoError(t, err)
	out := map[string]domain.Recipient{}
	for _, r := range list {
		out[r.Address] = r
	}
	return out
}

func (f *fixture) status(t *testing.T, campaignID string) domain.CampaignStatus {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), "", campaignID)
	require.NoError(t, err)
	return c.Status
}

func (f *fixture) logCount(t *testing.T, typ string) int {
	t.Helper()
	entries, err := f.store.ListOpsLogs(context.Background(), "u1", 500)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (f *fixture) tick(t *testing.T) int {
	t.Helper()
	n, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func TestEnqueueCreatesPausedJobs(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111", "222", "333")

	jobs := f.jobs(t, c.ID)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, domain.JobPaused, j.Status)
		assert.Equal(t, domain.KindSendMessage, j.Kind)
	}
	// paused jobs never dispatch
	assert.Zero(t, f.tick(t))
	assert.Empty(t, f.sent())
}

func TestStartResumesOnlyPausedJobs(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111", "222")
	ctx := context.Background()

	done := f.jobs(t, c.ID)["222"]
	_, err := f.store.DB().ExecContext(ctx, `UPDATE queue_jobs SET status='failed' WHERE id=?`, done.ID)
	require.NoError(t, err)

	started, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignRunning, started.Status)

	jobs := f.jobs(t, c.ID)
	assert.Equal(t, domain.JobPending, jobs["111"].Status)
	assert.Equal(t, domain.JobFailed, jobs["222"].Status)
}

func TestStartEnqueuesMissingJobs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	in, err := f.store.CreateInstance(ctx, domain.Instance{OwnerID: "u1", Label: "main"})
	require.NoError(t, err)
	f.ready.set(in.ID, true)
	c, err := f.store.CreateCampaign(ctx, domain.Campaign{OwnerID: "u1", InstanceID: in.ID, Name: "promo", Message: "hello"})
	require.NoError(t, err)
	_, err = f.store.InsertRecipients(ctx, c.ID, []string{"111"})
	require.NoError(t, err)
	require.Empty(t, f.jobs(t, c.ID))

	_, err = f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	jobs := f.jobs(t, c.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobPending, jobs["111"].Status)

	f.tick(t)
	assert.Equal(t, []string{"111"}, f.sent())
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))

	// a second start after completion does not rebuild jobs
	_, err = f.engine.StartCampaign(ctx, "u1", c.ID)
	assert.ErrorIs(t, err, ErrCampaignClosed)
	assert.Len(t, f.jobs(t, c.ID), 1)
}

func TestPacingSpacesSendsPerInstance(t *testing.T) {
	f := newFixture(t, Config{SendInterval: time.Second})
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, f.tick(t))
	assert.Equal(t, []string{"111"}, f.sent())

	jobs := f.jobs(t, c.ID)
	assert.Equal(t, domain.JobCompleted, jobs["111"].Status)
	assert.Equal(t, domain.JobPending, jobs["222"].Status)
	assert.GreaterOrEqual(t, jobs["222"].NextRunAt.UnixMilli(), t0.Add(time.Second).UnixMilli())
	assert.Zero(t, jobs["222"].Attempts)

	f.clock.Advance(500 * time.Millisecond)
	assert.Zero(t, f.tick(t))

	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, []string{"111", "222"}, f.sent())
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))
}

func TestRetryBackoffThenFailPausesCampaignOnce(t *testing.T) {
	f := newFixture(t, Config{SendInterval: time.Second, RetryDelay: 2 * time.Second, MaxAttempts: 3})
	f.sendErr = func(string) error { return errors.New("rejected") }
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	f.tick(t)
	job := f.jobs(t, c.ID)["111"]
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "rejected", job.LastError)
	assert.Equal(t, t0.Add(2*time.Second).UnixMilli(), job.NextRunAt.UnixMilli())
	assert.Equal(t, domain.RecipientRetry, f.recipients(t, c.ID)["111"].Status)

	f.clock.Advance(2 * time.Second)
	f.tick(t)
	job = f.jobs(t, c.ID)["111"]
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, t0.Add(6*time.Second).UnixMilli(), job.NextRunAt.UnixMilli())

	f.clock.Advance(4 * time.Second)
	f.tick(t)
	jobs := f.jobs(t, c.ID)
	assert.Equal(t, domain.JobFailed, jobs["111"].Status)
	assert.Equal(t, 3, jobs["111"].Attempts)
	// the sibling was pending and is parked with the campaign
	assert.Equal(t, domain.JobPaused, jobs["222"].Status)
	assert.Equal(t, 2, jobs["222"].Attempts)

	rs := f.recipients(t, c.ID)
	assert.Equal(t, domain.RecipientFailed, rs["111"].Status)
	assert.Equal(t, domain.RecipientRetry, rs["222"].Status)
	assert.Equal(t, domain.CampaignPaused, f.status(t, c.ID))
	assert.Equal(t, 1, f.logCount(t, "campaign_paused"))
	assert.Equal(t, 1, f.logCount(t, "queue_failed"))

	f.clock.Advance(time.Minute)
	assert.Zero(t, f.tick(t))
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	f.tick(t)
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))

	for i := 0; i < 3; i++ {
		_, err := f.engine.Reconcile(ctx, c.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))
	assert.Equal(t, 1, f.logCount(t, "campaign_completed"))

	_, err = f.engine.StartCampaign(ctx, "u1", c.ID)
	assert.ErrorIs(t, err, ErrCampaignClosed)
	_, err = f.engine.CancelCampaign(ctx, "u1", c.ID)
	assert.ErrorIs(t, err, ErrCampaignClosed)
}

func TestCancelWinsOverInFlightSend(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	f.sendErr = func(target string) error {
		_, err := f.engine.CancelCampaign(ctx, "u1", c.ID)
		return err
	}
	f.tick(t)

	// 222 was canceled before its turn and never reached the handler
	assert.Equal(t, []string{"111"}, f.sent())
	for _, j := range f.jobs(t, c.ID) {
		assert.Equal(t, domain.JobCanceled, j.Status)
	}
	for _, r := range f.recipients(t, c.ID) {
		assert.Equal(t, domain.RecipientCanceled, r.Status)
	}
	assert.Equal(t, domain.CampaignCanceled, f.status(t, c.ID))
	assert.Zero(t, f.logCount(t, "queue_sent"))

	again, err := f.engine.CancelCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCanceled, again.Status)
}

func TestPauseKeepsInFlightDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	f.sendErr = func(target string) error {
		if target != "111" {
			return nil
		}
		_, err := f.engine.PauseCampaign(ctx, "u1", c.ID)
		return err
	}
	f.tick(t)

	jobs := f.jobs(t, c.ID)
	assert.Equal(t, domain.JobCompleted, jobs["111"].Status)
	assert.Equal(t, domain.JobPaused, jobs["222"].Status)
	assert.Equal(t, domain.RecipientSent, f.recipients(t, c.ID)["111"].Status)
	assert.Equal(t, domain.CampaignPaused, f.status(t, c.ID))
	assert.Equal(t, 1, f.logCount(t, "queue_sent"))

	f.clock.Advance(time.Minute)
	_, err = f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	f.tick(t)

	// each recipient is delivered exactly once
	assert.Equal(t, []string{"111", "222"}, f.sent())
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))
}

func TestCancelOverridesRetryingRecipient(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	f.sendErr = func(string) error { return errors.New("rejected") }
	c := f.campaign(t, "111")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	f.tick(t)
	require.Equal(t, domain.RecipientRetry, f.recipients(t, c.ID)["111"].Status)
	require.Equal(t, domain.JobPending, f.jobs(t, c.ID)["111"].Status)

	canceled, err := f.engine.CancelCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCanceled, canceled.Status)
	assert.Equal(t, domain.RecipientCanceled, f.recipients(t, c.ID)["111"].Status)
	assert.Equal(t, domain.JobCanceled, f.jobs(t, c.ID)["111"].Status)

	stats, err := f.store.RecipientStats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientStats{Canceled: 1}, stats)

	f.clock.Advance(time.Minute)
	assert.Zero(t, f.tick(t))
}

func TestPauseParksPendingJobs(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	paused, err := f.engine.PauseCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignPaused, paused.Status)
	assert.Zero(t, f.tick(t))

	_, err = f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.tick(t))
	assert.Len(t, f.sent(), 1)
}

func TestNotReadyReschedulesWithoutAttempt(t *testing.T) {
	f := newFixture(t, Config{SendInterval: time.Second, NotReadyDelay: 3 * time.Second})
	c := f.campaign(t, "111")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)
	f.ready.set(c.InstanceID, false)

	f.tick(t)
	job := f.jobs(t, c.ID)["111"]
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, errInstanceNotReady, job.LastError)
	assert.Equal(t, t0.Add(3*time.Second).UnixMilli(), job.NextRunAt.UnixMilli())
	assert.Empty(t, f.sent())

	f.ready.set(c.InstanceID, true)
	f.clock.Advance(3 * time.Second)
	f.tick(t)
	assert.Equal(t, domain.JobCompleted, f.jobs(t, c.ID)["111"].Status)
}

func TestUnsupportedKindFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	in, err := f.store.CreateInstance(ctx, domain.Instance{OwnerID: "u1", Label: "main"})
	require.NoError(t, err)
	f.ready.set(in.ID, true)

	jobs, err := f.store.InsertJobs(ctx, []domain.QueueJob{{
		OwnerID:    "u1",
		InstanceID: in.ID,
		Status:     domain.JobPending,
		NextRunAt:  t0,
		Payload:    domain.UnknownPayload{JobKind: "send_fax", Raw: json.RawMessage(`{}`)},
	}})
	require.NoError(t, err)

	f.tick(t)
	got, err := f.store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Contains(t, got.LastError, ErrUnsupportedJob.Error())
}

func TestHandlerPanicBecomesRetry(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	f.sendErr = func(string) error { panic("boom") }
	c := f.campaign(t, "111", "222")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, f.tick(t))
	for _, j := range f.jobs(t, c.ID) {
		assert.Equal(t, domain.JobPending, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.Contains(t, j.LastError, "handler panic")
	}
}

func TestReconcileRepairsLostRecipientWrite(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.campaign(t, "111")
	ctx := context.Background()
	_, err := f.engine.StartCampaign(ctx, "u1", c.ID)
	require.NoError(t, err)

	// job outcome written, recipient update lost
	ok, err := f.store.CompleteJob(ctx, f.jobs(t, c.ID)["111"].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RecipientPending, f.recipients(t, c.ID)["111"].Status)

	n, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.RecipientSent, f.recipients(t, c.ID)["111"].Status)
	assert.Equal(t, domain.CampaignCompleted, f.status(t, c.ID))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	assert.True(t, f.engine.Start())
	assert.False(t, f.engine.Start())
	assert.True(t, f.engine.IsRunning())
	assert.True(t, f.engine.Stop())
	assert.False(t, f.engine.Stop())
	assert.False(t, f.engine.IsRunning())
}
