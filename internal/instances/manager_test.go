package instances

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/domain"
	"waflow/internal/events"
	"waflow/internal/opslog"
	"waflow/internal/session/sessiontest"
	"waflow/internal/store"
)

type fixture struct {
	store   *store.Store
	bus     *events.Bus
	factory *sessiontest.Factory
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	bus := events.New()
	f := &sessiontest.Factory{}
	mgr := NewManager(Config{SessionsDir: filepath.Join(dir, "sessions"), ReconnectDelay: 10 * time.Millisecond}, st, f, bus, opslog.New(st, bus))
	t.Cleanup(mgr.Close)
	return &fixture{store: st, bus: bus, factory: f, mgr: mgr}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestCreatePersistsStoppedWithSessionPath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStopped, in.Status)
	assert.Equal(t, filepath.Join(fx.mgr.cfg.SessionsDir, "app", "user_u1", "instance_"+in.ID), in.SessionPath)

	st, ok := fx.mgr.Status(in.ID)
	require.True(t, ok)
	assert.Equal(t, domain.InstanceStopped, st)

	_, err = fx.mgr.Get(ctx, "u2", in.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartReachesReadyAndPublishes(t *testing.T) {
	fx := newFixture(t)
	fx.factory.AutoReady = true
	ctx := context.Background()
	ch, unsub := fx.bus.Subscribe(32, events.TopicStatus)
	defer unsub()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)

	assert.True(t, fx.mgr.IsReady(in.ID))
	_, ok := fx.mgr.Session(in.ID)
	assert.True(t, ok)
	assert.DirExists(t, in.SessionPath)

	persisted, err := fx.store.GetInstance(ctx, "u1", in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceReady, persisted.Status)
	assert.Equal(t, "5500000000", persisted.Phone)
	assert.NotNil(t, persisted.LastReadyAt)

	var seen []domain.InstanceStatus
	for _, e := range drain(ch) {
		assert.Equal(t, "u1", e.OwnerID)
		seen = append(seen, e.Data.(events.StatusPayload).Status)
	}
	assert.Equal(t, []domain.InstanceStatus{domain.InstanceStopped, domain.InstanceInitializing, domain.InstanceReady}, seen)
}

func TestQRRefreshKeepsStatusAndLogsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	qrCh, unsub := fx.bus.Subscribe(8, events.TopicQR)
	defer unsub()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)

	sess := fx.factory.Last(in.ID)
	require.NotNil(t, sess)
	sess.Hooks.QR("code-1")
	sess.Hooks.QR("code-2")

	code, ok := fx.mgr.QR(in.ID)
	require.True(t, ok)
	assert.Equal(t, "code-2", code)
	assert.Len(t, drain(qrCh), 2)

	logs, err := fx.store.ListOpsLogs(ctx, "u1", 50)
	require.NoError(t, err)
	qrLogs := 0
	for _, l := range logs {
		if l.Type == "instance_qr" {
			qrLogs++
		}
	}
	assert.Equal(t, 1, qrLogs)

	sess.Hooks.Authenticated()
	_, ok = fx.mgr.QR(in.ID)
	assert.False(t, ok)
}

func TestRestartNeverLeavesTwoSessions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)
	first := fx.factory.Last(in.ID)

	_, err = fx.mgr.Stop(ctx, "u1", in.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)

	assert.True(t, first.Closed())
	assert.Equal(t, 1, fx.factory.Open(in.ID))
	assert.Len(t, fx.factory.Sessions(), 3)

	// the torn-down session can no longer move the instance
	first.Hooks.Ready("999")
	st, _ := fx.mgr.Status(in.ID)
	assert.Equal(t, domain.InstanceInitializing, st)
}

func TestStopPersistsStoppedAndDetaches(t *testing.T) {
	fx := newFixture(t)
	fx.factory.AutoReady = true
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)
	sess := fx.factory.Last(in.ID)

	out, err := fx.mgr.Stop(ctx, "u1", in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStopped, out.Status)
	_, ok := fx.mgr.Session(in.ID)
	assert.False(t, ok)
	assert.True(t, sess.Closed())

	sess.Hooks.Disconnected("late")
	st, _ := fx.mgr.Status(in.ID)
	assert.Equal(t, domain.InstanceStopped, st)

	persisted, err := fx.store.GetInstance(ctx, "u1", in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStopped, persisted.Status)
}

func TestConnectFailureRecordsErrorThenReconnects(t *testing.T) {
	fx := newFixture(t)
	fx.factory.ConnectErr = errors.New("socket refused")
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)

	st, _ := fx.mgr.Status(in.ID)
	assert.Equal(t, domain.InstanceError, st)
	_, ok := fx.mgr.Session(in.ID)
	assert.False(t, ok)

	persisted, err := fx.store.GetInstance(ctx, "u1", in.ID)
	require.NoError(t, err)
	assert.NotNil(t, persisted.LastErrorAt)

	setHealthy(fx.factory)
	require.Eventually(t, func() bool { return fx.mgr.IsReady(in.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectSchedulesReconnectUnlessStopped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)

	fx.mgr.cfg.ReconnectDelay = time.Second
	fx.factory.Last(in.ID).Hooks.Disconnected("network")
	_, err = fx.mgr.Stop(ctx, "u1", in.ID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	st, _ := fx.mgr.Status(in.ID)
	assert.Equal(t, domain.InstanceStopped, st)
	assert.Len(t, fx.factory.Sessions(), 1)
}

func TestRestoreRestartsNonStoppedInstances(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	running, err := fx.store.CreateInstance(ctx, domain.Instance{OwnerID: "u1", Label: "a"})
	require.NoError(t, err)
	require.NoError(t, fx.store.SaveInstanceState(ctx, domain.InstanceSnapshot{InstanceID: running.ID, Status: domain.InstanceReady}))
	idle, err := fx.store.CreateInstance(ctx, domain.Instance{OwnerID: "u1", Label: "b"})
	require.NoError(t, err)

	n, err := fx.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, ok := fx.mgr.Status(idle.ID)
	require.True(t, ok)
	assert.Equal(t, domain.InstanceStopped, st)
	st, _ = fx.mgr.Status(running.ID)
	assert.Equal(t, domain.InstanceInitializing, st)

	backfilled, err := fx.store.GetInstance(ctx, "", idle.ID)
	require.NoError(t, err)
	assert.Equal(t, fx.mgr.SessionPath("u1", idle.ID), backfilled.SessionPath)
}

func setHealthy(f *sessiontest.Factory) {
	f.Configure(func(f *sessiontest.Factory) {
		f.ConnectErr = nil
		f.AutoReady = true
	})
}

func TestStartWhileStartingIsNoop(t *testing.T) {
	fx := newFixture(t)
	gate := make(chan struct{})
	fx.factory.ConnectGate = gate
	fx.factory.AutoReady = true
	ctx := context.Background()

	in, err := fx.mgr.Create(ctx, "u1", "main")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := fx.mgr.Start(ctx, "u1", in.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(fx.factory.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	// the first start is parked in Connect
	got, err := fx.mgr.Start(ctx, "u1", in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceInitializing, got.Status)
	assert.Len(t, fx.factory.Sessions(), 1)

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first start did not return")
	}
	assert.Len(t, fx.factory.Sessions(), 1)
	assert.True(t, fx.mgr.IsReady(in.ID))
	assert.Equal(t, 1, fx.factory.Open(in.ID))
}
