// Package instances owns one live session per messaging instance and keeps the
// authoritative in-memory view of each instance's connection state.
package instances

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"waflow/internal/domain"
	"waflow/internal/events"
	"waflow/internal/opslog"
	"waflow/internal/session"
	"waflow/internal/store"
)

var ErrNoSession = errors.New("instance has no live session")

type Store interface {
	CreateInstance(ctx context.Context, in domain.Instance) (domain.Instance, error)
	GetInstance(ctx context.Context, ownerID, id string) (domain.Instance, error)
	ListInstances(ctx context.Context, ownerID string) ([]domain.Instance, error)
	SaveInstanceState(ctx context.Context, snap domain.InstanceSnapshot) error
	SetSessionPath(ctx context.Context, id, path string) error
}

type Config struct {
	SessionsDir string
	// ReconnectDelay is the minimum wait before an automatic reconnect.
	ReconnectDelay time.Duration
	// ReconnectBackoff spaces reconnects once the burst of quick retries is spent.
	ReconnectBackoff time.Duration
}

type Manager struct {
	cfg     Config
	store   Store
	factory session.Factory
	bus     events.Publisher
	journal *opslog.Journal
	now     func() time.Time

	// persistMu keeps store writes in the same order as cache updates.
	persistMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]session.Session
	status   map[string]domain.InstanceSnapshot
	starting map[string]bool
	gen      map[string]uint64
	limiters map[string]*rate.Limiter
	timers   map[string]*time.Timer
	closed   bool
}

func NewManager(cfg Config, st Store, factory session.Factory, bus events.Publisher, journal *opslog.Journal) *Manager {
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join("data", "sessions")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ReconnectBackoff < cfg.ReconnectDelay {
		cfg.ReconnectBackoff = 6 * cfg.ReconnectDelay
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		factory:  factory,
		bus:      bus,
		journal:  journal,
		now:      time.Now,
		sessions: map[string]session.Session{},
		status:   map[string]domain.InstanceSnapshot{},
		starting: map[string]bool{},
		gen:      map[string]uint64{},
		limiters: map[string]*rate.Limiter{},
		timers:   map[string]*time.Timer{},
	}
}

// SessionPath is the storage directory of an instance's session.
func (m *Manager) SessionPath(ownerID, instanceID string) string {
	return filepath.Join(m.cfg.SessionsDir, "app", "user_"+ownerID, "instance_"+instanceID)
}

func (m *Manager) Create(ctx context.Context, ownerID, label string) (domain.Instance, error) {
	if ownerID == "" {
		return domain.Instance{}, errors.New("owner is required")
	}
	id := store.NewID("ins")
	in, err := m.store.CreateInstance(ctx, domain.Instance{
		ID:          id,
		OwnerID:     ownerID,
		Label:       label,
		Status:      domain.InstanceStopped,
		SessionPath: m.SessionPath(ownerID, id),
	})
	if err != nil {
		return domain.Instance{}, fmt.Errorf("create instance: %w", err)
	}

	m.mu.Lock()
	m.status[in.ID] = in.Snapshot()
	m.mu.Unlock()

	m.record(ctx, domain.LevelInfo, "instance_created", in.OwnerID, in.ID, "instance created", map[string]any{"label": label})
	m.publishStatus(in.Snapshot())
	return in, nil
}

func (m *Manager) Get(ctx context.Context, ownerID, id string) (domain.Instance, error) {
	in, err := m.store.GetInstance(ctx, ownerID, id)
	if err != nil {
		return domain.Instance{}, err
	}
	return m.overlay(in), nil
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]domain.Instance, error) {
	list, err := m.store.ListInstances(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = m.overlay(list[i])
	}
	return list, nil
}

// overlay refreshes the persisted record with the live snapshot.
func (m *Manager) overlay(in domain.Instance) domain.Instance {
	m.mu.Lock()
	snap, ok := m.status[in.ID]
	m.mu.Unlock()
	if !ok {
		return in
	}
	in.Status = snap.Status
	if snap.Phone != "" {
		in.Phone = snap.Phone
	}
	in.LastQRAt = snap.LastQRAt
	in.LastReadyAt = snap.LastReadyAt
	in.LastDisconnectAt = snap.LastDisconnectAt
	in.LastErrorAt = snap.LastErrorAt
	return in
}

// Start attaches a fresh session to the instance. A start already in flight for the
// same instance makes this call a no-op. Construction and connect failures are
// recorded as an error state followed by an automatic reconnect.
func (m *Manager) Start(ctx context.Context, ownerID, id string) (domain.Instance, error) {
	in, err := m.store.GetInstance(ctx, ownerID, id)
	if err != nil {
		return domain.Instance{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Instance{}, errors.New("instance manager closed")
	}
	if m.starting[id] {
		m.mu.Unlock()
		log.Debug().Str("instance_id", id).Msg("start already in progress")
		return m.overlay(in), nil
	}
	m.starting[id] = true
	m.gen[id]++
	g := m.gen[id]
	old := m.sessions[id]
	delete(m.sessions, id)
	m.cancelReconnectLocked(id)
	if _, ok := m.status[id]; !ok {
		m.status[id] = in.Snapshot()
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, id)
		m.mu.Unlock()
	}()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Str("instance_id", id).Msg("teardown of previous session failed")
		}
	}

	if in.SessionPath == "" {
		in.SessionPath = m.SessionPath(in.OwnerID, in.ID)
		if err := m.store.SetSessionPath(ctx, in.ID, in.SessionPath); err != nil {
			log.Warn().Err(err).Str("instance_id", id).Msg("persist session path")
		}
	}
	if err := os.MkdirAll(in.SessionPath, 0o755); err != nil {
		m.fail(in.ID, g, fmt.Errorf("create session dir: %w", err))
		return m.overlay(in), nil
	}

	m.transition(ctx, in.ID, g, func(s *domain.InstanceSnapshot) {
		s.Status = domain.InstanceInitializing
		s.Reason = ""
	})

	sess, err := m.factory.New(in, m.hooks(in.ID, g))
	if err != nil {
		m.fail(in.ID, g, fmt.Errorf("create session: %w", err))
		return m.overlay(in), nil
	}

	m.mu.Lock()
	if m.gen[id] != g || m.closed {
		m.mu.Unlock()
		_ = sess.Close()
		return m.overlay(in), nil
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[id] == sess {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		_ = sess.Close()
		m.fail(in.ID, g, fmt.Errorf("connect: %w", err))
		return m.overlay(in), nil
	}

	log.Info().Str("instance_id", id).Str("owner_id", in.OwnerID).Msg("instance starting")
	return m.overlay(in), nil
}

// Stop detaches the live session, if any, and persists the stopped state.
func (m *Manager) Stop(ctx context.Context, ownerID, id string) (domain.Instance, error) {
	in, err := m.store.GetInstance(ctx, ownerID, id)
	if err != nil {
		return domain.Instance{}, err
	}

	m.mu.Lock()
	m.gen[id]++
	old := m.sessions[id]
	delete(m.sessions, id)
	m.cancelReconnectLocked(id)
	if _, ok := m.status[id]; !ok {
		m.status[id] = in.Snapshot()
	}
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Str("instance_id", id).Msg("teardown failed")
		}
	}

	m.transition(ctx, id, 0, func(s *domain.InstanceSnapshot) {
		s.Status = domain.InstanceStopped
		s.QR = ""
		s.Reason = ""
	})
	m.record(ctx, domain.LevelInfo, "instance_stopped", in.OwnerID, id, "instance stopped", nil)
	return m.overlay(in), nil
}

// Status returns the cached status without touching the store.
func (m *Manager) Status(id string) (domain.InstanceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	return s.Status, ok
}

func (m *Manager) Snapshot(id string) (domain.InstanceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	return s, ok
}

// Snapshots returns the cached state of every instance owned by ownerID.
func (m *Manager) Snapshots(ownerID string) []domain.InstanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InstanceSnapshot, 0, len(m.status))
	for _, s := range m.status {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) IsReady(id string) bool {
	st, ok := m.Status(id)
	return ok && st == domain.InstanceReady
}

// Session returns the live handle. A handle can exist while the instance is not ready.
func (m *Manager) Session(id string) (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// QR returns the pending pairing code while the instance waits for a scan.
func (m *Manager) QR(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[id]
	if !ok || s.Status != domain.InstanceQR || s.QR == "" {
		return "", false
	}
	return s.QR, true
}

// Restore seeds the cache from the store and restarts every instance that was not stopped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	list, err := m.store.ListInstances(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}

	var toStart []domain.Instance
	m.mu.Lock()
	for _, in := range list {
		m.status[in.ID] = in.Snapshot()
		if in.Status != domain.InstanceStopped {
			toStart = append(toStart, in)
		}
	}
	m.mu.Unlock()

	for _, in := range list {
		if in.SessionPath != "" {
			continue
		}
		if err := m.store.SetSessionPath(ctx, in.ID, m.SessionPath(in.OwnerID, in.ID)); err != nil {
			log.Warn().Err(err).Str("instance_id", in.ID).Msg("backfill session path")
		}
	}

	started := 0
	for _, in := range toStart {
		if _, err := m.Start(ctx, in.OwnerID, in.ID); err != nil {
			log.Error().Err(err).Str("instance_id", in.ID).Msg("restore instance")
			continue
		}
		started++
	}
	log.Info().Int("instances", len(list)).Int("restarted", started).Msg("instances restored")
	return started, nil
}

// Close tears down every live session without persisting a stopped state,
// so the next Restore brings them back.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make(map[string]session.Session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
		m.gen[id]++
	}
	m.sessions = map[string]session.Session{}
	for id := range m.timers {
		m.cancelReconnectLocked(id)
	}
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Str("instance_id", id).Msg("close session")
		}
	}
}

func (m *Manager) hooks(id string, g uint64) session.Hooks {
	return session.Hooks{
		OnQR: func(code string) {
			ctx := context.Background()
			now := m.now()
			prev, snap, ok := m.transition(ctx, id, g, func(s *domain.InstanceSnapshot) {
				s.Status = domain.InstanceQR
				s.QR = code
				s.LastQRAt = &now
			})
			if !ok {
				return
			}
			if m.bus != nil {
				m.bus.Publish(events.Event{
					Topic:   events.TopicQR,
					OwnerID: snap.OwnerID,
					Data:    events.QRPayload{InstanceID: id, OwnerID: snap.OwnerID, QR: code, GeneratedAt: now},
				})
			}
			if prev != domain.InstanceQR {
				m.record(ctx, domain.LevelInfo, "instance_qr", snap.OwnerID, id, "waiting for QR scan", nil)
			}
		},
		OnAuthenticated: func() {
			ctx := context.Background()
			_, snap, ok := m.transition(ctx, id, g, func(s *domain.InstanceSnapshot) {
				s.Status = domain.InstanceAuthenticated
				s.QR = ""
			})
			if ok {
				m.record(ctx, domain.LevelInfo, "instance_authenticated", snap.OwnerID, id, "instance authenticated", nil)
			}
		},
		OnReady: func(phone string) {
			ctx := context.Background()
			now := m.now()
			_, snap, ok := m.transition(ctx, id, g, func(s *domain.InstanceSnapshot) {
				s.Status = domain.InstanceReady
				s.QR = ""
				s.Reason = ""
				if phone != "" {
					s.Phone = phone
				}
				s.LastReadyAt = &now
			})
			if ok {
				m.record(ctx, domain.LevelInfo, "instance_ready", snap.OwnerID, id, "instance ready", map[string]any{"phone": snap.Phone})
			}
		},
		OnDisconnected: func(reason string) {
			ctx := context.Background()
			now := m.now()
			_, snap, ok := m.transition(ctx, id, g, func(s *domain.InstanceSnapshot) {
				s.Status = domain.InstanceDisconnected
				s.Reason = reason
				s.LastDisconnectAt = &now
			})
			if !ok {
				return
			}
			m.record(ctx, domain.LevelWarning, "instance_disconnected", snap.OwnerID, id, "instance disconnected", map[string]any{"reason": reason})
			m.scheduleReconnect(id, snap.OwnerID, g)
		},
		OnError: func(err error) {
			m.fail(id, g, err)
		},
	}
}

// fail records an error state and schedules a reconnect.
func (m *Manager) fail(id string, g uint64, err error) {
	ctx := context.Background()
	now := m.now()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	_, snap, ok := m.transition(ctx, id, g, func(s *domain.InstanceSnapshot) {
		s.Status = domain.InstanceError
		s.Reason = msg
		s.LastErrorAt = &now
	})
	if !ok {
		return
	}
	m.record(ctx, domain.LevelError, "instance_error", snap.OwnerID, id, "instance error", map[string]any{"error": msg})
	m.scheduleReconnect(id, snap.OwnerID, g)
}

// transition applies mutate to the cached snapshot, persists it and publishes a status event.
// g == 0 applies unconditionally; otherwise a stale generation is ignored.
func (m *Manager) transition(ctx context.Context, id string, g uint64, mutate func(*domain.InstanceSnapshot)) (domain.InstanceStatus, domain.InstanceSnapshot, bool) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if g != 0 && m.gen[id] != g {
		m.mu.Unlock()
		log.Debug().Str("instance_id", id).Msg("ignoring event from stale session")
		return "", domain.InstanceSnapshot{}, false
	}
	snap := m.status[id]
	snap.InstanceID = id
	prev := snap.Status
	mutate(&snap)
	snap.UpdatedAt = m.now()
	m.status[id] = snap
	m.mu.Unlock()

	if err := m.store.SaveInstanceState(ctx, snap); err != nil {
		log.Error().Err(err).Str("instance_id", id).Str("status", string(snap.Status)).Msg("persist instance state")
	}
	log.Info().Str("instance_id", id).Str("from", string(prev)).Str("to", string(snap.Status)).Msg("instance status")
	m.publishStatus(snap)
	return prev, snap, true
}

func (m *Manager) publishStatus(snap domain.InstanceSnapshot) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Topic:   events.TopicStatus,
		OwnerID: snap.OwnerID,
		Data:    events.StatusFromSnapshot(snap),
	})
}

func (m *Manager) scheduleReconnect(id, ownerID string, g uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen[id] != g {
		return
	}
	if _, pending := m.timers[id]; pending {
		return
	}
	lim, ok := m.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.ReconnectBackoff), 3)
		m.limiters[id] = lim
	}
	delay := lim.Reserve().Delay()
	if delay < m.cfg.ReconnectDelay {
		delay = m.cfg.ReconnectDelay
	}

	log.Info().Str("instance_id", id).Dur("delay", delay).Msg("reconnect scheduled")
	m.timers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, id)
		stale := m.closed || m.gen[id] != g
		m.mu.Unlock()
		if stale {
			return
		}
		if _, err := m.Start(context.Background(), ownerID, id); err != nil {
			log.Error().Err(err).Str("instance_id", id).Msg("reconnect")
		}
	})
}

func (m *Manager) cancelReconnectLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) record(ctx context.Context, level domain.LogLevel, typ, ownerID, instanceID, msg string, meta map[string]any) {
	if m.journal == nil {
		return
	}
	_ = m.journal.Record(ctx, domain.OpsLogEntry{
		Level:      level,
		Type:       typ,
		OwnerID:    ownerID,
		InstanceID: instanceID,
		Message:    msg,
		Meta:       meta,
	})
}
