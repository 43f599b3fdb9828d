// Package sessiontest provides an in-memory session.Factory for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"waflow/internal/domain"
	"waflow/internal/session"
)

// Sent is one delivery observed by a fake session.
type Sent struct {
	InstanceID string
	Target     string
	Content    session.Content
	At         time.Time
}

// Factory builds fake sessions and keeps every one it created.
type Factory struct {
	mu sync.Mutex

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// NewErr, when set, is returned by New.
	NewErr error
	// SendFunc decides the outcome of each Send. Nil means success.
	SendFunc func(target string, c session.Content) error
	// AutoReady makes Connect fire OnReady synchronously.
	AutoReady bool
	// ConnectGate, when set, holds Connect until it is closed or ctx ends.
	ConnectGate chan struct{}

	sessions []*Session
	sent     []Sent
}

func (f *Factory) New(inst domain.Instance, hooks session.Hooks) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	s := &Session{factory: f, instanceID: inst.ID, Hooks: hooks}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Configure changes the factory settings while sessions may be running.
func (f *Factory) Configure(fn func(f *Factory)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Sessions returns every session created so far, oldest first.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Last returns the most recent session created for instanceID.
func (f *Factory) Last(instanceID string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		if f.sessions[i].instanceID == instanceID {
			return f.sessions[i]
		}
	}
	return nil
}

// Open counts sessions that were connected and not closed.
func (f *Factory) Open(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.instanceID == instanceID && s.isOpen() {
			n++
		}
	}
	return n
}

func (f *Factory) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

type Session struct {
	factory    *Factory
	instanceID string
	Hooks      session.Hooks

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (s *Session) Connect(ctx context.Context) error {
	s.factory.mu.Lock()
	err, auto, gate := s.factory.ConnectErr, s.factory.AutoReady, s.factory.ConnectGate
	s.factory.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	if auto {
		s.Hooks.Ready("5500000000")
	}
	return nil
}

func (s *Session) Send(ctx context.Context, target string, c session.Content) (session.Receipt, error) {
	if !s.isOpen() {
		return session.Receipt{}, session.ErrNotConnected
	}
	s.factory.mu.Lock()
	fn := s.factory.SendFunc
	s.factory.mu.Unlock()
	if fn != nil {
		if err := fn(target, c); err != nil {
			return session.Receipt{}, err
		}
	}
	now := time.Now()
	s.factory.mu.Lock()
	s.factory.sent = append(s.factory.sent, Sent{InstanceID: s.instanceID, Target: target, Content: c, At: now})
	n := len(s.factory.sent)
	s.factory.mu.Unlock()
	return session.Receipt{MessageID: fmt.Sprintf("msg-%d", n), Timestamp: now}, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}
