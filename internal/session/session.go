// Package session defines the capability an instance uses to reach the messaging network.
package session

import (
	"context"
	"errors"
	"time"

	"waflow/internal/domain"
)

var ErrNotConnected = errors.New("session not connected")

// Content is what gets delivered to one target. MediaPath, when set, points at a local file.
type Content struct {
	Text      string
	MediaPath string
}

type Receipt struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Hooks receive lifecycle signals from a session. Implementations may call them from any goroutine.
type Hooks struct {
	OnQR            func(code string)
	OnAuthenticated func()
	OnReady         func(phone string)
	OnDisconnected  func(reason string)
	OnError         func(err error)
}

func (h Hooks) QR(code string) {
	if h.OnQR != nil {
		h.OnQR(code)
	}
}

func (h Hooks) Authenticated() {
	if h.OnAuthenticated != nil {
		h.OnAuthenticated()
	}
}

func (h Hooks) Ready(phone string) {
	if h.OnReady != nil {
		h.OnReady(phone)
	}
}

func (h Hooks) Disconnected(reason string) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

func (h Hooks) Error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Session is one live connection to an external account.
// Connect returns once the connection attempt is under way; progress arrives through Hooks.
type Session interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, target string, c Content) (Receipt, error)
	Close() error
}

// Factory builds a fresh session bound to the instance's storage path.
type Factory interface {
	New(inst domain.Instance, hooks Hooks) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(inst domain.Instance, hooks Hooks) (Session, error)

func (f FactoryFunc) New(inst domain.Instance, hooks Hooks) (Session, error) { return f(inst, hooks) }
