// Package webhook implements session.Session by posting each message to an HTTP gateway.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"waflow/internal/domain"
	"waflow/internal/session"
)

type Factory struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

func NewFactory(url string) *Factory {
	return &Factory{URL: url, Timeout: 30 * time.Second}
}

func (f *Factory) New(inst domain.Instance, hooks session.Hooks) (session.Session, error) {
	if f.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	client := f.Client
	if client == nil {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Session{
		instanceID: inst.ID,
		phone:      inst.Phone,
		url:        f.URL,
		headers:    f.Headers,
		client:     client,
		hooks:      hooks,
	}, nil
}

type Session struct {
	instanceID string
	phone      string
	url        string
	headers    map[string]string
	client     *http.Client
	hooks      session.Hooks

	connected atomic.Bool
	closed    atomic.Bool
}

type sendRequest struct {
	InstanceID  string `json:"instanceId"`
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	MediaPath   string `json:"mediaPath,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Connect has no handshake; the gateway is considered ready right away.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return session.ErrNotConnected
	}
	s.connected.Store(true)
	go func() {
		if !s.closed.Load() {
			s.hooks.Ready(s.phone)
		}
	}()
	return nil
}

func (s *Session) Send(ctx context.Context, target string, c session.Content) (session.Receipt, error) {
	if !s.connected.Load() || s.closed.Load() {
		return session.Receipt{}, session.ErrNotConnected
	}
	reqBody, err := json.Marshal(sendRequest{
		InstanceID:  s.instanceID,
		PhoneNumber: target,
		Message:     c.Text,
		MediaPath:   c.MediaPath,
	})
	if err != nil {
		return session.Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return session.Receipt{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return session.Receipt{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return session.Receipt{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return session.Receipt{}, fmt.Errorf("missing messageId in response body=%q", string(body))
	}
	return session.Receipt{MessageID: sr.MessageID, Timestamp: time.Now()}, nil
}

func (s *Session) Close() error {
	s.closed.Store(true)
	s.connected.Store(false)
	return nil
}

var _ session.Session = (*Session)(nil)
