package send

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"waflow/internal/domain"
	"waflow/internal/engine"
	"waflow/internal/instances"
	"waflow/internal/session"
)

var (
	ErrNoContent = errors.New("MESSAGE_OR_MEDIA_REQUIRED")
	ErrNoTarget  = errors.New("TARGET_REQUIRED")
)

// Sessions resolves the live session of an instance.
type Sessions interface {
	Session(instanceID string) (session.Session, bool)
}

// Message delivers send_message jobs through the instance's live session.
type Message struct {
	sessions Sessions
	mediaDir string
}

// New returns the send_message handler. Relative media references resolve under mediaDir.
func New(sessions Sessions, mediaDir string) *Message {
	return &Message{sessions: sessions, mediaDir: mediaDir}
}

func (h *Message) Handle(ctx context.Context, job domain.QueueJob, c *domain.Campaign) (session.Receipt, error) {
	msg, ok := job.Payload.(domain.SendMessage)
	if !ok {
		return session.Receipt{}, fmt.Errorf("%w: %s", engine.ErrUnsupportedJob, job.Kind)
	}
	if msg.Target == "" {
		return session.Receipt{}, ErrNoTarget
	}

	text, media := msg.Message, msg.MediaRef
	if c != nil {
		if text == "" {
			text = c.Message
		}
		if media == "" {
			media = c.MediaRef
		}
	}
	if text == "" && media == "" {
		return session.Receipt{}, ErrNoContent
	}

	sess, ok := h.sessions.Session(job.InstanceID)
	if !ok {
		return session.Receipt{}, instances.ErrNoSession
	}
	return sess.Send(ctx, msg.Target, session.Content{Text: text, MediaPath: h.resolve(media)})
}

func (h *Message) resolve(ref string) string {
	if ref == "" || filepath.IsAbs(ref) || h.mediaDir == "" {
		return ref
	}
	return filepath.Join(h.mediaDir, filepath.Clean("/"+ref))
}
