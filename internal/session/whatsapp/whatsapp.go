// Package whatsapp implements session.Session on top of a multi-device WhatsApp client.
// Each instance keeps its device keys in a sqlite file under its session path.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"waflow/internal/domain"
	"waflow/internal/session"
)

// Factory opens one device store per instance.
type Factory struct {
	LogLevel string
}

func NewFactory(logLevel string) *Factory {
	if logLevel == "" {
		logLevel = "WARN"
	}
	return &Factory{LogLevel: strings.ToUpper(logLevel)}
}

func (f *Factory) New(inst domain.Instance, hooks session.Hooks) (session.Session, error) {
	if inst.SessionPath == "" {
		return nil, errors.New("instance has no session path")
	}
	return &Session{
		instanceID: inst.ID,
		path:       inst.SessionPath,
		logLevel:   f.LogLevel,
		hooks:      hooks,
	}, nil
}

type Session struct {
	instanceID string
	path       string
	logLevel   string
	hooks      session.Hooks

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	cancel    context.CancelFunc
}

func (s *Session) Connect(ctx context.Context) error {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	short := s.instanceID
	if len(short) > 12 {
		short = short[:12]
	}
	dsn := "file:" + filepath.Join(s.path, "device.db") + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Stdout("DB-"+short, s.logLevel, true))
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client-"+short, s.logLevel, true))
	client.AddEventHandler(s.handleEvent)

	// the QR channel outlives the caller's context
	qrCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.container, s.client, s.cancel = container, client, cancel
	s.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go s.watchQR(qrChan)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.hooks.QR(item.Code)
		case "success":
			s.hooks.Authenticated()
		case "timeout":
			s.hooks.Disconnected("qr_timeout")
		default:
			if item.Error != nil {
				s.hooks.Error(item.Error)
			}
		}
	}
}

func (s *Session) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		s.hooks.Authenticated()
	case *events.Connected:
		phone := ""
		if c := s.currentClient(); c != nil && c.Store.ID != nil {
			phone = c.Store.ID.User
		}
		s.hooks.Ready(phone)
	case *events.Disconnected:
		s.hooks.Disconnected("disconnected")
	case *events.LoggedOut:
		s.hooks.Disconnected(fmt.Sprintf("logged_out: %v", v.Reason))
	case *events.ConnectFailure:
		s.hooks.Error(fmt.Errorf("connect failure: %v %s", v.Reason, v.Message))
	case *events.StreamReplaced:
		s.hooks.Disconnected("stream_replaced")
	}
}

func (s *Session) currentClient() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Send delivers text, or media with the text as caption, to a phone number in digit form.
func (s *Session) Send(ctx context.Context, target string, c session.Content) (session.Receipt, error) {
	client := s.currentClient()
	if client == nil || !client.IsConnected() {
		return session.Receipt{}, session.ErrNotConnected
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	jid := types.NewJID(target, types.DefaultUserServer)

	msg := &waE2E.Message{}
	if c.MediaPath != "" {
		m, err := s.mediaMessage(ctx, client, c)
		if err != nil {
			return session.Receipt{}, err
		}
		msg = m
	} else {
		msg.ExtendedTextMessage = &waE2E.ExtendedTextMessage{Text: proto.String(c.Text)}
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("send message: %w", err)
	}
	return session.Receipt{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (s *Session) mediaMessage(ctx context.Context, client *whatsmeow.Client, c session.Content) (*waE2E.Message, error) {
	data, err := os.ReadFile(c.MediaPath)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(c.MediaPath)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if strings.HasPrefix(mimeType, "image/") {
		up, err := client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("upload media: %w", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(c.Text),
		}}, nil
	}

	up, err := client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		FileName:      proto.String(filepath.Base(c.MediaPath)),
		Caption:       proto.String(c.Text),
	}}, nil
}

// Close disconnects the client and releases the device store. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	client, container, cancel := s.client, s.container, s.cancel
	s.client, s.container, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.RemoveEventHandlers()
		client.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			log.Debug().Err(err).Str("instance_id", s.instanceID).Msg("close device store")
			return err
		}
	}
	return nil
}

var _ session.Session = (*Session)(nil)

// dialTimeout bounds how long Send waits when the caller passes no deadline.
const dialTimeout = 60 * time.Second

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dialTimeout)
}
