package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/events"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   string
	published  []published
	publishErr error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = name
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func TestRelayForwardsSelectedTopics(t *testing.T) {
	ch := &fakeChannel{}
	r, err := New(ch, "", events.TopicStatus)
	require.NoError(t, err)
	assert.Equal(t, "waflow.events", ch.declared)

	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, bus)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers(events.TopicStatus) == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Topic: events.TopicOpsLog, OwnerID: "u1", Data: "ignored"})
	bus.Publish(events.Event{Topic: events.TopicStatus, OwnerID: "u1", Data: map[string]string{"status": "ready"}})

	require.Eventually(t, func() bool { return len(ch.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := ch.sent()[0]
	assert.Equal(t, "waflow.events", got.exchange)
	assert.Equal(t, "status.u1", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)

	var body struct {
		Topic   string            `json:"topic"`
		OwnerID string            `json:"ownerId"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, "status", body.Topic)
	assert.Equal(t, "ready", body.Data["status"])
}

func TestRelaySurvivesPublishErrors(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	r, err := New(ch, "x")
	require.NoError(t, err)

	assert.Error(t, r.forward(events.Event{Topic: events.TopicQR}))
	ch.publishErr = nil
	require.NoError(t, r.forward(events.Event{Topic: events.TopicQR}))
	assert.Equal(t, "qr", ch.sent()[0].key)
}
