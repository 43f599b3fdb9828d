// Package relay forwards bus events to an AMQP exchange for consumers outside the process.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"waflow/internal/events"
)

// Channel is the publishing half of an *amqp.Channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Subscriber interface {
	Subscribe(buffer int, topics ...events.Topic) (<-chan events.Event, func())
}

// Relay publishes each event as JSON with routing key "<topic>.<owner>".
type Relay struct {
	ch       Channel
	exchange string
	topics   []events.Topic
}

type message struct {
	Topic   events.Topic `json:"topic"`
	OwnerID string       `json:"ownerId"`
	Time    time.Time    `json:"time"`
	Data    any          `json:"data"`
}

func New(ch Channel, exchange string, topics ...events.Topic) (*Relay, error) {
	if exchange == "" {
		exchange = "waflow.events"
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Relay{ch: ch, exchange: exchange, topics: topics}, nil
}

// Dial connects to url and opens the channel the relay publishes on.
func Dial(url, exchange string, topics ...events.Topic) (*Relay, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	r, err := New(ch, exchange, topics...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return r, conn, nil
}

// Run forwards events until ctx is done. Publish failures are logged and skipped.
func (r *Relay) Run(ctx context.Context, bus Subscriber) {
	sub, unsubscribe := bus.Subscribe(256, r.topics...)
	defer unsubscribe()
	log.Info().Str("exchange", r.exchange).Msg("event relay started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := r.forward(ev); err != nil {
				log.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("relay event")
			}
		}
	}
}

func (r *Relay) forward(ev events.Event) error {
	body, err := json.Marshal(message{Topic: ev.Topic, OwnerID: ev.OwnerID, Time: ev.Time, Data: ev.Data})
	if err != nil {
		return err
	}
	key := string(ev.Topic)
	if ev.OwnerID != "" {
		key += "." + ev.OwnerID
	}
	return r.ch.Publish(r.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Body:         body,
	})
}

func (r *Relay) Close() error { return r.ch.Close() }
