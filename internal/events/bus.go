package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Topic string

const (
	TopicStatus           Topic = "status"
	TopicQR               Topic = "qr"
	TopicCampaignProgress Topic = "campaign_progress"
	TopicQueueJobUpdate   Topic = "queue_job_update"
	TopicOpsLog           Topic = "ops_log"
)

// AllTopics lists every topic the core publishes.
var AllTopics = []Topic{TopicStatus, TopicQR, TopicCampaignProgress, TopicQueueJobUpdate, TopicOpsLog}

// Event is an in-memory notification. OwnerID scopes it to one user.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
//   - Nothing is persisted or replayed.
type Event struct {
	Topic   Topic     `json:"topic"`
	OwnerID string    `json:"owner_id,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data"`
}

type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers per topic.
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic]map[uint64]chan Event
	seq    atomic.Uint64
}

func New() *Bus {
	return &Bus{topics: map[Topic]map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// sends happen under the read lock; unsubscribe closes under the write lock
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[e.Topic] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel for the given topics, or every topic when none is given.
// The returned func unsubscribes and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	if len(topics) == 0 {
		topics = AllTopics
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	for _, t := range topics {
		subs, ok := b.topics[t]
		if !ok {
			subs = map[uint64]chan Event{}
			b.topics[t] = subs
		}
		subs[id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range topics {
				delete(b.topics[t], id)
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers reports how many subscriptions listen on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
