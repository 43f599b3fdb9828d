package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoutesByTopic(t *testing.T) {
	b := New()
	statusCh, unsubStatus := b.Subscribe(4, TopicStatus)
	defer unsubStatus()
	allCh, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: TopicQR, OwnerID: "u1", Data: "code"})
	b.Publish(Event{Topic: TopicStatus, OwnerID: "u1", Data: "ready"})

	got := <-statusCh
	assert.Equal(t, TopicStatus, got.Topic)
	assert.False(t, got.Time.IsZero())
	assert.Empty(t, statusCh)

	first := <-allCh
	second := <-allCh
	assert.Equal(t, TopicQR, first.Topic)
	assert.Equal(t, TopicStatus, second.Topic)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, TopicOpsLog)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Topic: TopicOpsLog, Data: i})
	}
	require.Len(t, ch, 1)
	assert.Equal(t, 0, (<-ch).Data)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, TopicStatus, TopicQR)
	assert.Equal(t, 1, b.Subscribers(TopicQR))

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers(TopicStatus))

	assert.NotPanics(t, func() { b.Publish(Event{Topic: TopicStatus}) })
}

func TestPublishRacesWithUnsubscribe(t *testing.T) {
	b := New()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Topic: TopicOpsLog, OwnerID: "u1"})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		ch, unsub := b.Subscribe(1, TopicOpsLog)
		unsub()
		for range ch {
		}
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, b.Subscribers(TopicOpsLog))
}
