package engine

import (
	"sync"
	"time"
)

// pacer remembers the last successful send per instance.
type pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval, last: map[string]time.Time{}}
}

// nextSlot reports the earliest time instanceID may send again.
// ok is false when the instance may send at now.
func (p *pacer) nextSlot(instanceID string, now time.Time) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, seen := p.last[instanceID]
	if !seen {
		return time.Time{}, false
	}
	next := last.Add(p.interval)
	if now.Before(next) {
		return next, true
	}
	return time.Time{}, false
}

// earliest returns the later of t and the instance's next free slot.
func (p *pacer) earliest(instanceID string, t time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[instanceID]; ok {
		if next := last.Add(p.interval); next.After(t) {
			return next
		}
	}
	return t
}

func (p *pacer) record(instanceID string, at time.Time) {
	p.mu.Lock()
	p.last[instanceID] = at
	p.mu.Unlock()
}
