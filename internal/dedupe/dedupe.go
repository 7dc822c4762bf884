// ABOUTME: TTL-bounded tracker of recently seen provider event ids
// ABOUTME: The relay consults it so redelivered inbound events post at most once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Tracker remembers which (tenant, provider event id) pairs have already been
// relayed. Entries expire after the TTL and the oldest entry is evicted when
// the tracker is full, so memory stays bounded under sustained traffic.
type Tracker struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // keys oldest-first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a tracker. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Tracker {
	t := &Tracker{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Seen atomically reports whether the event was already relayed for the
// tenant, marking it as relayed if not. The atomicity matters: two deliveries
// of the same event racing through the relay must disagree on the answer.
func (t *Tracker) Seen(tenantID, providerEventID string) bool {
	key := tenantID + "\x00" + providerEventID

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.seen[key]; ok && time.Since(e.seenAt) < t.ttl {
		return true
	}
	t.mark(key)
	return false
}

// mark records the key, evicting the oldest entry at capacity. Callers hold mu.
func (t *Tracker) mark(key string) {
	now := time.Now()

	if e, ok := t.seen[key]; ok {
		e.seenAt = now
		t.order.MoveToBack(e.element)
		return
	}

	if len(t.seen) >= t.maxSize {
		if front := t.order.Front(); front != nil {
			old, _ := front.Value.(string)
			t.order.Remove(front)
			delete(t.seen, old)
		}
	}

	t.seen[key] = &entry{seenAt: now, element: t.order.PushBack(key)}
}

// Forget clears the mark for an event so a later redelivery is not
// suppressed. The relay calls it when delivery ultimately fails: the event was
// dropped, so the provider's retry is the only copy that can still land.
func (t *Tracker) Forget(tenantID, providerEventID string) {
	key := tenantID + "\x00" + providerEventID

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.seen[key]; ok {
		t.order.Remove(e.element)
		delete(t.seen, key)
	}
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, e := range t.seen {
		if now.Sub(e.seenAt) > t.ttl {
			t.order.Remove(e.element)
			delete(t.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
