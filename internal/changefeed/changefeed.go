// Package changefeed delivers entity change notifications to interested
// subscribers: the SSE stream used by the portal and cache invalidation.
// Delivery is best effort; slow subscribers lose events rather than block
// publishers.
package changefeed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/accredit/model"
)

// Feed publishes and subscribes to change events.
type Feed interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error

	// Subscribe returns events for entityID ("" for every entity). The
	// returned function unsubscribes; it is idempotent and also runs when
	// ctx ends. The channel is closed on unsubscribe.
	Subscribe(ctx context.Context, entityID string) (<-chan model.ChangeEvent, func())

	Ping(ctx context.Context) error
}

type subscriber struct {
	entityID string
	ch       chan model.ChangeEvent
}

// Hub is the in-process Feed.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64

	// OnSubscribers, when set, receives +1/-1 as subscriptions open and close.
	OnSubscribers func(delta float64)
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Publish delivers ev to subscribers of its entity and to wildcard
// subscribers. It never blocks.
func (h *Hub) Publish(_ context.Context, ev model.ChangeEvent) error {
	h.deliver(ev)
	return nil
}

func (h *Hub) deliver(ev model.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{ev.EntityID, ""} {
		for s := range h.subs[key] {
			select {
			case s.ch <- ev:
			default:
				h.dropped.Add(1)
			}
		}
		if ev.EntityID == "" {
			break
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, entityID string) (<-chan model.ChangeEvent, func()) {
	s := &subscriber{entityID: entityID, ch: make(chan model.ChangeEvent, h.buffer)}

	h.mu.Lock()
	if h.subs[entityID] == nil {
		h.subs[entityID] = make(map[*subscriber]struct{})
	}
	h.subs[entityID][s] = struct{}{}
	h.mu.Unlock()
	if h.OnSubscribers != nil {
		h.OnSubscribers(1)
	}

	var once sync.Once
	done := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs[entityID], s)
			if len(h.subs[entityID]) == 0 {
				delete(h.subs, entityID)
			}
			close(s.ch)
			h.mu.Unlock()
			if h.OnSubscribers != nil {
				h.OnSubscribers(-1)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()

	return s.ch, unsubscribe
}

func (h *Hub) Ping(context.Context) error { return nil }

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
