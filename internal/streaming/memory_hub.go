package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maraver/planline/internal/store"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan store.Document
	filter DocFilter
}

// MemoryHub is an in-memory DocHub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends a document to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the document is dropped.
func (h *MemoryHub) Publish(ctx context.Context, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, doc) {
			continue
		}
		select {
		case sub.ch <- doc:
		default:
			// backpressure: drop document for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given DocFilter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter DocFilter) (<-chan store.Document, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan store.Document, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the document passes the filter criteria.
func matchFilter(f DocFilter, d store.Document) bool {
	if f.RunID != "" && f.RunID != d.RunID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == d.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
