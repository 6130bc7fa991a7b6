package registry

import (
	"context"
	"errors"
	"sync"
)

// Event is delivered to listeners subscribed to its topic.
type Event struct {
	Topic   string
	Payload any
}

// Listener handles events on one topic. An empty Topic receives every event.
type Listener struct {
	Topic  string
	Handle func(ctx context.Context, ev Event) error
}

type subscription struct {
	owner    string
	listener Listener
}

// Bus dispatches events synchronously to registered listeners in
// registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// RegisterListener subscribes l on behalf of owner.
func (b *Bus) RegisterListener(owner string, l Listener) {
	if l.Handle == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{owner: owner, listener: l})
}

// UnregisterListeners removes every listener owner registered and returns how many.
func (b *Bus) UnregisterListeners(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	removed := 0
	for _, s := range b.subs {
		if s.owner == owner {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	clear(b.subs[len(kept):])
	b.subs = kept
	return removed
}

// Listeners returns how many listeners owner holds. An empty owner counts all.
func (b *Bus) Listeners(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if owner == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.owner == owner {
			n++
		}
	}
	return n
}

// Publish delivers ev to every matching listener and joins their errors.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if s.listener.Topic != "" && s.listener.Topic != ev.Topic {
			continue
		}
		if err := s.listener.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
