package events

import (
	"context"
	"slices"
	"sync"

	"PluginHost/pkg/plugin"
)

// MemorySink records events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []plugin.Event
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Channel implements Sink.
func (s *MemorySink) Channel() Channel { return ChannelMemory }

// Publish implements plugin.EventSink.
func (s *MemorySink) Publish(_ context.Context, ev plugin.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Close implements plugin.EventSink.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []plugin.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Types returns the event types published for plugin, in order.
func (s *MemorySink) Types(pluginID string) []plugin.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []plugin.EventType
	for _, ev := range s.events {
		if ev.Plugin == pluginID {
			out = append(out, ev.Type)
		}
	}
	return out
}
