package plugin

import (
	"context"
	"time"

	"github.com/google/uuid"

	"PluginHost/pkg/artifact"
)

// Event describes one lifecycle transition.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Plugin string    `json:"plugin"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with a fresh identifier.
func NewEvent(typ EventType, id artifact.ID, detail string) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		Plugin: id.String(),
		Time:   time.Now().UTC(),
		Detail: detail,
	}
}

// EventSink receives lifecycle events. Publish failures are logged by the
// manager and never fail the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Observer is told the outcome of every manager operation.
type Observer interface {
	Observe(op string, elapsed time.Duration, err error)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
func (nopSink) Close() error                         { return nil }

type nopObserver struct{}

func (nopObserver) Observe(string, time.Duration, error) {}
