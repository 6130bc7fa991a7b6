package events

import (
	"context"
	"errors"
	"fmt"
	"sort"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/plugin"
)

// Channel names a delivery target.
type Channel string

const (
	ChannelLog    Channel = "log"
	ChannelMemory Channel = "memory"
	ChannelAMQP   Channel = "amqp"
	ChannelRedis  Channel = "redis"
)

// Sink is an EventSink that knows its channel.
type Sink interface {
	plugin.EventSink
	Channel() Channel
}

// Fanout publishes every event to all of its sinks, one per channel.
type Fanout struct {
	sinks map[Channel]Sink
}

// NewFanout creates a Fanout. A later sink replaces an earlier one on the
// same channel.
func NewFanout(sinks ...Sink) *Fanout {
	set := make(map[Channel]Sink, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		set[s.Channel()] = s
	}
	return &Fanout{sinks: set}
}

// Channels lists the configured channels in name order.
func (f *Fanout) Channels() []Channel {
	out := make([]Channel, 0, len(f.sinks))
	for ch := range f.sinks {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Publish implements plugin.EventSink. Every sink is attempted.
func (f *Fanout) Publish(ctx context.Context, ev plugin.Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, ch := range f.Channels() {
		if err := f.sinks[ch].Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodePublishFailure, errors.Join(errs...), "publish "+string(ev.Type))
	}
	return nil
}

// Close implements plugin.EventSink.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, ch := range f.Channels() {
		if err := f.sinks[ch].Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
