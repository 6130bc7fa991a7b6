package events

import (
	"context"
	"log/slog"

	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

// LogSink writes one audit record per event.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink writes to l, or to the audit logger when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = logger.Audit()
	}
	return &LogSink{log: l}
}

// Channel implements Sink.
func (s *LogSink) Channel() Channel { return ChannelLog }

// Publish implements plugin.EventSink.
func (s *LogSink) Publish(ctx context.Context, ev plugin.Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("plugin", ev.Plugin),
		slog.Time("at", ev.Time),
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, string(ev.Type), attrs...)
	return nil
}

// Close implements plugin.EventSink.
func (s *LogSink) Close() error { return nil }
