package events

import (
	"context"
	"strings"

	xerrors "PluginHost/internal/errors"
)

// Config lists the enabled channels and their settings.
type Config struct {
	Sinks []string    `mapstructure:"sinks"`
	AMQP  AMQPConfig  `mapstructure:"amqp"`
	Redis RedisConfig `mapstructure:"redis"`
}

// Open builds a Fanout over the configured channels. With no channels the
// audit log is used.
func Open(ctx context.Context, cfg Config) (*Fanout, error) {
	names := cfg.Sinks
	if len(names) == 0 {
		names = []string{string(ChannelLog)}
	}
	var sinks []Sink
	fail := func(err error) (*Fanout, error) {
		_ = NewFanout(sinks...).Close()
		return nil, err
	}
	for _, name := range names {
		switch Channel(strings.ToLower(strings.TrimSpace(name))) {
		case ChannelLog:
			sinks = append(sinks, NewLogSink(nil))
		case ChannelMemory:
			sinks = append(sinks, NewMemorySink())
		case ChannelAMQP:
			s, err := NewAMQPSink(cfg.AMQP)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		case ChannelRedis:
			s, err := NewRedisSink(ctx, cfg.Redis)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, s)
		default:
			return fail(xerrors.Newf(xerrors.CodeConfiguration, "unknown event sink %q", name))
		}
	}
	return NewFanout(sinks...), nil
}
