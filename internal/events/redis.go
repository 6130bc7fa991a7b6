package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/plugin"
)

// RedisConfig describes the pub/sub channel events are published on.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// RedisSink PUBLISHes JSON events.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "connect to redis")
	}
	return NewRedisSinkWithClient(client, cfg.Channel), nil
}

// NewRedisSinkWithClient wraps an existing client. channel defaults to
// "pluginhost:events".
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = "pluginhost:events"
	}
	return &RedisSink{client: client, channel: channel}
}

// Channel implements Sink.
func (s *RedisSink) Channel() Channel { return ChannelRedis }

// Publish implements plugin.EventSink.
func (s *RedisSink) Publish(ctx context.Context, ev plugin.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event")
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return xerrors.Wrapf(xerrors.CodePublishFailure, err, "publish %s", ev.Type)
	}
	return nil
}

// Close implements plugin.EventSink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
