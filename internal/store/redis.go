package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
)

// RedisConfig describes the Redis connection of a RedisStore.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RedisStore keeps every record as a JSON field of one hash, so a set of
// records is written with a single MULTI/EXEC.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect to redis")
	}
	return NewRedisStoreWithClient(client, cfg.Key), nil
}

// NewRedisStoreWithClient wraps an existing client. key defaults to
// "pluginhost:registrations".
func NewRedisStoreWithClient(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = "pluginhost:registrations"
	}
	return &RedisStore{client: client, key: key}
}

// Get implements plugin.Store.
func (s *RedisStore) Get(ctx context.Context, id artifact.ManifestID) (plugin.Record, error) {
	raw, err := s.client.HGet(ctx, s.key, id.String()).Result()
	if stdErrors.Is(err, redis.Nil) {
		return plugin.Record{}, missing(id)
	}
	if err != nil {
		return plugin.Record{}, xerrors.Wrapf(xerrors.CodeStorageFailure, err, "read registration %s", id)
	}
	return decodeRecord(raw)
}

// List implements plugin.Store. Records are ordered by manifest.
func (s *RedisStore) List(ctx context.Context) ([]plugin.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list registrations")
	}
	out := make([]plugin.Record, 0, len(fields))
	for _, raw := range fields {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// PutAll implements plugin.Store.
func (s *RedisStore) PutAll(ctx context.Context, records ...plugin.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validate(records); err != nil {
		return err
	}
	values := make([]any, 0, 2*len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "encode registration %s", rec.ID)
		}
		values = append(values, rec.ID.Manifest.String(), raw)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, values...)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write registrations")
	}
	return nil
}

// Delete implements plugin.Store. Deleting a missing record is not an error.
func (s *RedisStore) Delete(ctx context.Context, id artifact.ManifestID) error {
	if err := s.client.HDel(ctx, s.key, id.String()).Err(); err != nil {
		return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "delete registration %s", id)
	}
	return nil
}

// Close implements plugin.Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(raw string) (plugin.Record, error) {
	var rec plugin.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return plugin.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode registration")
	}
	return rec, nil
}
