package store

import (
	"context"
	"strings"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/plugin"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = DialectSQLite
	DriverMySQL  = DialectMySQL
	DriverRedis  = "redis"
)

// Config selects and configures the registration store.
type Config struct {
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// Open builds the store named by cfg.Driver. An empty driver is the memory store.
func Open(ctx context.Context, cfg Config) (plugin.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQL(ctx, SQLConfig{Dialect: DialectSQLite, DSN: cfg.DSN})
	case DriverMySQL:
		return OpenSQL(ctx, SQLConfig{Dialect: DialectMySQL, DSN: cfg.DSN})
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "unsupported store driver %q", cfg.Driver)
	}
}
