package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"PluginHost/internal/auth"
	xerrors "PluginHost/internal/errors"
	"PluginHost/internal/events"
	"PluginHost/internal/repository"
	"PluginHost/internal/store"
	"PluginHost/internal/tracing"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

// EnvPrefix prefixes environment overrides, e.g. PLUGINHOST_SERVER_ADDRESS.
const EnvPrefix = "PLUGINHOST"

// Config is everything the host needs at start-up.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Logging    logger.Config        `mapstructure:"logging"`
	Repository RepositoryConfig     `mapstructure:"repository"`
	Store      store.Config         `mapstructure:"store"`
	Events     events.Config        `mapstructure:"events"`
	Tracing    tracing.Config       `mapstructure:"tracing"`
	Auth       auth.Config          `mapstructure:"auth"`
	Plugins    plugin.ManagerConfig `mapstructure:"plugins"`
}

// ServerConfig controls the admin API listener.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// MetricsAddress serves /metrics on its own listener when set.
	MetricsAddress string `mapstructure:"metrics_address"`
}

// RepositoryConfig points at the local artifact repository.
type RepositoryConfig struct {
	Dir             string `mapstructure:"dir"`
	CacheDir        string `mapstructure:"cache_dir"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	Watch           bool   `mapstructure:"watch"`
}

// Local converts the section into repository options.
func (r RepositoryConfig) Local() repository.LocalConfig {
	return repository.LocalConfig{
		Root:     r.Dir,
		CacheDir: r.CacheDir,
		CacheTTL: time.Duration(r.CacheTTLSeconds) * time.Second,
		Watch:    r.Watch,
	}
}

var defaults = map[string]any{
	"server.address":               ":8080",
	"logging.level":                "info",
	"logging.format":               "text",
	"repository.dir":               "repository",
	"repository.cache_ttl_seconds": 300,
	"repository.watch":             false,
	"store.driver":                 store.DriverSQLite,
	"store.dsn":                    filepath.Join("data", "pluginhost.db"),
	"events.sinks":                 []string{string(events.ChannelLog)},
	"tracing.enabled":              false,
	"tracing.exporter":             "none",
	"tracing.sample_rate":          1.0,
	"tracing.service_name":         "pluginhost",
	"auth.mode":                    string(auth.ModeDisabled),
	"plugins.load_timeout_seconds": 30,
	"plugins.enable_on_install":    false,
}

// Load reads path, applies environment overrides and fills defaults. An
// empty path loads defaults and environment only, relative to the working
// directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Wrapf(xerrors.CodeConfiguration, err, "read config %s", path)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "decode config")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings no component can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "server.address must not be empty")
	}
	if strings.TrimSpace(c.Repository.Dir) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "repository.dir must not be empty")
	}
	if c.Repository.CacheTTLSeconds < 0 {
		return xerrors.New(xerrors.CodeConfiguration, "repository.cache_ttl_seconds must not be negative")
	}
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverMemory, store.DriverSQLite, store.DriverMySQL, store.DriverRedis:
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "unsupported store driver %q", c.Store.Driver)
	}
	if c.Plugins.LoadTimeoutSeconds < 0 {
		return xerrors.New(xerrors.CodeConfiguration, "plugins.load_timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults(baseDir string) {
	c.Repository.Dir = resolve(baseDir, c.Repository.Dir)
	if c.Repository.CacheDir == "" {
		c.Repository.CacheDir = filepath.Join(c.Repository.Dir, ".cache")
	} else {
		c.Repository.CacheDir = resolve(baseDir, c.Repository.CacheDir)
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == store.DriverSQLite && c.Store.DSN != ":memory:" && !strings.HasPrefix(c.Store.DSN, "file:") {
		c.Store.DSN = resolve(baseDir, c.Store.DSN)
	}

	for i, out := range c.Logging.OutputPaths {
		if !strings.EqualFold(out, "stdout") && !strings.EqualFold(out, "stderr") {
			c.Logging.OutputPaths[i] = resolve(baseDir, out)
		}
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join("logs", "audit.log")
		}
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
