package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PluginHost/internal/auth"
	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/plugin"
)

const sample = `
server:
  address: 127.0.0.1:9090
repository:
  dir: artifacts
  cache_ttl_seconds: 60
  watch: true
store:
  driver: SQLite
  dsn: state/plugins.db
events:
  sinks: [log, memory]
auth:
  mode: token
  tokens:
    - name: ops
      token: secret
      permissions: ["*"]
plugins:
  api_version: pluginhost:api:1.2
  load_timeout_seconds: 5
  aliases:
    greeter: acme:greeter:1.0
  defaults:
    allowed_capabilities: [network]
logging:
  audit:
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pluginhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, sample)
	base := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
	assert.Equal(t, filepath.Join(base, "artifacts"), cfg.Repository.Dir)
	assert.Equal(t, filepath.Join(base, "artifacts", ".cache"), cfg.Repository.CacheDir)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(base, "state", "plugins.db"), cfg.Store.DSN)
	assert.Equal(t, filepath.Join(base, "logs", "audit.log"), cfg.Logging.Audit.Path)
	assert.Equal(t, []string{"log", "memory"}, cfg.Events.Sinks)

	assert.Equal(t, auth.ModeToken, cfg.Auth.Mode)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "ops", cfg.Auth.Tokens[0].Name)

	assert.Equal(t, "pluginhost:api:1.2", cfg.Plugins.API)
	assert.Equal(t, 5, cfg.Plugins.LoadTimeoutSeconds)
	assert.Equal(t, "acme:greeter:1.0", cfg.Plugins.Aliases["greeter"])
	assert.Equal(t, []plugin.Capability{"network"}, cfg.Plugins.Defaults.AllowedCapabilities)

	local := cfg.Repository.Local()
	assert.Equal(t, time.Minute, local.CacheTTL)
	assert.True(t, local.Watch)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "repository", cfg.Repository.Dir)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join("data", "pluginhost.db"), cfg.Store.DSN)
	assert.Equal(t, []string{"log"}, cfg.Events.Sinks)
	assert.Equal(t, auth.ModeDisabled, cfg.Auth.Mode)
	assert.Equal(t, 30, cfg.Plugins.LoadTimeoutSeconds)
	assert.Equal(t, "pluginhost", cfg.Tracing.ServiceName)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("PLUGINHOST_SERVER_ADDRESS", ":7000")
	t.Setenv("PLUGINHOST_STORE_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"bad yaml":       {body: "server: [", want: "read config"},
		"bad driver":     {body: "store:\n  driver: cassandra\n", want: `unsupported store driver "cassandra"`},
		"negative ttl":   {body: "repository:\n  cache_ttl_seconds: -1\n", want: "cache_ttl_seconds"},
		"empty address":  {body: "server:\n  address: \" \"\n", want: "server.address"},
		"negative limit": {body: "plugins:\n  load_timeout_seconds: -2\n", want: "load_timeout_seconds"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}
