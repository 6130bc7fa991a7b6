package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
)

func record(id string, required bool, props map[string]string) plugin.Record {
	return plugin.Record{
		ID:         artifact.MustParseID(id),
		Enabled:    required,
		Required:   required,
		Properties: props,
		UpdatedAt:  time.UnixMilli(1_700_000_000_000).UTC(),
	}
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), SQLConfig{Dialect: DialectSQLite, DSN: filepath.Join(t.TempDir(), "plugins.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stores returns every store under test. MySQL and Redis join when
// PLUGINHOST_TEST_MYSQL_DSN or PLUGINHOST_TEST_REDIS_ADDR point at a server.
func stores(t *testing.T) map[string]plugin.Store {
	out := map[string]plugin.Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLite(t),
	}
	ctx := context.Background()
	if dsn := os.Getenv("PLUGINHOST_TEST_MYSQL_DSN"); dsn != "" {
		s, err := OpenSQL(ctx, SQLConfig{Dialect: DialectMySQL, DSN: dsn})
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, "DELETE FROM plugin_properties")
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, "DELETE FROM plugin_registrations")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out["mysql"] = s
	}
	if addr := os.Getenv("PLUGINHOST_TEST_REDIS_ADDR"); addr != "" {
		key := fmt.Sprintf("pluginhost:test:%d", time.Now().UnixNano())
		s, err := NewRedisStore(ctx, RedisConfig{Address: addr, Key: key})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out["redis"] = s
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := record("acme:a:1.0.0", true, map[string]string{"color": "red"})
			b := record("acme:b:2.0.0", false, nil)
			require.NoError(t, s.PutAll(ctx, b, a))

			got, err := s.Get(ctx, a.ID.Manifest)
			require.NoError(t, err)
			assert.Equal(t, a.ID, got.ID)
			assert.True(t, got.Enabled)
			assert.True(t, got.Required)
			assert.Equal(t, map[string]string{"color": "red"}, got.Properties)
			assert.True(t, a.UpdatedAt.Equal(got.UpdatedAt))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "acme:a", list[0].ID.Manifest.String())
			assert.Equal(t, "acme:b", list[1].ID.Manifest.String())
			assert.False(t, list[1].Required)
			assert.Empty(t, list[1].Properties)
		})
	}
}

func TestStoreOverwriteReplacesProperties(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutAll(ctx, record("acme:a:1.0.0", true, map[string]string{"x": "1", "y": "2"})))
			next := record("acme:a:1.1.0", false, map[string]string{"y": "3"})
			require.NoError(t, s.PutAll(ctx, next))

			got, err := s.Get(ctx, next.ID.Manifest)
			require.NoError(t, err)
			assert.Equal(t, "1.1.0", got.ID.Version)
			assert.False(t, got.Enabled)
			assert.Equal(t, map[string]string{"y": "3"}, got.Properties)
		})
	}
}

func TestStoreMissingAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := artifact.NewManifestID("acme", "gone")
			_, err := s.Get(ctx, id)
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

			require.NoError(t, s.PutAll(ctx, record("acme:gone:1.0.0", true, map[string]string{"k": "v"})))
			require.NoError(t, s.Delete(ctx, id))
			require.NoError(t, s.Delete(ctx, id))
			_, err = s.Get(ctx, id)
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
		})
	}
}

func TestStoreRejectsUnversionedRecord(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.PutAll(context.Background(), record("acme:a:1.0.0", true, nil), plugin.Record{})
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
			list, err := s.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestMemoryStoreFailWrites(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("disk full")
	s.FailWrites(boom)
	err := s.PutAll(context.Background(), record("acme:a:1.0.0", true, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	s.FailWrites(nil)
	require.NoError(t, s.PutAll(context.Background(), record("acme:a:1.0.0", true, nil)))
}

func TestSQLStoreMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.db")
	ctx := context.Background()
	first, err := OpenSQL(ctx, SQLConfig{Dialect: DialectSQLite, DSN: path})
	require.NoError(t, err)
	require.NoError(t, first.PutAll(ctx, record("acme:a:1.0.0", true, nil)))
	require.NoError(t, first.Close())

	second, err := OpenSQL(ctx, SQLConfig{Dialect: DialectSQLite, DSN: path})
	require.NoError(t, err)
	defer second.Close()
	applied, err := second.loadAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Contains(t, applied, "0001")
	got, err := second.Get(ctx, artifact.NewManifestID("acme", "a"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.ID.Version)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a (x) ;\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)
	assert.Equal(t, "0002", parseMigrationVersion("0002_add_index.sql"))
	assert.Equal(t, "0003", parseMigrationVersion("0003.sql"))
}
