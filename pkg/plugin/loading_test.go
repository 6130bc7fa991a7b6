package plugin_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PluginHost/internal/repository"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
	"PluginHost/pkg/plugin/plugintest"
)

func newFake() plugin.Plugin { return &plugintest.Fake{} }

func TestLoadingContextChainOrder(t *testing.T) {
	env := plugintest.NewEnv()
	env.PublishLibrary("lib:text:1.0", map[string]any{"upper": "lib-upper", "shared": "lib-shared"},
		map[string]string{"lib.txt": "from library"})
	env.PublishModule("acme:core:1.0", plugin.Module{New: newFake, Exports: map[string]any{"core": "core-symbol", "shared": "core-shared"}},
		nil, map[string]string{"core.txt": "from core"})
	env.PublishModule("acme:sibling:1.0", plugin.Module{New: newFake, Exports: map[string]any{"sibling": "nope"}},
		nil, map[string]string{"sibling.txt": "nope"})
	app := env.PublishModule("acme:app:1.0", plugin.Module{New: newFake, Exports: map[string]any{"own": "app-own", "hidden": "app-hidden"}},
		nil, map[string]string{"app.txt": "from app"},
		repository.Provided("acme:core:1.0"),
		repository.Compile("lib:text:1.0"))

	host := plugin.HostContext{
		Symbols:   map[string]any{"hidden": "host-hidden"},
		Resources: fstest.MapFS{"host.txt": &fstest.MapFile{Data: []byte("from host")}},
	}
	m := newManager(t, env, plugin.ManagerConfig{}, plugin.WithHost(host))
	ctx := context.Background()

	_, err := m.Install(ctx, artifact.MustParseID("acme:sibling:1.0"))
	require.NoError(t, err)
	reg, err := m.Install(ctx, app)
	require.NoError(t, err)
	lc := reg.Plugin().LoadingContext()
	assert.Equal(t, app, lc.Owner())
	assert.Equal(t, "lib:text:1.0", lc.Libraries()[0].String())

	cases := map[string]any{
		"hidden": "host-hidden",
		"own":    "app-own",
		"upper":  "lib-upper",
		"shared": "lib-shared",
		"core":   "core-symbol",
	}
	for name, want := range cases {
		got, err := lc.Symbol(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err = lc.Symbol("sibling")
	require.Error(t, err)
	assert.True(t, plugin.IsNotFound(err))

	for name, want := range map[string]string{
		"host.txt": "from host",
		"app.txt":  "from app",
		"lib.txt":  "from library",
		"core.txt": "from core",
	} {
		data, err := lc.Resource(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, string(data))
	}
	_, err = lc.Resource("sibling.txt")
	assert.True(t, plugin.IsNotFound(err))

	core, ok := m.Plugin(artifact.MustParseID("acme:core:1.0").Manifest)
	require.True(t, ok)
	_, err = core.Plugin().LoadingContext().Symbol("own")
	assert.True(t, plugin.IsNotFound(err), "dependencies cannot see their dependers")
}

func TestLibrariesAreObtainedOnce(t *testing.T) {
	env := plugintest.NewEnv()
	lib := env.PublishLibrary("lib:text:1.0", nil, map[string]string{"lib.txt": "x"})
	env.PublishModule("acme:a:1.0", plugin.Module{New: newFake}, nil, nil, repository.Compile("lib:text:1.0"))
	env.PublishModule("acme:b:1.0", plugin.Module{New: newFake}, nil, nil, repository.Compile("lib:text:1.0"))
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, artifact.MustParseID("acme:a:1.0"))
	require.NoError(t, err)
	_, err = m.Install(ctx, artifact.MustParseID("acme:b:1.0"))
	require.NoError(t, err)
	assert.Equal(t, 1, env.Repo.Fetches(lib))
}

func TestMissingEntryModule(t *testing.T) {
	env := plugintest.NewEnv()
	id := artifact.MustParseID("acme:ghost:1.0")
	env.Repo.Add(id, plugintest.Content("native:acme:ghost:1.0", nil, nil))
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compiled into this host")
}

func TestUnknownEntryScheme(t *testing.T) {
	env := plugintest.NewEnv()
	id := artifact.MustParseID("acme:odd:1.0")
	env.Repo.Add(id, plugintest.Content("wasm:main.wasm", nil, nil))
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no code loader for entry scheme "wasm"`)
}
