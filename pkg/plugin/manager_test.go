package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "PluginHost/internal/errors"
	"PluginHost/internal/repository"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
	"PluginHost/pkg/plugin/plugintest"
)

func manifest(text string) artifact.ManifestID {
	id, err := artifact.ParseManifestID(text)
	if err != nil {
		panic(err)
	}
	return id
}

func newManager(t *testing.T, env *plugintest.Env, cfg plugin.ManagerConfig, opts ...plugin.Option) *plugin.Manager {
	t.Helper()
	m, err := env.Manager(cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestInstallPersistsTargetAndDependencies(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	reg, err := m.Install(ctx, a, plugin.WithProperties(map[string]string{"greeting": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, a, reg.ID())
	assert.True(t, reg.Required())
	assert.False(t, reg.Enabled())
	assert.Equal(t, "hi", reg.Properties()["greeting"])

	rec, err := env.Store.Get(ctx, b.Manifest)
	require.NoError(t, err)
	assert.False(t, rec.Required)
	assert.True(t, m.IsInstalled(b.Manifest))

	assert.Equal(t, []plugin.EventType{plugin.EventLoaded, plugin.EventInstalled}, env.Events.Types(a.String()))
}

func TestInstallTwiceIsIllegal(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	env.Publish("acme:a:1.1", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	_, err = m.Install(ctx, artifact.MustParseID("acme:a:1.1"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIllegalState, xerrors.CodeOf(err))
}

func TestInstallFailureLeavesNothingBehind(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{OnLoad: func(*plugin.ExecutionContext) error {
		return errors.New("boom")
	}})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePluginLoad))
	assert.False(t, m.IsInstalled(a.Manifest))
	records, err := env.Store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	_, ok := m.Graph().Instance(a.Manifest)
	assert.False(t, ok)
}

func TestInstallStorageFailure(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	env.Store.FailWrites(errors.New("disk full"))
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.False(t, m.IsInstalled(a.Manifest))
}

func TestEnableAndDisableCascade(t *testing.T) {
	env := plugintest.NewEnv()
	journal := &plugintest.Journal{}
	a := env.Publish("acme:a:1.0", plugintest.Recording(journal, "a"), repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", plugintest.Recording(journal, "b"))
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, a.Manifest))

	regA, _ := m.Plugin(a.Manifest)
	regB, _ := m.Plugin(b.Manifest)
	assert.True(t, regA.Enabled())
	assert.True(t, regB.Enabled())
	assert.True(t, regA.AutoStart())
	assert.False(t, regB.AutoStart())

	err = m.Disable(ctx, b.Manifest)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIllegalState, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), a.String())
	assert.True(t, regB.Enabled())

	require.NoError(t, m.Disable(ctx, a.Manifest))
	assert.False(t, regA.Enabled())
	assert.False(t, regB.Enabled(), "dependency nobody needs is pruned")
	assert.False(t, regA.AutoStart())

	assert.Equal(t, []string{"b.enable", "a.enable", "a.disable", "b.disable"}, journal.Entries())
}

func TestDisableKeepsExplicitlyEnabledDependency(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, b.Manifest))
	require.NoError(t, m.Enable(ctx, a.Manifest))
	require.NoError(t, m.Disable(ctx, a.Manifest))

	regB, _ := m.Plugin(b.Manifest)
	assert.True(t, regB.Enabled())
}

func TestEnableFailureCompensates(t *testing.T) {
	env := plugintest.NewEnv()
	failing := &plugintest.Fake{OnEnable: func(*plugin.ExecutionContext) error {
		return errors.New("cannot start")
	}}
	dep := &plugintest.Fake{}
	a := env.Publish("acme:a:1.0", failing, repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", dep)
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	err = m.Enable(ctx, a.Manifest)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePluginHook))
	assert.Contains(t, err.Error(), "cannot start")

	regA, _ := m.Plugin(a.Manifest)
	regB, _ := m.Plugin(b.Manifest)
	assert.False(t, regA.Enabled())
	assert.False(t, regA.AutoStart())
	assert.Equal(t, 1, failing.Disables())
	assert.True(t, regB.Enabled(), "dependencies stay enabled")
	assert.Zero(t, dep.Disables())
	assert.Contains(t, env.Events.Types(a.String()), plugin.EventEnableFail)
}

func TestEnableCompensationErrorIsJoined(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{
		OnEnable:  func(*plugin.ExecutionContext) error { return errors.New("enable broke") },
		OnDisable: func(*plugin.ExecutionContext) error { return errors.New("disable broke") },
	})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	err = m.Enable(ctx, a.Manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enable broke")
	assert.Contains(t, err.Error(), "disable broke")
}

func TestDisableHookFailureKeepsPluginEnabled(t *testing.T) {
	env := plugintest.NewEnv()
	fake := &plugintest.Fake{
		OnLoad: func(ctx *plugin.ExecutionContext) error {
			ctx.Contribute.Command("hello", func(context.Context, []string) (string, error) { return "hi", nil })
			return nil
		},
		OnDisable: func(*plugin.ExecutionContext) error { return errors.New("stuck") },
	}
	a := env.Publish("acme:a:1.0", fake)
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, a.Manifest))
	require.Error(t, m.Disable(ctx, a.Manifest))

	reg, _ := m.Plugin(a.Manifest)
	assert.True(t, reg.Enabled())
	assert.True(t, reg.AutoStart())
	_, ok := env.Registries.Commands.Lookup("hello")
	assert.True(t, ok)
}

func TestContributionsFollowEnabledState(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{OnLoad: func(ctx *plugin.ExecutionContext) error {
		ctx.Contribute.Command("Hello", func(_ context.Context, args []string) (string, error) {
			return "hello " + args[0], nil
		})
		ctx.Contribute.Database("mem", func(dsn string) (any, error) { return dsn, nil })
		return nil
	}})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	_, ok := env.Registries.Commands.Lookup("hello")
	assert.False(t, ok, "nothing is registered before enable")

	require.NoError(t, m.Enable(ctx, a.Manifest))
	cmd, ok := env.Registries.Commands.Lookup("hello")
	require.True(t, ok)
	out, err := cmd(ctx, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", out)
	assert.Equal(t, []string{"mem"}, env.Registries.Databases.Labels())

	reg, _ := m.Plugin(a.Manifest)
	assert.Equal(t, []string{"Hello"}, reg.Plugin().Contributions().CommandLabels())

	require.NoError(t, m.Disable(ctx, a.Manifest))
	assert.Empty(t, env.Registries.Commands.Labels())
	assert.Empty(t, env.Registries.Databases.Labels())
}

func TestContributionConflictRollsBack(t *testing.T) {
	env := plugintest.NewEnv()
	contribute := func(ctx *plugin.ExecutionContext) error {
		ctx.Contribute.Command("hello", func(context.Context, []string) (string, error) { return "", nil })
		return nil
	}
	first := env.Publish("acme:first:1.0", &plugintest.Fake{OnLoad: contribute})
	second := &plugintest.Fake{OnLoad: contribute}
	secondID := env.Publish("acme:second:1.0", second)
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, first)
	require.NoError(t, err)
	_, err = m.Install(ctx, secondID)
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, first.Manifest))

	err = m.Enable(ctx, secondID.Manifest)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
	assert.Equal(t, 1, second.Disables())

	entries := env.Registries.Commands.Entries("")
	require.Len(t, entries, 1)
	assert.Equal(t, first.Manifest.String(), entries[0].Owner)
}

func TestSharedVersionConflict(t *testing.T) {
	env := plugintest.NewEnv()
	b15 := env.Publish("acme:b:1.5", &plugintest.Fake{})
	env.Publish("acme:b:2.0", &plugintest.Fake{})
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:2.0"))
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, b15)
	require.NoError(t, err)
	_, err = m.Install(ctx, a)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSharedConflict, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "acme:b 1.5 < required 2.0")
	assert.False(t, m.IsInstalled(a.Manifest))
}

func TestSharedVersionSatisfied(t *testing.T) {
	for _, resident := range []string{"2.0", "2.1"} {
		t.Run(resident, func(t *testing.T) {
			env := plugintest.NewEnv()
			b := env.Publish("acme:b:"+resident, &plugintest.Fake{})
			a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:2.0"))
			m := newManager(t, env, plugin.ManagerConfig{})
			ctx := context.Background()

			_, err := m.Install(ctx, b)
			require.NoError(t, err)
			reg, err := m.Install(ctx, a)
			require.NoError(t, err)

			deps := reg.Plugin().Dependencies()
			require.Len(t, deps, 1)
			assert.Equal(t, b, deps[0].Plugin.ID())
			assert.Equal(t, "2.0", deps[0].Declared.Version)
			assert.True(t, deps[0].Required)

			shadowed := false
			for _, ev := range env.Events.Events() {
				if ev.Type == plugin.EventShadowed {
					shadowed = true
					assert.Equal(t, a.String(), ev.Plugin)
					assert.Contains(t, ev.Detail, "using "+resident)
				}
			}
			assert.Equal(t, resident != "2.0", shadowed)
		})
	}
}

func TestResidentVersionCannotBeReplaced(t *testing.T) {
	env := plugintest.NewEnv()
	b := env.Publish("acme:b:1.0", &plugintest.Fake{})
	env.Publish("acme:b:2.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, b)
	require.NoError(t, err)
	require.NoError(t, m.Uninstall(ctx, b.Manifest))

	_, err = m.Install(ctx, artifact.MustParseID("acme:b:2.0"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIllegalState, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "restart the host")
}

func TestCyclicDependencyRejected(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:1.0"))
	env.Publish("acme:b:1.0", &plugintest.Fake{}, repository.Provided("acme:a:1.0"))
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), a)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCyclicDependency))
	assert.Contains(t, err.Error(), "acme:a -> acme:b -> acme:a")
	assert.Empty(t, m.Graph().Instances())
}

func TestOptionalDependencyDropped(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{},
		repository.Provided("acme:missing:1.0").AsOptional(),
		repository.Provided("acme:b:1.0"))
	env.Publish("acme:b:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})

	reg, err := m.Install(context.Background(), a)
	require.NoError(t, err)
	deps := reg.Plugin().Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "acme:b", deps[0].Plugin.Manifest().String())
	assert.False(t, m.IsInstalled(manifest("acme:missing")))
}

func TestRequiredDependencyMissing(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:missing:1.0"))
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), a)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePluginLoad))
	assert.Contains(t, err.Error(), "requires acme:missing:1.0")
}

func TestHostAPIVersionCheck(t *testing.T) {
	env := plugintest.NewEnv()
	ok := env.Publish("acme:ok:1.0", &plugintest.Fake{}, repository.Provided("pluginhost:api:1.0"))
	tooNew := env.Publish("acme:new:1.0", &plugintest.Fake{}, repository.Provided("pluginhost:api:2.0"))
	m := newManager(t, env, plugin.ManagerConfig{API: "pluginhost:api:1.2"})
	ctx := context.Background()

	_, err := m.Install(ctx, ok)
	require.NoError(t, err)
	_, loaded := m.Graph().Instance(manifest("pluginhost:api"))
	assert.False(t, loaded, "the host api is never loaded as a plugin")

	_, err = m.Install(ctx, tooNew)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires host api 2.0")
	assert.Equal(t, "1.2", m.API().Version)
}

func TestCapabilitiesNeedPolicy(t *testing.T) {
	newEnv := func() (*plugintest.Env, artifact.ID) {
		env := plugintest.NewEnv()
		id := env.PublishModule("acme:net:1.0", plugin.Module{New: func() plugin.Plugin { return &plugintest.Fake{} }},
			[]plugin.Capability{plugin.CapabilityNetwork}, nil)
		return env, id
	}
	ctx := context.Background()

	env, id := newEnv()
	_, err := newManager(t, env, plugin.ManagerConfig{}).Install(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no isolation policy")

	env, id = newEnv()
	_, err = newManager(t, env, plugin.ManagerConfig{}).Install(ctx, id, plugin.Elevated())
	require.NoError(t, err)

	env, id = newEnv()
	cfg := plugin.ManagerConfig{Defaults: plugin.IsolationPolicy{AllowedCapabilities: []plugin.Capability{plugin.CapabilityFilesystem}}}
	_, err = newManager(t, env, cfg).Install(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted")

	env, id = newEnv()
	cfg.Policies = map[string]plugin.IsolationPolicy{"acme:net": {AllowedCapabilities: []plugin.Capability{plugin.CapabilityNetwork}}}
	_, err = newManager(t, env, cfg).Install(ctx, id)
	require.NoError(t, err)
}

func TestAutoRemoveReachesFixpoint(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{}, repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", &plugintest.Fake{}, repository.Provided("acme:c:1.0"))
	c := env.Publish("acme:c:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	removed, err := m.AutoRemove(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed, "dependencies of an installed plugin stay")

	require.NoError(t, m.Uninstall(ctx, a.Manifest))
	removed, err = m.AutoRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, []artifact.ID{b, c}, removed)
	assert.Empty(t, m.Plugins())
	records, err := env.Store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUninstallRequiresDisabled(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, a.Manifest))

	err = m.Uninstall(ctx, a.Manifest)
	assert.Equal(t, xerrors.CodeIllegalState, xerrors.CodeOf(err))

	require.NoError(t, m.Disable(ctx, a.Manifest))
	require.NoError(t, m.Uninstall(ctx, a.Manifest))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(m.Uninstall(ctx, a.Manifest)))
}

func TestStartRestoresAndShutdownOrdersDependentsFirst(t *testing.T) {
	env := plugintest.NewEnv()
	journal := &plugintest.Journal{}
	a := env.Publish("acme:a:1.0", plugintest.Recording(journal, "a"), repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", plugintest.Recording(journal, "b"))
	env.Publish("acme:idle:1.0", plugintest.Recording(journal, "idle"))
	ctx := context.Background()

	first := newManager(t, env, plugin.ManagerConfig{})
	_, err := first.Install(ctx, a)
	require.NoError(t, err)
	_, err = first.Install(ctx, artifact.MustParseID("acme:idle:1.0"))
	require.NoError(t, err)
	require.NoError(t, first.Enable(ctx, a.Manifest))
	require.NoError(t, first.Shutdown(ctx))

	regA, _ := first.Plugin(a.Manifest)
	assert.True(t, regA.AutoStart(), "shutdown keeps auto-start flags")

	second := newManager(t, env, plugin.ManagerConfig{})
	require.NoError(t, second.Start(ctx))
	require.Len(t, second.Plugins(), 3)
	regA, _ = second.Plugin(a.Manifest)
	regB, _ := second.Plugin(b.Manifest)
	regIdle, _ := second.Plugin(manifest("acme:idle"))
	assert.True(t, regA.Enabled())
	assert.True(t, regB.Enabled())
	assert.NotNil(t, regB.Plugin(), "dependency registrations get their live plugin")
	assert.False(t, regIdle.Enabled())

	require.NoError(t, second.Shutdown(ctx))
	assert.Equal(t, []string{
		"b.enable", "a.enable", "a.disable", "b.disable",
		"b.enable", "a.enable", "a.disable", "b.disable",
	}, journal.Entries())
}

func TestStartContinuesPastFailures(t *testing.T) {
	env := plugintest.NewEnv()
	good := env.Publish("acme:good:1.0", &plugintest.Fake{})
	bad := env.Publish("acme:bad:1.0", &plugintest.Fake{})
	ctx := context.Background()
	require.NoError(t, env.Store.PutAll(ctx,
		plugin.Record{ID: good, Enabled: true, Required: true},
		plugin.Record{ID: bad, Enabled: true, Required: true},
	))
	env.Repo.FailObtain(bad, errors.New("network down"))

	m := newManager(t, env, plugin.ManagerConfig{})
	err := m.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
	regGood, _ := m.Plugin(good.Manifest)
	assert.True(t, regGood.Enabled())
	assert.True(t, m.IsInstalled(bad.Manifest))
}

func TestHookTimeout(t *testing.T) {
	env := plugintest.NewEnv()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	a := env.Publish("acme:slow:1.0", &plugintest.Fake{OnEnable: func(*plugin.ExecutionContext) error {
		<-release
		return nil
	}})
	m := newManager(t, env, plugin.ManagerConfig{LoadTimeoutSeconds: 1})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	err = m.Enable(ctx, a.Manifest)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	reg, _ := m.Plugin(a.Manifest)
	assert.False(t, reg.Enabled())
}

func TestHookPanicIsAnError(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{OnLoad: func(*plugin.ExecutionContext) error {
		panic("kaboom")
	}})
	m := newManager(t, env, plugin.ManagerConfig{})

	_, err := m.Install(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: kaboom")
}

func TestUpdateRecordsLatestVersion(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	latest, changed, err := m.Update(ctx, a.Manifest)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, a, latest)

	env.Publish("acme:a:1.1", &plugintest.Fake{})
	latest, changed, err = m.Update(ctx, a.Manifest)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "1.1", latest.Version)

	rec, err := env.Store.Get(ctx, a.Manifest)
	require.NoError(t, err)
	assert.Equal(t, "1.1", rec.ID.Version)
	reg, _ := m.Plugin(a.Manifest)
	assert.Equal(t, "1.0", reg.Plugin().ID().Version, "resident code is kept until restart")

	_, _, err = m.Update(ctx, manifest("acme:other"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestSetPropertyPersists(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	reg, err := m.Install(ctx, a)
	require.NoError(t, err)
	require.NoError(t, reg.SetProperty(ctx, "color", "blue"))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(reg.SetProperty(ctx, "", "x")))

	rec, err := env.Store.Get(ctx, a.Manifest)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"color": "blue"}, rec.Properties)
}

func TestResolveIdentifier(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:greeter:1.0", &plugintest.Fake{})
	env.Publish("acme:greeter:1.3", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{Aliases: map[string]string{"hi": "acme:greeter:1.3"}})
	ctx := context.Background()

	id, err := m.ResolveIdentifier(ctx, "HI")
	require.NoError(t, err)
	assert.Equal(t, "1.3", id.Version)

	id, err = m.ResolveIdentifier(ctx, "acme:greeter:1.0")
	require.NoError(t, err)
	assert.Equal(t, a, id)

	id, err = m.ResolveIdentifier(ctx, "acme:greeter")
	require.NoError(t, err)
	assert.Equal(t, "1.3", id.Version)

	_, err = m.Install(ctx, a)
	require.NoError(t, err)
	id, err = m.ResolveIdentifier(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, a, id, "short names resolve to loaded plugins")

	_, err = m.ResolveIdentifier(ctx, " ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = m.ResolveIdentifier(ctx, "nobody")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestSearch(t *testing.T) {
	env := plugintest.NewEnv()
	env.Publish("acme:greeter:1.0", &plugintest.Fake{})
	env.Publish("acme:printer:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})

	found, err := m.Search(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, []artifact.ManifestID{manifest("acme:greeter")}, found)
}

type recordingObserver struct {
	ops []string
}

func (o *recordingObserver) Observe(op string, _ time.Duration, err error) {
	o.ops = append(o.ops, op+":"+string(xerrors.CodeOf(err)))
}

func TestObserverSeesOperations(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{})
	obs := &recordingObserver{}
	m := newManager(t, env, plugin.ManagerConfig{}, plugin.WithObserver(obs))
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)
	_, err = m.Install(ctx, a)
	require.Error(t, err)
	assert.Equal(t, []string{"install:" + string(xerrors.CodeUnknown), "install:" + string(xerrors.CodeIllegalState)}, obs.ops)
}

func TestNewManagerValidates(t *testing.T) {
	env := plugintest.NewEnv()
	_, err := plugin.NewManager(plugin.ManagerConfig{LoadTimeoutSeconds: -1}, env.Repo, env.Store)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	_, err = plugin.NewManager(plugin.ManagerConfig{Aliases: map[string]string{"x": "bad"}}, env.Repo, env.Store)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	_, err = plugin.NewManager(plugin.ManagerConfig{}, nil, env.Store)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestDisableRefusedWhileDependerEnables(t *testing.T) {
	env := plugintest.NewEnv()
	entered := make(chan struct{})
	release := make(chan struct{})
	a := env.Publish("acme:a:1.0", &plugintest.Fake{OnEnable: func(*plugin.ExecutionContext) error {
		close(entered)
		<-release
		return nil
	}}, repository.Provided("acme:b:1.0"))
	b := env.Publish("acme:b:1.0", &plugintest.Fake{})
	m := newManager(t, env, plugin.ManagerConfig{})
	ctx := context.Background()

	_, err := m.Install(ctx, a)
	require.NoError(t, err)

	enabled := make(chan error, 1)
	go func() { enabled <- m.Enable(ctx, a.Manifest) }()
	<-entered

	regB, _ := m.Plugin(b.Manifest)
	require.True(t, regB.Enabled())
	err = m.Disable(ctx, b.Manifest)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIllegalState, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), a.String())

	close(release)
	require.NoError(t, <-enabled)
	regA, _ := m.Plugin(a.Manifest)
	assert.True(t, regA.Enabled())
	assert.True(t, regB.Enabled())
}

func TestConcurrentFirstEnablesShareOneLoad(t *testing.T) {
	env := plugintest.NewEnv()
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	shared := &plugintest.Fake{OnLoad: func(*plugin.ExecutionContext) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	x := env.Publish("acme:x:1.0", &plugintest.Fake{}, repository.Provided("acme:shared:1.0"))
	y := env.Publish("acme:y:1.0", &plugintest.Fake{}, repository.Provided("acme:shared:1.0"))
	env.Publish("acme:shared:1.0", shared)
	ctx := context.Background()

	// records only: the second manager has nothing loaded yet
	require.NoError(t, env.Store.PutAll(ctx,
		plugin.Record{ID: x, Required: true},
		plugin.Record{ID: y, Required: true},
	))
	m := newManager(t, env, plugin.ManagerConfig{})
	require.NoError(t, m.Start(ctx))
	regX, ok := m.Plugin(x.Manifest)
	require.True(t, ok)
	require.Nil(t, regX.Plugin())

	const workers = 8
	var wg sync.WaitGroup
	lives := make([]*plugin.LivePlugin, workers)
	errs := make([]error, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			lives[i], errs[i] = regX.Load(ctx)
		}(i)
		go func(i int) {
			defer wg.Done()
			target := x.Manifest
			if i%2 == 1 {
				target = y.Manifest
			}
			errs[workers+i] = m.Enable(ctx, target)
		}(i)
	}
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, shared.Loads())
	for _, live := range lives {
		assert.Same(t, lives[0], live)
	}
	assert.Same(t, lives[0], regX.Plugin())

	regY, _ := m.Plugin(y.Manifest)
	depX := regX.Plugin().Dependencies()
	depY := regY.Plugin().Dependencies()
	require.Len(t, depX, 1)
	require.Len(t, depY, 1)
	assert.Same(t, depX[0].Plugin, depY[0].Plugin)
	assert.Equal(t, 1, shared.Enables())
}

func TestEnableOnInstallFailureKeepsRegistration(t *testing.T) {
	env := plugintest.NewEnv()
	a := env.Publish("acme:a:1.0", &plugintest.Fake{OnEnable: func(*plugin.ExecutionContext) error {
		return errors.New("not ready")
	}})
	m := newManager(t, env, plugin.ManagerConfig{EnableOnInstall: true})
	ctx := context.Background()

	reg, err := m.Install(ctx, a)
	require.Error(t, err)
	require.NotNil(t, reg)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePluginHook))
	assert.Equal(t, xerrors.CodePluginHook, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "installed but not enabled")
	assert.Contains(t, err.Error(), "not ready")
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, a.String(), coded.Metadata()["installed"])

	assert.True(t, m.IsInstalled(a.Manifest))
	assert.False(t, reg.Enabled())
	rec, err := env.Store.Get(ctx, a.Manifest)
	require.NoError(t, err)
	assert.Equal(t, a, rec.ID)
}
