package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// Edge links a plugin to a provided dependency or to a depender.
type Edge struct {
	Plugin *LivePlugin
	// Declared is the version the dependent asked for. The resident
	// version may be newer.
	Declared artifact.ID
	Required bool
}

type loadChainKey struct{}

func loadChain(ctx context.Context) []artifact.ManifestID {
	chain, _ := ctx.Value(loadChainKey{}).([]artifact.ManifestID)
	return chain
}

func withLoadChain(ctx context.Context, id artifact.ManifestID) context.Context {
	chain := loadChain(ctx)
	next := make([]artifact.ManifestID, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, loadChainKey{}, append(next, id))
}

// Graph is the arena of plugin instances keyed by manifest. Depender edges
// are kept as a reverse adjacency, written only once a load commits.
type Graph struct {
	repo       artifact.Repository
	loaders    map[string]CodeLoader
	natives    *Natives
	host       HostContext
	api        artifact.ID
	timeout    time.Duration
	isolation  IsolationStrategy
	registries *Registries
	resources  map[string]any
	policy     func(artifact.ManifestID) IsolationPolicy
	record     func(artifact.ManifestID) (Record, bool)
	notify     func(context.Context, Event)
	log        *slog.Logger

	mu        sync.Mutex
	nodes     map[artifact.ManifestID]*Instance
	dependers map[artifact.ManifestID]map[artifact.ManifestID]bool
}

// Instance is the node of one manifest. It moves from unloaded through
// loading to loaded and never leaves loaded.
type Instance struct {
	graph *Graph
	id    artifact.ID

	// load lock: concurrent loaders wait for the first and share its result
	mu sync.Mutex

	stateMu sync.RWMutex
	state   InstanceState
	live    *LivePlugin
	err     error
}

// ID is the resident (or loading) artifact.
func (n *Instance) ID() artifact.ID { return n.id }

// State returns the load state.
func (n *Instance) State() InstanceState {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

// Plugin returns the live plugin once loaded.
func (n *Instance) Plugin() *LivePlugin {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.live
}

func (n *Instance) set(state InstanceState, live *LivePlugin, err error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.state, n.live, n.err = state, live, err
}

// Load resolves and loads id with its provided dependencies. rec carries the
// registration of id when one exists or is being created. A manifest can be
// resident in only one version: asking for another is an illegal state.
func (g *Graph) Load(ctx context.Context, id artifact.ID, rec *Record) (*LivePlugin, error) {
	n, err := g.node(id, true)
	if err != nil {
		return nil, err
	}
	return n.load(ctx, rec)
}

// Instance returns the node of a manifest.
func (g *Graph) Instance(id artifact.ManifestID) (*Instance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Instances returns every node ordered by identifier.
func (g *Graph) Instances() []*Instance {
	g.mu.Lock()
	out := make([]*Instance, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id.Compare(out[j].id) < 0 })
	return out
}

// Loaded returns the live plugins of every loaded node.
func (g *Graph) Loaded() []*LivePlugin {
	var out []*LivePlugin
	for _, n := range g.Instances() {
		if live := n.Plugin(); live != nil {
			out = append(out, live)
		}
	}
	return out
}

// Dependers returns the loaded plugins that resolved id as a provided dependency.
func (g *Graph) Dependers(id artifact.ManifestID) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Edge
	for depender, required := range g.dependers[id] {
		n, ok := g.nodes[depender]
		if !ok {
			continue
		}
		if live := n.Plugin(); live != nil {
			out = append(out, Edge{Plugin: live, Declared: n.id, Required: required})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin.ID().Compare(out[j].Plugin.ID()) < 0 })
	return out
}

func (g *Graph) node(id artifact.ID, exact bool) (*Instance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id.Manifest]; ok {
		if exact && artifact.CompareVersions(n.id.Version, id.Version) != 0 {
			if artifact.CompareVersions(n.id.Version, id.Version) > 0 {
				return nil, xerrors.Newf(xerrors.CodeIllegalState,
					"cannot load %s: version %s is already resident and is newer", id, n.id.Version)
			}
			return nil, xerrors.Newf(xerrors.CodeIllegalState,
				"cannot load %s: version %s is already resident and loaded code cannot be replaced, restart the host", id, n.id.Version)
		}
		return n, nil
	}
	n := &Instance{graph: g, id: id, state: StateUnloaded}
	g.nodes[id.Manifest] = n
	return n, nil
}

func (g *Graph) forget(n *Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[n.id.Manifest] == n {
		delete(g.nodes, n.id.Manifest)
	}
}

func (g *Graph) commit(parent artifact.ManifestID, shared []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range shared {
		child := e.Plugin.Manifest()
		set, ok := g.dependers[child]
		if !ok {
			set = make(map[artifact.ManifestID]bool)
			g.dependers[child] = set
		}
		set[parent] = set[parent] || e.Required
	}
}

func (n *Instance) load(ctx context.Context, rec *Record) (*LivePlugin, error) {
	chain := loadChain(ctx)
	for i, m := range chain {
		if m == n.id.Manifest {
			names := make([]string, 0, len(chain)-i+1)
			for _, c := range chain[i:] {
				names = append(names, c.String())
			}
			names = append(names, m.String())
			return nil, xerrors.Newf(xerrors.CodeCyclicDependency, "dependency cycle %s", strings.Join(names, " -> "))
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateMu.RLock()
	live, failed := n.live, n.err
	n.stateMu.RUnlock()
	if live != nil {
		return live, nil
	}
	if failed != nil {
		return nil, failed
	}

	n.set(StateLoading, nil, nil)
	live, err := n.graph.resolve(withLoadChain(ctx, n.id.Manifest), n.id, rec)
	if err != nil {
		n.set(StateUnloaded, nil, err)
		n.graph.forget(n)
		return nil, err
	}
	n.set(StateLoaded, live, nil)
	return live, nil
}

// resolve implements one load: provided dependencies first, then the
// private library set, then the plugin's own code and entry point.
func (g *Graph) resolve(ctx context.Context, id artifact.ID, rec *Record) (*LivePlugin, error) {
	log := g.log.With("plugin", id.String())
	started := time.Now()

	art, err := g.repo.Artifact(ctx, id)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "resolve %s", id)
	}
	deps, err := art.Dependencies(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "dependencies of %s", id)
	}

	shared, err := g.resolveShared(ctx, id, deps, log)
	if err != nil {
		return nil, err
	}
	libraries, err := g.libraries(ctx, art, log)
	if err != nil {
		return nil, err
	}

	local, err := art.Obtain(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "obtain %s", id)
	}
	info, err := ReadInfo(local)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		if r, ok := g.record(id.Manifest); ok {
			rec = &r
		}
	}
	var properties map[string]string
	if rec != nil {
		properties = rec.Properties
	}
	if rec == nil || !rec.Elevated {
		policy := g.policy(id.Manifest)
		if err := EnsurePolicy(info, policy); err != nil {
			return nil, err
		}
		if err := g.isolation.Validate(info, policy); err != nil {
			return nil, err
		}
	}

	sharedContexts := make([]*LoadingContext, len(shared))
	for i, e := range shared {
		sharedContexts[i] = e.Plugin.LoadingContext()
	}
	lc := newLoadingContext(id, g.host, local.Content(), libraries, sharedContexts)

	scheme, target := entryScheme(info.Entry)
	loader, ok := g.loaders[scheme]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodePluginLoad, "%s: no code loader for entry scheme %q", id, scheme)
	}
	code, err := loader.Open(ctx, local, target, lc)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "open entry %s of %s", info.Entry, id)
	}
	lc.attach(code)
	symbol, err := code.Lookup(info.Symbol)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "%s: entry symbol %s", id, info.Symbol)
	}
	impl, err := resolveEntry(symbol)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "%s: entry symbol %s", id, info.Symbol)
	}

	exec := &ExecutionContext{
		ID:         id,
		Logger:     log,
		Loader:     lc,
		Properties: properties,
		Contribute: newContributions(),
		Resources:  g.resources,
	}
	if err := runHook(ctx, g.timeout, func(ctx context.Context) error {
		return impl.Load(exec.withContext(ctx))
	}); err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "load hook of %s", id)
	}

	live := &LivePlugin{graph: g, info: info, impl: impl, exec: exec, deps: shared}
	g.commit(id.Manifest, shared)
	log.Info("plugin loaded", "op", "load", "libraries", len(libraries), "shared", len(shared), "elapsed", time.Since(started))
	g.notify(ctx, NewEvent(EventLoaded, id, ""))
	return live, nil
}

// resolveShared loads every provided dependency of id, then checks the
// resident versions against the declared minimums.
func (g *Graph) resolveShared(ctx context.Context, id artifact.ID, deps []artifact.Dependency, log *slog.Logger) ([]Edge, error) {
	var shared []Edge
	for _, dep := range deps {
		if dep.Scope != artifact.ScopeProvided {
			continue
		}
		if dep.Child.Manifest == g.api.Manifest {
			if artifact.CompareVersions(dep.Child.Version, g.api.Version) > 0 {
				return nil, xerrors.Newf(xerrors.CodePluginLoad,
					"%s requires host api %s, this host provides %s", id, dep.Child.Version, g.api.Version)
			}
			continue
		}
		n, err := g.node(dep.Child, false)
		if err != nil {
			return nil, err
		}
		live, err := n.load(ctx, nil)
		if err != nil {
			if dep.Required {
				return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "%s requires %s", id, dep.Child)
			}
			log.Warn("optional dependency dropped", "op", "load", "dependency", dep.Child.String(), "error", err)
			continue
		}
		shared = append(shared, Edge{Plugin: live, Declared: dep.Child, Required: dep.Required})
	}

	var conflicts []string
	for _, e := range shared {
		resident := e.Plugin.ID()
		switch c := artifact.CompareVersions(resident.Version, e.Declared.Version); {
		case c < 0:
			conflicts = append(conflicts, fmt.Sprintf("%s %s < required %s", resident.Manifest, resident.Version, e.Declared.Version))
		case c > 0:
			log.Warn("shadowing provided dependency with resident version", "op", "load",
				"dependency", e.Declared.Manifest.String(), "requested", e.Declared.Version, "resident", resident.Version)
			g.notify(ctx, NewEvent(EventShadowed, id, fmt.Sprintf("%s requested %s, using %s", resident.Manifest, e.Declared.Version, resident.Version)))
		}
	}
	if len(conflicts) > 0 {
		return nil, xerrors.Newf(xerrors.CodeSharedConflict, "%s: shared dependency conflict: %s", id, strings.Join(conflicts, "; "))
	}
	return shared, nil
}

// libraries flattens the compile and runtime closure of art into its
// private library set. The nearest declaration of a manifest wins.
func (g *Graph) libraries(ctx context.Context, art artifact.Artifact, log *slog.Logger) ([]Library, error) {
	graph, err := art.DependencyGraph(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "dependency graph of %s", art.ID())
	}
	seen := make(map[artifact.ManifestID]struct{})
	var libs []Library
	for _, dep := range graph {
		if !dep.Scope.Library() {
			continue
		}
		if _, ok := seen[dep.Child.Manifest]; ok {
			continue
		}
		seen[dep.Child.Manifest] = struct{}{}
		local, err := g.obtainLibrary(ctx, dep.Child)
		if err != nil {
			if dep.Required {
				return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "library %s", dep)
			}
			log.Warn("optional library dropped", "op", "load", "library", dep.Child.String(), "error", err)
			continue
		}
		libs = append(libs, Library{ID: dep.Child, Content: local.Content(), Exports: g.natives.exports(dep.Child.Manifest)})
	}
	return libs, nil
}

func (g *Graph) obtainLibrary(ctx context.Context, id artifact.ID) (artifact.LocalArtifact, error) {
	art, err := g.repo.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return art.Obtain(ctx)
}

// runHook runs fn on its own goroutine and joins it, so a plugin's
// execution context is current only inside fn. With a positive timeout the
// caller stops waiting and gets a TIMEOUT error; fn keeps running.
func runHook(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	done := make(chan error, 1)
	hookCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		hookCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(hookCtx)
	}()
	if timeout <= 0 {
		return <-done
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return xerrors.Newf(xerrors.CodeTimeout, "plugin code did not return within %s", timeout)
	}
}
