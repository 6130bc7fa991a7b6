package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/logger"
)

// Manager keeps track of installed plugins and orchestrates their lifecycle.
type Manager struct {
	cfg   ManagerConfig
	repo  artifact.Repository
	store Store
	graph *Graph

	// install/uninstall lock
	mu sync.Mutex

	regMu         sync.RWMutex
	registrations map[artifact.ManifestID]*Registration

	loaders    map[string]CodeLoader
	natives    *Natives
	isolation  IsolationStrategy
	resources  map[string]any
	host       HostContext
	registries *Registries
	events     EventSink
	observer   Observer
	tracer     trace.Tracer
	log        *slog.Logger
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, repo artifact.Repository, store Store, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "artifact repository is required")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "registration store is required")
	}
	m := &Manager{
		cfg:           cfg,
		repo:          repo,
		store:         store,
		registrations: make(map[artifact.ManifestID]*Registration),
		loaders:       map[string]CodeLoader{SchemeShared: GoPluginLoader{}},
		natives:       DefaultNatives,
		resources:     make(map[string]any),
		registries:    NewRegistries(),
		events:        nopSink{},
		observer:      nopObserver{},
		tracer:        noop.NewTracerProvider().Tracer("plugin"),
		log:           logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if _, ok := m.loaders[SchemeNative]; !ok {
		m.loaders[SchemeNative] = NativeLoader{Natives: m.natives}
	}
	m.graph = &Graph{
		repo:       repo,
		loaders:    m.loaders,
		natives:    m.natives,
		host:       m.host,
		api:        cfg.apiID(),
		timeout:    cfg.timeout(),
		isolation:  m.isolation,
		registries: m.registries,
		resources:  m.resources,
		policy:     cfg.policyFor,
		record:     m.record,
		notify:     m.notify,
		log:        m.log,
		nodes:      make(map[artifact.ManifestID]*Instance),
		dependers:  make(map[artifact.ManifestID]map[artifact.ManifestID]bool),
	}
	return m, nil
}

// Graph exposes the instance graph.
func (m *Manager) Graph() *Graph { return m.graph }

// Registries exposes the registries plugins contribute to.
func (m *Manager) Registries() *Registries { return m.registries }

// API is the host API artifact.
func (m *Manager) API() artifact.ID { return m.cfg.apiID() }

func (m *Manager) record(id artifact.ManifestID) (Record, bool) {
	reg, ok := m.Plugin(id)
	if !ok {
		return Record{}, false
	}
	return reg.Record(), true
}

func (m *Manager) notify(ctx context.Context, ev Event) {
	if err := m.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("publish lifecycle event failed", "event", string(ev.Type), "plugin", ev.Plugin, "error", err)
	}
}

func (m *Manager) operation(ctx context.Context, op, subject string, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.op", op),
		attribute.String("plugin.id", subject),
	))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		m.log.Warn("plugin operation failed", "op", op, "plugin", subject, "code", string(xerrors.CodeOf(err)), "error", err)
	}
	m.observer.Observe(op, time.Since(started), err)
	return err
}

// Start restores the registrations of the store and enables those marked
// for auto-start. Failures are logged and joined; the remaining plugins
// still start.
func (m *Manager) Start(ctx context.Context) error {
	return m.operation(ctx, "start", "", func(ctx context.Context) error {
		records, err := m.store.List(ctx)
		if err != nil {
			return err
		}
		m.regMu.Lock()
		for _, rec := range records {
			if _, ok := m.registrations[rec.ID.Manifest]; !ok {
				m.registrations[rec.ID.Manifest] = newRegistration(m, rec)
			}
		}
		m.regMu.Unlock()

		var errs []error
		for _, reg := range m.Plugins() {
			if !reg.AutoStart() {
				continue
			}
			live, err := reg.Load(ctx)
			if err == nil {
				err = live.Enable(ctx)
			}
			if err != nil {
				m.log.Error("auto-start failed", "op", "start", "plugin", reg.ID().String(), "error", err)
				errs = append(errs, err)
			}
		}
		m.attachLoaded()
		return errors.Join(errs...)
	})
}

// Shutdown disables every enabled plugin, dependents first. Auto-start
// flags are left as they are.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.operation(ctx, "shutdown", "", func(ctx context.Context) error {
		failed := map[*LivePlugin]error{}
		for {
			progressed := false
			for _, live := range m.graph.Loaded() {
				if !live.Enabled() || failed[live] != nil {
					continue
				}
				if hasEnabledDepender(live) {
					continue
				}
				if err := live.Disable(ctx); err != nil {
					failed[live] = err
					continue
				}
				progressed = true
			}
			if !progressed {
				break
			}
		}
		errs := make([]error, 0, len(failed))
		for _, err := range failed {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

func hasEnabledDepender(live *LivePlugin) bool {
	for _, d := range live.Dependers() {
		if d.Plugin.Enabled() {
			return true
		}
	}
	return false
}

// attachLoaded hands live plugins loaded as dependencies to their registrations.
func (m *Manager) attachLoaded() {
	for _, live := range m.graph.Loaded() {
		if reg, ok := m.Plugin(live.Manifest()); ok && reg.ID() == live.ID() {
			reg.attach(live)
		}
	}
}

// ResolveIdentifier turns user input into an artifact identifier. It tries,
// in order: the alias table, a fully qualified package:artifact:version,
// the short name of a loaded plugin, and the latest version of a
// package:artifact manifest in the repository.
func (m *Manager) ResolveIdentifier(ctx context.Context, text string) (artifact.ID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return artifact.ID{}, xerrors.New(xerrors.CodeInvalidArgument, "identifier cannot be empty")
	}
	for alias, target := range m.cfg.Aliases {
		if strings.EqualFold(alias, text) {
			return artifact.ParseID(target)
		}
	}
	if id, err := artifact.ParseID(text); err == nil {
		return id, nil
	}
	for _, live := range m.graph.Loaded() {
		if live.Info().ShortName() == strings.ToLower(text) {
			return live.ID(), nil
		}
	}
	manifestID, err := artifact.ParseManifestID(text)
	if err != nil {
		return artifact.ID{}, xerrors.Newf(xerrors.CodeNotFound, "no alias, loaded plugin or artifact matches %q", text)
	}
	manifest, err := m.repo.Manifest(ctx, manifestID)
	if err != nil {
		return artifact.ID{}, err
	}
	return manifest.LatestVersion(ctx)
}

// Plugin returns the registration of an installed plugin.
func (m *Manager) Plugin(id artifact.ManifestID) (*Registration, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	reg, ok := m.registrations[id]
	return reg, ok
}

// IsInstalled reports whether any version of id is installed.
func (m *Manager) IsInstalled(id artifact.ManifestID) bool {
	_, ok := m.Plugin(id)
	return ok
}

// Plugins lists the registrations ordered by identifier.
func (m *Manager) Plugins() []*Registration {
	m.regMu.RLock()
	out := make([]*Registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		out = append(out, reg)
	}
	m.regMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Compare(out[j].ID()) < 0 })
	return out
}

// InstallOption customises the record created by Install.
type InstallOption func(*Record)

// Elevated bypasses the isolation policy for the installed plugin.
func Elevated() InstallOption {
	return func(r *Record) { r.Elevated = true }
}

// WithProperties sets initial properties.
func WithProperties(props map[string]string) InstallOption {
	return func(r *Record) {
		if len(props) == 0 {
			return
		}
		if r.Properties == nil {
			r.Properties = map[string]string{}
		}
		for k, v := range props {
			r.Properties[k] = v
		}
	}
}

// Install loads id to validate it and then persists its registration,
// together with registrations for provided dependencies that were not yet
// installed. Nothing is persisted when the load fails. Installing a
// manifest that is already installed, in any version, is an illegal state.
//
// With EnableOnInstall a failed enable does not undo the install: Install
// returns the registration together with the enable error, which keeps the
// enable error's code and carries the "installed" metadata key.
func (m *Manager) Install(ctx context.Context, id artifact.ID, opts ...InstallOption) (*Registration, error) {
	var reg *Registration
	err := m.operation(ctx, "install", id.String(), func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.Plugin(id.Manifest); ok {
			return xerrors.Newf(xerrors.CodeIllegalState, "%s is already installed at version %s", id.Manifest, existing.ID().Version)
		}
		now := time.Now().UTC()
		rec := Record{ID: id, Required: true, UpdatedAt: now}
		for _, opt := range opts {
			opt(&rec)
		}
		live, err := m.graph.Load(ctx, id, &rec)
		if err != nil {
			return err
		}

		records := []Record{rec}
		lives := []*LivePlugin{live}
		seen := map[artifact.ManifestID]struct{}{id.Manifest: {}}
		queue := live.Dependencies()
		for len(queue) > 0 {
			dep := queue[0].Plugin
			queue = queue[1:]
			if _, ok := seen[dep.Manifest()]; ok {
				continue
			}
			seen[dep.Manifest()] = struct{}{}
			if m.IsInstalled(dep.Manifest()) {
				continue
			}
			records = append(records, Record{ID: dep.ID(), UpdatedAt: now})
			lives = append(lives, dep)
			queue = append(queue, dep.Dependencies()...)
		}
		if err := m.store.PutAll(ctx, records...); err != nil {
			return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "persist registration of %s", id)
		}

		m.regMu.Lock()
		for i, r := range records {
			created := newRegistration(m, r)
			created.live = lives[i]
			m.registrations[r.ID.Manifest] = created
			if i == 0 {
				reg = created
			}
		}
		m.regMu.Unlock()
		for _, r := range records {
			m.log.Info("plugin installed", "op", "install", "plugin", r.ID.String(), "required", r.Required)
			m.notify(ctx, NewEvent(EventInstalled, r.ID, ""))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.cfg.EnableOnInstall {
		if err := m.Enable(ctx, id.Manifest); err != nil {
			return reg, xerrors.Wrap(xerrors.CodeOf(err), err,
				fmt.Sprintf("%s installed but not enabled", id), xerrors.WithMetadata("installed", id.String()))
		}
	}
	return reg, nil
}

// Uninstall removes the persisted registration and properties. The plugin
// must not be enabled. Loaded code stays resident until the process exits:
// Go cannot unload code, so uninstalling only prevents future loads.
func (m *Manager) Uninstall(ctx context.Context, id artifact.ManifestID) error {
	return m.operation(ctx, "uninstall", id.String(), func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		reg, ok := m.Plugin(id)
		if !ok {
			return xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
		}
		if reg.Enabled() {
			return xerrors.Newf(xerrors.CodeIllegalState, "%s is enabled, disable it before uninstalling", reg.ID())
		}
		if err := m.store.Delete(ctx, id); err != nil {
			return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "delete registration of %s", id)
		}
		m.regMu.Lock()
		delete(m.registrations, id)
		m.regMu.Unlock()
		m.log.Info("plugin uninstalled", "op", "uninstall", "plugin", reg.ID().String())
		m.notify(ctx, NewEvent(EventUninstalled, reg.ID(), ""))
		return nil
	})
}

// Enable loads the plugin if needed, enables it with its required
// dependencies and sets its auto-start flag.
func (m *Manager) Enable(ctx context.Context, id artifact.ManifestID) error {
	return m.operation(ctx, "enable", id.String(), func(ctx context.Context) error {
		reg, ok := m.Plugin(id)
		if !ok {
			return xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
		}
		live, err := reg.Load(ctx)
		if err != nil {
			return err
		}
		m.attachLoaded()
		if err := live.Enable(ctx); err != nil {
			return err
		}
		if reg.AutoStart() {
			return nil
		}
		if err := reg.update(ctx, func(r *Record) { r.Enabled = true }); err != nil {
			return errors.Join(err, live.Disable(ctx))
		}
		return nil
	})
}

// Disable disables the plugin and clears its auto-start flag. It fails,
// naming them, while enabled plugins require this one.
func (m *Manager) Disable(ctx context.Context, id artifact.ManifestID) error {
	return m.operation(ctx, "disable", id.String(), func(ctx context.Context) error {
		reg, ok := m.Plugin(id)
		if !ok {
			return xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
		}
		live := reg.Plugin()
		wasEnabled := live != nil && live.Enabled()
		if live != nil {
			if err := live.Disable(ctx); err != nil {
				return err
			}
		}
		if !reg.AutoStart() {
			return nil
		}
		if err := reg.update(ctx, func(r *Record) { r.Enabled = false }); err != nil {
			if wasEnabled {
				err = errors.Join(err, live.Enable(ctx))
			}
			return err
		}
		return nil
	})
}

// AutoRemove uninstalls dependency-only plugins nothing installed needs,
// repeating until a pass finds no candidate. It returns what was removed.
func (m *Manager) AutoRemove(ctx context.Context) ([]artifact.ID, error) {
	var removed []artifact.ID
	err := m.operation(ctx, "autoremove", "", func(ctx context.Context) error {
		for {
			candidates, err := m.autoRemoveCandidates(ctx)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}
			for _, reg := range candidates {
				if live := reg.Plugin(); live != nil && live.Enabled() {
					if err := live.Disable(ctx); err != nil {
						return err
					}
				}
				if err := m.Uninstall(ctx, reg.Manifest()); err != nil {
					return err
				}
				removed = append(removed, reg.ID())
				m.notify(ctx, NewEvent(EventAutoRemoved, reg.ID(), ""))
			}
		}
	})
	return removed, err
}

// autoRemoveCandidates returns the dependency-only registrations that no
// installed plugin declares as required, either in its artifact or in its
// live dependency set.
func (m *Manager) autoRemoveCandidates(ctx context.Context) ([]*Registration, error) {
	regs := m.Plugins()
	var out []*Registration
	for _, c := range regs {
		if c.Required() {
			continue
		}
		blocked := false
		for _, other := range regs {
			if other == c || !m.IsInstalled(other.Manifest()) {
				continue
			}
			declares, err := m.declaresRequired(ctx, other.ID(), c.Manifest())
			if err != nil {
				return nil, err
			}
			if declares || liveRequires(other.Plugin(), c.Manifest()) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Manager) declaresRequired(ctx context.Context, parent artifact.ID, child artifact.ManifestID) (bool, error) {
	art, err := m.repo.Artifact(ctx, parent)
	if artifact.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	deps, err := art.Dependencies(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.Required && d.Child.Manifest == child {
			return true, nil
		}
	}
	return false, nil
}

func liveRequires(live *LivePlugin, child artifact.ManifestID) bool {
	if live == nil {
		return false
	}
	for _, e := range live.Dependencies() {
		if e.Required && e.Plugin.Manifest() == child {
			return true
		}
	}
	return false
}

// Update records the latest repository version of an installed plugin. The
// new version is loaded on the next start; resident code is not replaced.
// It reports whether the record changed.
func (m *Manager) Update(ctx context.Context, id artifact.ManifestID) (artifact.ID, bool, error) {
	var (
		latest  artifact.ID
		changed bool
	)
	err := m.operation(ctx, "update", id.String(), func(ctx context.Context) error {
		reg, ok := m.Plugin(id)
		if !ok {
			return xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
		}
		manifest, err := m.repo.Manifest(ctx, id)
		if err != nil {
			return err
		}
		latest, err = manifest.LatestVersion(ctx)
		if err != nil {
			return err
		}
		current := reg.ID()
		if artifact.CompareVersions(latest.Version, current.Version) <= 0 {
			latest = current
			return nil
		}
		if err := reg.update(ctx, func(r *Record) { r.ID = latest }); err != nil {
			return err
		}
		changed = true
		m.log.Info("plugin updated", "op", "update", "plugin", current.String(), "version", latest.Version)
		m.notify(ctx, NewEvent(EventUpdated, latest, "from "+current.Version))
		return nil
	})
	return latest, changed, err
}

// Search lists manifests matching query when the repository supports it.
func (m *Manager) Search(ctx context.Context, query string) ([]artifact.ManifestID, error) {
	searcher, ok := m.repo.(artifact.Searcher)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "the artifact repository does not support search")
	}
	var out []artifact.ManifestID
	err := m.operation(ctx, "search", query, func(ctx context.Context) error {
		var err error
		out, err = searcher.Search(ctx, query)
		return err
	})
	return out, err
}
