package plugin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// LivePlugin is a loaded plugin. While enabled all its required
// dependencies are enabled, and while disabled no enabled depender
// requires it.
type LivePlugin struct {
	graph *Graph
	info  Info
	impl  Plugin
	exec  *ExecutionContext
	deps  []Edge

	// lifecycle lock; dependencies are enabled under their own locks
	mu      sync.Mutex
	enabled atomic.Bool
	// set from before the dependencies are enabled until Enable returns
	enabling atomic.Bool
}

// ID is the resident artifact.
func (p *LivePlugin) ID() artifact.ID { return p.info.ID }

// Manifest is the version independent identifier.
func (p *LivePlugin) Manifest() artifact.ManifestID { return p.info.ID.Manifest }

// Info is the parsed plugin descriptor.
func (p *LivePlugin) Info() Info { return p.info }

// Enabled reports the live state.
func (p *LivePlugin) Enabled() bool { return p.enabled.Load() }

// LoadingContext is the plugin's isolation boundary.
func (p *LivePlugin) LoadingContext() *LoadingContext { return p.exec.Loader }

// Contributions are what the plugin registers while enabled.
func (p *LivePlugin) Contributions() *Contributions { return p.exec.Contribute }

// Dependencies returns the resolved provided dependencies in declaration order.
func (p *LivePlugin) Dependencies() []Edge {
	return append([]Edge(nil), p.deps...)
}

// Dependers returns the loaded plugins depending on this one.
func (p *LivePlugin) Dependers() []Edge {
	return p.graph.Dependers(p.Manifest())
}

func (p *LivePlugin) logger() *slog.Logger {
	return p.exec.Logger
}

func (p *LivePlugin) hook(ctx context.Context, fn func(*ExecutionContext) error) error {
	return runHook(ctx, p.graph.timeout, func(ctx context.Context) error {
		return fn(p.exec.withContext(ctx))
	})
}

// Enable enables the required dependencies, runs the enable hook and
// registers the plugin's contributions. On failure the plugin is left
// disabled: the disable hook runs once as compensation and its error, if
// any, is joined to the original one. Dependencies stay enabled.
func (p *LivePlugin) Enable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled.Load() {
		return nil
	}
	p.enabling.Store(true)
	defer p.enabling.Store(false)
	for _, dep := range p.deps {
		if err := dep.Plugin.Enable(ctx); err != nil {
			if dep.Required {
				return xerrors.Wrapf(xerrors.CodePluginHook, err, "enable %s required by %s", dep.Plugin.ID(), p.ID())
			}
			p.logger().Warn("optional dependency failed to enable", "op", "enable", "dependency", dep.Plugin.ID().String(), "error", err)
		}
	}

	if err := p.graph.isolation.Prepare(p.info); err != nil {
		return xerrors.Wrapf(xerrors.CodePluginHook, err, "prepare isolation for %s", p.ID())
	}
	if err := p.hook(ctx, p.impl.Enable); err != nil {
		return p.compensate(ctx, err)
	}
	if err := p.exec.Contribute.register(p.graph.registries, p.Manifest().String()); err != nil {
		return p.compensate(ctx, err)
	}
	p.enabled.Store(true)
	p.logger().Info("plugin enabled", "op", "enable")
	p.graph.notify(ctx, NewEvent(EventEnabled, p.ID(), ""))
	return nil
}

func (p *LivePlugin) compensate(ctx context.Context, cause error) error {
	if err := p.hook(ctx, p.impl.Disable); err != nil {
		cause = errors.Join(cause, xerrors.Wrap(xerrors.CodePluginHook, err, "compensating disable"))
	}
	if err := p.graph.isolation.Cleanup(p.info); err != nil {
		cause = errors.Join(cause, err)
	}
	p.logger().Error("plugin enable failed", "op", "enable", "error", cause)
	p.graph.notify(ctx, NewEvent(EventEnableFail, p.ID(), cause.Error()))
	return xerrors.Wrapf(xerrors.CodePluginHook, cause, "enable %s", p.ID())
}

// Disable refuses while an enabled or enabling depender requires the
// plugin. Otherwise the disable hook runs first; when it fails the plugin
// stays enabled with its registrations intact. Afterwards dependencies nobody else needs are
// disabled too.
func (p *LivePlugin) Disable(ctx context.Context) error {
	if err := p.disable(ctx); err != nil {
		return err
	}
	p.prune(ctx)
	return nil
}

func (p *LivePlugin) disable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled.Load() {
		return nil
	}
	if blockers := p.blockers(); len(blockers) > 0 {
		return xerrors.Newf(xerrors.CodeIllegalState, "%s is required by enabled plugins: %s", p.ID(), strings.Join(blockers, ", "))
	}
	if err := p.hook(ctx, p.impl.Disable); err != nil {
		return xerrors.Wrapf(xerrors.CodePluginHook, err, "disable %s", p.ID())
	}
	p.exec.Contribute.unregister(p.graph.registries, p.Manifest().String())
	if err := p.graph.isolation.Cleanup(p.info); err != nil {
		p.logger().Warn("isolation cleanup failed", "op", "disable", "error", err)
	}
	p.enabled.Store(false)
	p.logger().Info("plugin disabled", "op", "disable")
	p.graph.notify(ctx, NewEvent(EventDisabled, p.ID(), ""))
	return nil
}

// active reports whether the plugin is enabled or on its way there.
func (p *LivePlugin) active() bool {
	return p.enabled.Load() || p.enabling.Load()
}

func (p *LivePlugin) blockers() []string {
	var out []string
	for _, d := range p.Dependers() {
		if d.Required && d.Plugin.active() {
			out = append(out, d.Plugin.ID().String())
		}
	}
	return out
}

// prune disables dependencies that are enabled, were not installed or
// enabled on their own, and have no other enabled depender.
func (p *LivePlugin) prune(ctx context.Context) {
	for _, dep := range p.deps {
		child := dep.Plugin
		if !child.Enabled() {
			continue
		}
		if rec, ok := p.graph.record(child.Manifest()); ok && (rec.Required || rec.Enabled) {
			continue
		}
		needed := false
		for _, d := range child.Dependers() {
			if d.Plugin != p && d.Plugin.active() {
				needed = true
				break
			}
		}
		if needed {
			continue
		}
		if err := child.Disable(ctx); err != nil {
			p.logger().Warn("dependency pruning failed", "op", "disable", "dependency", child.ID().String(), "error", err)
		}
	}
}
