package plugin

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"PluginHost/pkg/artifact"
	"PluginHost/pkg/registry"
)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
type Plugin interface {
	// Load runs once, when the plugin's code is first resolved. Contributions
	// declared here are registered on every enable.
	Load(ctx *ExecutionContext) error
	// Enable activates the plugin and should spawn long running routines if required.
	Enable(ctx *ExecutionContext) error
	// Disable gracefully halts the plugin and releases any resources.
	Disable(ctx *ExecutionContext) error
}

// ExecutionContext is passed to plugins for every lifecycle stage. It is
// current only for the duration of the hook it was passed to.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// ID is the artifact the plugin was loaded from.
	ID artifact.ID
	// Logger is scoped to the plugin.
	Logger *slog.Logger
	// Loader resolves symbols and resources through the plugin's isolation boundary.
	Loader *LoadingContext
	// Properties are the persisted string properties of the registration.
	Properties map[string]string
	// Contribute collects the commands, platforms, databases and listeners
	// the plugin offers while enabled.
	Contribute *Contributions
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
}

// Clone returns a shallow copy of the execution context so plugins can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Properties != nil {
		dup.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			dup.Properties[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

func (c *ExecutionContext) withContext(ctx context.Context) *ExecutionContext {
	dup := c.Clone()
	dup.C = ctx
	return dup
}

// CommandFunc executes a command contributed by a plugin and returns its reply.
type CommandFunc func(ctx context.Context, args []string) (string, error)

// PlatformFactory creates a transport platform adapter from its settings.
type PlatformFactory func(settings map[string]string) (any, error)

// DatabaseFactory opens a database handle for a DSN.
type DatabaseFactory func(dsn string) (any, error)

// Registries are the host-wide registries plugins contribute to.
type Registries struct {
	Commands  *registry.Registry[CommandFunc]
	Platforms *registry.Registry[PlatformFactory]
	Databases *registry.Registry[DatabaseFactory]
	Listeners *registry.Bus
}

// NewRegistries returns empty registries.
func NewRegistries() *Registries {
	return &Registries{
		Commands:  registry.New[CommandFunc]("command"),
		Platforms: registry.New[PlatformFactory]("platform"),
		Databases: registry.New[DatabaseFactory]("database"),
		Listeners: registry.NewBus(),
	}
}

// Contributions are declared by a plugin and registered by the host while
// the plugin is enabled.
type Contributions struct {
	commands  map[string]CommandFunc
	platforms map[string]PlatformFactory
	databases map[string]DatabaseFactory
	listeners []registry.Listener
}

func newContributions() *Contributions {
	return &Contributions{
		commands:  map[string]CommandFunc{},
		platforms: map[string]PlatformFactory{},
		databases: map[string]DatabaseFactory{},
	}
}

// Command declares a command.
func (c *Contributions) Command(label string, fn CommandFunc) {
	c.commands[label] = fn
}

// Platform declares a platform factory.
func (c *Contributions) Platform(label string, f PlatformFactory) {
	c.platforms[label] = f
}

// Database declares a database factory.
func (c *Contributions) Database(label string, f DatabaseFactory) {
	c.databases[label] = f
}

// Listener declares an event listener.
func (c *Contributions) Listener(l registry.Listener) {
	c.listeners = append(c.listeners, l)
}

// CommandLabels lists declared commands in order.
func (c *Contributions) CommandLabels() []string { return sortedKeys(c.commands) }

// PlatformLabels lists declared platforms in order.
func (c *Contributions) PlatformLabels() []string { return sortedKeys(c.platforms) }

// DatabaseLabels lists declared databases in order.
func (c *Contributions) DatabaseLabels() []string { return sortedKeys(c.databases) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// register adds every contribution for owner: commands, platforms,
// databases, then listeners. On conflict what was added is removed again.
func (c *Contributions) register(r *Registries, owner string) error {
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	for _, label := range c.CommandLabels() {
		if err := r.Commands.Register(owner, label, c.commands[label]); err != nil {
			rollback()
			return err
		}
		undo = append(undo, func() { r.Commands.Unregister(owner, label) })
	}
	for _, label := range c.PlatformLabels() {
		if err := r.Platforms.Register(owner, label, c.platforms[label]); err != nil {
			rollback()
			return err
		}
		undo = append(undo, func() { r.Platforms.Unregister(owner, label) })
	}
	for _, label := range c.DatabaseLabels() {
		if err := r.Databases.Register(owner, label, c.databases[label]); err != nil {
			rollback()
			return err
		}
		undo = append(undo, func() { r.Databases.Unregister(owner, label) })
	}
	for _, l := range c.listeners {
		r.Listeners.RegisterListener(owner, l)
	}
	return nil
}

// unregister removes contributions in the reverse order of register.
func (c *Contributions) unregister(r *Registries, owner string) {
	r.Listeners.UnregisterListeners(owner)
	labels := c.DatabaseLabels()
	for i := len(labels) - 1; i >= 0; i-- {
		r.Databases.Unregister(owner, labels[i])
	}
	labels = c.PlatformLabels()
	for i := len(labels) - 1; i >= 0; i-- {
		r.Platforms.Unregister(owner, labels[i])
	}
	labels = c.CommandLabels()
	for i := len(labels) - 1; i >= 0; i-- {
		r.Commands.Unregister(owner, labels[i])
	}
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithCodeLoader registers a code loader for an entry scheme such as "lua".
func WithCodeLoader(scheme string, loader CodeLoader) Option {
	return func(m *Manager) {
		if scheme != "" && loader != nil {
			m.loaders[scheme] = loader
		}
	}
}

// WithNatives replaces the registry of plugins compiled into the host.
func WithNatives(n *Natives) Option {
	return func(m *Manager) {
		if n != nil {
			m.natives = n
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		m.resources[key] = value
	}
}

// WithHost sets the host context consulted first by every loading context.
func WithHost(host HostContext) Option {
	return func(m *Manager) {
		m.host = host
	}
}

// WithRegistries shares registries with the rest of the host.
func WithRegistries(r *Registries) Option {
	return func(m *Manager) {
		if r != nil {
			m.registries = r
		}
	}
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.events = sink
		}
	}
}

// WithObserver reports operation outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithTracer wraps manager operations in spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}
