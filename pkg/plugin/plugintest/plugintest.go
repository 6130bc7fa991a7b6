// Package plugintest provides scripted plugins and an in-memory host
// environment for tests.
package plugintest

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing/fstest"

	"PluginHost/internal/events"
	"PluginHost/internal/repository"
	"PluginHost/internal/store"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
)

// Fake is a plugin whose hooks are scripted and counted.
type Fake struct {
	OnLoad    func(*plugin.ExecutionContext) error
	OnEnable  func(*plugin.ExecutionContext) error
	OnDisable func(*plugin.ExecutionContext) error

	loads, enables, disables atomic.Int32
}

// Load implements plugin.Plugin.
func (f *Fake) Load(ctx *plugin.ExecutionContext) error {
	f.loads.Add(1)
	if f.OnLoad != nil {
		return f.OnLoad(ctx)
	}
	return nil
}

// Enable implements plugin.Plugin.
func (f *Fake) Enable(ctx *plugin.ExecutionContext) error {
	f.enables.Add(1)
	if f.OnEnable != nil {
		return f.OnEnable(ctx)
	}
	return nil
}

// Disable implements plugin.Plugin.
func (f *Fake) Disable(ctx *plugin.ExecutionContext) error {
	f.disables.Add(1)
	if f.OnDisable != nil {
		return f.OnDisable(ctx)
	}
	return nil
}

// Loads returns how often the load hook ran.
func (f *Fake) Loads() int { return int(f.loads.Load()) }

// Enables returns how often the enable hook ran.
func (f *Fake) Enables() int { return int(f.enables.Load()) }

// Disables returns how often the disable hook ran.
func (f *Fake) Disables() int { return int(f.disables.Load()) }

// Journal records hook calls across plugins in order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry.
func (j *Journal) Add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

// Entries returns a copy of the journal.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Recording returns a Fake that writes "<name>.enable" and "<name>.disable"
// to j.
func Recording(j *Journal, name string) *Fake {
	return &Fake{
		OnEnable: func(*plugin.ExecutionContext) error {
			j.Add(name + ".enable")
			return nil
		},
		OnDisable: func(*plugin.ExecutionContext) error {
			j.Add(name + ".disable")
			return nil
		},
	}
}

// Content builds artifact content with a plugin.yaml for entry plus extra files.
func Content(entry string, capabilities []plugin.Capability, files map[string]string) fstest.MapFS {
	var b strings.Builder
	fmt.Fprintf(&b, "entry: %q\n", entry)
	if len(capabilities) > 0 {
		b.WriteString("capabilities:\n")
		for _, c := range capabilities {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	fsys := fstest.MapFS{plugin.DescriptorFile: &fstest.MapFile{Data: []byte(b.String())}}
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	return fsys
}

// Env is an in-memory host: repository, natives, store, events and registries.
type Env struct {
	Repo       *repository.MemoryRepository
	Natives    *plugin.Natives
	Store      *store.MemoryStore
	Events     *events.MemorySink
	Registries *plugin.Registries
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{
		Repo:       repository.NewMemoryRepository(),
		Natives:    plugin.NewNatives(),
		Store:      store.NewMemoryStore(),
		Events:     events.NewMemorySink(),
		Registries: plugin.NewRegistries(),
	}
}

// Publish adds id to the repository as a native plugin backed by p.
func (e *Env) Publish(id string, p plugin.Plugin, edges ...repository.Edge) artifact.ID {
	return e.PublishModule(id, plugin.Module{New: func() plugin.Plugin { return p }}, nil, nil, edges...)
}

// PublishModule adds id as a native module with requested capabilities and
// extra content files.
func (e *Env) PublishModule(id string, mod plugin.Module, capabilities []plugin.Capability, files map[string]string, edges ...repository.Edge) artifact.ID {
	aid := artifact.MustParseID(id)
	e.Natives.Register(aid.String(), mod)
	e.Repo.Add(aid, Content(plugin.SchemeNative+":"+aid.String(), capabilities, files), edges...)
	return aid
}

// PublishLibrary adds a library artifact whose symbols are compiled into the host.
func (e *Env) PublishLibrary(id string, exports map[string]any, files map[string]string, edges ...repository.Edge) artifact.ID {
	aid := artifact.MustParseID(id)
	e.Natives.RegisterLibrary(aid.Manifest, exports)
	fsys := fstest.MapFS{}
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	e.Repo.Add(aid, fsys, edges...)
	return aid
}

// Manager builds a manager over the environment. Later options win.
func (e *Env) Manager(cfg plugin.ManagerConfig, opts ...plugin.Option) (*plugin.Manager, error) {
	base := []plugin.Option{
		plugin.WithNatives(e.Natives),
		plugin.WithEventSink(e.Events),
		plugin.WithRegistries(e.Registries),
		plugin.WithLogger(slog.New(slog.DiscardHandler)),
	}
	return plugin.NewManager(cfg, e.Repo, e.Store, append(base, opts...)...)
}
