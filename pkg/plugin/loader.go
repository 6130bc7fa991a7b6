package plugin

import (
	"context"
	"errors"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

const (
	// SchemeNative refers to a plugin compiled into the host.
	SchemeNative = "native"
	// SchemeShared refers to a Go shared object inside the artifact.
	SchemeShared = "so"
)

// CodeSource is a plugin's own code. Lookup returns an error matching
// ErrNotFound when the symbol does not exist.
type CodeSource interface {
	Lookup(symbol string) (any, error)
}

// CodeLoader opens the code an entry points at. lc is the plugin's loading
// context, which the code may use to resolve its own imports.
type CodeLoader interface {
	Open(ctx context.Context, local artifact.LocalArtifact, target string, lc *LoadingContext) (CodeSource, error)
}

// Module is a plugin compiled into the host binary.
type Module struct {
	New     func() Plugin
	Exports map[string]any
}

// Natives maps entry names to compiled-in modules and library manifests to
// their exported symbols.
type Natives struct {
	mu        sync.RWMutex
	modules   map[string]Module
	libraries map[artifact.ManifestID]map[string]any
}

// NewNatives returns an empty registry.
func NewNatives() *Natives {
	return &Natives{modules: map[string]Module{}, libraries: map[artifact.ManifestID]map[string]any{}}
}

// DefaultNatives is used by managers created without WithNatives.
var DefaultNatives = NewNatives()

// Register binds a module to an entry name.
func (n *Natives) Register(name string, mod Module) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modules[name] = mod
}

// RegisterLibrary exposes symbols for a library artifact. Plugins that carry
// the library in their private set can resolve them.
func (n *Natives) RegisterLibrary(id artifact.ManifestID, exports map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.libraries[id] = exports
}

func (n *Natives) module(name string) (Module, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	mod, ok := n.modules[name]
	return mod, ok
}

func (n *Natives) exports(id artifact.ManifestID) map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.libraries[id]
}

// NativeLoader opens modules from a Natives registry.
type NativeLoader struct {
	Natives *Natives
}

// Open implements CodeLoader.
func (l NativeLoader) Open(_ context.Context, local artifact.LocalArtifact, target string, _ *LoadingContext) (CodeSource, error) {
	mod, ok := l.Natives.module(target)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodePluginLoad, "%s: native module %q is not compiled into this host", local.ID(), target)
	}
	return nativeSource{mod: mod}, nil
}

type nativeSource struct {
	mod Module
}

func (s nativeSource) Lookup(symbol string) (any, error) {
	if symbol == DefaultSymbol && s.mod.New != nil {
		return s.mod.New, nil
	}
	if v, ok := s.mod.Exports[symbol]; ok {
		return v, nil
	}
	return nil, &NotFoundError{Kind: "symbol", Name: symbol}
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically
// load shared objects shipped inside the artifact. Loaded objects stay
// resident for the life of the process.
type GoPluginLoader struct{}

// Open implements CodeLoader.
func (GoPluginLoader) Open(_ context.Context, local artifact.LocalArtifact, target string, _ *LoadingContext) (CodeSource, error) {
	if target == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(local.Path(), filepath.FromSlash(target))
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodePluginLoad, err, "open %s", path)
	}
	return sharedObject{so: so}, nil
}

type sharedObject struct {
	so *goplugin.Plugin
}

func (s sharedObject) Lookup(symbol string) (any, error) {
	v, err := s.so.Lookup(symbol)
	if err != nil {
		return nil, lookupError(symbol, err)
	}
	return v, nil
}

// lookupError classifies a failed shared object lookup. The runtime has no
// sentinel; a missing symbol reads "plugin: symbol <name> not found in
// plugin <path>".
func lookupError(symbol string, err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "plugin: symbol ") && strings.Contains(msg, " not found in plugin ") {
		return &NotFoundError{Kind: "symbol", Name: symbol}
	}
	return err
}

// resolveEntry turns the entry symbol into a Plugin.
func resolveEntry(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		if inst := p(); inst != nil {
			return inst, nil
		}
		return nil, errors.New("plugin constructor returned nil")
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}
