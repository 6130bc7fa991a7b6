package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"PluginHost/pkg/artifact"
)

// ErrNotFound is matched by lookups that fell through the whole chain.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a symbol or resource no context in the chain holds.
// Any other error from a lookup is a genuine failure and stops the walk.
type NotFoundError struct {
	Kind  string
	Name  string
	Owner artifact.ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found from %s", e.Kind, e.Name, e.Owner)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound reports whether err is a fall-through miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HostContext is what the host exposes to every plugin. It always wins the
// lookup, so plugins cannot shadow host internals.
type HostContext struct {
	Symbols   map[string]any
	Resources fs.FS
}

// Library is one flattened compile or runtime dependency of a plugin.
type Library struct {
	ID      artifact.ID
	Content fs.FS
	Exports map[string]any
}

// LoadingContext is the resolution boundary of a single plugin instance.
// Lookups consult, in order: the host, the plugin's own code and content,
// its private libraries, then each provided dependency's context in
// declaration order. The chain never reaches sibling plugins.
type LoadingContext struct {
	owner     artifact.ID
	host      HostContext
	code      CodeSource
	content   fs.FS
	libraries []Library
	shared    []*LoadingContext

	mu        sync.RWMutex
	symbols   map[string]any
	resources map[string][]byte
}

func newLoadingContext(owner artifact.ID, host HostContext, content fs.FS, libraries []Library, shared []*LoadingContext) *LoadingContext {
	return &LoadingContext{
		owner:     owner,
		host:      host,
		content:   content,
		libraries: libraries,
		shared:    shared,
		symbols:   make(map[string]any),
		resources: make(map[string][]byte),
	}
}

// Owner is the artifact this context belongs to.
func (c *LoadingContext) Owner() artifact.ID { return c.owner }

// Libraries lists the private library set.
func (c *LoadingContext) Libraries() []artifact.ID {
	ids := make([]artifact.ID, len(c.libraries))
	for i, lib := range c.libraries {
		ids[i] = lib.ID
	}
	return ids
}

// Hosted reports whether the host exports name, which then shadows every
// other link of the chain.
func (c *LoadingContext) Hosted(name string) bool {
	_, ok := c.host.Symbols[name]
	return ok
}

func (c *LoadingContext) attach(code CodeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
}

// Symbol resolves name through the chain.
func (c *LoadingContext) Symbol(name string) (any, error) {
	c.mu.RLock()
	if v, ok := c.symbols[name]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.symbol(name, map[*LoadingContext]struct{}{})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.symbols[name] = v
	c.mu.Unlock()
	return v, nil
}

func (c *LoadingContext) symbol(name string, visited map[*LoadingContext]struct{}) (any, error) {
	visited[c] = struct{}{}
	if v, ok := c.host.Symbols[name]; ok {
		return v, nil
	}
	c.mu.RLock()
	code := c.code
	c.mu.RUnlock()
	if code != nil {
		v, err := code.Lookup(name)
		switch {
		case err == nil:
			return v, nil
		case !IsNotFound(err):
			return nil, fmt.Errorf("lookup %s in %s: %w", name, c.owner, err)
		}
	}
	for _, lib := range c.libraries {
		if v, ok := lib.Exports[name]; ok {
			return v, nil
		}
	}
	for _, dep := range c.shared {
		if _, seen := visited[dep]; seen {
			continue
		}
		v, err := dep.symbol(name, visited)
		if err == nil {
			return v, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Kind: "symbol", Name: name, Owner: c.owner}
}

// Resource reads an embedded resource through the chain.
func (c *LoadingContext) Resource(name string) ([]byte, error) {
	c.mu.RLock()
	if data, ok := c.resources[name]; ok {
		c.mu.RUnlock()
		return data, nil
	}
	c.mu.RUnlock()

	data, err := c.resource(name, map[*LoadingContext]struct{}{})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resources[name] = data
	c.mu.Unlock()
	return data, nil
}

func (c *LoadingContext) resource(name string, visited map[*LoadingContext]struct{}) ([]byte, error) {
	visited[c] = struct{}{}
	sources := make([]fs.FS, 0, 2+len(c.libraries))
	sources = append(sources, c.host.Resources, c.content)
	for _, lib := range c.libraries {
		sources = append(sources, lib.Content)
	}
	for _, fsys := range sources {
		if fsys == nil {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrInvalid):
			continue
		default:
			return nil, fmt.Errorf("read %s in %s: %w", name, c.owner, err)
		}
	}
	for _, dep := range c.shared {
		if _, seen := visited[dep]; seen {
			continue
		}
		data, err := dep.resource(name, visited)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Kind: "resource", Name: name, Owner: c.owner}
}
