// Package registry holds the labelled registries plugins contribute to while
// enabled: commands, platforms, databases and event listeners.
package registry

import (
	"sort"
	"strings"
	"sync"

	xerrors "PluginHost/internal/errors"
)

// Entry is a registered factory together with the plugin that owns it.
type Entry[F any] struct {
	Label   string
	Owner   string
	Factory F
}

// Registry maps case-insensitive labels to factories. A label belongs to at
// most one owner at a time.
type Registry[F any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]Entry[F]
}

// New creates an empty registry. kind names the registry in errors.
func New[F any](kind string) *Registry[F] {
	return &Registry[F]{kind: kind, entries: make(map[string]Entry[F])}
}

func normalise(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Register binds label to factory on behalf of owner.
func (r *Registry[F]) Register(owner, label string, factory F) error {
	key := normalise(label)
	if key == "" {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "%s label cannot be empty", r.kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[key]; ok {
		return xerrors.Newf(xerrors.CodeConflict, "%s %q already registered by %s", r.kind, label, existing.Owner)
	}
	r.entries[key] = Entry[F]{Label: label, Owner: owner, Factory: factory}
	return nil
}

// Unregister removes label if owner holds it. It reports whether an entry was removed.
func (r *Registry[F]) Unregister(owner, label string) bool {
	key := normalise(label)
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[key]
	if !ok || existing.Owner != owner {
		return false
	}
	delete(r.entries, key)
	return true
}

// Lookup returns the factory registered under label.
func (r *Registry[F]) Lookup(label string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalise(label)]
	return entry.Factory, ok
}

// Entries returns all entries sorted by label, optionally restricted to one owner.
func (r *Registry[F]) Entries(owner string) []Entry[F] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry[F], 0, len(r.entries))
	for _, e := range r.entries {
		if owner == "" || e.Owner == owner {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Labels lists the registered labels in order.
func (r *Registry[F]) Labels() []string {
	entries := r.Entries("")
	labels := make([]string, len(entries))
	for i, e := range entries {
		labels[i] = e.Label
	}
	return labels
}
