package plugin

import (
	"context"
	"maps"
	"sync"
	"time"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
)

// Registration is an installed plugin: its persisted record and, once
// loaded, its live plugin.
type Registration struct {
	manager *Manager

	mu     sync.RWMutex
	record Record

	// load lock
	loadMu sync.Mutex
	live   *LivePlugin
}

func newRegistration(m *Manager, rec Record) *Registration {
	return &Registration{manager: m, record: rec.Clone()}
}

// ID is the recorded artifact. After an update it may be newer than the
// resident code until the next start.
func (r *Registration) ID() artifact.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record.ID
}

// Manifest is the registration key.
func (r *Registration) Manifest() artifact.ManifestID { return r.ID().Manifest }

// Record returns a copy of the persisted record.
func (r *Registration) Record() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.record.Clone()
}

// AutoStart reports whether the plugin is enabled on host start.
func (r *Registration) AutoStart() bool { return r.Record().Enabled }

// Required reports whether the user installed the plugin, as opposed to it
// being pulled in as a dependency.
func (r *Registration) Required() bool { return r.Record().Required }

// Elevated reports whether the isolation policy is bypassed.
func (r *Registration) Elevated() bool { return r.Record().Elevated }

// Properties returns a copy of the persisted properties.
func (r *Registration) Properties() map[string]string {
	return maps.Clone(r.Record().Properties)
}

// Plugin returns the live plugin, or nil before the first load.
func (r *Registration) Plugin() *LivePlugin {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.live
}

// Enabled reports the live state.
func (r *Registration) Enabled() bool {
	live := r.Plugin()
	return live != nil && live.Enabled()
}

// Load loads the plugin once. Concurrent callers wait for the first.
func (r *Registration) Load(ctx context.Context) (*LivePlugin, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.live != nil {
		return r.live, nil
	}
	rec := r.Record()
	live, err := r.manager.graph.Load(ctx, rec.ID, &rec)
	if err != nil {
		return nil, err
	}
	r.live = live
	return live, nil
}

func (r *Registration) attach(live *LivePlugin) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.live == nil {
		r.live = live
	}
}

// SetProperty persists one property.
func (r *Registration) SetProperty(ctx context.Context, key, value string) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "property key cannot be empty")
	}
	return r.update(ctx, func(rec *Record) {
		if rec.Properties == nil {
			rec.Properties = map[string]string{}
		}
		rec.Properties[key] = value
	})
}

// update persists a modified record before applying it in memory.
func (r *Registration) update(ctx context.Context, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.record.Clone()
	fn(&next)
	next.UpdatedAt = time.Now().UTC()
	if err := r.manager.store.PutAll(ctx, next); err != nil {
		return xerrors.Wrapf(xerrors.CodeStorageFailure, err, "persist %s", next.ID)
	}
	r.record = next
	return nil
}
