package plugin

import (
	"context"
	"maps"
	"time"

	"PluginHost/pkg/artifact"
)

// Record is the persisted form of a registration.
type Record struct {
	ID artifact.ID `json:"id"`
	// Enabled is the auto-start flag, not the live state.
	Enabled bool `json:"enabled"`
	// Required marks a plugin the user installed, as opposed to one pulled
	// in as a dependency.
	Required   bool              `json:"required"`
	Elevated   bool              `json:"elevated"`
	Properties map[string]string `json:"properties,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Properties = maps.Clone(r.Properties)
	return r
}

// Store persists registration records keyed by manifest. Get reports a
// missing record with errors.CodeNotFound.
type Store interface {
	Get(ctx context.Context, id artifact.ManifestID) (Record, error)
	List(ctx context.Context) ([]Record, error)
	// PutAll writes every record or none of them.
	PutAll(ctx context.Context, records ...Record) error
	Delete(ctx context.Context, id artifact.ManifestID) error
	Close() error
}
