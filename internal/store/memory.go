package store

import (
	"context"
	"sort"
	"sync"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/plugin"
)

// MemoryStore keeps records in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[artifact.ManifestID]plugin.Record
	fail    error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[artifact.ManifestID]plugin.Record)}
}

// FailWrites makes PutAll and Delete return err until cleared with nil.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Get implements plugin.Store.
func (s *MemoryStore) Get(_ context.Context, id artifact.ManifestID) (plugin.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return plugin.Record{}, missing(id)
	}
	return rec.Clone(), nil
}

// List implements plugin.Store. Records are ordered by manifest.
func (s *MemoryStore) List(context.Context) ([]plugin.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plugin.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

// PutAll implements plugin.Store.
func (s *MemoryStore) PutAll(_ context.Context, records ...plugin.Record) error {
	if err := validate(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, s.fail, "write registrations")
	}
	for _, rec := range records {
		s.records[rec.ID.Manifest] = rec.Clone()
	}
	return nil
}

// Delete implements plugin.Store. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(_ context.Context, id artifact.ManifestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, s.fail, "delete registration")
	}
	delete(s.records, id)
	return nil
}

// Close implements plugin.Store.
func (s *MemoryStore) Close() error { return nil }

func missing(id artifact.ManifestID) error {
	return xerrors.Newf(xerrors.CodeNotFound, "registration %s not found", id)
}

func validate(records []plugin.Record) error {
	for _, rec := range records {
		if rec.ID.Manifest.IsZero() || rec.ID.Version == "" {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "registration %q has no versioned identifier", rec.ID)
		}
	}
	return nil
}

func sortRecords(records []plugin.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID.Manifest.String() < records[j].ID.Manifest.String()
	})
}
