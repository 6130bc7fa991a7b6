package repository

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"PluginHost/pkg/artifact"
)

// MemoryRepository keeps artifacts in memory. It counts Obtain I/O per
// artifact, which tests use to check memoisation.
type MemoryRepository struct {
	mu        sync.RWMutex
	artifacts map[artifact.ManifestID]map[string]*memoryEntry
	fetches   map[artifact.ID]int
	failures  map[artifact.ID]error
	obtainer  artifact.Obtainer
}

type memoryEntry struct {
	id      artifact.ID
	deps    []artifact.Dependency
	content fs.FS
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		artifacts: make(map[artifact.ManifestID]map[string]*memoryEntry),
		fetches:   make(map[artifact.ID]int),
		failures:  make(map[artifact.ID]error),
	}
}

// Add publishes an artifact with the given content and declared edges.
func (r *MemoryRepository) Add(id artifact.ID, content fs.FS, edges ...Edge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.artifacts[id.Manifest]
	if !ok {
		versions = make(map[string]*memoryEntry)
		r.artifacts[id.Manifest] = versions
	}
	versions[id.Version] = &memoryEntry{id: id, deps: edgesToDependencies(id, edges), content: content}
}

// FailObtain makes the next Obtain calls for id return err until cleared with nil.
func (r *MemoryRepository) FailObtain(id artifact.ID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, id)
		return
	}
	r.failures[id] = err
}

// Fetches returns how many times id was materialised.
func (r *MemoryRepository) Fetches(id artifact.ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetches[id]
}

// Manifest implements artifact.Repository.
func (r *MemoryRepository) Manifest(_ context.Context, id artifact.ManifestID) (artifact.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.artifacts[id]; !ok {
		return nil, notFound(id)
	}
	return &memoryManifest{repo: r, id: id}, nil
}

// Artifact implements artifact.Repository.
func (r *MemoryRepository) Artifact(_ context.Context, id artifact.ID) (artifact.Artifact, error) {
	entry, ok := r.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	return &memoryArtifact{repo: r, entry: entry}, nil
}

// Search implements artifact.Searcher with a case-insensitive substring match.
func (r *MemoryRepository) Search(_ context.Context, query string) ([]artifact.ManifestID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	query = strings.ToLower(query)
	var out []artifact.ManifestID
	for id := range r.artifacts {
		if strings.Contains(strings.ToLower(id.String()), query) {
			out = append(out, id)
		}
	}
	sortManifests(out)
	return out, nil
}

func (r *MemoryRepository) lookup(id artifact.ID) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.artifacts[id.Manifest][id.Version]
	return entry, ok
}

type memoryManifest struct {
	repo *MemoryRepository
	id   artifact.ManifestID
}

func (m *memoryManifest) ID() artifact.ManifestID { return m.id }

func (m *memoryManifest) Versions(context.Context) ([]artifact.ID, error) {
	m.repo.mu.RLock()
	defer m.repo.mu.RUnlock()
	ids := make([]artifact.ID, 0, len(m.repo.artifacts[m.id]))
	for _, entry := range m.repo.artifacts[m.id] {
		ids = append(ids, entry.id)
	}
	sortIDs(ids)
	return ids, nil
}

func (m *memoryManifest) LatestVersion(ctx context.Context) (artifact.ID, error) {
	versions, err := m.Versions(ctx)
	if err != nil {
		return artifact.ID{}, err
	}
	latest, ok := artifact.Latest(versions)
	if !ok {
		return artifact.ID{}, notFound(m.id)
	}
	return latest, nil
}

type memoryArtifact struct {
	repo  *MemoryRepository
	entry *memoryEntry
}

func (a *memoryArtifact) ID() artifact.ID { return a.entry.id }

func (a *memoryArtifact) Dependencies(context.Context) ([]artifact.Dependency, error) {
	return append([]artifact.Dependency(nil), a.entry.deps...), nil
}

func (a *memoryArtifact) DependencyGraph(ctx context.Context) ([]artifact.Dependency, error) {
	return artifact.CollectGraph(ctx, a.repo, a)
}

func (a *memoryArtifact) Obtain(ctx context.Context) (artifact.LocalArtifact, error) {
	return a.repo.obtainer.Do(ctx, a.entry.id, func(context.Context) (artifact.LocalArtifact, error) {
		a.repo.mu.Lock()
		defer a.repo.mu.Unlock()
		if err := a.repo.failures[a.entry.id]; err != nil {
			return nil, err
		}
		a.repo.fetches[a.entry.id]++
		return &memoryLocal{memoryArtifact: a}, nil
	})
}

type memoryLocal struct {
	*memoryArtifact
}

func (l *memoryLocal) Path() string { return "mem://" + l.entry.id.String() }

func (l *memoryLocal) Content() fs.FS { return l.entry.content }

func sortIDs(ids []artifact.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

func sortManifests(ids []artifact.ManifestID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
