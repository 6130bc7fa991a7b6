package artifact

import (
	"context"
	"io/fs"
	"sync"

	xerrors "PluginHost/internal/errors"
)

// Repository resolves manifests and artifacts. Implementations must be safe
// for repeated calls and must report unknown identifiers with
// CodeArtifactNotFound and transport failures with CodeArtifactRepository.
type Repository interface {
	Manifest(ctx context.Context, id ManifestID) (Manifest, error)
	Artifact(ctx context.Context, id ID) (Artifact, error)
}

// Manifest lists the published versions of one ManifestID.
type Manifest interface {
	ID() ManifestID
	LatestVersion(ctx context.Context) (ID, error)
	Versions(ctx context.Context) ([]ID, error)
}

// Artifact is a resolvable, possibly not yet downloaded, artifact.
type Artifact interface {
	ID() ID
	// Dependencies returns the direct declared edges.
	Dependencies(ctx context.Context) ([]Dependency, error)
	// DependencyGraph returns the transitive closure of edges.
	DependencyGraph(ctx context.Context) ([]Dependency, error)
	// Obtain materialises the artifact. I/O happens at most once per artifact.
	Obtain(ctx context.Context) (LocalArtifact, error)
}

// LocalArtifact is an artifact whose content is available on disk.
type LocalArtifact interface {
	Artifact
	Path() string
	Content() fs.FS
}

// Searcher is implemented by repositories that can list manifests.
type Searcher interface {
	Search(ctx context.Context, query string) ([]ManifestID, error)
}

// IsNotFound reports whether err means an identifier could not be resolved.
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeArtifactNotFound)
}

// CollectGraph walks the declared edges of root breadth first. Edges into
// provided, test and system scoped children are reported but not descended
// into: their own dependencies belong to a different loading context. A child
// that cannot be resolved aborts the walk when its edge is required and is
// left as a leaf otherwise.
func CollectGraph(ctx context.Context, repo Repository, root Artifact) ([]Dependency, error) {
	direct, err := root.Dependencies(ctx)
	if err != nil {
		return nil, err
	}
	var (
		edges   []Dependency
		queue   = direct
		visited = map[ManifestID]struct{}{root.ID().Manifest: {}}
	)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		edges = append(edges, dep)
		if !dep.Scope.Library() {
			continue
		}
		if _, seen := visited[dep.Child.Manifest]; seen {
			continue
		}
		visited[dep.Child.Manifest] = struct{}{}

		child, err := repo.Artifact(ctx, dep.Child)
		if err != nil {
			if dep.Required {
				return nil, xerrors.Wrapf(xerrors.CodeOf(err), err, "resolve %s", dep)
			}
			continue
		}
		next, err := child.Dependencies(ctx)
		if err != nil {
			if dep.Required {
				return nil, err
			}
			continue
		}
		for _, n := range next {
			if !n.Scope.Library() {
				// provided/test/system scopes of a library are not transitive
				continue
			}
			if !dep.Required {
				n.Required = false
			}
			queue = append(queue, n)
		}
	}
	return edges, nil
}

// Obtainer memoises successful Obtain results per ID. Failures are not cached
// so a transient repository error can be retried.
type Obtainer struct {
	mu    sync.Mutex
	calls map[ID]*obtainCall
}

type obtainCall struct {
	mu    sync.Mutex
	local LocalArtifact
}

// Do returns the memoised LocalArtifact for id, calling fetch at most once
// per successful result. Concurrent callers for the same id wait for the
// first.
func (o *Obtainer) Do(ctx context.Context, id ID, fetch func(context.Context) (LocalArtifact, error)) (LocalArtifact, error) {
	o.mu.Lock()
	if o.calls == nil {
		o.calls = make(map[ID]*obtainCall)
	}
	call, ok := o.calls[id]
	if !ok {
		call = &obtainCall{}
		o.calls[id] = call
	}
	o.mu.Unlock()

	call.mu.Lock()
	defer call.mu.Unlock()
	if call.local != nil {
		return call.local, nil
	}
	local, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	call.local = local
	return local, nil
}

// Forget drops a memoised result.
func (o *Obtainer) Forget(id ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.calls, id)
}
