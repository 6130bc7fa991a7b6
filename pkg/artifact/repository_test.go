package artifact_test

import (
	"context"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "PluginHost/internal/errors"
	"PluginHost/internal/repository"
	"PluginHost/pkg/artifact"
)

func TestCollectGraphFlattensLibrariesOnly(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.Add(artifact.MustParseID("acme:app:1.0"), nil,
		repository.Compile("lib:json:2.0"),
		repository.Provided("acme:core:1.0"),
	)
	repo.Add(artifact.MustParseID("lib:json:2.0"), nil,
		repository.Compile("lib:buffer:1.1"),
		repository.Edge{Child: artifact.MustParseID("lib:junit:4.0"), Scope: artifact.ScopeTest},
	)
	repo.Add(artifact.MustParseID("lib:buffer:1.1"), nil)
	repo.Add(artifact.MustParseID("acme:core:1.0"), nil, repository.Compile("lib:never:1.0"))

	ctx := context.Background()
	app, err := repo.Artifact(ctx, artifact.MustParseID("acme:app:1.0"))
	require.NoError(t, err)

	graph, err := app.DependencyGraph(ctx)
	require.NoError(t, err)

	children := make([]string, 0, len(graph))
	for _, dep := range graph {
		children = append(children, dep.Child.String())
	}
	assert.ElementsMatch(t, []string{"lib:json:2.0", "acme:core:1.0", "lib:buffer:1.1"}, children)
}

func TestCollectGraphRequiredFailureAborts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.Add(artifact.MustParseID("acme:app:1.0"), nil, repository.Compile("lib:missing:1.0"))

	ctx := context.Background()
	app, err := repo.Artifact(ctx, artifact.MustParseID("acme:app:1.0"))
	require.NoError(t, err)

	_, err = app.DependencyGraph(ctx)
	require.Error(t, err)
	assert.True(t, artifact.IsNotFound(err))
	assert.Contains(t, err.Error(), "acme:app:1.0 -> lib:missing:1.0")
}

func TestCollectGraphOptionalFailureIsLeaf(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.Add(artifact.MustParseID("acme:app:1.0"), nil, repository.Compile("lib:missing:1.0").AsOptional())

	ctx := context.Background()
	app, err := repo.Artifact(ctx, artifact.MustParseID("acme:app:1.0"))
	require.NoError(t, err)

	graph, err := app.DependencyGraph(ctx)
	require.NoError(t, err)
	require.Len(t, graph, 1)
	assert.False(t, graph[0].Required)
}

func TestObtainIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	id := artifact.MustParseID("acme:app:1.0")
	repo.Add(id, fstest.MapFS{"main.lua": {Data: []byte("return {}")}})

	ctx := context.Background()
	a, err := repo.Artifact(ctx, id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]artifact.LocalArtifact, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local, err := a.Obtain(ctx)
			assert.NoError(t, err)
			results[i] = local
		}(i)
	}
	wg.Wait()

	for _, local := range results[1:] {
		assert.Same(t, results[0], local)
	}
	assert.Equal(t, 1, repo.Fetches(id))

	// a second Artifact handle shares the memo
	again, err := repo.Artifact(ctx, id)
	require.NoError(t, err)
	local, err := again.Obtain(ctx)
	require.NoError(t, err)
	assert.Same(t, results[0], local)
	assert.Equal(t, 1, repo.Fetches(id))
}

func TestObtainFailureIsNotCached(t *testing.T) {
	repo := repository.NewMemoryRepository()
	id := artifact.MustParseID("acme:app:1.0")
	repo.Add(id, fstest.MapFS{})
	repo.FailObtain(id, xerrors.New(xerrors.CodeArtifactRepository, "connection reset"))

	ctx := context.Background()
	a, err := repo.Artifact(ctx, id)
	require.NoError(t, err)

	_, err = a.Obtain(ctx)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactRepository, xerrors.CodeOf(err))
	assert.False(t, artifact.IsNotFound(err))

	repo.FailObtain(id, nil)
	_, err = a.Obtain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Fetches(id))
}
