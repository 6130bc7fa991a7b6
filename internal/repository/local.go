package repository

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/logger"
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	defaultCleanupInterval = 10 * time.Minute

	// root, package, artifact and version directories are watched
	watchDepth = 3
)

// LocalConfig configures a LocalRepository.
type LocalConfig struct {
	// Root holds <package>/<artifact>/<version>/{artifact.yaml,content/}.
	Root string
	// CacheDir receives obtained content. Defaults to Root/.cache.
	CacheDir string
	CacheTTL time.Duration
	// Watch invalidates cached listings when Root changes.
	Watch bool
}

// LocalRepository serves artifacts from a directory tree. Listings and
// descriptors are cached; obtained content is copied once into CacheDir.
type LocalRepository struct {
	root     string
	cacheDir string
	cache    *gocache.Cache
	watcher  *fsnotify.Watcher
	done     chan struct{}
	obtainer artifact.Obtainer
	log      *slog.Logger
}

// NewLocalRepository opens the repository rooted at cfg.Root.
func NewLocalRepository(cfg LocalConfig) (*LocalRepository, error) {
	if cfg.Root == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "repository root cannot be empty")
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArtifactRepository, err, "open repository root")
	}
	if !info.IsDir() {
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "repository root %s is not a directory", cfg.Root)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.Root, ".cache")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	r := &LocalRepository{
		root:     cfg.Root,
		cacheDir: cfg.CacheDir,
		cache:    gocache.New(cfg.CacheTTL, defaultCleanupInterval),
		done:     make(chan struct{}),
		log:      logger.Named("repository").With("root", cfg.Root),
	}
	if cfg.Watch {
		if err := r.watch(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Close stops the watcher.
func (r *LocalRepository) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}

// Invalidate drops every cached listing and descriptor.
func (r *LocalRepository) Invalidate() {
	r.cache.Flush()
}

// Manifest implements artifact.Repository.
func (r *LocalRepository) Manifest(_ context.Context, id artifact.ManifestID) (artifact.Manifest, error) {
	dir, err := r.manifestDir(id)
	if err != nil {
		return nil, err
	}
	if err := r.statDir(dir, id); err != nil {
		return nil, err
	}
	return &localManifest{repo: r, id: id}, nil
}

// Artifact implements artifact.Repository.
func (r *LocalRepository) Artifact(_ context.Context, id artifact.ID) (artifact.Artifact, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	deps, err := r.dependencies(id)
	if err != nil {
		return nil, err
	}
	return &localArtifact{repo: r, id: id, deps: deps}, nil
}

// Search implements artifact.Searcher by matching package:artifact names.
func (r *LocalRepository) Search(_ context.Context, query string) ([]artifact.ManifestID, error) {
	query = strings.ToLower(query)
	packages, err := readDirs(r.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArtifactRepository, err, "list packages")
	}
	var out []artifact.ManifestID
	for _, pkg := range packages {
		names, err := readDirs(filepath.Join(r.root, pkg))
		if err != nil {
			return nil, xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "list package %s", pkg)
		}
		for _, name := range names {
			id := artifact.NewManifestID(pkg, name)
			if strings.Contains(strings.ToLower(id.String()), query) {
				out = append(out, id)
			}
		}
	}
	sortManifests(out)
	return out, nil
}

func (r *LocalRepository) manifestDir(id artifact.ManifestID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	return within(r.root, id.Package, id.Artifact)
}

func (r *LocalRepository) versionDir(id artifact.ID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	return within(r.root, id.Manifest.Package, id.Manifest.Artifact, id.Version)
}

// within joins elems onto base and fails when the result leaves base.
func within(base string, elems ...string) (string, error) {
	path := filepath.Join(append([]string{base}, elems...)...)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "%s does not stay under %s", filepath.Join(elems...), base)
	}
	return path, nil
}

func (r *LocalRepository) statDir(dir string, what interface{ String() string }) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFound(what)
	case err != nil:
		return xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "stat %s", what)
	case !info.IsDir():
		return notFound(what)
	}
	return nil
}

func (r *LocalRepository) versions(id artifact.ManifestID) ([]artifact.ID, error) {
	key := "versions:" + id.String()
	if cached, ok := r.cache.Get(key); ok {
		if ids, ok := cached.([]artifact.ID); ok {
			return ids, nil
		}
	}
	root, err := r.manifestDir(id)
	if err != nil {
		return nil, err
	}
	dirs, err := readDirs(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "list versions of %s", id)
	}
	ids := make([]artifact.ID, 0, len(dirs))
	for _, dir := range dirs {
		if _, err := artifact.ParseVersion(dir); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, dir, DescriptorFile)); err != nil {
			continue
		}
		ids = append(ids, id.WithVersion(dir))
	}
	sortIDs(ids)
	r.cache.SetDefault(key, ids)
	return ids, nil
}

func (r *LocalRepository) dependencies(id artifact.ID) ([]artifact.Dependency, error) {
	key := "descriptor:" + id.String()
	if cached, ok := r.cache.Get(key); ok {
		if deps, ok := cached.([]artifact.Dependency); ok {
			return deps, nil
		}
	}
	dir, err := r.versionDir(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "read descriptor of %s", id)
	}
	doc, err := parseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	deps, err := doc.edges(id)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, deps)
	return deps, nil
}

// materialise copies the content of id into the cache directory. A copy left
// by a previous process is reused.
func (r *LocalRepository) materialise(id artifact.ID) (string, error) {
	dir, err := r.versionDir(id)
	if err != nil {
		return "", err
	}
	target, err := within(r.cacheDir, id.Manifest.Package, id.Manifest.Artifact, id.Version)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return target, nil
	}
	source := filepath.Join(dir, ContentDir)
	if err := r.statDir(source, id); err != nil {
		if artifact.IsNotFound(err) {
			// an artifact without content is still a valid dependency node
			if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
				return "", xerrors.Wrapf(xerrors.CodeArtifactRepository, mkErr, "create cache dir for %s", id)
			}
			return target, nil
		}
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "create cache dir for %s", id)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(target), ".obtain-*")
	if err != nil {
		return "", xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "create staging dir for %s", id)
	}
	if err := os.CopyFS(tmp, os.DirFS(source)); err != nil {
		_ = os.RemoveAll(tmp)
		return "", xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "copy content of %s", id)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.RemoveAll(tmp)
		return "", xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "publish content of %s", id)
	}
	r.log.Debug("artifact obtained", "artifact", id.String(), "path", target)
	return target, nil
}

func (r *LocalRepository) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeArtifactRepository, err, "create repository watcher")
	}
	r.watcher = w
	if err := r.addTree(r.root, watchDepth); err != nil {
		_ = w.Close()
		return err
	}
	go r.loop()
	return nil
}

// addTree watches dir plus depth levels of subdirectories.
func (r *LocalRepository) addTree(dir string, depth int) error {
	if err := r.watcher.Add(dir); err != nil {
		return xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "watch %s", dir)
	}
	if depth == 0 {
		return nil
	}
	children, err := readDirs(dir)
	if err != nil {
		return xerrors.Wrapf(xerrors.CodeArtifactRepository, err, "list %s", dir)
	}
	for _, child := range children {
		if err := r.addTree(filepath.Join(dir, child), depth-1); err != nil {
			return err
		}
	}
	return nil
}

func (r *LocalRepository) loop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.cache.Flush()
			if event.Op&fsnotify.Create != 0 {
				if depth, ok := r.depthOf(event.Name); ok && depth < watchDepth {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = r.addTree(event.Name, watchDepth-1-depth)
					}
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("repository watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

// depthOf returns 0 for a package directory, 1 for an artifact directory and
// 2 for a version directory.
func (r *LocalRepository) depthOf(path string) (int, bool) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, false
	}
	if strings.HasPrefix(rel, ".") {
		return 0, false
	}
	return strings.Count(filepath.ToSlash(rel), "/"), true
}

func readDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

type localManifest struct {
	repo *LocalRepository
	id   artifact.ManifestID
}

func (m *localManifest) ID() artifact.ManifestID { return m.id }

func (m *localManifest) Versions(context.Context) ([]artifact.ID, error) {
	ids, err := m.repo.versions(m.id)
	if err != nil {
		return nil, err
	}
	return append([]artifact.ID(nil), ids...), nil
}

func (m *localManifest) LatestVersion(ctx context.Context) (artifact.ID, error) {
	ids, err := m.repo.versions(m.id)
	if err != nil {
		return artifact.ID{}, err
	}
	latest, ok := artifact.Latest(ids)
	if !ok {
		return artifact.ID{}, notFound(m.id)
	}
	return latest, nil
}

type localArtifact struct {
	repo *LocalRepository
	id   artifact.ID
	deps []artifact.Dependency
}

func (a *localArtifact) ID() artifact.ID { return a.id }

func (a *localArtifact) Dependencies(context.Context) ([]artifact.Dependency, error) {
	return append([]artifact.Dependency(nil), a.deps...), nil
}

func (a *localArtifact) DependencyGraph(ctx context.Context) ([]artifact.Dependency, error) {
	return artifact.CollectGraph(ctx, a.repo, a)
}

func (a *localArtifact) Obtain(ctx context.Context) (artifact.LocalArtifact, error) {
	return a.repo.obtainer.Do(ctx, a.id, func(ctx context.Context) (artifact.LocalArtifact, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := a.repo.materialise(a.id)
		if err != nil {
			return nil, err
		}
		return &localObtained{localArtifact: a, path: path}, nil
	})
}

type localObtained struct {
	*localArtifact
	path string
}

func (l *localObtained) Path() string { return l.path }

func (l *localObtained) Content() fs.FS { return os.DirFS(l.path) }
