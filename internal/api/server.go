package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"PluginHost/internal/auth"
	xerrors "PluginHost/internal/errors"
	"PluginHost/internal/observability/metrics"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

const maxBodyBytes = 1 << 20

// Server exposes the plugin manager over REST.
type Server struct {
	addr    string
	manager *plugin.Manager
	auth    *auth.Service
	log     *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithAuth protects every route except /healthz with bearer tokens.
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithLogger overrides the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer constructs the API server.
func NewServer(addr string, m *plugin.Manager, opts ...Option) *Server {
	s := &Server{addr: addr, manager: m, log: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.handle(mux, "GET /metrics", auth.PermissionRead, metrics.Handler())

	s.handleFunc(mux, "GET /api/v1/plugins", auth.PermissionRead, s.handleList)
	s.handleFunc(mux, "POST /api/v1/plugins", auth.PermissionWrite, s.handleInstall)
	s.handleFunc(mux, "GET /api/v1/plugins/{id}", auth.PermissionRead, s.handleInfo)
	s.handleFunc(mux, "DELETE /api/v1/plugins/{id}", auth.PermissionWrite, s.handleUninstall)
	s.handleFunc(mux, "POST /api/v1/plugins/{id}/enable", auth.PermissionWrite, s.handleEnable)
	s.handleFunc(mux, "POST /api/v1/plugins/{id}/disable", auth.PermissionWrite, s.handleDisable)
	s.handleFunc(mux, "POST /api/v1/plugins/{id}/update", auth.PermissionWrite, s.handleUpdate)
	s.handleFunc(mux, "PUT /api/v1/plugins/{id}/properties/{key}", auth.PermissionWrite, s.handleSetProperty)
	s.handleFunc(mux, "POST /api/v1/autoremove", auth.PermissionWrite, s.handleAutoRemove)
	s.handleFunc(mux, "GET /api/v1/search", auth.PermissionRead, s.handleSearch)
	s.handleFunc(mux, "GET /api/v1/commands", auth.PermissionRead, s.handleCommands)
	s.handleFunc(mux, "POST /api/v1/commands/{label}", auth.PermissionExec, s.handleCommand)
	return mux
}

func (s *Server) handleFunc(mux *http.ServeMux, pattern, permission string, fn http.HandlerFunc) {
	s.handle(mux, pattern, permission, fn)
}

// handle registers pattern behind the auth middleware and request metrics.
func (s *Server) handle(mux *http.ServeMux, pattern, permission string, h http.Handler) {
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          pattern,
		})(h)
	}
	mux.Handle(pattern, instrument(pattern, h))
}

// Start runs the HTTP server until ctx is cancelled or listening fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	regs := s.manager.Plugins()
	out := make([]PluginView, len(regs))
	for i, reg := range regs {
		out[i] = NewPluginView(reg, false)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registration(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPluginView(reg, true))
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.manager.ResolveIdentifier(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	var opts []plugin.InstallOption
	if req.Elevated {
		opts = append(opts, plugin.Elevated())
	}
	if len(req.Properties) > 0 {
		opts = append(opts, plugin.WithProperties(req.Properties))
	}
	reg, err := s.manager.Install(r.Context(), id, opts...)
	if err != nil && reg == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// installed, but enabling on install failed
		s.log.Warn("enable after install failed", "plugin", id.String(), "error", err)
	}
	writeJSON(w, http.StatusCreated, NewPluginView(reg, true))
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id, err := s.manifest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.Uninstall(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.manager.Enable)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.manager.Disable)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, artifact.ManifestID) error) {
	id, err := s.manifest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	reg, ok := s.manager.Plugin(id)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id))
		return
	}
	writeJSON(w, http.StatusOK, NewPluginView(reg, true))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := s.manifest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	latest, changed, err := s.manager.Update(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateResponse{ID: latest.String(), Changed: changed})
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registration(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req PropertyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := reg.SetProperty(r.Context(), r.PathValue("key"), req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPluginView(reg, true))
}

func (s *Server) handleAutoRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := s.manager.AutoRemove(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := AutoRemoveResponse{Removed: make([]string, len(removed))}
	for i, id := range removed {
		out.Removed[i] = id.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	found, err := s.manager.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := SearchResponse{Manifests: make([]string, len(found))}
	for i, id := range found {
		out.Manifests[i] = id.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Registries().Commands.Labels())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	cmd, ok := s.manager.Registries().Commands.Lookup(label)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeNotFound, "no enabled plugin provides command %q", label))
		return
	}
	var req CommandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	output, err := cmd(r.Context(), req.Args)
	if err != nil {
		writeError(w, xerrors.Wrapf(xerrors.CodePluginHook, err, "command %s", label))
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{Output: output})
}

// manifest reads the {id} path value, accepting aliases and short names.
func (s *Server) manifest(r *http.Request) (artifact.ManifestID, error) {
	text := r.PathValue("id")
	if m, err := artifact.ParseManifestID(text); err == nil {
		return m, nil
	}
	id, err := s.manager.ResolveIdentifier(r.Context(), text)
	if err != nil {
		return artifact.ManifestID{}, err
	}
	return id.Manifest, nil
}

func (s *Server) registration(r *http.Request) (*plugin.Registration, error) {
	id, err := s.manifest(r)
	if err != nil {
		return nil, err
	}
	reg, ok := s.manager.Plugin(id)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
	}
	return reg, nil
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), ErrorResponse{Code: string(code), Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeArtifactNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeIllegalState, xerrors.CodeSharedConflict, xerrors.CodeCyclicDependency:
		return http.StatusConflict
	case xerrors.CodePluginLoad, xerrors.CodePluginHook:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeArtifactRepository, xerrors.CodePublishFailure:
		return http.StatusBadGateway
	case xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(pattern string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
