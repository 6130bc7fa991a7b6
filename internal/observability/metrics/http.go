package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var registry = &collector{}

var (
	httpRequests = registry.counter("pluginhost_http_requests_total",
		"Total number of admin API requests processed.", "handler", "method", "code")
	httpErrors = registry.counter("pluginhost_http_request_errors_total",
		"Total number of admin API requests that resulted in a server error.", "handler", "method")
	httpLatency = registry.histogram("pluginhost_http_request_duration_seconds",
		"Admin API request duration in seconds.", "handler", "method")
)

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	registry.inc(httpRequests, handler, method, strconv.Itoa(status))
	if status >= 500 {
		registry.inc(httpErrors, handler, method)
	}
	registry.observe(httpLatency, duration.Seconds(), handler, method)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, registry.render())
	})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
