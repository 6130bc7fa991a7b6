package main

import (
	"context"
	"errors"

	"PluginHost/internal/config"
	"PluginHost/internal/events"
	"PluginHost/internal/observability/metrics"
	"PluginHost/internal/repository"
	"PluginHost/internal/script"
	"PluginHost/internal/store"
	"PluginHost/internal/tracing"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

// host owns everything a manager needs and closes it in reverse order.
type host struct {
	manager *plugin.Manager
	closers []func(context.Context) error
}

func openHost(ctx context.Context, cfg *config.Config) (_ *host, err error) {
	h := &host{}
	defer func() {
		if err == nil {
			return
		}
		if cerr := h.close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	repo, err := repository.NewLocalRepository(cfg.Repository.Local())
	if err != nil {
		return nil, err
	}
	h.push(func(context.Context) error { return repo.Close() })

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	h.push(func(context.Context) error { return st.Close() })

	sink, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}
	h.push(func(context.Context) error { return sink.Close() })

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	h.push(tp.Shutdown)

	m, err := plugin.NewManager(cfg.Plugins, repo, st,
		plugin.WithCodeLoader(script.Scheme, script.Loader{}),
		plugin.WithEventSink(sink),
		plugin.WithObserver(metrics.Observer{}),
		plugin.WithTracer(tp.Tracer()),
		plugin.WithLogger(logger.Named("plugin")),
	)
	if err != nil {
		return nil, err
	}
	h.manager = m
	return h, nil
}

func (h *host) push(fn func(context.Context) error) {
	h.closers = append(h.closers, fn)
}

// start enables auto-start plugins. Failures are logged by the manager and
// do not stop the host.
func (h *host) start(ctx context.Context) {
	if err := h.manager.Start(ctx); err != nil {
		logger.L().Warn("some plugins failed to start", "error", err)
	}
}

func (h *host) close(ctx context.Context) error {
	var errs []error
	if h.manager != nil {
		errs = append(errs, h.manager.Shutdown(ctx))
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i](ctx))
	}
	return errors.Join(errs...)
}
