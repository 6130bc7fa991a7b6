package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"PluginHost/internal/api"
	"PluginHost/internal/auth"
	"PluginHost/internal/observability/metrics"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start auto-start plugins and serve the admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	svc, err := auth.NewService(c.cfg.Auth)
	if err != nil {
		return err
	}
	return c.withHost(ctx, func(m *plugin.Manager) error {
		server := api.NewServer(c.cfg.Server.Address, m, api.WithAuth(svc))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Start(gctx) })
		if addr := c.cfg.Server.MetricsAddress; addr != "" {
			g.Go(func() error { return metrics.StartServer(gctx, addr) })
		}
		logger.L().Info("pluginhost serving", "addr", c.cfg.Server.Address, "plugins", len(m.Plugins()))

		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
