package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentFlow/internal/observability/metrics"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async job processor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildContainer(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					c.logger.Warn("释放资源失败", slog.Any("error", err))
				}
			}()
			return serve(cmd.Context(), c)
		},
	}
}

// serve runs the API server, the job processor and the optional metrics
// listener until ctx ends or one of them fails.
func serve(ctx context.Context, c *container) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(c.apiServer().Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(c.processor.Start(gctx))
	})
	if addr := c.cfg.Metrics.Address; addr != "" {
		g.Go(func() error {
			c.logger.Info("指标服务启动", slog.String("address", addr))
			return metrics.StartServer(gctx, addr)
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
