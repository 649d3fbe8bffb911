package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-fleet/internal/app"
	"github.com/JakeFAU/crawl-fleet/internal/config"
)

type service interface {
	Run(ctx context.Context) error
}

var buildService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (service, error) {
	return app.Build(ctx, cfg, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, scheduler, heartbeat monitor and bus consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildService(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			rt.logger.Info("fleetd starting", zap.Int("port", rt.cfg.Server.Port))
			return svc.Run(ctx)
		},
	}
}
