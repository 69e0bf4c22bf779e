package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cgast/missionctl/internal/gateway"
	"github.com/cgast/missionctl/internal/telemetry"
	"github.com/cgast/missionctl/pkg/checkpoint"
	"github.com/cgast/missionctl/pkg/events"
	"github.com/cgast/missionctl/pkg/fakeshop"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Run the HTTP tool gateway"}
	cmd.AddCommand(gatewayServeCmd())
	return cmd
}

func gatewayServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fake shop tools over HTTP",
		Long: `Serve exposes the fake shop at POST /tools/{namespace}/{name} with envelope
validation, idempotency and rate limiting. Point other missionctl processes at
it with --gateway-url. Set server.redis_addr to share idempotency keys and the
rate limit between replicas.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			tp, err := telemetry.Setup(ctx, telemetry.Config{
				Enabled:     cfg.Telemetry.Enabled,
				ServiceName: cfg.Telemetry.ServiceName + "-gateway",
				Endpoint:    cfg.Telemetry.Endpoint,
				Insecure:    cfg.Telemetry.Insecure,
				SampleRate:  cfg.Telemetry.SampleRate,
			}, logger)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer tp.Shutdown(context.WithoutCancel(ctx))

			c, err := loadCatalog(cfg.FakeShop.Catalog)
			if err != nil {
				return err
			}
			shop := fakeshop.New(c, fakeshop.WithLogger(logger))

			gcfg := gateway.Config{
				Backend:        shop,
				Tools:          toolInfos(shop),
				IdempotencyTTL: cfg.Server.IdempotencyTTL,
				Limiter:        gateway.NewLocalLimiter(cfg.Server.RateLimitRPS, cfg.Server.Burst),
				Bus:            events.NewBoundedBus(1000),
				Logger:         logger,
			}
			if cfg.Server.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", cfg.Server.RedisAddr, err)
				}
				gcfg.Idempotency = gateway.NewRedisIdempotencyStore(rdb, "missionctl:idem:")
				gcfg.Limiter = gateway.NewRedisLimiter(rdb, "missionctl:limiter", cfg.Server.RateLimitRPS, cfg.Server.Burst)
			}
			if store, err := checkpoint.Open(cfg.Checkpoint); err == nil {
				defer store.Close()
				gcfg.Checkpoints = store
			} else {
				logger.Warn("gateway.sessions_unavailable", "error", err)
			}

			srv, err := gateway.New(gcfg)
			if err != nil {
				return err
			}
			return srv.Serve(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

func toolInfos(shop *fakeshop.Backend) []gateway.ToolInfo {
	tools := shop.Registry().List("")
	infos := make([]gateway.ToolInfo, len(tools))
	for i, t := range tools {
		infos[i] = gateway.ToolInfo{
			Name:        t.Name,
			Namespace:   t.Namespace(),
			Description: t.Description,
			Mutating:    t.Mutating,
		}
	}
	return infos
}
