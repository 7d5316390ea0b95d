package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlbridge/sqlbridge/internal/auth"
	"github.com/sqlbridge/sqlbridge/internal/bridge"
	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/query"
	"github.com/sqlbridge/sqlbridge/internal/warehouse"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlbridge-mcp")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Stdout carries protocol frames in stdio mode, so logs always go to
	// stderr.
	logger := observability.NewLogger(cfg, os.Stderr)
	logger.Info("starting",
		slog.String("profile", string(cfg.Profile)),
		slog.String("transport", string(cfg.Transport.Mode)),
		slog.Any("warehouse", cfg.Warehouse),
	)

	dialer, err := warehouse.NewDatabricksDialer(warehouse.DatabricksConfig{
		ServerHostname: cfg.Warehouse.ServerHostname,
		HTTPPath:       cfg.Warehouse.HTTPPath,
		AccessToken:    cfg.Warehouse.AccessToken,
		Port:           cfg.Warehouse.Port,
		UserAgent:      cfg.Service.Name,
	})
	if err != nil {
		logger.Error("failed to configure warehouse dialer", slog.Any("error", err))
		os.Exit(1)
	}

	pool := warehouse.NewPool(warehouse.Config{
		Size:         cfg.Pool.Size,
		IdleCeiling:  cfg.Pool.IdleCeiling,
		DialTimeout:  cfg.Pool.DialTimeout,
		ProbeTimeout: cfg.Pool.ProbeTimeout,
	}, dialer, logger)

	coordinator := bridge.NewCoordinator(pool, cfg.Pool.Size, cfg.Pool.QueueDepth, cfg.Pool.AcquireTimeout)
	executor := query.NewExecutor(logger)

	serverCfg := bridge.Config{
		ServiceName:       cfg.Service.Name,
		Version:           cfg.Service.Version,
		Address:           cfg.Transport.Address,
		ReadTimeout:       cfg.Transport.ReadTimeout,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		IdleTimeout:       cfg.Transport.IdleTimeout,
		ReadHeaderTimeout: cfg.Transport.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Transport.ShutdownTimeout,
		Limits: bridge.Limits{
			DefaultStatementTimeout: cfg.Limits.DefaultStatementTimeout,
			MaxStatementTimeout:     cfg.Limits.MaxStatementTimeout,
			DefaultRowLimit:         cfg.Limits.DefaultRowLimit,
			MaxRowLimit:             cfg.Limits.MaxRowLimit,
			MaxResultBytes:          cfg.Limits.MaxResultBytes,
		},
		Redact: bridge.NewRedactor(cfg.Warehouse.AccessToken),
	}
	if cfg.Auth.Required {
		validator := auth.NewStaticTokenValidator(cfg.Auth.Tokens)
		serverCfg.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server, err := bridge.New(serverCfg, coordinator, executor, logger)
	if err != nil {
		logger.Error("failed to build server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := &warehouse.Sweeper{
		Pool:     pool,
		Interval: cfg.Pool.SweepInterval,
		Logger:   logger,
	}
	go sweeper.Run(ctx)

	switch cfg.Transport.Mode {
	case config.TransportHTTP:
		err = server.Run(ctx)
	default:
		err = server.RunStdio(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pool shutdown incomplete", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
}
