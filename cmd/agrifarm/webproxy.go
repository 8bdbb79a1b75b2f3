package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/agrifarm/internal/buildinfo"
	"github.com/nugget/agrifarm/internal/connwatch"
	"github.com/nugget/agrifarm/internal/httpkit"
	"github.com/nugget/agrifarm/internal/proxy"
)

// runProxy starts the web proxy in front of the backend. The backend
// is watched so /healthz can report when it is unreachable.
func runProxy(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting agrifarm proxy", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Proxy.Port,
		"upstream", cfg.Proxy.UpstreamURL,
	)

	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := httpkit.NewClient(
		httpkit.WithTimeout(time.Duration(cfg.Proxy.TimeoutSec)*time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "backend",
		Probe:   connwatch.HTTPProbe(client, cfg.Proxy.UpstreamURL+"/health"),
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			logger.Info("backend reachable", "upstream", cfg.Proxy.UpstreamURL)
		},
		OnDown: func(err error) {
			logger.Warn("backend unreachable", "upstream", cfg.Proxy.UpstreamURL, "error", err)
		},
	})

	server := proxy.NewServer(cfg.Proxy, sealer, client, connMgr, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("proxy shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("proxy failed: %w", err)
		}
	}

	logger.Info("agrifarm proxy stopped")
	return nil
}
