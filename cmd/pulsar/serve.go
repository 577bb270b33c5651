package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/pulsar/internal/api"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
)

func runServe(cmd *cobra.Command, moduleArg string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("port") {
		cfg.Daemon.HTTPAddr = fmt.Sprintf(":%d", port)
	}

	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
	}
	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	module, err := resolveModule(moduleArg)
	if err != nil {
		return err
	}
	desc := cfg.Descriptor(module)

	opts := []host.Option{
		host.WithSpawner(&host.ProcessSpawner{Path: cfg.Pool.AgentPath}),
	}
	if cfg.Pool.ReloadDelay > 0 {
		opts = append(opts, host.WithReloadDelay(cfg.Pool.ReloadDelay))
	}
	h := host.New(desc, opts...)

	logging.Op().Info("loading plugin",
		"module", desc.Module, "concurrency", desc.PoolSize())

	server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, h)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.EnsureLoaded(gctx); err != nil {
			return nil // load races shutdown; the state endpoint reports it
		}
		switch h.State() {
		case host.StateReady:
			logging.Op().Info("plugin ready", "functions", h.FunctionNames())
		case host.StateFailed:
			if lr := h.LastLoad(); lr != nil && lr.Error != nil {
				logging.Op().Error("plugin failed to load", "error", lr.Error.Message)
			}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	g.Wait()

	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("HTTP shutdown", "error", err)
	}
	if err := h.Shutdown(); err != nil {
		logging.Op().Warn("host shutdown", "error", err)
		h.Terminate()
	}
	observability.Shutdown(context.Background())
	return nil
}
