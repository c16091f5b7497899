package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/stepgate/internal/api"
	"github.com/mattjoyce/stepgate/internal/apiclient"
	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/config"
	"github.com/mattjoyce/stepgate/internal/dispatch"
	"github.com/mattjoyce/stepgate/internal/events"
	"github.com/mattjoyce/stepgate/internal/lock"
	"github.com/mattjoyce/stepgate/internal/log"
	"github.com/mattjoyce/stepgate/internal/manifest"
	"github.com/mattjoyce/stepgate/internal/metrics"
	"github.com/mattjoyce/stepgate/internal/rpc"
	"github.com/mattjoyce/stepgate/internal/steps"
	"github.com/mattjoyce/stepgate/internal/stream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("STEPGATE_CONFIG"), "Path to configuration file")
	return cmd
}

// loadConfig loads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.SetupWithOptions(log.Options{
		Level:      cfg.Service.LogLevel,
		File:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogMaxSizeMB,
		MaxBackups: cfg.Service.LogMaxBackups,
	})
	logger := log.WithComponent("main")
	logger.Info("stepgate starting", "version", currentVersion(), "name", cfg.Service.Name)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return err
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	registry, err := steps.Registry()
	if err != nil {
		return fmt.Errorf("build step registry: %w", err)
	}
	logger.Info("steps registered", "count", registry.Len(), "steps", registry.IDs())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	hub := events.NewHub(cfg.Events.Buffer)
	defer hub.Close()

	builder := auth.NewClientBuilder(apiclient.Options{
		Timeout:   cfg.Downstream.Timeout,
		UserAgent: cfg.Downstream.UserAgent,
	})
	dispatcher := dispatch.New(registry, builder,
		dispatch.WithMetrics(m),
		dispatch.WithEvents(hub),
	)
	coordinator := stream.New(dispatcher, stream.WithMetrics(m), stream.WithEvents(hub))
	assembler := manifest.New(cfg.Service.Name, currentVersion(), registry)

	g, gctx := errgroup.WithContext(ctx)

	grpcServer := rpc.NewServer(rpc.Config{
		Listen:               cfg.GRPC.Listen,
		MaxConcurrentStreams: cfg.GRPC.MaxConcurrentStreams,
	}, dispatcher, coordinator, assembler, log.WithComponent("rpc"))
	g.Go(func() error { return grpcServer.Start(gctx) })

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, dispatcher, assembler, hub, promReg, log.WithComponent("api"))
		g.Go(func() error { return apiServer.Start(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("stepgate stopped")
	return nil
}
