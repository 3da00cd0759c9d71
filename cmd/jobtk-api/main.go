// Command jobtk-api serves the optional read/write HTTP surface over
// the job graph, wiring pkg/api to whichever backend is configured.
// Grounded on a signal-driven graceful shutdown around a
// goroutine-hosted HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "jobtk/configs"
	"jobtk/pkg/api"
	"jobtk/pkg/backend/grid"
	"jobtk/pkg/backend/local"
	"jobtk/pkg/logger"
	"jobtk/pkg/observability"
	"jobtk/pkg/store/gormstore"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "jobtk-api",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobtk-api: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCfg := observability.DefaultConfig("jobtk-api")
	tracingCfg.Endpoint = cfg.TracingEndpoint
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Environment = cfg.Environment
	tracerProvider, err := observability.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	db, err := gormstore.Open(cfg.DSN())
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	st := gormstore.New(db, log)
	log.Info("database connected")

	serverCfg := api.Config{
		Port:  cfg.APIPort,
		Store: st,
		Log:   log,
	}

	switch cfg.Backend {
	case "local":
		queue, err := local.NewQueue(cfg.RedisAddr)
		if err != nil {
			log.Fatal("failed to connect to local work queue", zap.Error(err))
		}
		defer queue.Close()

		var registry *local.WorkerRegistry
		if len(cfg.EtcdEndpoints) > 0 {
			registry, err = local.NewWorkerRegistry(cfg.EtcdEndpoints, "jobtk/workers/")
			if err != nil {
				log.Warn("worker registry unavailable", zap.Error(err))
			} else {
				defer registry.Close()
			}
		}

		backendImpl := local.New(st, queue, registry, nil, log, local.Config{Concurrency: cfg.LocalConcurrency})
		serverCfg.Backend = backendImpl
		serverCfg.Registry = registry
		defer backendImpl.Close()
	case "grid":
		client := &grid.QSubClient{
			BinaryPath:     cfg.GridQSubPath,
			QDelBinaryPath: cfg.GridQDelPath,
			WrapperPath:    cfg.GridWrapperPath,
		}
		serverCfg.Backend = grid.New(st, client, log)
	default:
		log.Fatal("unknown backend", zap.String("backend", cfg.Backend))
	}

	server := api.NewServer(serverCfg)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()
	log.Info("jobtk-api started", zap.String("port", cfg.APIPort))

	sig := <-sigChan
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	cancel()
	log.Info("shutdown complete")
}
