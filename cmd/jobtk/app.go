package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	config "jobtk/configs"
	"jobtk/pkg/backend"
	"jobtk/pkg/backend/grid"
	"jobtk/pkg/backend/local"
	"jobtk/pkg/logger"
	"jobtk/pkg/logstore"
	"jobtk/pkg/store"
	"jobtk/pkg/store/gormstore"
)

// app bundles the dependencies every subcommand needs, assembled once
// in main() the way jman.py's setup() builds a JobManager per
// invocation — except here the backend choice is driven by
// cfg.Backend/--local rather than a constructor argument per command.
type app struct {
	cfg         *config.Config
	backendName string
	log         *zap.Logger
	store       store.Store
	backend     backend.Backend
	logs        logstore.LogStore

	closers []func() error
}

func newApp(cfg *config.Config, useLocal bool, debug bool) (*app, error) {
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Init(logger.Config{
		Level:      level,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stderr",
		Service:    "jobtk",
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	db, err := gormstore.Open(cfg.DSN())
	if err != nil {
		return nil, err
	}
	st := gormstore.New(db, log)

	backendName := cfg.Backend
	if useLocal {
		backendName = "local"
	}

	a := &app{cfg: cfg, backendName: backendName, log: log, store: st, logs: logStoreFromConfig(cfg)}

	switch backendName {
	case "local":
		queue, err := local.NewQueue(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect local work queue: %w", err)
		}
		a.closers = append(a.closers, queue.Close)

		var registry *local.WorkerRegistry
		if len(cfg.EtcdEndpoints) > 0 {
			registry, err = local.NewWorkerRegistry(cfg.EtcdEndpoints, "jobtk/workers/")
			if err != nil {
				log.Warn("worker registry unavailable, continuing without liveness tracking", zap.Error(err))
			} else {
				a.closers = append(a.closers, registry.Close)
			}
		}

		a.backend = local.New(st, queue, registry, a.logs, log, local.Config{Concurrency: cfg.LocalConcurrency})
	case "grid":
		client := &grid.QSubClient{
			BinaryPath:     cfg.GridQSubPath,
			QDelBinaryPath: cfg.GridQDelPath,
			WrapperPath:    cfg.GridWrapperPath,
		}
		a.backend = grid.New(st, client, log)
	default:
		return nil, fmt.Errorf("unknown backend %q: want \"local\" or \"grid\"", backendName)
	}

	return a, nil
}

func logStoreFromConfig(cfg *config.Config) logstore.LogStore {
	if cfg.S3LogBucket == "" {
		return logstore.NewLocalLogStore()
	}
	s3Store, err := logstore.NewS3LogStore(context.Background(), logstore.S3LogStoreConfig{
		Bucket:   cfg.S3LogBucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return logstore.NewLocalLogStore()
	}
	return s3Store
}

func (a *app) Close() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("error closing resource during shutdown", zap.Error(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn("error closing backend", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
