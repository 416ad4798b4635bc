package cli

import (
	"context"
	"time"

	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/internal/server"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/collector"
	"github.com/glorpus-work/qpserver/pkg/config"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/qpy"
	"github.com/glorpus-work/qpserver/pkg/repository"
	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/glorpus-work/qpserver/pkg/worker/embedded"
	"github.com/glorpus-work/qpserver/pkg/worker/process"
	"github.com/spf13/cobra"
)

const (
	httpClientTimeout = 30 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// ConfigPath is set by the root command's --config flag.
var ConfigPath *string

// NewServeCmd creates the serve command, the main entry point of the server.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the question package server",
		Long:  "Start the HTTP server, the package collector and the worker pool.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.InitLogger(cfg.General.LogLevel)

	process.Register()
	embedded.Register()

	factory, err := worker.GetFactory(cfg.Worker.Type)
	if err != nil {
		return errors.Wrapf(err, "unknown worker type %q", cfg.Worker.Type)
	}

	packages, err := cache.New("package", cfg.CachePackage.Path, cfg.CachePackage.Size.Bytes(),
		cache.WithExtension(qpy.Extension), cache.WithContentVerification())
	if err != nil {
		return errors.Wrap(err, "failed to open package cache")
	}
	indexes, err := cache.New("repo_index", cfg.CacheRepoIndex.Path, cfg.CacheRepoIndex.Size.Bytes(),
		cache.WithExtension(".json"))
	if err != nil {
		return errors.Wrap(err, "failed to open repository index cache")
	}

	client := repository.NewHTTPClient(httpClientTimeout)
	collection, err := collector.New(&cfg.Collector, cfg.Webservice.MaxPackageSize.Bytes(), client, indexes, packages)
	if err != nil {
		return errors.Wrap(err, "failed to create collector")
	}

	pool, err := worker.NewPool(factory, worker.PoolOptions{
		MaxWorkers:        cfg.Worker.MaxWorkers,
		MaxMemory:         cfg.Worker.MaxMemory.Bytes(),
		WorkerMemoryLimit: cfg.Worker.MemoryLimit.Bytes(),
		LogLevel:          cfg.General.LogLevel,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create worker pool")
	}

	ctx := cmd.Context()
	if err := collection.Start(ctx); err != nil {
		shutdownPool(pool)
		return errors.Wrap(err, "failed to start collector")
	}

	srv := server.New(cfg, collection, pool, packages, indexes)
	logger.Info("server starting", logger.Fields{
		"listen_address": cfg.Webservice.ListenAddress,
		"worker_type":    cfg.Worker.Type,
		"max_workers":    cfg.Worker.MaxWorkers,
	})
	serveErr := srv.Start()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("server failed", logger.Fields{"error": err})
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", logger.Fields{"error": err})
	}
	if err := collection.Stop(); err != nil {
		logger.Warn("collector shutdown failed", logger.Fields{"error": err})
	}
	shutdownPool(pool)

	return runErr
}

func loadConfig() (*config.Config, error) {
	path := ""
	if ConfigPath != nil {
		path = *ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func shutdownPool(pool *worker.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		logger.Warn("worker pool shutdown failed", logger.Fields{"error": err})
	}
}
