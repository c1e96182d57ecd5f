package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"mirror/internal/config"
	"mirror/internal/logging"
	"mirror/internal/resolver"
	"mirror/internal/storage"
	"mirror/internal/syncserver"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	// Initialize logger
	logger, err := logging.NewLoggerWithConfig(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync()

	// Initialize storage
	store, err := storage.Open(storage.Options{
		Backend:   cfg.Storage.Backend,
		Path:      cfg.Storage.Path,
		InMemory:  cfg.Storage.InMemory,
		CacheSize: cfg.Storage.CacheSize,
		Logger:    logger.Logger,
	})
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	projectRoot, err := filepath.Abs(cfg.Sync.ProjectRoot)
	if err != nil {
		logger.Fatal("failed to resolve project root", zap.Error(err))
	}
	watchDir, err := filepath.Abs(cfg.WatchDir())
	if err != nil {
		logger.Fatal("failed to resolve watch dir", zap.Error(err))
	}

	var graph resolver.GraphResolver = resolver.DirectoryGraph{}
	if len(cfg.Sync.GraphCommand) > 0 {
		graph = resolver.CommandGraph{
			Command: cfg.Sync.GraphCommand[0],
			Args:    cfg.Sync.GraphCommand[1:],
			Dir:     projectRoot,
		}
	}

	server, err := syncserver.New(syncserver.Options{
		ProjectRoot: storage.FromNative(projectRoot),
		WatchDir:    storage.FromNative(watchDir),
		Addr:        cfg.Addr(),
		Debounce:    cfg.Debounce(),
		WatchOS:     cfg.Sync.WatchOS && (cfg.Storage.Backend == "" || cfg.Storage.Backend == "node"),
	}, store, graph, logger.Logger)
	if err != nil {
		logger.Fatal("failed to create sync server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server",
		zap.String("address", cfg.Addr()),
		zap.String("environment", cfg.Environment),
		zap.String("backend", cfg.Storage.Backend))
	if err := server.Start(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}

	<-ctx.Done()
	if err := server.Stop(); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
