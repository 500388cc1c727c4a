package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/namehu/PixiShelf-sub001/internal/config"
	"github.com/namehu/PixiShelf-sub001/internal/httpapi"
	"github.com/namehu/PixiShelf-sub001/internal/ingest"
	"github.com/namehu/PixiShelf-sub001/internal/media"
	"github.com/namehu/PixiShelf-sub001/internal/scanstatus"
	"github.com/namehu/PixiShelf-sub001/internal/store"
	"github.com/namehu/PixiShelf-sub001/migrations"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := cfg.Logger(os.Stdout, version)

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Error("failed to open db", "error", err)
		os.Exit(1)
	}

	if err := migrations.Up(cfg.DBDriver, cfg.DBDSN); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	storeSvc := store.New(db)
	scanner := ingest.NewScanner(storeSvc, cfg.ScanOptions(), logger)
	library := media.NewLibrary(cfg.ScanRoot)
	if err := library.IsReadable(); err != nil {
		logger.Warn("library root not readable", "root", cfg.ScanRoot, "error", err)
	}

	status, closeStatus := statusRecorder(cfg, logger)
	router := httpapi.NewRouter(cfg, storeSvc, scanner, library, status, logger)

	srv := &http.Server{Addr: cfg.Bind, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("server starting", "addr", cfg.Bind, "driver", cfg.DBDriver, "root", cfg.ScanRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down gracefully")
	if scanner.Cancel() {
		logger.Info("cancelled running scan")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	closeStatus()
	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}
}

// statusRecorder keeps scan status in redis when an address is configured
// and in process memory otherwise.
func statusRecorder(cfg *config.Config, logger *slog.Logger) (scanstatus.Recorder, func()) {
	if cfg.Redis.Addr == "" {
		return scanstatus.NewMemory(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, keeping scan status in memory", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return scanstatus.NewMemory(), func() {}
	}
	logger.Info("scan status stored in redis", "addr", cfg.Redis.Addr)
	return scanstatus.NewRedis(rdb, 0), func() { _ = rdb.Close() }
}
