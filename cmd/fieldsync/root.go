package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/api"
	"github.com/fieldline/fieldsync/internal/backup"
	"github.com/fieldline/fieldsync/internal/capture"
	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/dispatch"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/store"
	"github.com/fieldline/fieldsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline-first survey data sync agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	initLogger(cfg.Log)
	slog.Info("configuration loaded")

	// Local store (migrations, WAL mode). Queue items left over from a
	// previous process are pending again after this point.
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	client := remote.NewClient(cfg.Remote.BaseURL,
		remote.StaticCredentials{APIKey: cfg.Remote.APIKey},
		time.Duration(cfg.Remote.Timeout))
	slog.Info("remote client initialized", "base_url", cfg.Remote.BaseURL)

	dispatcher := dispatch.New(db, db, client, cfg.Resolution.Policy, dispatch.Config{
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: time.Duration(cfg.Sync.BackoffBase),
		BackoffCap:  time.Duration(cfg.Sync.BackoffCap),
		CallTimeout: time.Duration(cfg.Sync.CallTimeout),
	})

	coordinator := worker.NewSyncCoordinator(dispatcher, time.Duration(cfg.Sync.Interval))

	captureSvc := capture.NewService(db)
	handler := api.NewHandler(db, captureSvc, coordinator, cfg.Auth.APIKey, Version)
	router := api.Routes(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync", coordinator.Run)

	if cfg.Backup.Enabled() {
		uploader, err := backup.NewS3Uploader(backup.S3Options{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			Prefix:    cfg.Backup.Prefix,
			DeviceID:  cfg.Backup.DeviceID,
			UseSSL:    cfg.Backup.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("backup uploader: %w", err)
		}
		bc := worker.NewBackupCoordinator(db, uploader,
			time.Duration(cfg.Backup.Interval), cfg.Backup.WorkDir)
		startWorker(ctx, &wg, "backup", bc.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Drain in-flight HTTP requests first, then wait for workers. The
	// dispatcher finishes its current item before releasing the batch.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
