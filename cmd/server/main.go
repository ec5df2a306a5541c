package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/opencivic/backoffice/internal/config"
	_ "github.com/opencivic/backoffice/internal/entities"
	"github.com/opencivic/backoffice/internal/importer"
	"github.com/opencivic/backoffice/internal/logging"
	"github.com/opencivic/backoffice/internal/storage"
	"github.com/opencivic/backoffice/internal/store"
	"github.com/opencivic/backoffice/internal/web"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting back-office server", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		slog.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	files, err := storage.NewDiskStore(cfg.Storage.UploadsDir)
	if err != nil {
		slog.Error("init upload storage", "error", err)
		os.Exit(1)
	}

	st := store.New(pool)

	limiter := importer.NewRateLimiter(importer.NewMemoryCounterStore(), importer.RateLimiterOptions{
		MaxAttempts:   cfg.Rate.MaxAttempts,
		Window:        cfg.Rate.Window,
		MaxConcurrent: cfg.Rate.MaxConcurrent,
		SlotTimeout:   cfg.Rate.SlotTimeout,
		FailOpen:      cfg.Import.DevMode,
	})

	validator := importer.NewFileValidator(
		cfg.Import.MaxFileSize,
		cfg.Import.AllowedExtensions,
		cfg.Import.AllowedMimeTypes,
	)

	service := importer.NewService(importer.Options{
		DB:                pool,
		Batches:           st,
		Records:           st,
		UnitOfWork:        st,
		Files:             files,
		Limiter:           limiter,
		Validator:         validator,
		MaxReturnedErrors: cfg.Import.MaxReturnedErrors,
	})

	srv := web.NewServer(service, pool, cfg)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.Addr())
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let in-flight imports finish before closing the listener; each one
		// may still be writing batch rows.
		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for imports to finish", "active", status.Active)
			if err := service.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not finish in time", "error", err)
			}
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("server stopped")
}

// newPool builds the pgx pool from config and verifies connectivity.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.Database.MaxConns)
	pc.MinConns = int32(cfg.Database.MinConns)
	pc.MaxConnLifetime = cfg.Database.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
