package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/telhawk-systems/telhawk-respond/common/database"
	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/app"
	"github.com/telhawk-systems/telhawk-respond/internal/config"
	"github.com/telhawk-systems/telhawk-respond/internal/handlers"
	"github.com/telhawk-systems/telhawk-respond/internal/scheduler"
	"github.com/telhawk-systems/telhawk-respond/internal/server"
	"github.com/telhawk-systems/telhawk-respond/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("respond"))
	logging.SetDefault(logger)

	// Run database migrations
	logger.Info("Running database migrations")
	version, err := database.Migrate(cfg.Database.MigrationsPath, cfg.Database.Postgres.ConnString())
	if err != nil {
		logger.Error("Failed to run migrations", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("Database migrations completed", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", logging.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	// A broken rules directory is not fatal; the API can reload it later.
	if _, err := a.Rules.Reload(ctx); err != nil {
		logger.Warn("Initial rule load failed", logging.Error(err))
	}

	// Reload rules on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				logger.Info("SIGHUP received, reloading rules")
				_, _ = a.Rules.Reload(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Start periodic cycles
	runners := a.Runners()
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *scheduler.Runner) {
			defer wg.Done()
			r.Start(ctx)
		}(r)
	}

	svc := service.NewService(a.Repo, a.Rules, a.Publisher, logger)
	router := server.NewRouter(handlers.NewHandler(svc, logger), logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Respond service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("Server error", logging.Error(err))
		stop()
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", logging.Error(err))
	}
	for _, r := range runners {
		r.Stop()
	}
	wg.Wait()

	logger.Info("Respond service stopped")
}
