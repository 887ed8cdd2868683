// Package app wires the respond components from configuration. Both the
// daemon and respondctl build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-respond/common/database"
	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-respond/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-respond/internal/config"
	"github.com/telhawk-systems/telhawk-respond/internal/correlation"
	"github.com/telhawk-systems/telhawk-respond/internal/detection"
	"github.com/telhawk-systems/telhawk-respond/internal/metrics"
	natspub "github.com/telhawk-systems/telhawk-respond/internal/nats"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/rules"
	"github.com/telhawk-systems/telhawk-respond/internal/scheduler"
	"github.com/telhawk-systems/telhawk-respond/internal/state"
	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

// App holds the constructed components.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Repo      repository.Repository
	Events    *storage.EventStore
	Rules     *rules.Store
	Publisher *natspub.Publisher
	Evaluator *detection.Evaluator
	Engine    *correlation.Engine

	closers []func()
}

// New connects to every backend and builds the engines. Optional backends
// (Redis, NATS) are only dialed when enabled. The rule store starts empty;
// call Rules.Reload before the first detection tick.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString(), database.Timeouts{
		Query: cfg.Database.QueryTimeout,
		Write: cfg.Database.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	osClient, err := storage.NewClient(cfg.OpenSearch)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Events = storage.NewEventStore(osClient, cfg.OpenSearch.Timeout)

	var pubClient messaging.Publisher
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait

		nc, err := natsclient.NewClient(natsCfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		pubClient = nc
		a.closers = append(a.closers, func() { _ = nc.Close() })
		logger.Info("NATS publisher enabled", "url", cfg.NATS.URL)
	}
	a.Publisher = natspub.NewPublisher(pubClient)

	ledger, err := a.buildLedger(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Rules = rules.NewStore(cfg.Detection.RulesDir, logger)
	a.Evaluator = detection.NewEvaluator(a.Rules, a.Events, a.Repo, ledger, a.Publisher, logger, detection.Config{
		QueryTimeout: cfg.Detection.QueryTimeout,
		DedupEnabled: cfg.Detection.DedupEnabled,
	})

	a.Engine, err = correlation.NewEngine(a.Repo, a.Events, a.Publisher, logger, correlation.Config{
		Interval:      cfg.Correlation.Interval,
		MinSeverity:   cfg.Correlation.MinSeverity,
		BatchSize:     cfg.Correlation.BatchSize,
		Index:         cfg.Correlation.Index,
		TickTimeout:   cfg.Correlation.TickTimeout,
		SeenCacheSize: cfg.Correlation.SeenCacheSize,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// buildLedger picks the detection dedup ledger: Redis when enabled, the
// case store otherwise, none when dedup is off.
func (a *App) buildLedger(ctx context.Context) (detection.Ledger, error) {
	if !a.Config.Detection.DedupEnabled {
		return nil, nil
	}
	if !a.Config.Redis.Enabled {
		return detection.NewRepositoryLedger(a.Repo), nil
	}

	client, err := state.NewClient(ctx, a.Config.Redis.URL, a.Config.Redis.Timeout)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Logger.Info("Redis detection ledger enabled")
	return state.NewRedisLedger(client, a.Config.Redis.Timeout), nil
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Runners returns the periodic runners enabled in configuration.
func (a *App) Runners() []*scheduler.Runner {
	var runners []*scheduler.Runner
	if a.Config.Detection.Enabled {
		runners = append(runners, scheduler.NewRunner(metrics.ComponentDetection, a.Config.Detection.Interval, DetectionJob(a.Evaluator), a.Logger))
	}
	if a.Config.Correlation.Enabled {
		runners = append(runners, scheduler.NewRunner(metrics.ComponentCorrelation, a.Config.Correlation.Interval, CorrelationJob(a.Engine), a.Logger))
	}
	if a.Config.Detection.ReloadInterval > 0 {
		runners = append(runners, scheduler.NewRunner(metrics.ComponentRules, a.Config.Detection.ReloadInterval, ReloadJob(a.Rules), a.Logger))
	}
	return runners
}

// DetectionJob adapts an evaluator to the scheduler. A tick that fails for
// some rules still counts as run; the failures are in the log and metrics.
func DetectionJob(ev *detection.Evaluator) scheduler.Job {
	return func(ctx context.Context) error {
		if _, err := ev.Tick(ctx); err != nil {
			if errors.Is(err, detection.ErrTickInProgress) {
				return scheduler.ErrSkipped
			}
			return err
		}
		return nil
	}
}

// CorrelationJob adapts a correlation engine to the scheduler.
func CorrelationJob(e *correlation.Engine) scheduler.Job {
	return func(ctx context.Context) error {
		report, err := e.Tick(ctx)
		if err != nil {
			if errors.Is(err, correlation.ErrTickInProgress) {
				return scheduler.ErrSkipped
			}
			return err
		}
		return report.Err
	}
}

// ReloadJob rescans the rules directory on a timer.
func ReloadJob(store *rules.Store) scheduler.Job {
	return func(ctx context.Context) error {
		_, err := store.Reload(ctx)
		return err
	}
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and runners.
const ShutdownTimeout = 30 * time.Second
