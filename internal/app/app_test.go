package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/config"
	"github.com/telhawk-systems/telhawk-respond/internal/correlation"
	"github.com/telhawk-systems/telhawk-respond/internal/detection"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/rules"
	"github.com/telhawk-systems/telhawk-respond/internal/scheduler"
	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *blockingSource) FetchAlerts(ctx context.Context, q storage.AlertQuery) ([]models.SuricataHit, error) {
	if s.entered != nil {
		close(s.entered)
		s.entered = nil
		<-s.release
	}
	return nil, s.err
}

func (s *blockingSource) Aggregate(ctx context.Context, index string, body map[string]any) (map[string]json.RawMessage, error) {
	return nil, s.err
}

func TestCorrelationJob(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	t.Run("fetch failure is reported", func(t *testing.T) {
		src := &blockingSource{err: errors.New("connection refused")}
		engine, err := correlation.NewEngine(repo, src, nil, logging.Discard(), correlation.Config{})
		require.NoError(t, err)

		err = CorrelationJob(engine)(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("overlapping run is skipped", func(t *testing.T) {
		src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
		entered := src.entered
		engine, err := correlation.NewEngine(repo, src, nil, logging.Discard(), correlation.Config{})
		require.NoError(t, err)
		job := CorrelationJob(engine)

		done := make(chan error, 1)
		go func() { done <- job(context.Background()) }()
		<-entered

		assert.ErrorIs(t, job(context.Background()), scheduler.ErrSkipped)

		close(src.release)
		require.NoError(t, <-done)
	})
}

func TestDetectionJob(t *testing.T) {
	store := rules.NewStore(t.TempDir(), logging.Discard())
	_, err := store.Reload(context.Background())
	require.NoError(t, err)

	repo := repository.NewInMemoryRepository()
	ev := detection.NewEvaluator(store, &blockingSource{}, repo, detection.NewRepositoryLedger(repo), nil, logging.Discard(), detection.Config{DedupEnabled: true})

	assert.NoError(t, DetectionJob(ev)(context.Background()))
}

func TestReloadJob(t *testing.T) {
	store := rules.NewStore(filepath.Join(t.TempDir(), "missing"), logging.Discard())
	assert.Error(t, ReloadJob(store)(context.Background()))
}

func TestRunners(t *testing.T) {
	cfg := &config.Config{
		Detection:   config.DetectionConfig{Enabled: true, Interval: time.Minute},
		Correlation: config.CorrelationConfig{Enabled: false, Interval: time.Minute},
	}
	a := &App{Config: cfg, Logger: logging.Discard()}
	assert.Len(t, a.Runners(), 1)

	cfg.Correlation.Enabled = true
	cfg.Detection.ReloadInterval = 5 * time.Minute
	assert.Len(t, a.Runners(), 3)
}
