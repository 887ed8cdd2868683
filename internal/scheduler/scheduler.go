// Package scheduler runs a job periodically, never overlapping runs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/metrics"
)

// ErrSkipped may be returned by a job that declined to run, for example
// because another caller is already running it.
var ErrSkipped = errors.New("run skipped")

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Runner executes a job on a fixed interval. The first run starts
// immediately. A tick that fires while the previous run is still active is
// skipped.
type Runner struct {
	name     string
	interval time.Duration
	job      Job
	logger   *logging.Logger

	busy    atomic.Bool
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewRunner creates a runner. name is used as the metrics component label.
func NewRunner(name string, interval time.Duration, job Job, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		name:     name,
		interval: interval,
		job:      job,
		logger:   logger.With(logging.Component(name)),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the loop. This should be called in a goroutine. It returns
// after Stop or when ctx is cancelled, once the in-flight run has finished.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.stopped)
	defer r.wg.Wait()

	r.logger.Info("Scheduler started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.trigger(ctx)

	for {
		select {
		case <-ticker.C:
			r.trigger(ctx)
		case <-r.stop:
			r.logger.Info("Scheduler stopped")
			return
		case <-ctx.Done():
			r.logger.Info("Scheduler context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.stopped
}

func (r *Runner) trigger(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		metrics.TicksSkipped.WithLabelValues(r.name).Inc()
		r.logger.Warn("Previous run still in progress, skipping tick")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		r.RunOnce(ctx)
	}()
}

// RunOnce runs the job synchronously and records its outcome.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := r.job(ctx)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrSkipped):
		metrics.TicksSkipped.WithLabelValues(r.name).Inc()
		r.logger.Warn("Run skipped", logging.Error(err))
	case err != nil:
		metrics.TicksTotal.WithLabelValues(r.name, "error").Inc()
		metrics.TickDuration.WithLabelValues(r.name).Observe(elapsed.Seconds())
		r.logger.Error("Run failed", logging.Error(err), logging.Duration(elapsed))
	default:
		metrics.TicksTotal.WithLabelValues(r.name, "success").Inc()
		metrics.TickDuration.WithLabelValues(r.name).Observe(elapsed.Seconds())
	}
	return err
}
