// Package correlation pulls raw alerts from the event store and merges them
// into open cases keyed by source IP.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/metrics"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
	natspub "github.com/telhawk-systems/telhawk-respond/internal/nats"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

// ErrTickInProgress is returned when Tick is called while another tick runs.
var ErrTickInProgress = errors.New("correlation tick already in progress")

// Defaults applied by NewEngine to zero config fields.
const (
	DefaultInterval      = time.Minute
	DefaultMinSeverity   = 3
	DefaultBatchSize     = 100
	DefaultIndex         = "suricata-*"
	DefaultTickTimeout   = 30 * time.Second
	DefaultSeenCacheSize = 10000
)

// AlertSource fetches raw alert hits.
type AlertSource interface {
	FetchAlerts(ctx context.Context, q storage.AlertQuery) ([]models.SuricataHit, error)
}

// Outcome is what a tick did with one candidate alert.
type Outcome string

const (
	OutcomeInvalid     Outcome = "invalid"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeAttached    Outcome = "attached"
	OutcomeCreatedCase Outcome = "created_case"
	OutcomeFailed      Outcome = "failed"
)

// AlertResult records the handling of one candidate, in fetch order.
type AlertResult struct {
	AlertID  string  `json:"alert_id"`
	SourceIP string  `json:"source_ip,omitempty"`
	Rank     int     `json:"rank,omitempty"`
	Outcome  Outcome `json:"outcome"`
	CaseID   string  `json:"case_id,omitempty"`
	Err      error   `json:"-"`

	alert *models.Alert
	kase  *models.Case
}

// MarshalJSON renders Err as its message.
func (r AlertResult) MarshalJSON() ([]byte, error) {
	type plain AlertResult
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), errorString(r.Err)})
}

// TickReport summarizes one correlation tick. Err is set when the tick as a
// whole failed (event source down, commit failure). Backlog is true when the
// fetch hit the batch cap and the next tick resumes after the last alert.
type TickReport struct {
	TickID   string        `json:"tick_id"`
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
	Fetched  int           `json:"fetched"`
	Backlog  bool          `json:"backlog"`
	Results  []AlertResult `json:"results"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration_ns"`
}

// MarshalJSON renders Err as its message.
func (r TickReport) MarshalJSON() ([]byte, error) {
	type plain TickReport
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), errorString(r.Err)})
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Count returns how many results ended with outcome o.
func (r *TickReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Config holds engine settings.
type Config struct {
	Interval      time.Duration
	MinSeverity   int
	BatchSize     int
	Index         string
	TickTimeout   time.Duration
	SeenCacheSize int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinSeverity <= 0 {
		c.MinSeverity = DefaultMinSeverity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Index == "" {
		c.Index = DefaultIndex
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = DefaultSeenCacheSize
	}
}

// Engine runs correlation ticks.
type Engine struct {
	repo      repository.Repository
	source    AlertSource
	publisher *natspub.Publisher
	logger    *logging.Logger
	cfg       Config
	seen      *lru.Cache[string, struct{}]
	now       func() time.Time

	// backlog is set while a capped fetch left alerts behind. Guarded by running.
	backlog *cursor

	running sync.Mutex
}

// cursor resumes a window that was cut short by the batch cap.
type cursor struct {
	from  time.Time
	after []any
}

// NewEngine creates a correlation engine.
func NewEngine(repo repository.Repository, source AlertSource, publisher *natspub.Publisher, logger *logging.Logger, cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		repo:      repo,
		source:    source,
		publisher: publisher,
		logger:    logger.With(logging.Component(metrics.ComponentCorrelation)),
		cfg:       cfg,
		seen:      seen,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Tick fetches recent alerts and correlates them into cases. All writes of a
// tick commit together; a failing alert only rolls back its own writes.
// Concurrent calls return ErrTickInProgress.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	if !e.running.TryLock() {
		return nil, ErrTickInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	now := e.now()
	report := &TickReport{
		TickID: uuid.NewString(),
		From:   now.Add(-2 * e.cfg.Interval),
		To:     now,
	}
	var after []any
	if e.backlog != nil {
		if e.backlog.from.Before(report.From) {
			report.From = e.backlog.from
		}
		after = e.backlog.after
	}
	ctx = logging.WithTickID(ctx, report.TickID)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TickTimeout)
	defer cancel()

	defer func() {
		report.Duration = time.Since(start)
		for _, res := range report.Results {
			metrics.AlertsProcessed.WithLabelValues(string(res.Outcome)).Inc()
		}
	}()

	hits, err := e.source.FetchAlerts(ctx, storage.AlertQuery{
		Index: e.cfg.Index,
		From:  report.From,
		To:    report.To,
		Limit: e.cfg.BatchSize,
		After: after,
	})
	if err != nil {
		report.Err = fmt.Errorf("failed to fetch alerts: %w", err)
		e.logger.ErrorContext(ctx, "Correlation fetch failed", logging.Error(err))
		return report, nil
	}
	report.Fetched = len(hits)
	if len(hits) == 0 {
		e.backlog = nil
		e.logger.DebugContext(ctx, "No new alerts to correlate")
		return report, nil
	}

	report.Results = make([]AlertResult, len(hits))
	var candidates []int
	for i, hit := range hits {
		res, ok := e.screen(ctx, hit)
		report.Results[i] = res
		if ok {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) > 0 {
		err = e.repo.WithTx(ctx, func(tx repository.Tx) error {
			for _, i := range candidates {
				e.correlate(ctx, tx, &report.Results[i])
			}
			return nil
		})
		if err != nil {
			report.Err = fmt.Errorf("failed to commit correlation tick: %w", err)
			for _, i := range candidates {
				res := &report.Results[i]
				res.Outcome, res.Err, res.CaseID = OutcomeFailed, report.Err, ""
			}
			e.logger.ErrorContext(ctx, "Correlation tick rolled back", logging.Error(err))
		} else {
			e.afterCommit(ctx, report, candidates)
		}
	}
	if report.Err == nil {
		e.advance(ctx, report, hits)
	}

	e.logger.InfoContext(ctx, "Correlation tick completed",
		slog.Int("fetched", report.Fetched),
		slog.Int("created_cases", report.Count(OutcomeCreatedCase)),
		slog.Int("attached", report.Count(OutcomeAttached)),
		slog.Int("duplicates", report.Count(OutcomeDuplicate)),
		slog.Int("filtered", report.Count(OutcomeFiltered)),
		slog.Int("invalid", report.Count(OutcomeInvalid)),
		slog.Int("failed", report.Count(OutcomeFailed)),
	)
	return report, nil
}

// advance moves the backlog cursor past a batch that was fully handled. A
// batch shorter than the cap means the window is drained.
func (e *Engine) advance(ctx context.Context, report *TickReport, hits []models.SuricataHit) {
	last := hits[len(hits)-1].Sort
	if len(hits) < e.cfg.BatchSize || len(last) == 0 {
		e.backlog = nil
		return
	}
	e.backlog = &cursor{from: report.From, after: last}
	report.Backlog = true
	e.logger.WarnContext(ctx, "Alert batch capped, resuming next tick",
		slog.Int("batch_size", e.cfg.BatchSize),
		slog.Time("window_from", report.From),
	)
}

// screen parses a hit and applies the checks that need no store access. It
// reports whether the alert must go through the transaction.
func (e *Engine) screen(ctx context.Context, hit models.SuricataHit) (AlertResult, bool) {
	res := AlertResult{AlertID: hit.ID}

	alert, rank, err := models.ParseSuricataHit(hit)
	if err != nil {
		res.Outcome, res.Err = OutcomeInvalid, err
		e.logger.WarnContext(ctx, "Skipping malformed alert", logging.AlertID(hit.ID), logging.Error(err))
		return res, false
	}
	res.SourceIP, res.Rank = alert.SourceIP, rank

	if rank > e.cfg.MinSeverity {
		res.Outcome = OutcomeFiltered
		return res, false
	}
	if e.seen.Contains(alert.AlertID) {
		res.Outcome = OutcomeDuplicate
		return res, false
	}

	res.alert = alert
	return res, true
}

func (e *Engine) correlate(ctx context.Context, tx repository.Tx, res *AlertResult) {
	var (
		outcome Outcome
		kase    *models.Case
	)
	err := tx.Savepoint(ctx, func(sp repository.Tx) error {
		exists, err := sp.AlertExists(ctx, res.AlertID)
		if err != nil {
			return err
		}
		if exists {
			outcome = OutcomeDuplicate
			return nil
		}

		c, created, err := sp.FindOrCreateOpenCase(ctx, res.alert.CorrelationKey(), CaseTemplate(res.alert, res.Rank))
		if err != nil {
			return fmt.Errorf("failed to find or create case: %w", err)
		}
		if err := sp.AttachAlert(ctx, c.ID, res.alert); err != nil {
			return err
		}

		kase = c
		outcome = OutcomeAttached
		if created {
			outcome = OutcomeCreatedCase
		}
		return nil
	})

	switch {
	case errors.Is(err, repository.ErrAlertExists):
		res.Outcome = OutcomeDuplicate
	case err != nil:
		res.Outcome, res.Err = OutcomeFailed, err
		e.logger.ErrorContext(ctx, "Failed to correlate alert",
			logging.AlertID(res.AlertID),
			logging.IP(res.SourceIP),
			logging.Error(err),
		)
	default:
		res.Outcome = outcome
		if kase != nil {
			res.CaseID, res.kase = kase.ID, kase
		}
	}
}

func (e *Engine) afterCommit(ctx context.Context, report *TickReport, candidates []int) {
	for _, i := range candidates {
		res := &report.Results[i]
		switch res.Outcome {
		case OutcomeDuplicate:
			e.seen.Add(res.AlertID, struct{}{})
		case OutcomeCreatedCase:
			e.seen.Add(res.AlertID, struct{}{})
			metrics.CasesCreated.WithLabelValues(string(models.CaseSourceCorrelation)).Inc()
			e.logger.InfoContext(ctx, "Created correlation case",
				logging.CaseID(res.CaseID),
				logging.IP(res.SourceIP),
			)
			if err := e.publisher.PublishCaseCreated(ctx, natspub.NewCaseCreatedEvent(res.kase)); err != nil {
				e.logger.WarnContext(ctx, "Failed to publish case event", logging.CaseID(res.CaseID), logging.Error(err))
			}
			e.publishAttached(ctx, res)
		case OutcomeAttached:
			e.seen.Add(res.AlertID, struct{}{})
			e.publishAttached(ctx, res)
		}
	}
}

func (e *Engine) publishAttached(ctx context.Context, res *AlertResult) {
	if err := e.publisher.PublishAlertAttached(ctx, natspub.NewAlertAttachedEvent(res.alert)); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish alert event", logging.AlertID(res.AlertID), logging.Error(err))
	}
}

// CaseTemplate is the case opened for the first alert of a source IP.
func CaseTemplate(alert *models.Alert, rank int) models.NewCase {
	severity := models.SeverityMedium
	if rank == 1 {
		severity = models.SeverityHigh
	}
	return models.NewCase{
		Title:       fmt.Sprintf("Suspicious Activity from %s", alert.SourceIP),
		Description: fmt.Sprintf("Automated case created for IP %s. First alert: %s", alert.SourceIP, alert.Signature),
		Severity:    severity,
		Source:      models.CaseSourceCorrelation,
	}
}
