// Package detection evaluates threshold rules against aggregated event data
// and opens a case for every qualifying bucket.
package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/metrics"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
	natspub "github.com/telhawk-systems/telhawk-respond/internal/nats"
)

// ErrTickInProgress is returned when Tick is called while another tick runs.
var ErrTickInProgress = errors.New("detection tick already in progress")

// DefaultQueryTimeout bounds each rule's search when none is configured.
const DefaultQueryTimeout = 10 * time.Second

// EventSource runs aggregation searches.
type EventSource interface {
	Aggregate(ctx context.Context, index string, body map[string]any) (map[string]json.RawMessage, error)
}

// RuleSource yields the active rule set.
type RuleSource interface {
	Rules() iter.Seq[models.Rule]
}

// CaseSink opens cases.
type CaseSink interface {
	CreateCase(ctx context.Context, nc models.NewCase) (*models.Case, error)
}

// Outcome is the result of evaluating one bucket.
type Outcome string

const (
	OutcomeFired          Outcome = "fired"
	OutcomeSuppressed     Outcome = "suppressed"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeFailed         Outcome = "failed"
)

// BucketResult records what happened to one aggregation bucket.
type BucketResult struct {
	Key     string  `json:"key"`
	Count   int64   `json:"count"`
	Outcome Outcome `json:"outcome"`
	CaseID  string  `json:"case_id,omitempty"`
	Err     error   `json:"-"`
}

// MarshalJSON renders Err as its message.
func (b BucketResult) MarshalJSON() ([]byte, error) {
	type plain BucketResult
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(b), errorString(b.Err)})
}

// RuleResult records the evaluation of one rule. Err is set when the rule
// could not be evaluated or a bucket failed.
type RuleResult struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Buckets  []BucketResult `json:"buckets"`
	Err      error          `json:"-"`
}

// MarshalJSON renders Err as its message.
func (r RuleResult) MarshalJSON() ([]byte, error) {
	type plain RuleResult
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

// Count returns how many buckets ended with outcome o.
func (r RuleResult) Count(o Outcome) int {
	n := 0
	for _, b := range r.Buckets {
		if b.Outcome == o {
			n++
		}
	}
	return n
}

// TickReport aggregates every rule result of one tick.
type TickReport struct {
	TickID   string        `json:"tick_id"`
	Now      time.Time     `json:"now"`
	Results  []RuleResult  `json:"results"`
	Duration time.Duration `json:"duration_ns"`
}

// Fired returns the number of cases opened during the tick.
func (r *TickReport) Fired() int {
	n := 0
	for i := range r.Results {
		n += r.Results[i].Count(OutcomeFired)
	}
	return n
}

// Failed returns the rules that ended with an error.
func (r *TickReport) Failed() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Config holds evaluator settings.
type Config struct {
	QueryTimeout time.Duration
	DedupEnabled bool
}

// Evaluator runs every active rule once per tick.
type Evaluator struct {
	rules     RuleSource
	source    EventSource
	cases     CaseSink
	ledger    Ledger
	publisher *natspub.Publisher
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time

	running sync.Mutex
}

// NewEvaluator creates an evaluator. ledger may be nil, which disables dedup.
func NewEvaluator(rules RuleSource, source EventSource, cases CaseSink, ledger Ledger, publisher *natspub.Publisher, logger *logging.Logger, cfg Config) *Evaluator {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Evaluator{
		rules:     rules,
		source:    source,
		cases:     cases,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger.With(logging.Component(metrics.ComponentDetection)),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Evaluator) dedup() bool {
	return e.cfg.DedupEnabled && e.ledger != nil
}

// Tick evaluates every rule in the store once. A failing rule never stops
// the others. Concurrent calls return ErrTickInProgress.
func (e *Evaluator) Tick(ctx context.Context) (*TickReport, error) {
	if !e.running.TryLock() {
		return nil, ErrTickInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	report := &TickReport{TickID: uuid.NewString(), Now: e.now()}
	ctx = logging.WithTickID(ctx, report.TickID)

	if e.dedup() {
		if n, err := e.ledger.Prune(ctx, report.Now); err != nil {
			e.logger.WarnContext(ctx, "Failed to prune detection ledger", logging.Error(err))
		} else if n > 0 {
			e.logger.DebugContext(ctx, "Pruned detection ledger", slog.Int64("removed", n))
		}
	}

	for rule := range e.rules.Rules() {
		if err := ctx.Err(); err != nil {
			report.Results = append(report.Results, RuleResult{RuleID: rule.ID, RuleName: rule.Name, Err: err})
			continue
		}
		res := e.evaluateRule(ctx, &rule, report.Now)
		switch {
		case errors.Is(res.Err, ErrUnknownCondition), errors.Is(res.Err, ErrMalformedAggregation):
			e.logger.WarnContext(ctx, "Skipping rule",
				logging.RuleID(rule.ID),
				logging.Error(res.Err),
			)
		case res.Err != nil:
			e.logger.ErrorContext(ctx, "Rule evaluation failed",
				logging.RuleID(rule.ID),
				logging.Error(res.Err),
			)
		}
		report.Results = append(report.Results, res)
	}

	report.Duration = time.Since(start)
	e.logger.InfoContext(ctx, "Detection tick completed",
		slog.Int("rules", len(report.Results)),
		slog.Int("fired", report.Fired()),
		slog.Int("failed_rules", len(report.Failed())),
		logging.Duration(report.Duration),
	)
	return report, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.Rule, now time.Time) RuleResult {
	res := RuleResult{RuleID: rule.ID, RuleName: rule.Name}

	// Reject unsupported conditions before touching the backend.
	if _, err := Qualifies(rule.Condition, 0); err != nil {
		res.Err = fmt.Errorf("rule %s: %w", rule.ID, err)
		metrics.Detections.WithLabelValues(rule.ID, string(OutcomeFailed)).Inc()
		return res
	}
	aggName, err := aggregationName(rule)
	if err != nil {
		res.Err = fmt.Errorf("rule %s: %w", rule.ID, err)
		metrics.Detections.WithLabelValues(rule.ID, string(OutcomeFailed)).Inc()
		return res
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	aggs, err := e.source.Aggregate(qctx, rule.Index, BuildQuery(rule, now))
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("rule %s: failed to query %s: %w", rule.ID, rule.Index, err)
		metrics.Detections.WithLabelValues(rule.ID, string(OutcomeFailed)).Inc()
		return res
	}

	buckets, err := ParseBuckets(aggs, aggName)
	if err != nil {
		res.Err = fmt.Errorf("rule %s: %w", rule.ID, err)
		metrics.Detections.WithLabelValues(rule.ID, string(OutcomeFailed)).Inc()
		return res
	}

	var errs []error
	for _, b := range buckets {
		br := e.evaluateBucket(ctx, rule, b, now)
		metrics.Detections.WithLabelValues(rule.ID, string(br.Outcome)).Inc()
		if br.Err != nil {
			errs = append(errs, fmt.Errorf("bucket %s: %w", b.Key, br.Err))
		}
		res.Buckets = append(res.Buckets, br)
	}
	if len(errs) > 0 {
		res.Err = fmt.Errorf("rule %s: %w", rule.ID, errors.Join(errs...))
	}
	return res
}

func (e *Evaluator) evaluateBucket(ctx context.Context, rule *models.Rule, b Bucket, now time.Time) BucketResult {
	br := BucketResult{Key: b.Key, Count: b.DocCount}

	ok, err := Qualifies(rule.Condition, b.DocCount)
	if err != nil {
		br.Outcome, br.Err = OutcomeFailed, err
		return br
	}
	if !ok {
		br.Outcome = OutcomeBelowThreshold
		return br
	}

	lookback := time.Duration(rule.Lookback()) * time.Minute
	key := models.NewDetectionKey(rule.ID, b.Key, now, lookback)
	if e.dedup() {
		claimed, err := e.ledger.Claim(ctx, key, 2*lookback)
		if err != nil {
			br.Outcome, br.Err = OutcomeFailed, err
			return br
		}
		if !claimed {
			br.Outcome = OutcomeSuppressed
			e.logger.DebugContext(ctx, "Detection already fired in this window",
				logging.RuleID(rule.ID),
				slog.String("bucket", b.Key),
			)
			return br
		}
	}

	c, err := e.openCase(ctx, rule, b)
	if err != nil {
		if e.dedup() {
			if relErr := e.ledger.Release(context.WithoutCancel(ctx), key); relErr != nil {
				err = errors.Join(err, relErr)
			}
		}
		br.Outcome, br.Err = OutcomeFailed, err
		return br
	}

	br.Outcome, br.CaseID = OutcomeFired, c.ID
	metrics.CasesCreated.WithLabelValues(string(models.CaseSourceDetection)).Inc()
	e.logger.WarnContext(ctx, "Rule triggered",
		logging.RuleID(rule.ID),
		logging.CaseID(c.ID),
		slog.String("bucket", b.Key),
		slog.Int64("count", b.DocCount),
	)

	if err := e.publisher.PublishCaseCreated(ctx, natspub.NewCaseCreatedEvent(c)); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish case event", logging.CaseID(c.ID), logging.Error(err))
	}
	return br
}

func (e *Evaluator) openCase(ctx context.Context, rule *models.Rule, b Bucket) (*models.Case, error) {
	severity, err := rule.CaseSeverity()
	if err != nil {
		return nil, err
	}
	c, err := e.cases.CreateCase(ctx, DetectionCase(rule, b, severity))
	if err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return c, nil
}

// DetectionCase is the case template for a fired bucket.
func DetectionCase(rule *models.Rule, b Bucket, severity models.CaseSeverity) models.NewCase {
	return models.NewCase{
		Title: fmt.Sprintf("Detection: %s (%s)", rule.Name, b.Key),
		Description: fmt.Sprintf("Rule '%s' triggered. Found %d events for %s in last %dm.\n\nDescription: %s",
			rule.Name, b.DocCount, b.Key, rule.Lookback(), rule.Description),
		Severity:       severity,
		CorrelationKey: fmt.Sprintf("rule:%s:%s", rule.ID, b.Key),
		Source:         models.CaseSourceDetection,
	}
}
