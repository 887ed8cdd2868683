package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/internal/config"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
	"github.com/telhawk-systems/telhawk-respond/internal/storage"
)

type staticRules []models.Rule

func (s staticRules) Rules() iter.Seq[models.Rule] { return slices.Values(s) }

// fakeSource answers Aggregate per index.
type fakeSource struct {
	mu      sync.Mutex
	bodies  map[string]map[string]any
	results map[string]string
	errs    map[string]error
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeSource) Aggregate(ctx context.Context, index string, body map[string]any) (map[string]json.RawMessage, error) {
	if f.block != nil {
		f.once.Do(func() { close(f.entered) })
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string]map[string]any)
	}
	f.bodies[index] = body
	if err := f.errs[index]; err != nil {
		return nil, err
	}
	var aggs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(f.results[index]), &aggs); err != nil {
		return nil, err
	}
	return aggs, nil
}

func threshold(n int64) *int64 { return &n }

func bruteForceRule(id, index string, limit int64) models.Rule {
	return models.Rule{
		ID:       id,
		Name:     "SSH Brute Force",
		Severity: "high",
		Index:    index,
		QueryDSL: map[string]any{"match": map[string]any{"alert.signature": "SSH"}},
		Aggregations: map[string]any{
			"by_src": map[string]any{"terms": map[string]any{"field": "src_ip"}},
		},
		Condition:       &models.Condition{Type: models.ConditionCountGreaterThan, Threshold: threshold(limit)},
		LookbackMinutes: 5,
		Description:     "Many SSH alerts from one source",
	}
}

func buckets(pairs ...any) string {
	var items []string
	for i := 0; i < len(pairs); i += 2 {
		items = append(items, fmt.Sprintf(`{"key":%q,"doc_count":%d}`, pairs[i], pairs[i+1]))
	}
	return `{"by_src":{"buckets":[` + strings.Join(items, ",") + `]}}`
}

func newTestEvaluator(rules RuleSource, src EventSource, repo *repository.InMemoryRepository, dedup bool) *Evaluator {
	var ledger Ledger
	if dedup {
		ledger = NewRepositoryLedger(repo)
	}
	e := NewEvaluator(rules, src, repo, ledger, nil, logging.Discard(), Config{
		QueryTimeout: time.Second,
		DedupEnabled: dedup,
	})
	return e
}

func TestEvaluator_ThresholdIsStrict(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{results: map[string]string{
		"suricata-*": buckets("10.0.0.5", 6, "10.0.0.6", 5, "10.0.0.7", 1),
	}}
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}, src, repo, true)

	report, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Count(OutcomeFired))
	assert.Equal(t, 2, res.Count(OutcomeBelowThreshold))
	assert.Equal(t, 1, report.Fired())

	cases, err := repo.ListCases(context.Background(), &models.ListCasesRequest{})
	require.NoError(t, err)
	require.Len(t, cases, 1)

	c := cases[0]
	assert.Equal(t, "Detection: SSH Brute Force (10.0.0.5)", c.Title)
	assert.Equal(t, "Rule 'SSH Brute Force' triggered. Found 6 events for 10.0.0.5 in last 5m.\n\nDescription: Many SSH alerts from one source", c.Description)
	assert.Equal(t, models.SeverityHigh, c.Severity)
	assert.Equal(t, models.CaseSourceDetection, c.Source)
	require.NotNil(t, c.CorrelationKey)
	assert.Equal(t, "rule:ssh-bf:10.0.0.5", *c.CorrelationKey)
}

func TestEvaluator_QueryShape(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{results: map[string]string{"suricata-*": buckets()}}
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}, src, repo, true)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	body := src.bodies["suricata-*"]
	require.NotNil(t, body)
	assert.Equal(t, 0, body["size"])
	assert.Contains(t, body["aggs"], "by_src")

	must := body["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	require.Len(t, must, 2)
	assert.Equal(t, map[string]any{"match": map[string]any{"alert.signature": "SSH"}}, must[0])
	rng := must[1].(map[string]any)["range"].(map[string]any)["timestamp"].(map[string]any)
	assert.Equal(t, "2024-01-15T09:55:00Z", rng["gte"])
	assert.Equal(t, "2024-01-15T10:00:00Z", rng["lte"])
}

func TestEvaluator_DedupWithinWindow(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{results: map[string]string{"suricata-*": buckets("10.0.0.5", 9)}}
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}, src, repo, true)

	now := time.Date(2024, 1, 15, 10, 1, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })
	repo.SetClock(func() time.Time { return now })

	report, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[0].Count(OutcomeFired))

	now = now.Add(time.Minute)
	report, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[0].Count(OutcomeSuppressed))

	now = now.Add(5 * time.Minute)
	report, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[0].Count(OutcomeFired), "next window fires again")

	cases, err := repo.ListCases(context.Background(), &models.ListCasesRequest{})
	require.NoError(t, err)
	assert.Len(t, cases, 2)
}

func TestEvaluator_DedupDisabled(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{results: map[string]string{"suricata-*": buckets("10.0.0.5", 9)}}
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}, src, repo, false)

	for range 3 {
		report, err := e.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Fired())
	}

	cases, err := repo.ListCases(context.Background(), &models.ListCasesRequest{})
	require.NoError(t, err)
	assert.Len(t, cases, 3)
}

func TestEvaluator_PerRuleIsolation(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	unknown := bruteForceRule("unknown-cond", "idx-ok", 1)
	unknown.Condition = &models.Condition{Type: "rate_above", Threshold: threshold(1)}

	noAggs := bruteForceRule("no-aggs", "idx-ok", 1)
	noAggs.Aggregations = nil

	src := &fakeSource{
		results: map[string]string{
			"idx-ok":        buckets("host-a", 3),
			"idx-malformed": `{"by_src":{"value":3}}`,
			"idx-nokey":     `{"by_src":{"buckets":[{"doc_count":7}]}}`,
		},
		errs: map[string]error{"idx-down": errors.New("connection refused")},
	}
	rules := staticRules{
		bruteForceRule("backend-down", "idx-down", 1),
		bruteForceRule("malformed", "idx-malformed", 1),
		bruteForceRule("missing-key", "idx-nokey", 1),
		unknown,
		noAggs,
		bruteForceRule("healthy", "idx-ok", 1),
	}
	e := newTestEvaluator(rules, src, repo, true)

	report, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 6)

	byID := make(map[string]RuleResult)
	for _, r := range report.Results {
		byID[r.RuleID] = r
	}

	assert.ErrorContains(t, byID["backend-down"].Err, "connection refused")
	assert.ErrorIs(t, byID["malformed"].Err, ErrMalformedAggregation)
	assert.ErrorIs(t, byID["missing-key"].Err, ErrMalformedAggregation)
	assert.ErrorIs(t, byID["unknown-cond"].Err, ErrUnknownCondition)
	assert.ErrorIs(t, byID["no-aggs"].Err, ErrMalformedAggregation)

	require.NoError(t, byID["healthy"].Err)
	assert.Equal(t, 1, byID["healthy"].Count(OutcomeFired))
	assert.Len(t, report.Failed(), 5)
}

func TestEvaluator_SkippedRulesLogAtWarn(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	unknown := bruteForceRule("unknown-cond", "idx-ok", 1)
	unknown.Condition = &models.Condition{Type: "rate_above", Threshold: threshold(1)}

	src := &fakeSource{
		results: map[string]string{
			"idx-ok":        buckets("host-a", 3),
			"idx-malformed": `{"by_src":{"value":3}}`,
		},
		errs: map[string]error{"idx-down": errors.New("connection refused")},
	}
	rules := staticRules{
		unknown,
		bruteForceRule("malformed", "idx-malformed", 1),
		bruteForceRule("backend-down", "idx-down", 1),
	}

	var buf bytes.Buffer
	e := NewEvaluator(rules, src, repo, nil, nil, logging.NewWithWriter(&buf, slog.LevelInfo, "json"), Config{QueryTimeout: time.Second})
	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	levels := make(map[string]string)
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if id, ok := entry[logging.FieldRuleID].(string); ok {
			levels[id] = entry["level"].(string)
		}
	}
	assert.Equal(t, "WARN", levels["unknown-cond"])
	assert.Equal(t, "WARN", levels["malformed"])
	assert.Equal(t, "ERROR", levels["backend-down"])
}

func TestTickReport_JSONIncludesErrors(t *testing.T) {
	report := TickReport{
		TickID: "tick-1",
		Results: []RuleResult{
			{RuleID: "r1", Err: errors.New("connection refused")},
			{RuleID: "r2", Buckets: []BucketResult{
				{Key: "10.0.0.5", Count: 9, Outcome: OutcomeFailed, Err: errors.New("insert failed")},
			}},
		},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded struct {
		TickID  string `json:"tick_id"`
		Results []struct {
			RuleID  string `json:"rule_id"`
			Error   string `json:"error"`
			Buckets []struct {
				Key   string `json:"key"`
				Error string `json:"error"`
			} `json:"buckets"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tick-1", decoded.TickID)
	require.Len(t, decoded.Results, 2)
	assert.Equal(t, "r1", decoded.Results[0].RuleID)
	assert.Equal(t, "connection refused", decoded.Results[0].Error)
	assert.Empty(t, decoded.Results[1].Error)
	require.Len(t, decoded.Results[1].Buckets, 1)
	assert.Equal(t, "insert failed", decoded.Results[1].Buckets[0].Error)
}

type failingSink struct{ err error }

func (f failingSink) CreateCase(ctx context.Context, nc models.NewCase) (*models.Case, error) {
	return nil, f.err
}

func TestEvaluator_CaseFailureReleasesClaim(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{results: map[string]string{"suricata-*": buckets("10.0.0.5", 9)}}
	rules := staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}

	broken := NewEvaluator(rules, src, failingSink{err: errors.New("db down")}, NewRepositoryLedger(repo), nil,
		logging.Discard(), Config{DedupEnabled: true})
	report, err := broken.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Results[0].Count(OutcomeFailed))
	assert.ErrorContains(t, report.Results[0].Err, "db down")

	healthy := newTestEvaluator(rules, src, repo, true)
	report, err = healthy.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired(), "released claim lets the next tick fire")
}

func TestEvaluator_SingleFlight(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	src := &fakeSource{
		results: map[string]string{"suricata-*": buckets()},
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 5)}, src, repo, true)

	done := make(chan error, 1)
	go func() {
		_, err := e.Tick(context.Background())
		done <- err
	}()

	<-src.entered
	_, err := e.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(src.block)
	require.NoError(t, <-done)
}

func TestEvaluator_RuleSeverityRank(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	rule := bruteForceRule("ranked", "suricata-*", 0)
	rule.Severity = "1"
	src := &fakeSource{results: map[string]string{"suricata-*": buckets("h", 1)}}
	e := newTestEvaluator(staticRules{rule}, src, repo, false)

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	cases, err := repo.ListCases(context.Background(), &models.ListCasesRequest{})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, models.SeverityCritical, cases[0].Severity)
}

func TestEvaluator_AgainstOpenSearch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/_search") {
			gotPath = r.URL.Path
			_, _ = io.Copy(io.Discard, r.Body)
			_, _ = w.Write([]byte(`{"took":3,"hits":{"total":{"value":12},"hits":[]},` +
				`"aggregations":{"by_src":{"buckets":[{"key":"10.1.1.1","doc_count":12}]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
	}))
	defer srv.Close()

	client, err := storage.NewClient(config.OpenSearchConfig{URL: srv.URL})
	require.NoError(t, err)
	store := storage.NewEventStore(client, time.Second)

	repo := repository.NewInMemoryRepository()
	e := newTestEvaluator(staticRules{bruteForceRule("ssh-bf", "suricata-*", 10)}, store, repo, true)

	report, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Results[0].Err)
	assert.Equal(t, 1, report.Fired())
	assert.Equal(t, "/suricata-*/_search", gotPath)
}
