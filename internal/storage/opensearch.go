// Package storage provides OpenSearch access for the respond service.
package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-respond/internal/config"
	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

// DefaultTimeout bounds a single search when none is configured.
const DefaultTimeout = 10 * time.Second

// ErrBackend wraps non-2xx responses from OpenSearch.
var ErrBackend = errors.New("opensearch error")

// NewClient creates an OpenSearch client from configuration.
func NewClient(cfg config.OpenSearchConfig) (*opensearch.Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return client, nil
}

// EventStore runs searches and aggregations against OpenSearch. Every call is
// bounded by the configured timeout.
type EventStore struct {
	client  *opensearch.Client
	timeout time.Duration
}

// NewEventStore wraps an OpenSearch client.
func NewEventStore(client *opensearch.Client, timeout time.Duration) *EventStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EventStore{client: client, timeout: timeout}
}

// Ping checks that the cluster answers.
func (s *EventStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrBackend, res.Status())
	}
	return nil
}

// SearchResponse is the subset of a _search response the engines consume.
type SearchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []models.SuricataHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search runs body against index.
func (s *EventStore) Search(ctx context.Context, index string, body any) (*SearchResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(bodyBytes)),
		s.client.Search.WithIgnoreUnavailable(true),
		s.client.Search.WithAllowNoIndices(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("%w: %s - %s", ErrBackend, res.Status(), string(body))
	}

	var out SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &out, nil
}

// AlertQuery selects raw alerts in a time window. After holds the sort values
// of the last hit already consumed; results resume strictly after it.
type AlertQuery struct {
	Index string
	From  time.Time
	To    time.Time
	Limit int
	After []any
}

// AlertSearchBody builds the query used to pull raw Suricata alerts:
// event_type == alert within [From, To], oldest first, capped at Limit.
// Ties on timestamp are broken by document id so search_after is stable.
func AlertSearchBody(q AlertQuery) map[string]any {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"event_type": "alert"}},
					map[string]any{"range": map[string]any{
						"timestamp": map[string]any{
							"gte":    q.From.UTC().Format(time.RFC3339Nano),
							"lte":    q.To.UTC().Format(time.RFC3339Nano),
							"format": "strict_date_optional_time",
						},
					}},
				},
			},
		},
		"size": q.Limit,
		"sort": []any{
			map[string]any{"timestamp": map[string]any{"order": "asc"}},
			map[string]any{"_id": map[string]any{"order": "asc"}},
		},
	}
	if len(q.After) > 0 {
		body["search_after"] = q.After
	}
	return body
}

// FetchAlerts returns raw alert hits for q.
func (s *EventStore) FetchAlerts(ctx context.Context, q AlertQuery) ([]models.SuricataHit, error) {
	res, err := s.Search(ctx, q.Index, AlertSearchBody(q))
	if err != nil {
		return nil, err
	}
	return res.Hits.Hits, nil
}

// Aggregate runs an aggregation-only search and returns the raw aggregations.
func (s *EventStore) Aggregate(ctx context.Context, index string, body map[string]any) (map[string]json.RawMessage, error) {
	res, err := s.Search(ctx, index, body)
	if err != nil {
		return nil, err
	}
	return res.Aggregations, nil
}

// BulkResult summarizes a bulk indexing run.
type BulkResult struct {
	Indexed int64
	Failed  int64
	Errors  []string
}

// BulkIndex writes docs into index. Documents with an "_id" key use it as the document id.
func (s *EventStore) BulkIndex(ctx context.Context, index string, docs []map[string]any) (*BulkResult, error) {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:  s.client,
		Index:   index,
		Refresh: "true",
		Timeout: s.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		indexed, failed atomic.Int64
		errCh           = make(chan string, len(docs))
	)

	for _, doc := range docs {
		var docID string
		if id, ok := doc["_id"].(string); ok {
			docID = id
			delete(doc, "_id")
		}

		data, err := json.Marshal(doc)
		if err != nil {
			failed.Add(1)
			errCh <- fmt.Sprintf("failed to marshal document: %v", err)
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: docID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				indexed.Add(1)
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					errCh <- err.Error()
				} else {
					errCh <- fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)
				}
			},
		})
		if err != nil {
			failed.Add(1)
			errCh <- fmt.Sprintf("failed to add to bulk indexer: %v", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush bulk indexer: %w", err)
	}
	close(errCh)

	result := &BulkResult{Indexed: indexed.Load(), Failed: failed.Load()}
	for msg := range errCh {
		result.Errors = append(result.Errors, msg)
	}
	return result, nil
}
