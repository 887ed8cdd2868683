package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

var (
	// ErrMalformedAggregation is returned when a rule's aggregation result
	// does not have the expected bucket shape.
	ErrMalformedAggregation = errors.New("malformed aggregation")

	// ErrUnknownCondition is returned for condition types the evaluator cannot run.
	ErrUnknownCondition = errors.New("unknown condition type")
)

// Bucket is one group of a terms-style aggregation.
type Bucket struct {
	Key      string
	DocCount int64
}

// BuildQuery wraps the rule's query in the lookback window ending at now and
// attaches its aggregations. Only the aggregation results are requested.
func BuildQuery(rule *models.Rule, now time.Time) map[string]any {
	now = now.UTC()
	from := now.Add(-time.Duration(rule.Lookback()) * time.Minute)

	aggs := rule.Aggregations
	if aggs == nil {
		aggs = map[string]any{}
	}

	return map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					rule.QueryDSL,
					map[string]any{
						"range": map[string]any{
							"timestamp": map[string]any{
								"gte": from.Format(time.RFC3339Nano),
								"lte": now.Format(time.RFC3339Nano),
							},
						},
					},
				},
			},
		},
		"aggs": aggs,
	}
}

// aggregationName picks the bucket aggregation the condition reads. A rule
// with several top-level aggregations must name one through condition.agg_field.
func aggregationName(rule *models.Rule) (string, error) {
	switch len(rule.Aggregations) {
	case 0:
		return "", fmt.Errorf("%w: rule defines no aggregations", ErrMalformedAggregation)
	case 1:
		for name := range rule.Aggregations {
			return name, nil
		}
	}
	if rule.Condition != nil && rule.Condition.AggField != "" {
		if _, ok := rule.Aggregations[rule.Condition.AggField]; ok {
			return rule.Condition.AggField, nil
		}
	}
	return "", fmt.Errorf("%w: %d top-level aggregations and condition.agg_field does not name one",
		ErrMalformedAggregation, len(rule.Aggregations))
}

type rawBucket struct {
	Key         json.RawMessage `json:"key"`
	KeyAsString string          `json:"key_as_string"`
	DocCount    *int64          `json:"doc_count"`
}

// ParseBuckets decodes the bucket list of aggregation name.
func ParseBuckets(aggs map[string]json.RawMessage, name string) ([]Bucket, error) {
	raw, ok := aggs[name]
	if !ok {
		return nil, fmt.Errorf("%w: aggregation %q missing from response", ErrMalformedAggregation, name)
	}

	var agg struct {
		Buckets *[]rawBucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("%w: aggregation %q: %v", ErrMalformedAggregation, name, err)
	}
	if agg.Buckets == nil {
		return nil, fmt.Errorf("%w: aggregation %q has no bucket list", ErrMalformedAggregation, name)
	}

	buckets := make([]Bucket, 0, len(*agg.Buckets))
	for i, b := range *agg.Buckets {
		key, err := bucketKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: aggregation %q bucket %d: %v", ErrMalformedAggregation, name, i, err)
		}
		if b.DocCount == nil {
			return nil, fmt.Errorf("%w: aggregation %q bucket %d: missing doc_count", ErrMalformedAggregation, name, i)
		}
		buckets = append(buckets, Bucket{Key: key, DocCount: *b.DocCount})
	}
	return buckets, nil
}

func bucketKey(b rawBucket) (string, error) {
	if b.KeyAsString != "" {
		return b.KeyAsString, nil
	}
	if len(b.Key) == 0 || string(b.Key) == "null" {
		return "", errors.New("missing key")
	}
	var s string
	if err := json.Unmarshal(b.Key, &s); err == nil {
		return s, nil
	}
	// Numeric and composite keys keep their JSON text.
	return strings.TrimSpace(string(b.Key)), nil
}

// Qualifies applies the rule condition to a bucket count.
func Qualifies(cond *models.Condition, count int64) (bool, error) {
	if cond == nil || cond.Threshold == nil {
		return false, fmt.Errorf("%w: condition incomplete", ErrUnknownCondition)
	}
	switch cond.Type {
	case models.ConditionCountGreaterThan:
		return count > *cond.Threshold, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, cond.Type)
	}
}
