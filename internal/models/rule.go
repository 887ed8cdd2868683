package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ConditionType names a rule trigger policy.
type ConditionType string

// ConditionCountGreaterThan fires for each bucket whose doc_count is strictly above the threshold.
const ConditionCountGreaterThan ConditionType = "count_greater_than"

// DefaultLookbackMinutes is the rule window when none is configured.
const DefaultLookbackMinutes = 5

// Condition is a rule trigger policy.
type Condition struct {
	Type      ConditionType `yaml:"type" json:"type" validate:"required"`
	Threshold *int64        `yaml:"threshold" json:"threshold" validate:"required,gte=0"`
	AggField  string        `yaml:"agg_field,omitempty" json:"agg_field,omitempty"`
}

// Rule is a declarative detection loaded from a YAML file.
// QueryDSL and Aggregations are OpenSearch DSL fragments passed through verbatim.
type Rule struct {
	ID              string         `yaml:"id" json:"id" validate:"required"`
	Name            string         `yaml:"name" json:"name" validate:"required"`
	Severity        string         `yaml:"severity" json:"severity" validate:"required"`
	Index           string         `yaml:"index" json:"index" validate:"required"`
	QueryDSL        map[string]any `yaml:"query_dsl" json:"query_dsl" validate:"required"`
	Aggregations    map[string]any `yaml:"aggregations" json:"aggregations,omitempty"`
	Condition       *Condition     `yaml:"condition" json:"condition" validate:"required"`
	LookbackMinutes int            `yaml:"lookback_minutes" json:"lookback_minutes" validate:"gte=0"`
	Description     string         `yaml:"description" json:"description,omitempty"`
	SourceFile      string         `yaml:"-" json:"source_file,omitempty"`
}

// Lookback returns the configured window, applying the default.
func (r *Rule) Lookback() int {
	if r.LookbackMinutes <= 0 {
		return DefaultLookbackMinutes
	}
	return r.LookbackMinutes
}

// CaseSeverity maps the rule severity to a case severity. It accepts either a
// severity word or a numeric rank (1 critical, 2 high, 3 medium, 4+ low).
func (r *Rule) CaseSeverity() (CaseSeverity, error) {
	s := CaseSeverity(strings.ToLower(strings.TrimSpace(r.Severity)))
	if s.IsValid() {
		return s, nil
	}
	rank, err := strconv.Atoi(string(s))
	if err != nil || rank < 1 {
		return "", fmt.Errorf("unknown rule severity %q", r.Severity)
	}
	return SeverityFromRank(rank), nil
}

// SeverityFromRank maps a numeric severity rank to a case severity.
func SeverityFromRank(rank int) CaseSeverity {
	switch {
	case rank <= 1:
		return SeverityCritical
	case rank == 2:
		return SeverityHigh
	case rank == 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
