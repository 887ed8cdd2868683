package models

import (
	"fmt"
	"time"
)

// DetectionKey identifies one firing of a rule for one entity in one window.
type DetectionKey struct {
	RuleID      string
	BucketKey   string
	WindowStart time.Time
}

// NewDetectionKey buckets now into fixed windows of the rule lookback.
func NewDetectionKey(ruleID, bucketKey string, now time.Time, window time.Duration) DetectionKey {
	return DetectionKey{
		RuleID:      ruleID,
		BucketKey:   bucketKey,
		WindowStart: now.UTC().Truncate(window),
	}
}

func (k DetectionKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.RuleID, k.BucketKey, k.WindowStart.Unix())
}
