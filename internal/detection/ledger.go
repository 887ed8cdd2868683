package detection

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
	"github.com/telhawk-systems/telhawk-respond/internal/repository"
)

// Ledger remembers which (rule, bucket, window) detections already fired.
type Ledger interface {
	Claim(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key models.DetectionKey) error
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// RepositoryLedger keeps the ledger in the case store.
type RepositoryLedger struct {
	repo repository.Repository
}

func NewRepositoryLedger(repo repository.Repository) *RepositoryLedger {
	return &RepositoryLedger{repo: repo}
}

func (l *RepositoryLedger) Claim(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error) {
	return l.repo.ClaimDetection(ctx, key, ttl)
}

func (l *RepositoryLedger) Release(ctx context.Context, key models.DetectionKey) error {
	return l.repo.ReleaseDetection(ctx, key)
}

func (l *RepositoryLedger) Prune(ctx context.Context, now time.Time) (int64, error) {
	return l.repo.PruneDetections(ctx, now)
}
