// Package repository persists cases, alerts, comments and the detection ledger.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

var (
	ErrCaseNotFound      = errors.New("case not found")
	ErrCaseNotOpen       = errors.New("case is not open")
	ErrAlertExists       = errors.New("alert already ingested")
	ErrOpenCaseExists    = errors.New("an open case already exists for this correlation key")
	ErrInvalidTransition = errors.New("invalid case status transition")
)

// Tx is the write surface available inside a unit of work. All writes made
// through a Tx commit or roll back together.
type Tx interface {
	// AlertExists reports whether an alert with this external id is stored.
	AlertExists(ctx context.Context, alertID string) (bool, error)

	// FindOrCreateOpenCase returns the open correlation case for key, creating
	// it from tmpl when none exists. Concurrent callers with the same key
	// observe the same case. created is true when this call opened it.
	FindOrCreateOpenCase(ctx context.Context, key string, tmpl models.NewCase) (c *models.Case, created bool, err error)

	// AttachAlert stores alert as a member of caseID and refreshes the case
	// updated_at. The case must be open.
	AttachAlert(ctx context.Context, caseID string, alert *models.Alert) error

	// Savepoint runs fn in a nested scope. If fn fails only its writes are
	// discarded and the outer unit of work stays usable.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

// Repository defines case and alert persistence
type Repository interface {
	// WithTx runs fn in a single transaction, committing if fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Case operations
	CreateCase(ctx context.Context, nc models.NewCase) (*models.Case, error)
	GetCase(ctx context.Context, id string) (*models.Case, error)
	ListCases(ctx context.Context, req *models.ListCasesRequest) ([]*models.Case, error)
	UpdateCaseStatus(ctx context.Context, id string, status models.CaseStatus) (*models.Case, error)

	// Alert operations
	GetCaseAlerts(ctx context.Context, caseID string) ([]*models.Alert, error)
	AlertExists(ctx context.Context, alertID string) (bool, error)

	// Comment operations
	AddComment(ctx context.Context, c *models.CaseComment) error
	ListComments(ctx context.Context, caseID string) ([]*models.CaseComment, error)

	// Detection ledger
	ClaimDetection(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error)
	ReleaseDetection(ctx context.Context, key models.DetectionKey) error
	PruneDetections(ctx context.Context, now time.Time) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Close()
}

// DefaultListLimit caps ListCases when no limit is given.
const DefaultListLimit = 50

// MaxListLimit is the largest page ListCases returns.
const MaxListLimit = 500

func listLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
