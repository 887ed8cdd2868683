package models

import "time"

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseStatusOpen          CaseStatus = "open"
	CaseStatusInvestigating CaseStatus = "investigating"
	CaseStatusResolved      CaseStatus = "resolved"
	CaseStatusClosed        CaseStatus = "closed"
)

// IsValid reports whether s is a known status.
func (s CaseStatus) IsValid() bool {
	switch s {
	case CaseStatusOpen, CaseStatusInvestigating, CaseStatusResolved, CaseStatusClosed:
		return true
	}
	return false
}

// AcceptsAlerts reports whether a case in this state may receive new alerts.
// Only open cases are correlation targets.
func (s CaseStatus) AcceptsAlerts() bool {
	return s == CaseStatusOpen
}

// CanTransitionTo reports whether an explicit status change is allowed.
// Closed is terminal: closed cases are never reopened.
func (s CaseStatus) CanTransitionTo(next CaseStatus) bool {
	if !next.IsValid() || s == CaseStatusClosed {
		return false
	}
	return s != next
}

// CaseSeverity is the triage severity of a case.
type CaseSeverity string

const (
	SeverityLow      CaseSeverity = "low"
	SeverityMedium   CaseSeverity = "medium"
	SeverityHigh     CaseSeverity = "high"
	SeverityCritical CaseSeverity = "critical"
)

// IsValid reports whether s is a known severity.
func (s CaseSeverity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// CaseSource records which subsystem opened a case.
type CaseSource string

const (
	CaseSourceCorrelation CaseSource = "correlation"
	CaseSourceDetection   CaseSource = "detection"
	CaseSourceManual      CaseSource = "manual"
)

// Case represents a security case for investigation
type Case struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	CorrelationKey *string      `json:"correlation_key,omitempty"`
	Source         CaseSource   `json:"source"`
	Status         CaseStatus   `json:"status"`
	Severity       CaseSeverity `json:"severity"`
	Assignee       *string      `json:"assignee,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	AlertCount     int          `json:"alert_count"` // Calculated field
}

// NewCase is the template used to open a case.
type NewCase struct {
	Title          string
	Description    string
	Severity       CaseSeverity
	CorrelationKey string
	Source         CaseSource
	Assignee       *string
}

// CaseComment is an analyst note on a case
type CaseComment struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CaseDetail is a case with its alerts and comments
type CaseDetail struct {
	*Case
	Alerts   []*Alert       `json:"alerts"`
	Comments []*CaseComment `json:"comments"`
}

// CreateCaseRequest represents the request to create a new case
type CreateCaseRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Severity    string  `json:"severity"`
	Assignee    *string `json:"assignee,omitempty"`
}

// AddCommentRequest represents the request to comment on a case
type AddCommentRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// UpdateStatusRequest represents an explicit status change
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// ListCasesRequest represents query parameters for listing cases
type ListCasesRequest struct {
	Status CaseStatus
	Limit  int
}
