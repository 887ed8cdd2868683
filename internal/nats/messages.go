// Package nats publishes case lifecycle events for downstream consumers.
package nats

import (
	"time"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

// CaseCreatedEvent is published to respond.cases.created when a case opens.
type CaseCreatedEvent struct {
	CaseID         string    `json:"case_id"`
	Title          string    `json:"title"`
	Severity       string    `json:"severity"`
	CorrelationKey string    `json:"correlation_key,omitempty"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// AlertAttachedEvent is published to respond.alerts.created when an alert
// is ingested into a case.
type AlertAttachedEvent struct {
	AlertID   string    `json:"alert_id"`
	CaseID    string    `json:"case_id"`
	Signature string    `json:"signature"`
	Severity  string    `json:"severity"`
	SourceIP  string    `json:"source_ip"`
	Timestamp time.Time `json:"timestamp"`
}

// CaseUpdatedEvent is published to respond.cases.updated on a status change.
type CaseUpdatedEvent struct {
	CaseID    string    `json:"case_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewCaseCreatedEvent(c *models.Case) *CaseCreatedEvent {
	ev := &CaseCreatedEvent{
		CaseID:    c.ID,
		Title:     c.Title,
		Severity:  string(c.Severity),
		Source:    string(c.Source),
		CreatedAt: c.CreatedAt,
	}
	if c.CorrelationKey != nil {
		ev.CorrelationKey = *c.CorrelationKey
	}
	return ev
}

func NewAlertAttachedEvent(a *models.Alert) *AlertAttachedEvent {
	ev := &AlertAttachedEvent{
		AlertID:   a.AlertID,
		Signature: a.Signature,
		Severity:  a.Severity,
		SourceIP:  a.SourceIP,
		Timestamp: a.Timestamp,
	}
	if a.CaseID != nil {
		ev.CaseID = *a.CaseID
	}
	return ev
}

func NewCaseUpdatedEvent(c *models.Case) *CaseUpdatedEvent {
	return &CaseUpdatedEvent{
		CaseID:    c.ID,
		Status:    string(c.Status),
		UpdatedAt: c.UpdatedAt,
	}
}
