package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-respond/common/messaging"
)

// Publisher publishes events to NATS subjects for the respond service.
// A Publisher without a client drops every event.
type Publisher struct {
	client messaging.Publisher
}

// NewPublisher creates a new NATS publisher. client may be nil when NATS is disabled.
func NewPublisher(client messaging.Publisher) *Publisher {
	return &Publisher{client: client}
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

// PublishCaseCreated publishes a case created event.
func (p *Publisher) PublishCaseCreated(ctx context.Context, event *CaseCreatedEvent) error {
	return p.publish(ctx, messaging.SubjectRespondCasesCreated, event)
}

// PublishAlertAttached publishes an alert ingestion event.
func (p *Publisher) PublishAlertAttached(ctx context.Context, event *AlertAttachedEvent) error {
	return p.publish(ctx, messaging.SubjectRespondAlertsCreated, event)
}

// PublishCaseUpdated publishes a case updated event.
func (p *Publisher) PublishCaseUpdated(ctx context.Context, event *CaseUpdatedEvent) error {
	return p.publish(ctx, messaging.SubjectRespondCasesUpdated, event)
}

// publish marshals data to JSON and publishes to the specified subject.
func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	if !p.Enabled() {
		return nil
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, subject, bytes); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
