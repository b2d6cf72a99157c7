//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies an application event that can fan out to webhooks.
type EventType string

const (
	// EventRunCompleted fires when a scheduled job run reaches completed.
	EventRunCompleted EventType = "job.run.completed"
	// EventRunFailed fires when a run aborts at the job level.
	EventRunFailed EventType = "job.run.failed"
	// EventInvoiceValidated fires per file that passed validation.
	EventInvoiceValidated EventType = "invoice.validated"
	// EventInvoiceRejected fires per file that failed validation.
	EventInvoiceRejected EventType = "invoice.rejected"
	// EventWebhookTest is the synthetic type used by manual test-sends.
	EventWebhookTest EventType = "webhook.test"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventInvoiceValidated,
		EventInvoiceRejected, EventWebhookTest:
		return true
	default:
		return false
	}
}

// WebhookEvent is one application event before fan-out. The ID travels in
// every delivery payload so receivers can deduplicate under at-least-once
// delivery.
type WebhookEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Payload serializes the event into the delivery body format.
func (e WebhookEvent) Payload() (json.RawMessage, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return raw, nil
}
