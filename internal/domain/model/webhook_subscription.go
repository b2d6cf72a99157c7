//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WebhookSecretPrefix is the required prefix of a subscription signing secret.
// The full format is whsec_<64 lowercase hex chars>.
const WebhookSecretPrefix = "whsec_"

const webhookSecretHexLen = 64

// WebhookSubscription is a registered consumer endpoint for event deliveries.
type WebhookSubscription struct {
	ID        string `json:"id"         db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	URL    string   `json:"url"    db:"url"`
	Events []string `json:"events" db:"events"`

	// Secret signs delivery bodies. Never serialized.
	Secret string `json:"-" db:"secret"`

	// PayloadFilter is an optional JMESPath expression applied to the event
	// payload before delivery.
	PayloadFilter *string `json:"payload_filter,omitempty" db:"payload_filter"`

	Active bool `json:"active" db:"active"`

	TotalDeliveries      int64 `json:"total_deliveries"      db:"total_deliveries"`
	SuccessfulDeliveries int64 `json:"successful_deliveries" db:"successful_deliveries"`
	FailedDeliveries     int64 `json:"failed_deliveries"     db:"failed_deliveries"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	LastSucceededAt *time.Time `json:"last_succeeded_at,omitempty" db:"last_succeeded_at"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"    db:"last_failed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SubscribesTo reports whether the subscription includes the given event type.
func (s *WebhookSubscription) SubscribesTo(eventType EventType) bool {
	for _, e := range s.Events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

// CreateWebhookSubscriptionRequest carries the fields needed to register a
// subscription. When Secret is empty the data layer generates one.
type CreateWebhookSubscriptionRequest struct {
	AccountID     string   `json:"account_id"`
	URL           string   `json:"url"`
	Events        []string `json:"events"`
	Secret        string   `json:"secret,omitempty"`
	PayloadFilter *string  `json:"payload_filter,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

// Normalize normalizes the CreateWebhookSubscriptionRequest fields.
func (r *CreateWebhookSubscriptionRequest) Normalize() {
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.URL = strings.TrimSpace(r.URL)
	r.Secret = strings.TrimSpace(r.Secret)
	for i := range r.Events {
		r.Events[i] = strings.TrimSpace(r.Events[i])
	}
}

// Validate validates the CreateWebhookSubscriptionRequest fields.
func (r *CreateWebhookSubscriptionRequest) Validate() error {
	if r.AccountID == "" {
		return errors.New("account_id is required")
	}
	if err := validateSubscriptionURL(r.URL); err != nil {
		return err
	}
	if err := validateEventSet(r.Events); err != nil {
		return err
	}
	if r.Secret != "" {
		if err := ValidateWebhookSecret(r.Secret); err != nil {
			return err
		}
	}
	return nil
}

// UpdateWebhookSubscriptionRequest is an explicit partial update of the
// mutable subscription fields. Nil means "unchanged".
type UpdateWebhookSubscriptionRequest struct {
	URL           *string  `json:"url,omitempty"`
	Events        []string `json:"events,omitempty"`
	PayloadFilter *string  `json:"payload_filter,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

// Normalize normalizes the UpdateWebhookSubscriptionRequest fields.
func (r *UpdateWebhookSubscriptionRequest) Normalize() {
	if r.URL != nil {
		*r.URL = strings.TrimSpace(*r.URL)
	}
	for i := range r.Events {
		r.Events[i] = strings.TrimSpace(r.Events[i])
	}
}

// HasUpdates reports whether any field is set in UpdateWebhookSubscriptionRequest.
func (r *UpdateWebhookSubscriptionRequest) HasUpdates() bool {
	return r.URL != nil || r.Events != nil || r.PayloadFilter != nil || r.Active != nil
}

// Validate validates the UpdateWebhookSubscriptionRequest fields.
func (r *UpdateWebhookSubscriptionRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.URL != nil {
		if err := validateSubscriptionURL(strings.TrimSpace(*r.URL)); err != nil {
			return err
		}
	}
	if r.Events != nil {
		if err := validateEventSet(r.Events); err != nil {
			return err
		}
	}
	return nil
}

// GenerateWebhookSecret returns a fresh signing secret in the
// whsec_<64 hex chars> wire format.
func GenerateWebhookSecret() (string, error) {
	raw := make([]byte, webhookSecretHexLen/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return WebhookSecretPrefix + hex.EncodeToString(raw), nil
}

// ValidateWebhookSecret checks the whsec_<64 hex chars> format.
func ValidateWebhookSecret(secret string) error {
	if !strings.HasPrefix(secret, WebhookSecretPrefix) {
		return errors.New("secret must start with whsec_")
	}
	body := secret[len(WebhookSecretPrefix):]
	if len(body) != webhookSecretHexLen {
		return fmt.Errorf("secret must carry %d hex characters after the prefix", webhookSecretHexLen)
	}
	if _, err := hex.DecodeString(body); err != nil || strings.ToLower(body) != body {
		return errors.New("secret must contain only lowercase hexadecimal characters")
	}
	return nil
}

func validateSubscriptionURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("url must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url must use http or https scheme")
	}
	if parsed.Host == "" {
		return errors.New("url must have a valid host")
	}
	return nil
}

func validateEventSet(events []string) error {
	if len(events) == 0 {
		return errors.New("at least one event type is required")
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if e == "" {
			return errors.New("events cannot contain empty entries")
		}
		if !ValidEventType(EventType(e)) {
			return fmt.Errorf("unknown event type %q", e)
		}
		if seen[e] {
			return errors.New("events cannot contain duplicate entries")
		}
		seen[e] = true
	}
	return nil
}
