package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the ledger.
const (
	EventContentTampered   = "ledger.integrity.content_tampered"
	EventChainBroken       = "ledger.integrity.chain_broken"
	EventSequenceGap       = "ledger.integrity.sequence_gap"
	EventCheckpointCreated = "ledger.checkpoint.published"
)

// EventTypes lists every event type a subscription may name.
var EventTypes = []string{
	EventContentTampered,
	EventChainBroken,
	EventSequenceGap,
	EventCheckpointCreated,
}

// Subscription is a configured alert endpoint. An empty Events list
// receives every event type.
type Subscription struct {
	URL    string   `json:"url"    mapstructure:"url"`
	Secret string   `json:"-"      mapstructure:"secret"` // never returned in API responses
	Events []string `json:"events" mapstructure:"events"`
}

// Wants reports whether s subscribes to eventType.
func (s Subscription) Wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is the body POSTed to subscribers.
type WebhookEvent struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// WebhookDelivery records the outcome of a single delivery attempt.
type WebhookDelivery struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	EventID      uuid.UUID `json:"event_id"      db:"event_id"`
	EventType    string    `json:"event_type"    db:"event_type"`
	URL          string    `json:"url"           db:"url"`
	StatusCode   int       `json:"status_code"   db:"status_code"`
	Attempt      int       `json:"attempt"       db:"attempt"`
	Success      bool      `json:"success"       db:"success"`
	ErrorMessage string    `json:"error_message" db:"error_message"`
	DeliveredAt  time.Time `json:"delivered_at"  db:"delivered_at"`
}
