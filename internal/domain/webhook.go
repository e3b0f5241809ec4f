package domain

import "time"

// WebhookEvent is the durable dedup record for one gateway notification.
// Uniqueness is enforced on (Gateway, EventID).
type WebhookEvent struct {
	ID          string
	Gateway     string
	EventID     string
	EventType   string
	OrderID     string
	Payload     map[string]any
	Processed   bool
	ProcessedAt *time.Time
	ReceivedAt  time.Time
}
