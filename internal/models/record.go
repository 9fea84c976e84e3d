package models

import "time"

// Record is a collaboratively edited document (a receipt, an invoice scan).
// Version is the optimistic lock token; it advances on every mutation.
type Record struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner"`
	Title        string         `json:"title"`
	Fields       map[string]any `json:"fields"`
	ObjectKey    *string        `json:"object_key,omitempty"`
	ThumbnailKey *string        `json:"thumbnail_key,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Version is an immutable audit entry appended on each record mutation.
type Version struct {
	ID          string         `json:"id"`
	RecordID    string         `json:"record_id"`
	Seq         int64          `json:"seq"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
	ChangedKeys []string       `json:"changed_keys"`
	Actor       string         `json:"actor"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordMutation computes the new field set from the locked current record.
// Returning a nil Version means nothing changed and no write happens.
type RecordMutation func(current Record) (fields map[string]any, version *Version, err error)

// InboundEvent is a row in the idempotency ledger.
type InboundEvent struct {
	Provider   string    `json:"provider"`
	BodyHash   string    `json:"body_hash"`
	ReceivedAt time.Time `json:"received_at"`
}
