package models

import (
	"encoding/json"
	"time"
)

// Delivery statuses. ok and dead are terminal.
const (
	DeliveryQueued  = "queued"
	DeliverySending = "sending"
	DeliveryOK      = "ok"
	DeliveryDead    = "dead"
)

// DefaultDeliveryMaxAttempts is the attempt count at which a delivery is declared dead.
const DefaultDeliveryMaxAttempts = 8

// Delivery is one outbound POST of an event to one subscriber endpoint.
type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	Owner          string          `json:"owner"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Endpoint is a subscriber registration.
type Endpoint struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribed reports whether the endpoint should receive event.
func (e Endpoint) Subscribed(event string) bool {
	if !e.Active {
		return false
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}
