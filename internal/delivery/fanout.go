package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

// FanoutStore is the persistence Fanout needs.
type FanoutStore interface {
	ListSubscribedEndpoints(ctx context.Context, owner, event string) ([]models.Endpoint, error)
	InsertDeliveries(ctx context.Context, deliveries []models.Delivery) ([]models.Delivery, error)
}

// Fanout turns one event into one queued delivery per subscribed endpoint.
type Fanout struct {
	store  FanoutStore
	logger *slog.Logger
}

func NewFanout(st FanoutStore, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{store: st, logger: logger}
}

// Enqueue creates deliveries for owner's active endpoints subscribed to event
// and returns how many were created.
func (f *Fanout) Enqueue(ctx context.Context, owner, event string, payload json.RawMessage) (int, error) {
	endpoints, err := f.store.ListSubscribedEndpoints(ctx, owner, event)
	if err != nil {
		return 0, fmt.Errorf("list endpoints: %w", err)
	}
	rows := make([]models.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		if !ep.Subscribed(event) {
			continue
		}
		rows = append(rows, models.Delivery{
			EndpointID: ep.ID,
			Owner:      owner,
			Event:      event,
			Payload:    payload,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	inserted, err := f.store.InsertDeliveries(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("insert deliveries: %w", err)
	}
	telemetry.DeliveriesQueued.Add(float64(len(inserted)))
	f.logger.Info("deliveries enqueued", "owner", owner, "event", event, "count", len(inserted))
	return len(inserted), nil
}
