package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

const deliveryColumns = `id, endpoint_id, owner, event, payload, status, attempts, next_attempt_at,
	claimed_at, response_status, error, created_at`

// InsertDeliveries queues one delivery row per element in a single batch.
// Missing ids are generated.
func (s *Store) InsertDeliveries(ctx context.Context, deliveries []models.Delivery) ([]models.Delivery, error) {
	if len(deliveries) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	out := make([]models.Delivery, len(deliveries))
	for i, d := range deliveries {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if len(d.Payload) == 0 {
			d.Payload = json.RawMessage(`{}`)
		}
		d.Status = models.DeliveryQueued
		d.Attempts = 0
		out[i] = d
		batch.Queue(`
			INSERT INTO webhook_deliveries (id, endpoint_id, owner, event, payload, status, attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
		`, d.ID, d.EndpointID, d.Owner, d.Event, []byte(d.Payload), d.Status)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range deliveries {
		if _, err := br.Exec(); err != nil {
			return nil, storageErr("insert delivery", err)
		}
	}
	return out, nil
}

// ClaimDeliveries atomically marks up to limit eligible deliveries as sending.
// Deliveries stuck in sending longer than staleAfter are re-claimed.
func (s *Store) ClaimDeliveries(ctx context.Context, limit int, staleAfter time.Duration) ([]models.Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	reclaim := staleAfter > 0
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE webhook_deliveries
			SET status = 'sending', claimed_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM webhook_deliveries
				WHERE (status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
				   OR ($2 AND status = 'sending' AND claimed_at <= $3)
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $1
			)
			RETURNING `+deliveryColumns+`
		)
		SELECT `+deliveryColumns+` FROM claimed ORDER BY created_at ASC`,
		limit, reclaim, cutoff)
	if err != nil {
		return nil, storageErr("claim deliveries", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, storageErr("scan delivery", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate deliveries", err)
	}
	return out, nil
}

// MarkDeliveryOK records a successful POST. Like the other outcome writes it
// only applies to a delivery still in sending and reports whether it did.
func (s *Store) MarkDeliveryOK(ctx context.Context, id string, attempts int, responseStatus int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, response_status = $4, error = NULL, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, models.DeliveryOK, attempts, responseStatus)
	if err != nil {
		return false, storageErr("mark delivery ok", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryDelivery records a failed POST and schedules the next attempt.
func (s *Store) RetryDelivery(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, responseStatus *int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, next_attempt_at = $4, response_status = $5, error = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, models.DeliveryQueued, attempts, nextAttemptAt, responseStatus, lastErr)
	if err != nil {
		return false, storageErr("retry delivery", err)
	}
	return tag.RowsAffected() == 1, nil
}

// KillDelivery marks a delivery dead: its final POST failed, its endpoint is
// gone, or its payload can never be sent.
func (s *Store) KillDelivery(ctx context.Context, id string, attempts int, responseStatus *int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, next_attempt_at = NULL, response_status = $4, error = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, models.DeliveryDead, attempts, responseStatus, lastErr)
	if err != nil {
		return false, storageErr("kill delivery", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDelivery fetches a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (models.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Delivery{}, fmt.Errorf("%w: delivery %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Delivery{}, storageErr("scan delivery", err)
	}
	return d, nil
}

func scanDelivery(row rowScanner) (models.Delivery, error) {
	var (
		d                  models.Delivery
		payload            []byte
		nextAttempt, claim pgtype.Timestamptz
		respStatus         pgtype.Int4
		lastErr            pgtype.Text
	)
	if err := row.Scan(&d.ID, &d.EndpointID, &d.Owner, &d.Event, &payload, &d.Status, &d.Attempts,
		&nextAttempt, &claim, &respStatus, &lastErr, &d.CreatedAt); err != nil {
		return models.Delivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	d.NextAttemptAt = timePtr(nextAttempt)
	d.ClaimedAt = timePtr(claim)
	d.ResponseStatus = intPtr(respStatus)
	d.Error = textPtr(lastErr)
	return d, nil
}
