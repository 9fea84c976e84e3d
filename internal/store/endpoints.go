package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

const endpointColumns = `id, owner, url, secret, events, active, created_at`

// CreateEndpoint registers a subscriber endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, ep models.Endpoint) (models.Endpoint, error) {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.Events == nil {
		ep.Events = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (id, owner, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		RETURNING `+endpointColumns,
		ep.ID, ep.Owner, ep.URL, ep.Secret, ep.Events)
	out, err := scanEndpoint(row)
	if err != nil {
		return models.Endpoint{}, storageErr("insert endpoint", err)
	}
	return out, nil
}

// GetEndpoint fetches an endpoint regardless of its active flag.
func (s *Store) GetEndpoint(ctx context.Context, id string) (models.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Endpoint{}, fmt.Errorf("%w: endpoint %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Endpoint{}, storageErr("scan endpoint", err)
	}
	return ep, nil
}

// ListEndpoints returns all of the owner's endpoints.
func (s *Store) ListEndpoints(ctx context.Context, owner string) ([]models.Endpoint, error) {
	return s.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints WHERE owner = $1 ORDER BY created_at
	`, owner)
}

// ListSubscribedEndpoints returns the owner's active endpoints subscribed to event.
func (s *Store) ListSubscribedEndpoints(ctx context.Context, owner, event string) ([]models.Endpoint, error) {
	return s.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE owner = $1 AND active AND $2 = ANY(events)
		ORDER BY created_at
	`, owner, event)
}

// DeactivateEndpoint stops future fan-out to an endpoint. Deliveries already
// queued for it are still attempted.
func (s *Store) DeactivateEndpoint(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints SET active = FALSE WHERE id = $1 AND owner = $2
	`, id, owner)
	if err != nil {
		return storageErr("deactivate endpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: endpoint %s", models.ErrNotFound, id)
	}
	return nil
}

func (s *Store) queryEndpoints(ctx context.Context, sql string, args ...any) ([]models.Endpoint, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr("query endpoints", err)
	}
	defer rows.Close()

	var out []models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, storageErr("scan endpoint", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate endpoints", err)
	}
	return out, nil
}

func scanEndpoint(row rowScanner) (models.Endpoint, error) {
	var ep models.Endpoint
	if err := row.Scan(&ep.ID, &ep.Owner, &ep.URL, &ep.Secret, &ep.Events, &ep.Active, &ep.CreatedAt); err != nil {
		return models.Endpoint{}, err
	}
	return ep, nil
}
