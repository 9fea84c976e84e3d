package store

import (
	"context"
	"fmt"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// InsertInboundEvent records the first sighting of a provider body digest.
// A unique violation on (provider, body_hash) is reported as models.ErrConflict
// so callers can tell a replay apart from a storage failure.
func (s *Store) InsertInboundEvent(ctx context.Context, provider, bodyHash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_events (provider, body_hash, received_at) VALUES ($1, $2, NOW())
	`, provider, bodyHash)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: inbound event %s/%s already recorded", models.ErrConflict, provider, bodyHash)
		}
		return storageErr("insert inbound event", err)
	}
	return nil
}

// DeleteInboundEvent releases a ledger row so a provider retry is processed
// again. Only used when the action behind a first sighting failed.
func (s *Store) DeleteInboundEvent(ctx context.Context, provider, bodyHash string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM inbound_events WHERE provider = $1 AND body_hash = $2
	`, provider, bodyHash); err != nil {
		return storageErr("delete inbound event", err)
	}
	return nil
}
