// Package idempotency suppresses duplicate inbound provider events by
// recording a digest of each raw body in a uniquely-keyed ledger.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Ledger persists (provider, digest) pairs under a uniqueness constraint.
// Insert must return an error wrapping models.ErrConflict on a duplicate.
type Ledger interface {
	InsertInboundEvent(ctx context.Context, provider, bodyHash string) error
	DeleteInboundEvent(ctx context.Context, provider, bodyHash string) error
}

// Admission is the outcome of Admit.
type Admission struct {
	Provider    string
	Digest      string
	Accepted    bool
	AlreadySeen bool
}

// Guard admits each distinct raw body once per provider.
type Guard struct {
	ledger Ledger
}

func NewGuard(ledger Ledger) *Guard {
	return &Guard{ledger: ledger}
}

// Digest is the hex SHA-256 of the exact bytes received, before any parsing.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Admit records the body digest. A first sighting returns Accepted; a replay
// returns AlreadySeen with a nil error. Any other ledger failure is returned.
func (g *Guard) Admit(ctx context.Context, provider string, raw []byte) (Admission, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return Admission{}, fmt.Errorf("%w: provider is required", models.ErrValidation)
	}
	adm := Admission{Provider: provider, Digest: Digest(raw)}
	err := g.ledger.InsertInboundEvent(ctx, provider, adm.Digest)
	switch {
	case err == nil:
		adm.Accepted = true
		return adm, nil
	case errors.Is(err, models.ErrConflict):
		adm.AlreadySeen = true
		return adm, nil
	default:
		return Admission{}, fmt.Errorf("admit inbound event: %w", err)
	}
}

// Release forgets an accepted admission so that the provider's next retry of
// the same body is processed. Call it only when handling the first sighting
// failed; releasing a replay would let the duplicate through.
func (g *Guard) Release(ctx context.Context, adm Admission) error {
	if !adm.Accepted {
		return nil
	}
	if err := g.ledger.DeleteInboundEvent(ctx, adm.Provider, adm.Digest); err != nil {
		return fmt.Errorf("release inbound event: %w", err)
	}
	return nil
}
