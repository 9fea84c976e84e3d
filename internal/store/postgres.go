package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs, deliveries, the
// inbound ledger and editable records.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", models.ErrStorage, err)
	}
	return nil
}

// OwnerEmail returns the notification address for a principal.
func (s *Store) OwnerEmail(ctx context.Context, owner string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM profiles WHERE id = $1`, owner).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: profile %s", models.ErrNotFound, owner)
	}
	if err != nil {
		return "", storageErr("query profile", err)
	}
	return email, nil
}

// OwnerForExternalID resolves which principal a provider-side identifier
// (for example a linked bank item) belongs to.
func (s *Store) OwnerForExternalID(ctx context.Context, provider, externalID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `
		SELECT owner FROM provider_links WHERE provider = $1 AND external_id = $2
	`, provider, externalID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: provider link %s/%s", models.ErrNotFound, provider, externalID)
	}
	if err != nil {
		return "", storageErr("query provider link", err)
	}
	return owner, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func intPtr(i pgtype.Int4) *int {
	if i.Valid {
		v := int(i.Int32)
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
