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

const recordColumns = `id, owner, title, fields, object_key, thumbnail_key, version, created_at, updated_at`

const versionColumns = `id, record_id, seq, before, after, changed_keys, actor, created_at`

// CreateRecord inserts a record at version 1.
func (s *Store) CreateRecord(ctx context.Context, rec models.Record) (models.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return models.Record{}, fmt.Errorf("%w: marshal fields: %v", models.ErrValidation, err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO records (id, owner, title, fields, object_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
		RETURNING `+recordColumns,
		rec.ID, rec.Owner, rec.Title, fields, rec.ObjectKey)
	out, err := scanRecord(row)
	if err != nil {
		return models.Record{}, storageErr("insert record", err)
	}
	return out, nil
}

// GetRecord fetches a record with its current version token.
func (s *Store) GetRecord(ctx context.Context, id string) (models.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Record{}, storageErr("scan record", err)
	}
	return rec, nil
}

// ListRecords returns the owner's records created within [from, to), oldest first.
// Zero bounds are open.
func (s *Store) ListRecords(ctx context.Context, owner string, from, to time.Time) ([]models.Record, error) {
	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at ASC
	`, owner, fromArg, toArg)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return out, nil
}

// SwapRecordFields is the compare-and-swap behind optimistic concurrency.
// The row is locked for the duration of the transaction; if its version no
// longer equals ifVersion the current record is returned with applied=false
// and nothing is written. Otherwise the mutation runs against the locked row,
// the fields and version advance, and the Version entry is appended in the
// same transaction.
func (s *Store) SwapRecordFields(ctx context.Context, id string, ifVersion int64, mutate models.RecordMutation) (models.Record, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Record{}, false, storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, false, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Record{}, false, storageErr("lock record", err)
	}
	if current.Version != ifVersion {
		return current, false, nil
	}

	fields, version, err := mutate(current)
	if err != nil {
		return models.Record{}, false, err
	}
	if version == nil {
		return current, true, nil
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return models.Record{}, false, fmt.Errorf("%w: marshal fields: %v", models.ErrValidation, err)
	}
	updated, err := scanRecord(tx.QueryRow(ctx, `
		UPDATE records
		SET fields = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+recordColumns,
		id, ifVersion, fieldsJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		return current, false, nil
	}
	if err != nil {
		return models.Record{}, false, storageErr("update record", err)
	}

	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	before, err := json.Marshal(version.Before)
	if err != nil {
		return models.Record{}, false, fmt.Errorf("%w: marshal before: %v", models.ErrValidation, err)
	}
	after, err := json.Marshal(version.After)
	if err != nil {
		return models.Record{}, false, fmt.Errorf("%w: marshal after: %v", models.ErrValidation, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO record_versions (id, record_id, seq, before, after, changed_keys, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, version.ID, id, updated.Version, before, after, version.ChangedKeys, version.Actor); err != nil {
		return models.Record{}, false, storageErr("insert version", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Record{}, false, storageErr("commit", err)
	}
	return updated, true, nil
}

// SetRecordThumbnail attaches a derived thumbnail. It does not advance the
// version because the thumbnail is not user-editable content.
func (s *Store) SetRecordThumbnail(ctx context.Context, id, key string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE records SET thumbnail_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return storageErr("set thumbnail", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	return nil
}

// ListVersions returns the record's history, oldest first.
func (s *Store) ListVersions(ctx context.Context, recordID string) ([]models.Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+` FROM record_versions WHERE record_id = $1 ORDER BY seq ASC
	`, recordID)
	if err != nil {
		return nil, storageErr("list versions", err)
	}
	defer rows.Close()

	var out []models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, storageErr("scan version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate versions", err)
	}
	return out, nil
}

// GetVersion fetches a single history entry of a record.
func (s *Store) GetVersion(ctx context.Context, recordID, versionID string) (models.Version, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM record_versions WHERE record_id = $1 AND id = $2
	`, recordID, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Version{}, fmt.Errorf("%w: version %s", models.ErrNotFound, versionID)
	}
	if err != nil {
		return models.Version{}, storageErr("scan version", err)
	}
	return v, nil
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		rec              models.Record
		fields           []byte
		objectKey, thumb pgtype.Text
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &rec.Title, &fields, &objectKey, &thumb, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return models.Record{}, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return models.Record{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	rec.ObjectKey = textPtr(objectKey)
	rec.ThumbnailKey = textPtr(thumb)
	return rec, nil
}

func scanVersion(row rowScanner) (models.Version, error) {
	var (
		v             models.Version
		before, after []byte
	)
	if err := row.Scan(&v.ID, &v.RecordID, &v.Seq, &before, &after, &v.ChangedKeys, &v.Actor, &v.CreatedAt); err != nil {
		return models.Version{}, err
	}
	if err := json.Unmarshal(before, &v.Before); err != nil {
		return models.Version{}, fmt.Errorf("unmarshal before: %w", err)
	}
	if err := json.Unmarshal(after, &v.After); err != nil {
		return models.Version{}, fmt.Errorf("unmarshal after: %w", err)
	}
	return v, nil
}
