// Package records guards collaborative edits with optimistic concurrency and
// tracks advisory presence for the editor UI.
package records

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/telemetry"
)

// SystemOwner skips the ownership check. Used by background jobs acting on
// behalf of the record owner.
const SystemOwner = ""

// Store is the persistence the controller needs.
type Store interface {
	GetRecord(ctx context.Context, id string) (models.Record, error)
	SwapRecordFields(ctx context.Context, id string, ifVersion int64, mutate models.RecordMutation) (models.Record, bool, error)
	ListVersions(ctx context.Context, recordID string) ([]models.Version, error)
	GetVersion(ctx context.Context, recordID, versionID string) (models.Version, error)
}

// ConflictError carries the authoritative record so the caller can rebase.
type ConflictError struct {
	Current models.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: record %s is at version %d", e.Current.ID, e.Current.Version)
}

func (e *ConflictError) Unwrap() error { return models.ErrConflict }

// Controller applies patches conditioned on the caller's version token.
type Controller struct {
	store  Store
	logger *slog.Logger
}

func NewController(st Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, logger: logger}
}

// Get returns a record if owner may see it.
func (c *Controller) Get(ctx context.Context, owner, id string) (models.Record, error) {
	rec, err := c.store.GetRecord(ctx, id)
	if err != nil {
		return models.Record{}, err
	}
	if !visible(rec, owner) {
		return models.Record{}, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	return rec, nil
}

// Versions lists the record's history, oldest first.
func (c *Controller) Versions(ctx context.Context, owner, id string) ([]models.Version, error) {
	if _, err := c.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return c.store.ListVersions(ctx, id)
}

// Update merges patch into the record's fields if the stored version still
// equals ifVersion. A nil patch value removes the key. On a version mismatch
// nothing is written and a *ConflictError with the current record is
// returned. A patch that changes nothing returns the record as is.
func (c *Controller) Update(ctx context.Context, owner, id string, patch map[string]any, ifVersion int64, actor string) (models.Record, error) {
	if len(patch) == 0 {
		return models.Record{}, fmt.Errorf("%w: empty patch", models.ErrValidation)
	}
	for k := range patch {
		if k == "" {
			return models.Record{}, fmt.Errorf("%w: empty field name", models.ErrValidation)
		}
	}
	if actor == "" {
		return models.Record{}, fmt.Errorf("%w: actor is required", models.ErrValidation)
	}

	rec, applied, err := c.store.SwapRecordFields(ctx, id, ifVersion, func(current models.Record) (map[string]any, *models.Version, error) {
		if !visible(current, owner) {
			return nil, nil, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
		}
		fields, version := Apply(current.Fields, patch)
		if version == nil {
			return nil, nil, nil
		}
		version.RecordID = id
		version.Actor = actor
		return fields, version, nil
	})
	if err != nil {
		return models.Record{}, err
	}
	if !visible(rec, owner) {
		return models.Record{}, fmt.Errorf("%w: record %s", models.ErrNotFound, id)
	}
	if !applied {
		telemetry.RecordConflicts.Inc()
		c.logger.Info("record update conflict", "record_id", id, "if_version", ifVersion, "current_version", rec.Version, "actor", actor)
		return models.Record{}, &ConflictError{Current: rec}
	}
	if rec.Version != ifVersion {
		telemetry.RecordUpdates.Inc()
		c.logger.Info("record updated", "record_id", id, "version", rec.Version, "actor", actor)
	}
	return rec, nil
}

// Revert restores the values a version replaced. It is a forward mutation:
// a new Version is appended and the reverted one is left untouched.
func (c *Controller) Revert(ctx context.Context, owner, id, versionID string, ifVersion int64, actor string) (models.Record, error) {
	if _, err := c.Get(ctx, owner, id); err != nil {
		return models.Record{}, err
	}
	v, err := c.store.GetVersion(ctx, id, versionID)
	if err != nil {
		return models.Record{}, err
	}
	patch := make(map[string]any, len(v.ChangedKeys))
	for _, k := range v.ChangedKeys {
		patch[k] = v.Before[k]
	}
	if len(patch) == 0 {
		return c.Get(ctx, owner, id)
	}
	return c.Update(ctx, owner, id, patch, ifVersion, actor)
}

// Apply merges patch into fields and returns the new field set and the
// Version describing the change, or a nil Version when nothing changed.
// Before and After hold only the changed keys; a key absent on one side was
// absent from the record.
func Apply(fields, patch map[string]any) (map[string]any, *models.Version) {
	next := make(map[string]any, len(fields)+len(patch))
	for k, v := range fields {
		next[k] = v
	}
	before := map[string]any{}
	after := map[string]any{}
	var changed []string
	for k, v := range patch {
		old, had := fields[k]
		if v == nil {
			if !had {
				continue
			}
			delete(next, k)
			before[k] = old
			changed = append(changed, k)
			continue
		}
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		next[k] = v
		if had {
			before[k] = old
		}
		after[k] = v
		changed = append(changed, k)
	}
	if len(changed) == 0 {
		return fields, nil
	}
	sort.Strings(changed)
	return next, &models.Version{Before: before, After: after, ChangedKeys: changed}
}

func visible(rec models.Record, owner string) bool {
	return owner == SystemOwner || rec.Owner == owner
}
