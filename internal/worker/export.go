package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/objectstore"
)

// RecordLister lists an owner's records created in [from, to). Zero bounds
// are open.
type RecordLister interface {
	ListRecords(ctx context.Context, owner string, from, to time.Time) ([]models.Record, error)
}

// ExportHandler writes an owner's records to a CSV object. The job result
// is the object key; the owner is emailed a presigned link on completion.
type ExportHandler struct {
	records RecordLister
	objects objectstore.Store
}

func NewExportHandler(records RecordLister, objects objectstore.Store) *ExportHandler {
	return &ExportHandler{records: records, objects: objects}
}

var baseColumns = []string{"id", "title", "version", "created_at", "updated_at"}

func (h *ExportHandler) Execute(ctx context.Context, job models.Job) (Result, error) {
	var p models.ExportPayload
	if err := decodePayload(job, &p); err != nil {
		return Result{}, err
	}
	if p.Format == "" {
		p.Format = "csv"
	}
	if p.Format != "csv" {
		return Result{}, fmt.Errorf("%w: unsupported export format %q", models.ErrValidation, p.Format)
	}
	var from, to time.Time
	if p.From != nil {
		from = *p.From
	}
	if p.To != nil {
		to = *p.To
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return Result{}, fmt.Errorf("%w: export range is empty", models.ErrValidation)
	}

	recs, err := h.records.ListRecords(ctx, job.Owner, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("list records: %w", err)
	}
	body, err := RenderCSV(recs)
	if err != nil {
		return Result{}, err
	}

	key := objectstore.SanitizeKey(fmt.Sprintf("exports/%s/%s.csv", job.Owner, job.ID))
	if _, err := h.objects.Put(ctx, key, body, "text/csv"); err != nil {
		return Result{}, fmt.Errorf("upload export: %w", err)
	}
	return Result{Value: key}, nil
}

// RenderCSV writes one row per record. Field columns are the sorted union of
// all field names and follow the fixed columns.
func RenderCSV(recs []models.Record) ([]byte, error) {
	keys := map[string]struct{}{}
	for _, r := range recs {
		for k := range r.Fields {
			keys[k] = struct{}{}
		}
	}
	fieldCols := make([]string, 0, len(keys))
	for k := range keys {
		fieldCols = append(fieldCols, k)
	}
	sort.Strings(fieldCols)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(append(append([]string{}, baseColumns...), fieldCols...)); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range recs {
		row := []string{
			r.ID,
			r.Title,
			strconv.FormatInt(r.Version, 10),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for _, k := range fieldCols {
			row = append(row, cell(r.Fields[k]))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func decodePayload(job models.Job, dst any) error {
	raw := job.Payload
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", models.ErrValidation, job.Kind, err)
	}
	return nil
}
