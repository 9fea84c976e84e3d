package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/objectstore"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/ocr"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/thumbnail"
)

// OCRActor is recorded on versions written by document analysis.
const OCRActor = "system:ocr"

const maxRebase = 3

// RecordEditor is the slice of the records controller the handler uses.
type RecordEditor interface {
	Get(ctx context.Context, owner, id string) (models.Record, error)
	Update(ctx context.Context, owner, id string, patch map[string]any, ifVersion int64, actor string) (models.Record, error)
}

// ThumbnailSetter attaches a derived thumbnail to a record.
type ThumbnailSetter interface {
	SetRecordThumbnail(ctx context.Context, id, key string) error
}

// DocumentHandler analyzes an uploaded document: it fetches the source,
// extracts fields with OCR, writes them through the records controller and
// stores a thumbnail. The job result is the thumbnail key.
type DocumentHandler struct {
	objects    objectstore.Store
	analyzer   ocr.Analyzer
	editor     RecordEditor
	renderer   thumbnail.Renderer
	thumbs     ThumbnailSetter
	presignTTL time.Duration
	logger     *slog.Logger
}

func NewDocumentHandler(objects objectstore.Store, analyzer ocr.Analyzer, editor RecordEditor, renderer thumbnail.Renderer, thumbs ThumbnailSetter, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{
		objects:    objects,
		analyzer:   analyzer,
		editor:     editor,
		renderer:   renderer,
		thumbs:     thumbs,
		presignTTL: 15 * time.Minute,
		logger:     logger,
	}
}

func (h *DocumentHandler) Execute(ctx context.Context, job models.Job) (Result, error) {
	var p models.DocumentPayload
	if err := decodePayload(job, &p); err != nil {
		return Result{}, err
	}
	if p.RecordID == "" || p.ObjectKey == "" {
		return Result{}, fmt.Errorf("%w: record_id and object_key are required", models.ErrValidation)
	}

	rec, err := h.editor.Get(ctx, records.SystemOwner, p.RecordID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		return Result{}, err
	}
	if rec.Owner != job.Owner {
		return Result{}, fmt.Errorf("%w: record %s does not belong to job owner", models.ErrValidation, p.RecordID)
	}

	body, contentType, err := h.objects.Get(ctx, p.ObjectKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: source %s: %v", models.ErrValidation, p.ObjectKey, err)
		}
		return Result{}, fmt.Errorf("fetch source: %w", err)
	}
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = contentType
	}

	fields, err := h.analyzer.Analyze(ctx, body, mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("analyze document: %w", err)
	}
	if err := h.writeFields(ctx, rec, fields); err != nil {
		return Result{}, err
	}

	key, err := h.thumbnail(ctx, p, body, mimeType)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: key}, nil
}

// writeFields applies OCR output, rebasing onto concurrent edits a few times.
// A key someone else changed since rec was read is theirs; it is dropped
// from the patch rather than overwritten.
func (h *DocumentHandler) writeFields(ctx context.Context, rec models.Record, fields map[string]any) error {
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "" && v != nil {
			patch[k] = v
		}
	}
	base, version := rec.Fields, rec.Version
	for i := 0; i < maxRebase; i++ {
		if len(patch) == 0 {
			return nil
		}
		_, err := h.editor.Update(ctx, records.SystemOwner, rec.ID, patch, version, OCRActor)
		var conflict *records.ConflictError
		if errors.As(err, &conflict) {
			for k := range patch {
				if !reflect.DeepEqual(base[k], conflict.Current.Fields[k]) {
					h.logger.Info("ocr field edited concurrently, keeping edit", "record_id", rec.ID, "field", k)
					delete(patch, k)
				}
			}
			base, version = conflict.Current.Fields, conflict.Current.Version
			continue
		}
		if err != nil {
			return fmt.Errorf("write ocr fields: %w", err)
		}
		return nil
	}
	return fmt.Errorf("write ocr fields: record %s kept changing", rec.ID)
}

func (h *DocumentHandler) thumbnail(ctx context.Context, p models.DocumentPayload, body []byte, mimeType string) (string, error) {
	if h.renderer == nil {
		return "", nil
	}
	req := thumbnail.Request{Body: body, MimeType: mimeType}
	if !thumbnail.IsImage(mimeType) {
		url, err := h.objects.PresignGet(ctx, p.ObjectKey, h.presignTTL)
		if err != nil {
			return "", fmt.Errorf("presign source: %w", err)
		}
		req.SourceURL = url
	}

	thumb, err := h.renderer.Render(ctx, req)
	if errors.Is(err, thumbnail.ErrUnsupported) {
		h.logger.Info("no thumbnail renderer for source", "record_id", p.RecordID, "mime_type", mimeType)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("render thumbnail: %w", err)
	}

	key := objectstore.SanitizeKey(fmt.Sprintf("thumbnails/%s.jpg", p.RecordID))
	if _, err := h.objects.Put(ctx, key, thumb, "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	if err := h.thumbs.SetRecordThumbnail(ctx, p.RecordID, key); err != nil {
		return "", fmt.Errorf("attach thumbnail: %w", err)
	}
	return key, nil
}
