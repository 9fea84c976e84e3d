// Package thumbnail renders preview images for uploaded documents. Images
// are resized in-process; other formats (PDF) go to an external renderer.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// ErrUnsupported means no renderer is configured for the source type.
var ErrUnsupported = errors.New("thumbnail: unsupported source type")

// Request describes the source to render.
type Request struct {
	Body      []byte
	MimeType  string
	SourceURL string
}

// Renderer produces JPEG thumbnail bytes.
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

// Service picks the in-process renderer for images and the remote one otherwise.
type Service struct {
	images Renderer
	remote Renderer
}

// NewService builds a Service; remote may be nil when no renderer is deployed.
func NewService(width int, remote Renderer) *Service {
	return &Service{images: NewImageRenderer(width), remote: remote}
}

func (s *Service) Render(ctx context.Context, req Request) ([]byte, error) {
	if IsImage(req.MimeType) {
		return s.images.Render(ctx, req)
	}
	if s.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.MimeType)
	}
	return s.remote.Render(ctx, req)
}

// IsImage reports whether mimeType can be decoded in-process.
func IsImage(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// ImageRenderer downsizes images with imaging.
type ImageRenderer struct {
	width int
}

func NewImageRenderer(width int) *ImageRenderer {
	if width <= 0 {
		width = 320
	}
	return &ImageRenderer{width: width}
}

func (r *ImageRenderer) Render(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", models.ErrValidation, err)
	}
	width := r.width
	if img.Bounds().Dx() < width {
		width = img.Bounds().Dx()
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
