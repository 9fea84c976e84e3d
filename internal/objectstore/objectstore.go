// Package objectstore stores source documents, derived thumbnails and export
// artifacts in S3 or, for local development, on disk.
package objectstore

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// Store is the object-storage collaborator used by job handlers.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// SanitizeKey normalizes a key so it cannot escape its prefix.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
