package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// LocalStore keeps objects under a directory; used in development and tests.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./objects"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(SanitizeKey(key)))
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: create dirs: %v", models.ErrStorage, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("%w: write file: %v", models.ErrStorage, err)
	}
	return SanitizeKey(key), nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, string, error) {
	body, err := os.ReadFile(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: read file: %v", models.ErrStorage, err)
	}
	return body, mime.TypeByExtension(filepath.Ext(key)), nil
}

// PresignGet returns a file URL; local objects have no expiry.
func (l *LocalStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	abs, err := filepath.Abs(l.path(key))
	if err != nil {
		return "", fmt.Errorf("%w: resolve path: %v", models.ErrStorage, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
