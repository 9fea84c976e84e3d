package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"thumbs/a.jpg":        "thumbs/a.jpg",
		"/thumbs/a.jpg":       "thumbs/a.jpg",
		"../../etc/passwd":    "etc/passwd",
		"exports/u1/../x.csv": "exports/x.csv",
	}
	for in, want := range cases {
		if got := SanitizeKey(in); got != want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := NewLocalStore(dir)
	ctx := context.Background()

	key, err := st.Put(ctx, "exports/owner-1/job.csv", []byte("id,title\n"), "text/csv")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "exports", "owner-1", "job.csv")); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	body, _, err := st.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "id,title\n" {
		t.Fatalf("body = %q", body)
	}
	if _, ct, _ := st.Get(ctx, mustPut(t, st, "thumbs/r1.png")); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	url, err := st.PresignGet(ctx, key, 0)
	if err != nil || !strings.HasPrefix(url, "file://") {
		t.Fatalf("presign = %q, %v", url, err)
	}
}

func TestLocalStore_MissingIsNotFound(t *testing.T) {
	st := NewLocalStore(t.TempDir())
	if _, _, err := st.Get(context.Background(), "nope.png"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLocalStore_CannotEscapeBaseDir(t *testing.T) {
	dir := t.TempDir()
	st := NewLocalStore(filepath.Join(dir, "objects"))
	if _, err := st.Put(context.Background(), "../../escape.txt", []byte("x"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err == nil {
		t.Fatalf("key escaped the base directory")
	}
}

func mustPut(t *testing.T, st *LocalStore, key string) string {
	t.Helper()
	k, err := st.Put(context.Background(), key, []byte{0x89, 'P', 'N', 'G'}, "image/png")
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return k
}
