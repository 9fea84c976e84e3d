package webhookverify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type staticResolver map[string]*ecdsa.PublicKey

func (s staticResolver) Resolve(_ context.Context, kid string) (*ecdsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, errors.New("unknown kid")
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func bodyHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, kid string, iat time.Time, digest string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat":                 iat.Unix(),
		"request_body_sha256": digest,
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func headerWith(token string) http.Header {
	h := http.Header{}
	h.Set(DefaultHeader, token)
	return h
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerify_Valid(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)
	v := New(staticResolver{"kid-1": &key.PublicKey}, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))

	ev, err := v.Verify(context.Background(), body, headerWith(signES256(t, key, "kid-1", now.Add(-time.Minute), bodyHash(body))))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.KeyID != "kid-1" || ev.Digest != bodyHash(body) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Payload["item_id"] != "item-1" {
		t.Fatalf("payload not parsed: %v", ev.Payload)
	}
	if !bytes.Equal(ev.Raw, body) {
		t.Fatalf("raw body not preserved")
	}
}

func TestVerify_RejectionsAreOpaque(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	now := time.Now()
	body := []byte(`{"item_id":"item-1"}`)
	digest := bodyHash(body)

	hsToken := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": now.Unix(), "request_body_sha256": digest})
		tok.Header["kid"] = "kid-1"
		s, err := tok.SignedString([]byte("attacker-chosen"))
		if err != nil {
			t.Fatalf("sign hs256: %v", err)
		}
		return s
	}
	noneToken := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iat": now.Unix(), "request_body_sha256": digest})
		tok.Header["kid"] = "kid-1"
		s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign none: %v", err)
		}
		return s
	}

	cases := []struct {
		name   string
		body   []byte
		header http.Header
	}{
		{"tampered body", []byte(`{"item_id":"item-2"}`), headerWith(signES256(t, key, "kid-1", now, digest))},
		{"unpinned algorithm", body, headerWith(hsToken())},
		{"none algorithm", body, headerWith(noneToken())},
		{"missing token", body, http.Header{}},
		{"garbage token", body, headerWith("not.a.jwt")},
		{"unknown kid", body, headerWith(signES256(t, key, "kid-9", now, digest))},
		{"wrong signing key", body, headerWith(signES256(t, other, "kid-1", now, digest))},
		{"too old", body, headerWith(signES256(t, key, "kid-1", now.Add(-6*time.Minute), digest))},
		{"issued in future", body, headerWith(signES256(t, key, "kid-1", now.Add(time.Hour), digest))},
	}

	v := New(staticResolver{"kid-1": &key.PublicKey}, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	var messages []string
	for _, tc := range cases {
		_, err := v.Verify(context.Background(), tc.body, tc.header)
		if !errors.Is(err, ErrRejected) {
			t.Errorf("%s: expected ErrRejected, got %v", tc.name, err)
			continue
		}
		messages = append(messages, err.Error())
	}
	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Fatalf("rejection messages differ: %q vs %q", messages[0], messages[i])
		}
	}
}

func TestVerify_NonObjectBodyRejected(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	body := []byte(`[1,2,3]`)
	v := New(staticResolver{"kid-1": &key.PublicKey}, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	if _, err := v.Verify(context.Background(), body, headerWith(signES256(t, key, "kid-1", now, bodyHash(body)))); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestVerify_CustomHeader(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	body := []byte(`{}`)
	v := New(staticResolver{"k": &key.PublicKey}, WithHeader("X-Signature-Token"), WithMaxAge(time.Minute),
		WithClock(func() time.Time { return now }), WithLogger(quietLogger()))

	h := http.Header{}
	h.Set("X-Signature-Token", signES256(t, key, "k", now, bodyHash(body)))
	if _, err := v.Verify(context.Background(), body, h); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

type forgettingResolver struct {
	staticResolver
	forgotten []string
}

func (f *forgettingResolver) Forget(kid string) { f.forgotten = append(f.forgotten, kid) }

func TestVerify_BadSignatureForgetsCachedKey(t *testing.T) {
	stale, current := newKey(t), newKey(t)
	now := time.Now()
	body := []byte(`{"item_id":"item-1"}`)
	r := &forgettingResolver{staticResolver: staticResolver{"kid-1": &stale.PublicKey}}
	v := New(r, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))

	_, err := v.Verify(context.Background(), body, headerWith(signES256(t, current, "kid-1", now, bodyHash(body))))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(r.forgotten) != 1 || r.forgotten[0] != "kid-1" {
		t.Fatalf("forgotten = %v", r.forgotten)
	}

	_, err = v.Verify(context.Background(), body, headerWith(signES256(t, stale, "kid-1", now, "00")))
	if !errors.Is(err, ErrRejected) || len(r.forgotten) != 1 {
		t.Fatalf("digest mismatch must not evict the key: %v %v", err, r.forgotten)
	}
}
