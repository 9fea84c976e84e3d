// Package webhookverify authenticates inbound provider webhooks that carry a
// detached ES256 JWT whose claims bind the SHA-256 of the raw request body.
package webhookverify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// DefaultHeader carries the detached signature token.
const DefaultHeader = "Plaid-Verification"

// PinnedAlgorithm is the only signing algorithm accepted.
const PinnedAlgorithm = "ES256"

// clockSkew tolerates a provider clock slightly ahead of ours.
const clockSkew = 5 * time.Second

// ErrRejected is returned for every verification failure. The reason is
// logged, never returned.
var ErrRejected = fmt.Errorf("%w: webhook verification failed", models.ErrUnauthorized)

// VerifiedEvent is an authenticated inbound event.
type VerifiedEvent struct {
	Payload  map[string]any
	Raw      []byte
	Digest   string
	KeyID    string
	IssuedAt time.Time
}

type bodyClaims struct {
	jwt.RegisteredClaims
	RequestBodySHA256 string `json:"request_body_sha256"`
}

// Verifier checks tokens against keys from a KeyResolver.
type Verifier struct {
	resolver KeyResolver
	header   string
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHeader overrides the header that carries the token.
func WithHeader(name string) Option {
	return func(v *Verifier) { v.header = name }
}

// WithMaxAge bounds how old a token's iat may be.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger used for rejection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func New(resolver KeyResolver, opts ...Option) *Verifier {
	v := &Verifier{
		resolver: resolver,
		header:   DefaultHeader,
		maxAge:   5 * time.Minute,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates raw against the token in headers. Checks run in
// order: token present, pinned alg and kid in the unverified header, key
// resolution, signature and iat age, then the body digest claim.
func (v *Verifier) Verify(ctx context.Context, raw []byte, headers http.Header) (VerifiedEvent, error) {
	token := strings.TrimSpace(headers.Get(v.header))
	if token == "" {
		return VerifiedEvent{}, v.reject("missing token", "", "", nil)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(token, &bodyClaims{})
	if err != nil {
		return VerifiedEvent{}, v.reject("malformed token", "", "", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	kid, _ := unverified.Header["kid"].(string)
	if alg != PinnedAlgorithm {
		return VerifiedEvent{}, v.reject("unexpected algorithm", kid, alg, nil)
	}
	if kid == "" {
		return VerifiedEvent{}, v.reject("missing key id", kid, alg, nil)
	}

	key, err := v.resolver.Resolve(ctx, kid)
	if err != nil {
		return VerifiedEvent{}, v.reject("key resolution failed", kid, alg, err)
	}

	claims := &bodyClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{PinnedAlgorithm}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			// The provider may have rotated the key behind this kid.
			if f, ok := v.resolver.(interface{ Forget(string) }); ok {
				f.Forget(kid)
			}
		}
		return VerifiedEvent{}, v.reject("signature invalid", kid, alg, err)
	}
	if claims.IssuedAt == nil {
		return VerifiedEvent{}, v.reject("missing iat", kid, alg, nil)
	}
	issued := claims.IssuedAt.Time
	if v.now().Sub(issued) > v.maxAge {
		return VerifiedEvent{}, v.reject("token too old", kid, alg, nil)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	claimed := strings.ToLower(strings.TrimSpace(claims.RequestBodySHA256))
	if subtle.ConstantTimeCompare([]byte(digest), []byte(claimed)) != 1 {
		return VerifiedEvent{}, v.reject("body digest mismatch", kid, alg, nil)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return VerifiedEvent{}, v.reject("body is not a JSON object", kid, alg, err)
	}

	return VerifiedEvent{
		Payload:  payload,
		Raw:      raw,
		Digest:   digest,
		KeyID:    kid,
		IssuedAt: issued,
	}, nil
}

func (v *Verifier) reject(reason, kid, alg string, err error) error {
	attrs := []any{
		slog.String("reason", reason),
		slog.String("kid", kid),
		slog.String("alg", alg),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	v.logger.Warn("inbound webhook rejected", attrs...)
	return ErrRejected
}
