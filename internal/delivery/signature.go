package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Header names set on every outbound POST.
const (
	HeaderSignature  = "x-signature"
	HeaderEvent      = "x-event"
	HeaderDeliveryID = "x-delivery-id"
	signaturePrefix  = "sha256="
)

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Body renders the canonical request body {"event","payload"}.
func Body(event string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	b, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: delivery payload: %v", models.ErrValidation, err)
	}
	return b, nil
}

// Sign returns "sha256=<hex hmac>" of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received x-signature header. Subscribers written
// in Go can use it directly.
func VerifySignature(secret string, body []byte, header string) bool {
	sig := strings.TrimSpace(header)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return subtle.ConstantTimeCompare(got, mac.Sum(nil)) == 1
}
