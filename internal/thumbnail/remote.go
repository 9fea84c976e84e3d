package thumbnail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Header names for the signed render request.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// RemoteRenderer asks an external rendering service for a thumbnail of a
// presigned source URL. Requests are authenticated with HMAC-SHA256 over
// "<unix timestamp>.<body>".
type RemoteRenderer struct {
	url        string
	secret     []byte
	width      int
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteRenderer(url, secret string, width int, timeout time.Duration) *RemoteRenderer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteRenderer{
		url:        url,
		secret:     []byte(secret),
		width:      width,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type renderRequest struct {
	SourceURL string `json:"source_url"`
	MimeType  string `json:"mime_type"`
	Width     int    `json:"width"`
}

// SignRequest returns the hex HMAC the renderer expects.
func SignRequest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *RemoteRenderer) Render(ctx context.Context, req Request) ([]byte, error) {
	if req.SourceURL == "" {
		return nil, fmt.Errorf("%w: remote render needs a source url", models.ErrValidation)
	}
	body, err := json.Marshal(renderRequest{SourceURL: req.SourceURL, MimeType: req.MimeType, Width: r.width})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	ts := strconv.FormatInt(r.now().Unix(), 10)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderTimestamp, ts)
	httpReq.Header.Set(HeaderSignature, SignRequest(r.secret, ts, body))

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: render request: %v", models.ErrExternalService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: render status %d", models.ErrExternalService, resp.StatusCode)
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read render response: %v", models.ErrExternalService, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty render response", models.ErrExternalService)
	}
	return out, nil
}
