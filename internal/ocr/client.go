// Package ocr calls the external document-analysis provider.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
)

// Analyzer extracts structured fields from a document.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte, mimeType string) (map[string]any, error)
}

// Client is an HTTP Analyzer. Requests are paced by a token-bucket limiter
// so a large batch cannot exceed the provider's quota.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(url, apiKey string, rps float64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

type analyzeRequest struct {
	Content  string `json:"content"`
	MimeType string `json:"mime_type"`
}

type analyzeResponse struct {
	Fields map[string]any `json:"fields"`
	Error  string         `json:"error,omitempty"`
}

func (c *Client) Analyze(ctx context.Context, content []byte, mimeType string) (map[string]any, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty document", models.ErrValidation)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: ocr rate limit wait: %v", models.ErrExternalService, err)
	}

	body, err := json.Marshal(analyzeRequest{
		Content:  base64.StdEncoding.EncodeToString(content),
		MimeType: mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ocr request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ocr request: %v", models.ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: read ocr response: %v", models.ErrExternalService, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, fmt.Errorf("%w: ocr rejected document: status %d", models.ErrValidation, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: ocr status %d", models.ErrExternalService, resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode ocr response: %v", models.ErrExternalService, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: ocr: %s", models.ErrExternalService, out.Error)
	}
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	return out.Fields, nil
}
