package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxResponseBytes   = 4 << 20
)

// HTTP posts the context as JSON and decodes the response as a batch.
type HTTP struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// HTTPOption customizes the HTTP authority.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.client = &http.Client{Timeout: d, Transport: h.client.Transport}
		}
	}
}

// WithHeader adds a static request header.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) {
		if key != "" {
			h.headers[key] = value
		}
	}
}

// NewHTTP targets url.
func NewHTTP(url string, opts ...HTTPOption) (*HTTP, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrNoAuthority)
	}
	h := &HTTP{
		url:     url,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Decide implements Authority.
func (h *HTTP) Decide(ctx context.Context, gc Context) (Batch, error) {
	body, err := json.Marshal(gc)
	if err != nil {
		return Batch{}, fmt.Errorf("authority: encode context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Batch{}, fmt.Errorf("authority: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("authority: post %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Batch{}, fmt.Errorf("authority: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Batch{}, fmt.Errorf("authority: %s returned %s: %s", h.url, resp.Status, snippet(data))
	}
	batch, err := Parse(data)
	if err != nil {
		return Batch{}, fmt.Errorf("authority: %w", err)
	}
	return batch, nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
