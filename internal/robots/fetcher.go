package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultMaxBytes = 1 << 20

// Fetcher retrieves the raw robots.txt for an authority.
type Fetcher interface {
	Fetch(ctx context.Context, authority string) (status int, body []byte, err error)
}

// HTTPFetcher fetches robots.txt over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	logger    *zap.Logger
}

// NewHTTPFetcher constructs an HTTPFetcher. A nil client gets a 10s timeout.
func NewHTTPFetcher(client *http.Client, userAgent string, maxBytes int64, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, maxBytes: maxBytes, logger: logger}
}

// Fetch implements Fetcher. Transport errors are returned unwrapped enough
// for errors.As to find the underlying network error.
func (f *HTTPFetcher) Fetch(ctx context.Context, authority string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authority+"/robots.txt", nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}
