// Package proxy streams chat completions from OpenRouter.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	streamTimeout  = 300 * time.Second
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	maxRetryAfter  = 10 * time.Second
)

// Client opens completion streams against the OpenRouter API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// Each request carries streamTimeout, which covers the whole body.
		httpClient: &http.Client{},
		backoff:    initialBackoff,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// rateLimitError is returned on HTTP 429. retryAfter is the server's hint,
// zero when it sent none.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return "rate limited (HTTP 429)"
}

// open posts req and returns the SSE body, retrying on 429 with exponential
// backoff or the server's Retry-After. The caller closes the body.
func (c *Client) open(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var rl *rateLimitError
	for attempt := range maxAttempts {
		rc, err := c.post(ctx, body)
		if !errors.As(err, &rl) {
			return rc, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := c.backoff << attempt
		if rl.retryAfter > 0 {
			wait = min(rl.retryAfter, maxRetryAfter)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxAttempts, rl)
}

func (c *Client) post(ctx context.Context, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, streamTimeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/kalambet/blockchat")
	httpReq.Header.Set("X-Title", "blockchat")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
	case http.StatusTooManyRequests:
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
