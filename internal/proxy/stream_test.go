package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testMessages = []ChatMessage{
	{Role: "system", Content: "You are terse."},
	{Role: "user", Content: "Hello"},
}

func sseServer(t *testing.T, body string, got *ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fastClient returns a client whose retries do not sleep noticeably.
func fastClient(url string) *Client {
	c := NewClientWithBaseURL("test-key", url)
	c.backoff = time.Millisecond
	return c
}

func collect(sb *strings.Builder) func(string) error {
	return func(d string) error {
		sb.WriteString(d)
		return nil
	}
}

func TestStream_Deltas(t *testing.T) {
	body := ": OPENROUTER PROCESSING\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n"

	var req ChatRequest
	srv := sseServer(t, body, &req)

	var sb strings.Builder
	err := NewClientWithBaseURL("test-key", srv.URL).Stream(context.Background(),
		ChatRequest{Model: "anthropic/claude-sonnet-4", Messages: testMessages}, collect(&sb))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if sb.String() != "Hello world" {
		t.Errorf("content = %q, want %q", sb.String(), "Hello world")
	}
	if !req.Stream {
		t.Error("request stream = false, want true")
	}
	if req.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[1] != testMessages[1] {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestStream_Headers(t *testing.T) {
	var auth, accept, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		title = r.Header.Get("X-Title")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	if err := NewClientWithBaseURL("sk-or-123", srv.URL).Stream(context.Background(),
		ChatRequest{Model: "m", Messages: testMessages}, func(string) error { return nil }); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if auth != "Bearer sk-or-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if accept != "text/event-stream" {
		t.Errorf("Accept = %q", accept)
	}
	if title != "blockchat" {
		t.Errorf("X-Title = %q", title)
	}
}

func TestStream_CallbackError(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
		"data: [DONE]\n\n"
	srv := sseServer(t, body, nil)

	stop := errors.New("stop")
	calls := 0
	err := NewClientWithBaseURL("k", srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestStream_UpstreamError(t *testing.T) {
	body := "data: {\"error\":{\"message\":\"provider overloaded\"}}\n\n"
	srv := sseServer(t, body, nil)

	err := NewClientWithBaseURL("k", srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "provider overloaded") {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestStream_EOFWithoutDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"
	srv := sseServer(t, body, nil)

	var sb strings.Builder
	err := NewClientWithBaseURL("k", srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, collect(&sb))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if sb.String() != "partial" {
		t.Errorf("content = %q, want %q", sb.String(), "partial")
	}
}

func TestStream_RetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	var sb strings.Builder
	if err := fastClient(srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, collect(&sb)); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if sb.String() != "ok" {
		t.Errorf("content = %q, want ok", sb.String())
	}
}

func TestStream_RateLimitExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, func(string) error { return nil })
	var rl *rateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want rate limit error", err)
	}
	if attempts.Load() != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts.Load(), maxAttempts)
	}
}

func TestStream_ServerErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastClient(srv.URL).Stream(context.Background(), ChatRequest{Model: "m", Messages: testMessages}, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("err = %v, want status and body", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestStream_CancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL)
	c.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Stream(ctx, ChatRequest{Model: "m", Messages: testMessages}, func(string) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff ignored cancellation")
	}
}

func TestStream_CancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := NewClientWithBaseURL("k", srv.URL).Stream(ctx, ChatRequest{Model: "m", Messages: testMessages}, func(d string) error {
		got = append(got, d)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(got) != 1 {
		t.Errorf("deltas = %v, want only the first", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{" 1 ", time.Second},
		{"0", 0},
		{"-2", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
