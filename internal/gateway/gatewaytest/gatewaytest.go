// Package gatewaytest runs a real Dispatcher and Transport against an
// httptest fake of the remote API.
package gatewaytest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/gateway"
)

// Tiers is the number of tiers the harness dispatcher has.
const Tiers = 4

// Request is one call the fake API received.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Token  string
}

// Harness is a fake remote API with a running dispatcher in front of it.
type Harness struct {
	Server     *httptest.Server
	Dispatcher *gateway.Dispatcher
	Transport  *gateway.Transport

	mu       sync.Mutex
	requests []Request
	sleeps   []time.Duration
}

// New starts handler behind a recording middleware and a dispatcher whose
// backoffs return immediately. Everything stops on test cleanup.
func New(t testing.TB, handler http.Handler) *Harness {
	t.Helper()
	h := &Harness{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.mu.Lock()
		h.requests = append(h.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Body:   body,
			Token:  strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		})
		h.mu.Unlock()
		handler.ServeHTTP(w, r)
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.Transport = gateway.NewTransport(gateway.TransportConfig{
		BaseURL:           h.Server.URL,
		RequestsPerSecond: 10000,
		Burst:             100,
		Logger:            logger,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	})
	h.Dispatcher = gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:    Tiers,
		Executor: h.Transport,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.Server.Close()
	})
	return h
}

// Client returns a facade on tier 0 that polls every millisecond.
func (h *Harness) Client(token string) *gateway.Client {
	return gateway.NewClient(h.Dispatcher, 0, token).WithPollInterval(time.Millisecond)
}

// Requests returns a copy of every request received so far.
func (h *Harness) Requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.requests...)
}

// Sleeps returns the backoff durations the transport asked for.
func (h *Harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// WriteData writes {"data": v} with status.
func WriteData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

// WritePage writes one page of a paginated listing.
func WritePage(w http.ResponseWriter, items []any, total, page, limit int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": items,
		"meta": map[string]int{"total": total, "page": page, "limit": limit},
	})
}

// WriteError writes the API's structured error envelope.
func WriteError(w http.ResponseWriter, status, code int, message string, data any) {
	errBody := map[string]any{"code": code, "message": message}
	if data != nil {
		errBody["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errBody})
}
