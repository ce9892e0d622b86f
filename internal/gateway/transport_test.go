package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/gateway/gatewaytest"
)

// failingThen answers with status for the first n calls, then 200.
func failingThen(n int32, fail func(w http.ResponseWriter)) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			fail(w)
			return
		}
		gatewaytest.WriteData(w, http.StatusOK, map[string]string{"ok": "yes"})
	}
}

func TestTransport_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		fail      func(w http.ResponseWriter)
		wantSleep time.Duration
	}{
		{"rate limited with retryAfter", func(w http.ResponseWriter) {
			gatewaytest.WriteError(w, http.StatusTooManyRequests, 429, "slow down", map[string]any{"retryAfter": 1.5})
		}, 1500 * time.Millisecond},
		{"rate limited without data", func(w http.ResponseWriter) {
			gatewaytest.WriteError(w, http.StatusTooManyRequests, 429, "slow down", nil)
		}, time.Second},
		{"bad gateway", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
		}, 210 * time.Second},
		{"server error", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
		}, 3 * time.Second},
		{"unavailable", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}, 3 * time.Second},
		{"gateway timeout", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusGatewayTimeout)
		}, 3 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := gatewaytest.New(t, failingThen(2, tc.fail))
			var out map[string]string
			if err := h.Client("tok").Get(context.Background(), "my/agent", nil, &out); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if out["ok"] != "yes" {
				t.Fatalf("out = %v", out)
			}
			if got := len(h.Requests()); got != 3 {
				t.Fatalf("requests = %d, want 3", got)
			}
			want := []time.Duration{tc.wantSleep, tc.wantSleep}
			if got := h.Sleeps(); !slices.Equal(got, want) {
				t.Fatalf("sleeps = %v, want %v", got, want)
			}
		})
	}
}

func TestTransport_ApplicationErrorSurfaces(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewaytest.WriteError(w, http.StatusBadRequest, 4600, "Agent has insufficient funds.", map[string]any{"creditsAvailable": 10})
	}))
	err := h.Client("tok").Post(context.Background(), "my/ships", map[string]string{"shipType": "SHIP_PROBE"}, nil)
	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 4600 || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if !gateway.IsInsufficientFunds(err) {
		t.Fatal("IsInsufficientFunds = false")
	}
	if len(h.Sleeps()) != 0 {
		t.Fatalf("application errors must not be retried, sleeps = %v", h.Sleeps())
	}
}

func TestTransport_ToleratedSurveyCodes(t *testing.T) {
	for _, code := range []int{gateway.CodeSurveyExpired, gateway.CodeSurveyExhausted} {
		h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gatewaytest.WriteError(w, http.StatusConflict, code, "survey gone", nil)
		}))
		raw, err := h.Client("tok").Do(context.Background(), http.MethodPost, "my/ships/S-1/extract", nil, nil)
		if err != nil {
			t.Fatalf("code %d: err = %v, want tolerated", code, err)
		}
		if len(raw) == 0 {
			t.Fatalf("code %d: expected the error body to be returned", code)
		}
	}
}

func TestTransport_UnexpectedResponse(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	_, err := h.Client("tok").Do(context.Background(), http.MethodGet, "x", nil, nil)
	if !errors.Is(err, gateway.ErrUnexpectedResponse) {
		t.Fatalf("err = %v, want ErrUnexpectedResponse", err)
	}
}

func TestTransport_NoContent(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	out := map[string]string{"untouched": "yes"}
	if err := h.Client("tok").Patch(context.Background(), "my/ships/S-1/nav", map[string]string{"flightMode": "DRIFT"}, &out); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if out["untouched"] != "yes" {
		t.Fatalf("out = %v", out)
	}
}

func TestTransport_SendsTokenBodyAndDefaultPaging(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewaytest.WriteData(w, http.StatusOK, map[string]any{})
	}))
	c := h.Client("secret-token")
	if err := c.Get(context.Background(), "status", nil, nil); err != nil {
		t.Fatalf("Get status: %v", err)
	}
	if err := c.Post(context.Background(), "my/ships/S-1/navigate", map[string]string{"waypointSymbol": "X1-A1"}, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	reqs := h.Requests()
	if reqs[0].Path != "/" {
		t.Fatalf("status path = %q, want API root", reqs[0].Path)
	}
	if reqs[0].Query.Get("page") != "1" || reqs[0].Query.Get("limit") != "20" {
		t.Fatalf("default query = %v", reqs[0].Query)
	}
	if reqs[1].Token != "secret-token" || reqs[1].Method != http.MethodPost {
		t.Fatalf("request = %+v", reqs[1])
	}
	if string(reqs[1].Body) != `{"waypointSymbol":"X1-A1"}` {
		t.Fatalf("body = %s", reqs[1].Body)
	}
}

type flakyRoundTripper struct {
	failures atomic.Int32
	next     http.RoundTripper
}

func (f *flakyRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.next.RoundTrip(r)
}

func TestTransport_RetriesConnectionFailures(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewaytest.WriteData(w, http.StatusOK, "pong")
	}))
	rt := &flakyRoundTripper{next: http.DefaultTransport}
	rt.failures.Store(2)
	var slept []time.Duration
	tr := gateway.NewTransport(gateway.TransportConfig{
		BaseURL:           h.Server.URL,
		HTTPClient:        &http.Client{Transport: rt},
		RequestsPerSecond: 1000,
		Logger:            quietLogger(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	body, err := tr.Execute(context.Background(), gateway.Envelope{Method: http.MethodGet, Endpoint: "ping"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(body) != "{\"data\":\"pong\"}\n" {
		t.Fatalf("body = %q", body)
	}
	if !slices.Equal(slept, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}) {
		t.Fatalf("slept = %v", slept)
	}
}

func TestTransport_StopsOnContextCancel(t *testing.T) {
	h := gatewaytest.New(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	tr := gateway.NewTransport(gateway.TransportConfig{
		BaseURL:            h.Server.URL,
		RequestsPerSecond:  1000,
		ServerErrorBackoff: 5 * time.Millisecond,
		Logger:             quietLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Execute(ctx, gateway.Envelope{Method: http.MethodGet, Endpoint: "down"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
