package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/shared"
)

// DefaultBaseURL is the public game API.
const DefaultBaseURL = "https://api.spacetraders.io/v2"

// TransportConfig configures a Transport. Zero durations take the defaults
// listed on each field.
type TransportConfig struct {
	BaseURL    string
	HTTPClient *http.Client

	RequestsPerSecond float64 // 2
	Burst             int     // 1

	RateLimitDefault   time.Duration // 1s, when a 429 carries no retryAfter
	ServerErrorBackoff time.Duration // 3s, for 500/503/504
	BadGatewayBackoff  time.Duration // 210s, for 502
	ConnectionRetry    time.Duration // 100ms, for transport failures

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Sleep replaces the backoff wait. Tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Transport executes envelopes over HTTP behind a token-bucket limiter.
// Rate limiting, 5xx replies and connection failures are retried until the
// call succeeds, fails with an application error, or ctx ends.
type Transport struct {
	cfg     TransportConfig
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTransport returns a Transport with defaults applied.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RateLimitDefault <= 0 {
		cfg.RateLimitDefault = time.Second
	}
	if cfg.ServerErrorBackoff <= 0 {
		cfg.ServerErrorBackoff = 3 * time.Second
	}
	if cfg.BadGatewayBackoff <= 0 {
		cfg.BadGatewayBackoff = 210 * time.Second
	}
	if cfg.ConnectionRetry <= 0 {
		cfg.ConnectionRetry = 100 * time.Millisecond
	}
	t := &Transport{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		sleep:   cfg.Sleep,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "gateway")
	if t.metrics == nil {
		t.metrics = otel.NoopMetrics()
	}
	if t.tracer == nil {
		t.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if t.sleep == nil {
		t.sleep = sleepCtx
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute implements Executor.
func (t *Transport) Execute(ctx context.Context, env Envelope) ([]byte, error) {
	ctx, span := otel.StartRequestSpan(ctx, t.tracer, shared.Tier(ctx), env.Method, env.Endpoint, env.ID)
	defer span.End()
	start := time.Now()
	defer func() {
		t.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrMethod.String(env.Method)))
	}()

	for {
		if err := t.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The limiter refuses waits that would outlive the deadline.
			return nil, errors.Join(context.DeadlineExceeded, err)
		}
		status, body, err := t.roundTrip(ctx, env)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, errMalformedRequest) {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			t.logger.Warn("connection failed, retrying", "endpoint", env.Endpoint, "error", err)
			if err := t.backoff(ctx, "connection", t.cfg.ConnectionRetry); err != nil {
				return nil, err
			}
			continue
		}
		span.SetAttributes(otel.AttrStatus.Int(status))

		switch status {
		case http.StatusOK, http.StatusCreated:
			return body, nil
		case http.StatusNoContent:
			return nil, nil
		case http.StatusTooManyRequests:
			wait := t.cfg.RateLimitDefault
			if apiErr, ok := parseErrorEnvelope(status, body); ok {
				if secs, ok := apiErr.retryAfterSeconds(); ok {
					wait = time.Duration(secs * float64(time.Second))
				}
			}
			t.logger.Debug("rate limited", "endpoint", env.Endpoint, "wait", wait)
			if err := t.backoff(ctx, "rate_limited", wait); err != nil {
				return nil, err
			}
			continue
		case http.StatusBadGateway:
			t.logger.Warn("bad gateway, backing off", "endpoint", env.Endpoint, "wait", t.cfg.BadGatewayBackoff)
			if err := t.backoff(ctx, "bad_gateway", t.cfg.BadGatewayBackoff); err != nil {
				return nil, err
			}
			continue
		case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			t.logger.Warn("server error, retrying", "endpoint", env.Endpoint, "status", status)
			if err := t.backoff(ctx, "server_error", t.cfg.ServerErrorBackoff); err != nil {
				return nil, err
			}
			continue
		}

		apiErr, ok := parseErrorEnvelope(status, body)
		if !ok {
			err := fmt.Errorf("%w: %s %s: http %d: %s", ErrUnexpectedResponse, env.Method, env.Endpoint, status, truncate(body, 256))
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if toleratedCodes[apiErr.Code] {
			return body, nil
		}
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
}

func (t *Transport) backoff(ctx context.Context, reason string, d time.Duration) error {
	t.metrics.RecordRetry(ctx, reason)
	return t.sleep(ctx, d)
}

func (t *Transport) roundTrip(ctx context.Context, env Envelope) (int, []byte, error) {
	req, err := t.newRequest(ctx, env)
	if err != nil {
		return 0, nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (t *Transport) newRequest(ctx context.Context, env Envelope) (*http.Request, error) {
	u := t.base
	if ep := strings.Trim(env.Endpoint, "/"); ep != "" {
		u += "/" + ep
	}
	if len(env.Query) > 0 {
		q := url.Values{}
		for k, v := range env.Query {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	var body io.Reader
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	method := env.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Join(errMalformedRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if env.Token != "" {
		req.Header.Set("Authorization", "Bearer "+env.Token)
	}
	return req, nil
}

var errMalformedRequest = errors.New("gateway: malformed request")

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(" + strconv.Itoa(len(b)-n) + " more bytes)"
}
