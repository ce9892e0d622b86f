package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultPageLimit    = 20
	abandonTimeout      = 2 * time.Second

	// maxTakeFailures is how many consecutive failed result polls Do
	// tolerates before abandoning the request.
	maxTakeFailures = 5
)

// Client is a facade bound to one tier and bearer token. It is safe for
// concurrent use; WithTier and WithToken return copies.
type Client struct {
	queues Queues
	tier   int
	token  string
	poll   time.Duration
	logger *slog.Logger
}

// NewClient returns a facade over queues.
func NewClient(queues Queues, tier int, token string) *Client {
	return &Client{
		queues: queues,
		tier:   tier,
		token:  token,
		poll:   defaultPollInterval,
		logger: slog.Default(),
	}
}

// WithTier returns a copy that enqueues on tier.
func (c *Client) WithTier(tier int) *Client {
	cp := *c
	cp.tier = tier
	return &cp
}

// WithToken returns a copy that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// WithPollInterval returns a copy that polls for results every d.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	cp := *c
	if d > 0 {
		cp.poll = d
	}
	return &cp
}

// WithLogger returns a copy that logs through logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	cp := *c
	if logger != nil {
		cp.logger = logger
	}
	return &cp
}

// Tier returns the tier this client enqueues on.
func (c *Client) Tier() int { return c.tier }

// Token returns the bearer token, if any.
func (c *Client) Token() string { return c.token }

// Do enqueues one request and blocks until its result arrives or ctx ends.
// A failed result poll is retried on the next tick. When ctx ends first, or
// maxTakeFailures polls fail in a row, the request is abandoned.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, query map[string]string) ([]byte, error) {
	env, err := NewEnvelope(method, endpoint, c.token, body, query)
	if err != nil {
		return nil, err
	}
	if err := c.queues.Push(ctx, c.tier, env); err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", method, endpoint, err)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	failures := 0
	for {
		res, ok, err := c.queues.Take(ctx, c.tier, env.ID)
		switch {
		case err != nil && ctx.Err() == nil:
			failures++
			c.logger.Warn("result poll failed",
				"method", method, "endpoint", endpoint, "id", env.ID,
				"attempt", failures, "error", err)
			if failures >= maxTakeFailures {
				c.abandon(ctx, env.ID)
				return nil, fmt.Errorf("poll %s %s: %w", method, endpoint, err)
			}
		case ok:
			return res.Body, res.Err
		case err == nil:
			failures = 0
		}
		select {
		case <-ctx.Done():
			c.abandon(ctx, env.ID)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// abandon runs even when ctx is already done.
func (c *Client) abandon(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := c.queues.Abandon(actx, c.tier, id); err != nil {
		c.logger.Warn("abandon request failed", "id", id, "error", err)
	}
}

// decodeData unmarshals the "data" member of an API reply into out.
func decodeData(raw []byte, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if len(wrapper.Data) == 0 {
		return json.Unmarshal(raw, out)
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		return fmt.Errorf("decode reply data: %w", err)
	}
	return nil
}

// Get fetches endpoint and decodes its data member into out. A nil query
// requests the first page of 20. The "status" endpoint is the API root.
func (c *Client) Get(ctx context.Context, endpoint string, query map[string]string, out any) error {
	if endpoint == "status" {
		endpoint = ""
	}
	if query == nil {
		query = map[string]string{"page": "1", "limit": strconv.Itoa(defaultPageLimit)}
	}
	raw, err := c.Do(ctx, http.MethodGet, endpoint, nil, query)
	if err != nil {
		return err
	}
	return decodeData(raw, out)
}

// Post sends body to endpoint and decodes the reply's data member into out.
func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	raw, err := c.Do(ctx, http.MethodPost, endpoint, body, nil)
	if err != nil {
		return err
	}
	return decodeData(raw, out)
}

// Patch sends body to endpoint and decodes the reply's data member into out.
func (c *Client) Patch(ctx context.Context, endpoint string, body, out any) error {
	raw, err := c.Do(ctx, http.MethodPatch, endpoint, body, nil)
	if err != nil {
		return err
	}
	return decodeData(raw, out)
}

type page[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Total int `json:"total"`
		Page  int `json:"page"`
		Limit int `json:"limit"`
	} `json:"meta"`
}

// GetAll requests successive pages of endpoint until the number of items
// collected reaches the total the server reports.
func GetAll[T any](ctx context.Context, c *Client, endpoint string) ([]T, error) {
	var all []T
	for n := 1; ; n++ {
		raw, err := c.Do(ctx, http.MethodGet, endpoint, nil, map[string]string{
			"page":  strconv.Itoa(n),
			"limit": strconv.Itoa(defaultPageLimit),
		})
		if err != nil {
			return nil, err
		}
		var p page[T]
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", endpoint, n, err)
		}
		all = append(all, p.Data...)
		if len(all) >= p.Meta.Total {
			return all, nil
		}
		if len(p.Data) == 0 {
			return nil, fmt.Errorf("%w: %s page %d: have %d of %d", ErrPaginationStalled, endpoint, n, len(all), p.Meta.Total)
		}
	}
}
