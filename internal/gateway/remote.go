package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteQueues implements Queues against a Relay in another process.
type RemoteQueues struct {
	base   string
	token  string
	client *http.Client
}

// NewRemoteQueues returns queues served by the relay at baseURL.
func NewRemoteQueues(baseURL, token string, hc *http.Client) *RemoteQueues {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteQueues{base: strings.TrimRight(baseURL, "/"), token: token, client: hc}
}

func (q *RemoteQueues) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.base+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+q.token)
	if body != nil {
		req.Header.Set("Content-Type", cborContentType)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func resultPath(tier int, id string) string {
	return fmt.Sprintf("/v1/tiers/%d/results/%s", tier, url.PathEscape(id))
}

func relayError(op string, status int, body []byte) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("relay %s: %w: %s", op, ErrUnknownTier, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("relay %s: http %d: %s", op, status, strings.TrimSpace(string(body)))
}

// Push implements Queues.
func (q *RemoteQueues) Push(ctx context.Context, tier int, env Envelope) error {
	data, err := cborEnc.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	status, body, err := q.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tiers/%d/requests", tier), data)
	if err != nil {
		return fmt.Errorf("relay push: %w", err)
	}
	if status != http.StatusAccepted {
		return relayError("push", status, body)
	}
	return nil
}

// Take implements Queues.
func (q *RemoteQueues) Take(ctx context.Context, tier int, id string) (Result, bool, error) {
	status, body, err := q.do(ctx, http.MethodGet, resultPath(tier, id), nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("relay take: %w", err)
	}
	switch status {
	case http.StatusNoContent:
		return Result{}, false, nil
	case http.StatusOK:
		var w wireResult
		if err := cborDec.Unmarshal(body, &w); err != nil {
			return Result{}, false, fmt.Errorf("decode result: %w", err)
		}
		return fromWire(w), true, nil
	default:
		return Result{}, false, relayError("take", status, body)
	}
}

// Abandon implements Queues.
func (q *RemoteQueues) Abandon(ctx context.Context, tier int, id string) error {
	status, body, err := q.do(ctx, http.MethodDelete, resultPath(tier, id), nil)
	if err != nil {
		return fmt.Errorf("relay abandon: %w", err)
	}
	if status != http.StatusNoContent {
		return relayError("abandon", status, body)
	}
	return nil
}
