// Package gateway funnels every remote API call through one rate-limited
// transport.
//
// Callers hold a Client bound to a priority tier. A Client pushes an Envelope
// onto a Queues implementation and polls for the correlated Result. The
// Dispatcher is the in-process Queues; RemoteQueues reaches a Dispatcher in
// another process through the Relay.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownTier is returned when a tier index is outside the configured range.
var ErrUnknownTier = errors.New("gateway: unknown tier")

// Envelope is one outbound API request.
type Envelope struct {
	ID       string            `json:"id" cbor:"id"`
	Method   string            `json:"method" cbor:"method"`
	Endpoint string            `json:"endpoint" cbor:"endpoint"`
	Token    string            `json:"-" cbor:"token,omitempty"`
	Body     []byte            `json:"body,omitempty" cbor:"body,omitempty"` // JSON-encoded
	Query    map[string]string `json:"query,omitempty" cbor:"query,omitempty"`
}

// NewEnvelope returns an envelope with a fresh correlation id. A nil body
// sends no payload.
func NewEnvelope(method, endpoint, token string, body any, query map[string]string) (Envelope, error) {
	env := Envelope{
		ID:       uuid.NewString(),
		Method:   method,
		Endpoint: endpoint,
		Token:    token,
		Query:    query,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s %s body: %w", method, endpoint, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Result is the outcome of one executed envelope. Body is nil for 204 replies.
type Result struct {
	Body []byte
	Err  error
}

// Queues is the contract between facades and a dispatcher. Tiers are
// numbered from 0, the highest priority.
type Queues interface {
	// Push enqueues env at the tail of tier.
	Push(ctx context.Context, tier int, env Envelope) error
	// Take removes and returns the result for id if it is ready.
	Take(ctx context.Context, tier int, id string) (Result, bool, error)
	// Abandon tells the dispatcher nobody will collect id.
	Abandon(ctx context.Context, tier int, id string) error
}
