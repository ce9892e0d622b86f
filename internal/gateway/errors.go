package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrUnexpectedResponse is returned for non-2xx replies that do not carry
	// a structured error envelope.
	ErrUnexpectedResponse = errors.New("gateway: unexpected response")
	// ErrPaginationStalled is returned when a listing runs out of items
	// before reaching the total the server reported.
	ErrPaginationStalled = errors.New("gateway: pagination stalled")
)

// Error codes the game reports that callers commonly branch on.
const (
	CodeRateLimited       = 429
	CodeSurveyExpired     = 4221
	CodeSurveyExhausted   = 4224
	CodeInsufficientFunds = 4600
)

// toleratedCodes are error envelopes returned to the caller as successful
// bodies.
var toleratedCodes = map[int]bool{
	CodeSurveyExpired:   true,
	CodeSurveyExhausted: true,
}

// APIError is an application-level error reported by the remote API.
type APIError struct {
	Status  int             `json:"-" cbor:"status"`
	Code    int             `json:"code" cbor:"code"`
	Message string          `json:"message" cbor:"message"`
	Data    json.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying one of codes.
func IsCode(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

// IsInsufficientFunds reports whether err says the agent cannot afford a
// purchase.
func IsInsufficientFunds(err error) bool {
	if IsCode(err, CodeInsufficientFunds) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "insufficient funds")
}

const errorEnvelopeSchema = `{
  "type": "object",
  "required": ["error"],
  "properties": {
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "integer"},
        "message": {"type": "string"}
      }
    }
  }
}`

var compiledErrorSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(errorEnvelopeSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("error-envelope.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("error-envelope.json")
})

// parseErrorEnvelope returns the APIError carried by body, or false when the
// body is not a well-formed error envelope.
func parseErrorEnvelope(status int, body []byte) (*APIError, bool) {
	schema, err := compiledErrorSchema()
	if err != nil {
		return nil, false
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	if err := schema.Validate(inst); err != nil {
		return nil, false
	}
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	env.Error.Status = status
	return &env.Error, true
}

// retryAfterSeconds reads error.data.retryAfter from a 429 envelope.
func (e *APIError) retryAfterSeconds() (float64, bool) {
	if len(e.Data) == 0 {
		return 0, false
	}
	var d struct {
		RetryAfter *float64 `json:"retryAfter"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil || d.RetryAfter == nil {
		return 0, false
	}
	return *d.RetryAfter, true
}
