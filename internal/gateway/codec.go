package gateway

import (
	"context"
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborContentType is the media type of relay request and result bodies.
const cborContentType = "application/cbor"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gateway: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("gateway: CBOR decoder initialization failed: " + err.Error())
	}
}

// Error kinds carried across the relay.
const (
	errKindAPI        = "api"
	errKindUnexpected = "unexpected"
	errKindCanceled   = "canceled"
	errKindDeadline   = "deadline"
	errKindOther      = "other"
)

type wireError struct {
	Kind    string    `cbor:"kind"`
	Message string    `cbor:"message"`
	API     *APIError `cbor:"api,omitempty"`
}

type wireResult struct {
	Body  []byte     `cbor:"body,omitempty"`
	Error *wireError `cbor:"error,omitempty"`
}

// remoteError is an error reconstructed on the far side of the relay. It
// keeps the original message and unwraps to the matching sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func toWire(res Result) wireResult {
	w := wireResult{Body: res.Body}
	if res.Err == nil {
		return w
	}
	we := &wireError{Kind: errKindOther, Message: res.Err.Error()}
	var apiErr *APIError
	switch {
	case errors.As(res.Err, &apiErr):
		we.Kind = errKindAPI
		we.API = apiErr
	case errors.Is(res.Err, ErrUnexpectedResponse):
		we.Kind = errKindUnexpected
	case errors.Is(res.Err, context.Canceled):
		we.Kind = errKindCanceled
	case errors.Is(res.Err, context.DeadlineExceeded):
		we.Kind = errKindDeadline
	}
	w.Error = we
	return w
}

func fromWire(w wireResult) Result {
	res := Result{Body: w.Body}
	if w.Error == nil {
		return res
	}
	switch w.Error.Kind {
	case errKindAPI:
		if w.Error.API != nil {
			res.Err = w.Error.API
			return res
		}
		res.Err = errors.New(w.Error.Message)
	case errKindUnexpected:
		res.Err = &remoteError{msg: w.Error.Message, sentinel: ErrUnexpectedResponse}
	case errKindCanceled:
		res.Err = &remoteError{msg: w.Error.Message, sentinel: context.Canceled}
	case errKindDeadline:
		res.Err = &remoteError{msg: w.Error.Message, sentinel: context.DeadlineExceeded}
	default:
		res.Err = errors.New(w.Error.Message)
	}
	return res
}
