// Package message defines the protocol envelope exchanged between two endpoints.
//
// Envelope is the unit carried over the string channel. It gets serialized by the
// codec layer and prefixed with the protocol tag before it is posted.
//
//   - REQUEST:  Payload is a Request, {"name": ..., "args": [...]}
//   - RESPONSE: Payload is a Response, {"result": ...} or {"error": {...}}
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType distinguishes request and response envelopes.
type MsgType string

const (
	MsgTypeRequest  MsgType = "REQUEST"  // caller -> callee
	MsgTypeResponse MsgType = "RESPONSE" // callee -> caller, same ID as the request
)

// Valid reports whether t is one of the two protocol message types.
func (t MsgType) Valid() bool {
	return t == MsgTypeRequest || t == MsgTypeResponse
}

// ErrMissingArg is returned by Args.Bind when the positional argument is absent.
var ErrMissingArg = errors.New("message: argument missing")

// Envelope carries a single request or response.
type Envelope struct {
	Type    MsgType         `json:"type"`
	ID      string          `json:"id"`      // Correlates exactly one request with one response
	Payload json.RawMessage `json:"payload"` // Request or Response, decoded lazily
}

// Request is the payload of a REQUEST envelope.
type Request struct {
	Name string `json:"name"`
	Args Args   `json:"args,omitempty"`
}

// Response is the payload of a RESPONSE envelope. At most one of Result and Error
// is set; neither set means success without a result.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Args holds the positional arguments of a call, each still in wire form.
type Args []json.RawMessage

// NewArgs serializes vals into positional arguments.
func NewArgs(vals ...any) (Args, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	args := make(Args, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("message: encode argument %d: %w", i, err)
		}
		args[i] = b
	}
	return args, nil
}

// Len returns the number of positional arguments.
func (a Args) Len() int { return len(a) }

// Bind decodes the i-th argument into v.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: index %d of %d", ErrMissingArg, i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("message: decode argument %d: %w", i, err)
	}
	return nil
}

// NewRequest builds a REQUEST envelope calling name with args.
func NewRequest(id, name string, args ...any) (*Envelope, error) {
	a, err := NewArgs(args...)
	if err != nil {
		return nil, err
	}
	return (&Request{Name: name, Args: a}).Envelope(id)
}

// Envelope wraps the request into a REQUEST envelope with the given id.
func (r *Request) Envelope(id string) (*Envelope, error) {
	return newEnvelope(MsgTypeRequest, id, r)
}

// NewResponse builds a RESPONSE envelope. A non-nil err takes precedence over
// result and is reduced to a RemoteError.
func NewResponse(id string, result any, err error) (*Envelope, error) {
	resp := &Response{}
	if err != nil {
		resp.Error = ToRemoteError(err)
	} else if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			return nil, fmt.Errorf("message: encode result: %w", merr)
		}
		resp.Result = b
	}
	return newEnvelope(MsgTypeResponse, id, resp)
}

func newEnvelope(t MsgType, id string, payload any) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, ID: id, Payload: b}, nil
}

// Request decodes the payload of a REQUEST envelope.
func (e *Envelope) Request() (*Request, error) {
	req := &Request{}
	if len(e.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(e.Payload, req); err != nil {
		return nil, fmt.Errorf("message: decode request payload: %w", err)
	}
	return req, nil
}

// Response decodes the payload of a RESPONSE envelope.
func (e *Envelope) Response() (*Response, error) {
	resp := &Response{}
	if len(e.Payload) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(e.Payload, resp); err != nil {
		return nil, fmt.Errorf("message: decode response payload: %w", err)
	}
	return resp, nil
}
