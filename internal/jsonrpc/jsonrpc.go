// Package jsonrpc implements the thin JSON-RPC 2.0 envelope the
// orchestrator speaks on the wire: it only encodes requests, decodes
// responses, and classifies errors — it never interprets method-specific
// payload semantics.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/quantedge/rpcrelay/internal/rpcmodel"
)

// Version is the JSON-RPC protocol version this core speaks.
const Version = "2.0"

// Request is a single JSON-RPC call, or one element of a batch.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest builds a Request, drawing its id from counter. The id
// counter is owned by the caller (one per orchestrator instance) rather
// than shared package-level state, so independent pools never contend on
// it or collide over ids.
func NewRequest(counter *rpcmodel.WrappingCounter, method string, params any) Request {
	return Request{JSONRPC: Version, ID: counter.Next(), Method: method, Params: params}
}

// rpcError is the JSON-RPC error object shape.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is a single decoded JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// BodyKind classifies the shape of a non-success payload.
type BodyKind string

const (
	BodyKindEmpty      BodyKind = "empty"
	BodyKindJSONRPC    BodyKind = "jsonrpc_error"
	BodyKindMalformed  BodyKind = "malformed"
	BodyKindHTTPStatus BodyKind = "http_status"
)

// EncodeRequest marshals a single request.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeBatch marshals a slice of requests as a JSON-RPC batch array.
func EncodeBatch(reqs []Request) ([]byte, error) {
	return json.Marshal(reqs)
}

// DecodeResponse parses a single JSON-RPC response. On malformed JSON it
// returns BodyKindMalformed as part of the error.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DecodeError{Kind: BodyKindMalformed, Cause: err}
	}
	if resp.Error != nil {
		return &resp, &DecodeError{Kind: BodyKindJSONRPC, Cause: fmt.Errorf("code %d: %s", resp.Error.Code, resp.Error.Message)}
	}
	return &resp, nil
}

// DecodeBatch parses a JSON-RPC batch array response, preserving order.
func DecodeBatch(body []byte) ([]*Response, error) {
	var resps []*Response
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, &DecodeError{Kind: BodyKindMalformed, Cause: err}
	}
	return resps, nil
}

// DecodeError wraps a body-kind classification with the underlying cause.
type DecodeError struct {
	Kind  BodyKind
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("jsonrpc: %s: %v", e.Kind, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }
