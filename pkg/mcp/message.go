// Package mcp holds the wire types and framing codec shared by the
// proxy's parent-facing transport and every child connection.
//
// The Model Context Protocol rides on plain JSON-RPC 2.0. Rather than take
// a dependency on a third-party jsonrpc package whose exact ID/Request
// marshaling behavior can't be verified here, the types below are a small
// hand-rolled envelope sized to exactly what the aggregator needs: raw
// preservation of ids and params so they can be forwarded byte-for-byte.
package mcp

import (
	"bytes"
	"encoding/json"
)

const Version = "2.0"

// Request is an outbound or inbound JSON-RPC call that expects a Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC message with no id; no reply is expected.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error, per JSON-RPC 2.0.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object, extended with the data envelope
// this proxy's error normalizer produces.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// ErrorData is the shape the normalizer writes into Error.Data.
type ErrorData struct {
	Kind       string          `json:"kind"`
	Retryable  bool            `json:"retryable"`
	Original   json.RawMessage `json:"original,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ServerName string          `json:"serverName,omitempty"`
}

// Envelope is the generic shape used to classify a decoded frame before
// it is parsed into a Request, Notification, or Response. All four
// JSON-RPC fields are optional at this stage; IsX distinguishes them.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (e *Envelope) hasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

// IsRequest reports whether the envelope is a call expecting a reply.
func (e *Envelope) IsRequest() bool { return e.Method != "" && e.hasID() }

// IsNotification reports whether the envelope is a fire-and-forget call.
func (e *Envelope) IsNotification() bool { return e.Method != "" && !e.hasID() }

// IsResponse reports whether the envelope carries a result or error for
// a previously issued request.
func (e *Envelope) IsResponse() bool { return e.Method == "" && e.hasID() }

// AsRequest converts the envelope into a Request. Callers must check
// IsRequest first.
func (e *Envelope) AsRequest() *Request {
	return &Request{JSONRPC: Version, ID: e.ID, Method: e.Method, Params: e.Params}
}

// AsNotification converts the envelope into a Notification. Callers must
// check IsNotification first.
func (e *Envelope) AsNotification() *Notification {
	return &Notification{JSONRPC: Version, Method: e.Method, Params: e.Params}
}

// AsResponse converts the envelope into a Response. Callers must check
// IsResponse first.
func (e *Envelope) AsResponse() *Response {
	return &Response{JSONRPC: Version, ID: e.ID, Result: e.Result, Error: e.Error}
}

// ParseEnvelope decodes a single raw JSON-RPC frame into an Envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// IDKey returns a stable map key for a JSON-RPC id, used by every
// correlation table in this codebase (toolToChild aside, which keys on
// tool name). Two ids with the same canonical JSON representation
// produce the same key; this is exact-byte comparison, which is correct
// for ids this process either generated itself or is echoing verbatim.
func IDKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// NewRequest builds a Request with the given raw id, method and params.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget Notification.
func NewNotification(method string, params json.RawMessage) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a successful Response.
func NewResult(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds a failed Response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// StringID renders a Go string as a JSON-RPC string id.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
