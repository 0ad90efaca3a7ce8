// Package protocol implements the newline-delimited JSON-RPC envelope
// exchanged between the host and plugin subprocesses over stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the protocol marker carried in every envelope. It is written on
// encode and preserved on decode but never validated; there is no version
// negotiation.
const Version = "2.0"

const (
	MethodInitialize = "initialize"
	MethodCallTool   = "call_tool"
)

// JSON-RPC error codes used by the host and the reference plugins.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// RequestID correlates a request with its eventual response. The wire form is
// either a JSON string or a JSON integer; the callee echoes it back unchanged.
// The zero value is not a valid id.
type RequestID struct {
	str     string
	num     int64
	numeric bool
	set     bool
}

func StringID(s string) RequestID {
	return RequestID{str: s, set: true}
}

func NumberID(n int64) RequestID {
	return RequestID{num: n, numeric: true, set: true}
}

func (id RequestID) IsZero() bool {
	return !id.set
}

func (id RequestID) String() string {
	if !id.set {
		return "<none>"
	}
	if id.numeric {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	if id.numeric {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = RequestID{}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = NumberID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = StringID(s)
		return nil
	}
	return fmt.Errorf("request id must be a string or an integer, got %s", data)
}

// Message is the envelope sum type: *Request, *Response or *Notification.
type Message interface {
	message()
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      RequestID       `json:"id"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      RequestID       `json:"id"`
}

type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (*Request) message()      {}
func (*Response) message()     {}
func (*Notification) message() {}

type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope with params marshalled in place.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw, ID: id}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Encode serializes a message to a single line of JSON without the trailing
// newline; the transport appends it.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses one line into an envelope. Disambiguation is structural and
// tried in order: response, notification, request. A line matching none of the
// shapes returns an error; readers treat that as ignore, not as fatal.
func Decode(line []byte) (Message, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil {
		if resp.Result != nil || resp.Error != nil {
			return &resp, nil
		}
	}
	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if probe.Method == "" {
		return nil, fmt.Errorf("envelope matches no known shape")
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		var notif Notification
		if err := json.Unmarshal(line, &notif); err != nil {
			return nil, fmt.Errorf("malformed notification: %w", err)
		}
		return &notif, nil
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	return &req, nil
}

// InitializeParams is sent by the host to announce itself.
type InitializeParams struct {
	Host    string `json:"host"`
	Version string `json:"version"`
}

// InitializeResult is the plugin's half of the handshake.
type InitializeResult struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Tools       []ToolDecl `json:"tools"`
}

// ToolDecl describes one callable tool. Parameters is a JSON-Schema-shaped
// value used both for model tool prompts and for argument validation.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
