// Package rpc implements an asynchronous, bidirectional RPC connection
// over a framed transport.
//
// The connection correlates requests and responses in both directions
// over one duplex stream: either side may call the other while its own
// calls are still in flight. A Codec maps concrete wire shapes
// (JSON-RPC 2.0, or the seq/command debug-adapter dialect) onto the
// package's message model, so one dispatch layer serves both
// protocols. Inbound handlers run on a worker pool with cooperative
// per-request cancellation; the routing goroutine never executes
// handler code.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a request correlation id: a caller-assigned string or integer,
// unique among that side's outstanding calls. The zero value is the
// absent id (a notification has none). IDs compare with == and may be
// used as map keys.
type ID struct {
	num      int64
	str      string
	isString bool
	present  bool
}

// NewIntID returns a numeric id.
func NewIntID(n int64) ID {
	return ID{num: n, present: true}
}

// NewStringID returns a string id.
func NewStringID(s string) ID {
	return ID{str: s, isString: true, present: true}
}

// Valid reports whether the id is present.
func (id ID) Valid() bool {
	return id.present
}

// Int returns the numeric value, or 0 for string and absent ids.
func (id ID) Int() int64 {
	if id.isString {
		return 0
	}
	return id.num
}

// String renders the id for logs.
func (id ID) String() string {
	if !id.present {
		return "<none>"
	}
	if id.isString {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON writes the id as a JSON string or number.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.present {
		return []byte("null"), nil
	}
	if id.isString {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON accepts a JSON string, integer, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = NewStringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = NewIntID(n)
	return nil
}

// Kind discriminates the three message shapes.
type Kind int

const (
	// KindRequest carries an id, a method, and params; it demands
	// exactly one response.
	KindRequest Kind = iota

	// KindResponse answers the request with the same id, carrying a
	// result or an error.
	KindResponse

	// KindNotification carries a method and params with no id; nothing
	// is sent back.
	KindNotification
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is the codec-independent form of one protocol message.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *Error
}

// NewRequest builds a request message.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Kind: KindNotification, Method: method, Params: params}
}

// NewResponse builds a success response.
func NewResponse(id ID, result json.RawMessage) *Message {
	return &Message{Kind: KindResponse, ID: id, Result: result}
}

// NewErrorResponse builds a failure response.
func NewErrorResponse(id ID, err *Error) *Message {
	return &Message{Kind: KindResponse, ID: id, Err: err}
}
