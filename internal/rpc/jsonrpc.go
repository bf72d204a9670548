package rpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Version is the JSON-RPC protocol version sent on every message.
const Version = "2.0"

// MethodCancelRequest is the notification that cancels an in-flight
// request by id.
const MethodCancelRequest = "$/cancelRequest"

// jsonrpcMessage is the wire shape shared by all three message kinds.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type cancelParams struct {
	ID ID `json:"id"`
}

// JSONRPCCodec speaks JSON-RPC 2.0. It is the default codec and the
// one the language server uses.
type JSONRPCCodec struct {
	nextID       atomic.Int64
	cancelMethod string
}

// JSONRPCOption configures a JSONRPCCodec.
type JSONRPCOption func(*JSONRPCCodec)

// WithCancelMethod overrides the notification method used for
// cancellation. The default is $/cancelRequest.
func WithCancelMethod(method string) JSONRPCOption {
	return func(c *JSONRPCCodec) {
		c.cancelMethod = method
	}
}

// NewJSONRPCCodec returns a codec with a fresh id sequence.
func NewJSONRPCCodec(opts ...JSONRPCOption) *JSONRPCCodec {
	c := &JSONRPCCodec{cancelMethod: MethodCancelRequest}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextID returns the next numeric id, starting at 1.
func (c *JSONRPCCodec) NextID() ID {
	return NewIntID(c.nextID.Add(1))
}

// Decode classifies a payload by shape: a method with an id is a
// request, a method without an id is a notification, and an id without
// a method is a response.
func (c *JSONRPCCodec) Decode(payload []byte) (*Message, error) {
	var w jsonrpcMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	hasID := w.ID != nil && w.ID.Valid()
	switch {
	case w.Method != "" && hasID:
		return NewRequest(*w.ID, w.Method, w.Params), nil
	case w.Method != "":
		return NewNotification(w.Method, w.Params), nil
	case hasID:
		return &Message{Kind: KindResponse, ID: *w.ID, Result: w.Result, Err: w.Error}, nil
	default:
		return nil, fmt.Errorf("message is neither request, response, nor notification: %s", payload)
	}
}

// Encode serializes a message. A success response without a result is
// written with an explicit null result, as the protocol requires.
func (c *JSONRPCCodec) Encode(msg *Message) ([]byte, error) {
	w := jsonrpcMessage{JSONRPC: Version}

	switch msg.Kind {
	case KindRequest:
		id := msg.ID
		w.ID = &id
		w.Method = msg.Method
		w.Params = msg.Params
	case KindNotification:
		w.Method = msg.Method
		w.Params = msg.Params
	case KindResponse:
		id := msg.ID
		w.ID = &id
		if msg.Err != nil {
			w.Error = msg.Err
		} else {
			w.Result = msg.Result
			if w.Result == nil {
				w.Result = json.RawMessage("null")
			}
		}
	default:
		return nil, fmt.Errorf("encode: unknown message kind %d", msg.Kind)
	}

	return json.Marshal(w)
}

// CancelNotice builds a cancel notification for id.
func (c *JSONRPCCodec) CancelNotice(id ID) (*Message, bool) {
	params, err := json.Marshal(cancelParams{ID: id})
	if err != nil {
		return nil, false
	}
	return NewNotification(c.cancelMethod, params), true
}

// CancelTarget recognizes an inbound cancel notification.
func (c *JSONRPCCodec) CancelTarget(msg *Message) (ID, bool) {
	if msg.Kind != KindNotification || msg.Method != c.cancelMethod {
		return ID{}, false
	}
	var p cancelParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return ID{}, false
	}
	return p.ID, true
}
