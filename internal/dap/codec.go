package dap

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/talekit/internal/rpc"
)

// MethodCancel is the ordinary request that abandons an in-flight
// request by id. Unlike JSON-RPC's out-of-band notification, the
// protocol demands a success response for it, so the adapter registers
// a handler rather than the codec intercepting it.
const MethodCancel = "cancel"

type responseErrorBody struct {
	Error *ErrorMessage `json:"error,omitempty"`
}

// Codec speaks the seq/command debug adapter dialect on behalf of an
// rpc.Connection: requests map to method calls keyed by seq, events map
// to notifications keyed by event name, and a failed response surfaces
// as *rpc.Error. Every outbound message consumes a fresh seq from one
// counter, ids included.
type Codec struct {
	seq atomic.Int64

	// A response must echo the command of the request it answers, which
	// the message model does not carry. Remember it per inbound id.
	mu       sync.Mutex
	commands map[int64]string
}

// NewCodec returns a codec with a fresh seq sequence.
func NewCodec() *Codec {
	return &Codec{commands: make(map[int64]string)}
}

// NextID allocates the seq for an outbound request.
func (c *Codec) NextID() rpc.ID {
	return rpc.NewIntID(c.seq.Add(1))
}

// Decode classifies a payload by its type field.
func (c *Codec) Decode(payload []byte) (*rpc.Message, error) {
	var base ProtocolMessage
	if err := json.Unmarshal(payload, &base); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch base.Type {
	case "request":
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		c.mu.Lock()
		c.commands[req.Seq] = req.Command
		c.mu.Unlock()
		return rpc.NewRequest(rpc.NewIntID(req.Seq), req.Command, req.Arguments), nil

	case "response":
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		id := rpc.NewIntID(resp.RequestSeq)
		if resp.Success {
			return &rpc.Message{Kind: rpc.KindResponse, ID: id, Result: resp.Body}, nil
		}
		return rpc.NewErrorResponse(id, responseError(&resp)), nil

	case "event":
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return rpc.NewNotification(ev.Event, ev.Body), nil

	default:
		return nil, fmt.Errorf("unknown message type %q", base.Type)
	}
}

// responseError lifts a failed response's details into the error model.
func responseError(resp *Response) *rpc.Error {
	code := rpc.CodeRequestFailed
	message := resp.Message

	var body responseErrorBody
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error != nil {
			if body.Error.ID != 0 {
				code = body.Error.ID
			}
			if body.Error.Format != "" {
				message = body.Error.Format
			}
		}
	}
	if message == "" {
		message = "request failed"
	}
	return &rpc.Error{Code: code, Message: message}
}

// Encode serializes a message. Requests reuse the seq their id was
// allocated from; responses and events draw a fresh one.
func (c *Codec) Encode(msg *rpc.Message) ([]byte, error) {
	switch msg.Kind {
	case rpc.KindRequest:
		return json.Marshal(Request{
			ProtocolMessage: ProtocolMessage{Seq: msg.ID.Int(), Type: "request"},
			Command:         msg.Method,
			Arguments:       msg.Params,
		})

	case rpc.KindNotification:
		return json.Marshal(Event{
			ProtocolMessage: ProtocolMessage{Seq: c.seq.Add(1), Type: "event"},
			Event:           msg.Method,
			Body:            msg.Params,
		})

	case rpc.KindResponse:
		resp := Response{
			ProtocolMessage: ProtocolMessage{Seq: c.seq.Add(1), Type: "response"},
			RequestSeq:      msg.ID.Int(),
			Command:         c.takeCommand(msg.ID.Int()),
		}
		if msg.Err != nil {
			resp.Message = msg.Err.Message
			body, err := json.Marshal(responseErrorBody{Error: &ErrorMessage{
				ID:     msg.Err.Code,
				Format: msg.Err.Message,
			}})
			if err != nil {
				return nil, fmt.Errorf("encode error body: %w", err)
			}
			resp.Body = body
		} else {
			resp.Success = true
			resp.Body = msg.Result
		}
		return json.Marshal(resp)

	default:
		return nil, fmt.Errorf("encode: unknown message kind %d", msg.Kind)
	}
}

func (c *Codec) takeCommand(seq int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	command := c.commands[seq]
	delete(c.commands, seq)
	return command
}

// CancelNotice asks the peer to abandon id with a cancel request. The
// response it earns matches no pending call and is discarded.
func (c *Codec) CancelNotice(id rpc.ID) (*rpc.Message, bool) {
	params, err := json.Marshal(CancelArguments{RequestID: id.Int()})
	if err != nil {
		return nil, false
	}
	return rpc.NewRequest(c.NextID(), MethodCancel, params), true
}

// CancelTarget always reports false: cancellation is an ordinary
// request in this dialect, handled by the adapter.
func (c *Codec) CancelTarget(msg *rpc.Message) (rpc.ID, bool) {
	return rpc.ID{}, false
}
