package dap

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dshills/talekit/internal/rpc"
)

func TestCodecDecodeRequest(t *testing.T) {
	c := NewCodec()

	msg, err := c.Decode([]byte(`{"seq":3,"type":"request","command":"initialize","arguments":{"clientID":"vscode"}}`))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if msg.Kind != rpc.KindRequest {
		t.Fatalf("kind = %v, want request", msg.Kind)
	}
	if msg.Method != "initialize" {
		t.Fatalf("method = %q, want initialize", msg.Method)
	}
	if got := msg.ID.Int(); got != 3 {
		t.Fatalf("id = %d, want 3", got)
	}

	var args InitializeRequestArguments
	if err := json.Unmarshal(msg.Params, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args.ClientID != "vscode" {
		t.Fatalf("clientID = %q, want vscode", args.ClientID)
	}
}

func TestCodecResponseEchoesCommand(t *testing.T) {
	c := NewCodec()

	if _, err := c.Decode([]byte(`{"seq":7,"type":"request","command":"threads","arguments":{}}`)); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	payload, err := c.Encode(rpc.NewResponse(rpc.NewIntID(7), json.RawMessage(`{"threads":[]}`)))
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != "response" {
		t.Fatalf("type = %q, want response", resp.Type)
	}
	if resp.RequestSeq != 7 {
		t.Fatalf("request_seq = %d, want 7", resp.RequestSeq)
	}
	if resp.Command != "threads" {
		t.Fatalf("command = %q, want threads", resp.Command)
	}
	if !resp.Success {
		t.Fatalf("response not marked success")
	}
	if resp.Seq == 0 {
		t.Fatalf("response did not draw a seq of its own")
	}
}

func TestCodecEncodeErrorResponse(t *testing.T) {
	c := NewCodec()

	if _, err := c.Decode([]byte(`{"seq":9,"type":"request","command":"evaluate","arguments":{}}`)); err != nil {
		t.Fatalf("decode request: %v", err)
	}

	payload, err := c.Encode(rpc.NewErrorResponse(rpc.NewIntID(9), rpc.NewError(rpc.CodeInvalidParams, "bad frame")))
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Success {
		t.Fatalf("error response marked success")
	}
	if resp.Command != "evaluate" {
		t.Fatalf("command = %q, want evaluate", resp.Command)
	}
	if resp.Message != "bad frame" {
		t.Fatalf("message = %q, want bad frame", resp.Message)
	}

	var body responseErrorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Error == nil {
		t.Fatalf("error body missing")
	}
	if body.Error.ID != rpc.CodeInvalidParams || body.Error.Format != "bad frame" {
		t.Fatalf("error body = %+v", body.Error)
	}
}

func TestCodecDecodeFailedResponse(t *testing.T) {
	c := NewCodec()

	msg, err := c.Decode([]byte(`{"seq":10,"type":"response","request_seq":4,"success":false,"command":"launch","message":"no suite","body":{"error":{"id":-32602,"format":"no suite named"}}}`))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.Kind != rpc.KindResponse {
		t.Fatalf("kind = %v, want response", msg.Kind)
	}
	if msg.Err == nil {
		t.Fatalf("failed response carried no error")
	}
	if msg.Err.Code != rpc.CodeInvalidParams {
		t.Fatalf("code = %d, want %d", msg.Err.Code, rpc.CodeInvalidParams)
	}
	if msg.Err.Message != "no suite named" {
		t.Fatalf("message = %q, want no suite named", msg.Err.Message)
	}
}

func TestCodecDecodeFailedResponseWithoutBody(t *testing.T) {
	c := NewCodec()

	msg, err := c.Decode([]byte(`{"seq":11,"type":"response","request_seq":5,"success":false,"command":"pause","message":"not running"}`))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.Err == nil {
		t.Fatalf("failed response carried no error")
	}
	if msg.Err.Code != rpc.CodeRequestFailed {
		t.Fatalf("code = %d, want %d", msg.Err.Code, rpc.CodeRequestFailed)
	}
	if msg.Err.Message != "not running" {
		t.Fatalf("message = %q, want not running", msg.Err.Message)
	}
}

func TestCodecDecodeEvent(t *testing.T) {
	c := NewCodec()

	msg, err := c.Decode([]byte(`{"seq":2,"type":"event","event":"stopped","body":{"reason":"breakpoint","threadId":1}}`))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Kind != rpc.KindNotification {
		t.Fatalf("kind = %v, want notification", msg.Kind)
	}
	if msg.Method != EventStopped {
		t.Fatalf("method = %q, want %q", msg.Method, EventStopped)
	}

	var body StoppedEventBody
	if err := json.Unmarshal(msg.Params, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Reason != "breakpoint" || body.ThreadID != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestCodecDecodeUnknownType(t *testing.T) {
	c := NewCodec()

	if _, err := c.Decode([]byte(`{"seq":1,"type":"bogus"}`)); err == nil {
		t.Fatalf("decode accepted unknown type")
	} else if !strings.Contains(err.Error(), "unknown message type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCodecEncodeRequestKeepsSeq(t *testing.T) {
	c := NewCodec()

	id := c.NextID()
	payload, err := c.Encode(rpc.NewRequest(id, "next", json.RawMessage(`{"threadId":1}`)))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Type != "request" || req.Command != "next" {
		t.Fatalf("request = %+v", req)
	}
	if req.Seq != id.Int() {
		t.Fatalf("seq = %d, want %d", req.Seq, id.Int())
	}
}

func TestCodecEventsDrawFreshSeqs(t *testing.T) {
	c := NewCodec()

	var seqs []int64
	for i := 0; i < 3; i++ {
		payload, err := c.Encode(rpc.NewNotification(EventOutput, json.RawMessage(`{}`)))
		if err != nil {
			t.Fatalf("encode event: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		seqs = append(seqs, ev.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seqs not increasing: %v", seqs)
		}
	}
}

func TestCodecCancelNotice(t *testing.T) {
	c := NewCodec()

	msg, ok := c.CancelNotice(rpc.NewIntID(12))
	if !ok {
		t.Fatalf("cancel notice unavailable")
	}
	if msg.Kind != rpc.KindRequest {
		t.Fatalf("kind = %v, want request", msg.Kind)
	}
	if msg.Method != MethodCancel {
		t.Fatalf("method = %q, want %q", msg.Method, MethodCancel)
	}

	var args CancelArguments
	if err := json.Unmarshal(msg.Params, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args.RequestID != 12 {
		t.Fatalf("requestId = %d, want 12", args.RequestID)
	}

	if _, ok := c.CancelTarget(msg); ok {
		t.Fatalf("cancel treated as an out-of-band notice")
	}
}
