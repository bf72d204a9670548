package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard errors returned by the connection layer.
var (
	// ErrNotStarted indicates the connection has not been started.
	ErrNotStarted = errors.New("connection not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("connection already started")

	// ErrClosed indicates the connection has been shut down. Pending
	// calls outstanding at shutdown resolve with this error.
	ErrClosed = errors.New("connection closed")

	// ErrTimeout indicates a call's deadline expired before the peer
	// responded. The call is resolved locally; a best-effort cancel is
	// sent to the peer.
	ErrTimeout = errors.New("call timed out")
)

// Error is a structured protocol error carried in a response. Handlers
// may return one directly to control the code the peer sees; any other
// error becomes a generic internal error with detail only in the local
// log.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Wire error codes. The negative space follows JSON-RPC 2.0 with the
// LSP extensions; the DAP codec maps its success flag onto these.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// NewError builds an Error with a formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
