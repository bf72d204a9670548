package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/talekit/internal/cancel"
)

// Handler processes one inbound request or notification. The token is
// request-scoped: the dispatcher sets it when the peer cancels the
// request or the connection shuts down, and handlers poll it at safe
// points. Returning cancel.ErrCancelled (or a context error) yields a
// cancelled response rather than a failure.
type Handler func(ctx context.Context, tok *cancel.Token, params json.RawMessage) (any, error)

// Registry maps method names to handlers. Registration happens while a
// protocol façade is constructed; lookups happen on the routing path.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Handler)}
}

// Register binds a method name to a handler. Registering a duplicate
// name or a nil handler is a programming error and is rejected.
func (r *Registry) Register(method string, h Handler) error {
	if method == "" {
		return fmt.Errorf("register: empty method name")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[method]; exists {
		return fmt.Errorf("register %s: already registered", method)
	}
	r.methods[method] = h
	return nil
}

// Lookup returns the handler for a method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[method]
	return h, ok
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var jsonNull = []byte("null")

// NewTyped adapts a handler with a declared parameter type. Payloads
// are decoded into P before invocation; a payload that does not decode
// yields an invalid-params error response without running the handler.
// Absent or null params decode to the zero value.
func NewTyped[P any, R any](fn func(ctx context.Context, tok *cancel.Token, params P) (R, error)) Handler {
	return func(ctx context.Context, tok *cancel.Token, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 && !bytes.Equal(raw, jsonNull) {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid params: %v", err)
			}
		}
		result, err := fn(ctx, tok, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
