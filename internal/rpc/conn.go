package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/transport"
)

// State tracks the connection lifecycle.
type State int32

const (
	// StateCreated means the connection exists but is not pumping.
	StateCreated State = iota

	// StateRunning means the receive loop is live.
	StateRunning

	// StateShuttingDown means teardown has begun.
	StateShuttingDown

	// StateClosed means the transport is closed and all pending calls
	// are resolved.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingCall tracks one outstanding outbound request. It resolves
// exactly once: on the matching response, on the call's deadline, or
// at connection teardown.
type pendingCall struct {
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan struct{})}
}

func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// deliver unmarshals the resolved result into out, which may be nil
// when the caller discards the result.
func (p *pendingCall) deliver(out any) error {
	if p.err != nil {
		return p.err
	}
	if out == nil || len(p.result) == 0 || string(p.result) == "null" {
		return nil
	}
	if err := json.Unmarshal(p.result, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// Connection routes messages between a transport and registered
// handlers while correlating both directions' calls. One goroutine
// pumps the transport and routes strictly in arrival order; handlers
// run on the worker pool. Either side may issue requests at any time.
type Connection struct {
	tr    transport.Transport
	codec Codec
	reg   *Registry
	log   logr.Logger

	pool    *Pool
	ownPool bool

	callTimeout     time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	pending map[ID]*pendingCall

	cancels *cancel.Registry[ID]

	state    atomic.Int32
	started  atomic.Bool
	runCtx   context.Context
	runStop  context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	closing  sync.Once
}

// Option configures a Connection.
type Option func(*Connection)

// WithCodec selects the wire dialect. The default is JSON-RPC 2.0.
func WithCodec(c Codec) Option {
	return func(conn *Connection) {
		conn.codec = c
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(conn *Connection) {
		conn.log = log
	}
}

// WithPool shares an externally owned worker pool. The caller is
// responsible for starting and stopping it.
func WithPool(p *Pool) Option {
	return func(conn *Connection) {
		conn.pool = p
		conn.ownPool = false
	}
}

// WithPoolConfig sizes the connection's own worker pool.
func WithPoolConfig(workers, queueSize int) Option {
	return func(conn *Connection) {
		conn.pool = NewPool(workers, queueSize)
		conn.ownPool = true
	}
}

// WithCallTimeout sets a default deadline applied to Call when the
// caller's context has none. Zero means no default deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(conn *Connection) {
		conn.callTimeout = d
	}
}

// WithShutdownTimeout bounds how long Close waits for in-flight
// handlers to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(conn *Connection) {
		conn.shutdownTimeout = d
	}
}

// New creates a connection over tr. Start must be called before any
// traffic flows.
func New(tr transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		tr:              tr,
		codec:           NewJSONRPCCodec(),
		reg:             NewRegistry(),
		log:             logr.Discard(),
		pool:            NewPool(DefaultWorkers, DefaultQueueSize),
		ownPool:         true,
		shutdownTimeout: 5 * time.Second,
		pending:         make(map[ID]*pendingCall),
		cancels:         cancel.NewRegistry[ID](),
		loopDone:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool.panicFn == nil {
		c.pool.panicFn = func(v any, stack []byte) {
			c.log.Error(nil, "worker panic", "panic", v, "stack", string(stack))
		}
	}
	return c
}

// Register binds a method name to a handler. All registration happens
// before Start; the façades register during construction.
func (c *Connection) Register(method string, h Handler) error {
	return c.reg.Register(method, h)
}

// Start launches the worker pool and the receive loop.
func (c *Connection) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	c.runCtx, c.runStop = context.WithCancel(ctx)
	if c.ownPool {
		if err := c.pool.Start(); err != nil {
			return err
		}
	}
	c.started.Store(true)
	go c.receiveLoop()
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Done returns a channel closed once the connection is fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Call issues a request and blocks until the matching response, the
// context deadline, or connection shutdown. result may be nil to
// discard the response payload. On deadline expiry the pending call
// resolves with ErrTimeout and a best-effort cancel goes to the peer.
func (c *Connection) Call(ctx context.Context, method string, params, result any) error {
	switch c.State() {
	case StateCreated:
		return ErrNotStarted
	case StateShuttingDown, StateClosed:
		return ErrClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	if c.callTimeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancelCtx context.CancelFunc
			ctx, cancelCtx = context.WithTimeout(ctx, c.callTimeout)
			defer cancelCtx()
		}
	}

	id := c.codec.NextID()
	p := newPendingCall()
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(NewRequest(id, method, raw)); err != nil {
		c.removePending(id)
		return fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case <-p.done:
		return p.deliver(result)
	case <-ctx.Done():
		c.removePending(id)
		// The response may have arrived while the deadline fired.
		select {
		case <-p.done:
			return p.deliver(result)
		default:
		}
		if notice, ok := c.codec.CancelNotice(id); ok {
			_ = c.send(notice)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.resolve(nil, ErrTimeout)
			return fmt.Errorf("call %s: %w", method, ErrTimeout)
		}
		p.resolve(nil, ctx.Err())
		return ctx.Err()
	case <-c.done:
		// Teardown resolves every tracked call with ErrClosed; a call
		// registered in the teardown window resolves here instead.
		p.resolve(nil, ErrClosed)
		return p.deliver(result)
	}
}

// Notify sends a notification. Nothing comes back.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	switch c.State() {
	case StateCreated:
		return ErrNotStarted
	case StateShuttingDown, StateClosed:
		return ErrClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return c.send(NewNotification(method, raw))
}

// CancelInbound sets the cancellation token for an inbound request
// still executing. Unknown or completed ids are a silent no-op, as a
// cancel racing the response must be.
func (c *Connection) CancelInbound(id ID) bool {
	return c.cancels.Cancel(id)
}

// PendingCalls returns the number of outstanding outbound requests.
func (c *Connection) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close shuts the connection down: new outbound calls are refused,
// every outstanding pending call resolves with ErrClosed, in-flight
// inbound handlers see their tokens set, and the transport closes.
// Safe to call more than once.
func (c *Connection) Close() error {
	c.teardown(ErrClosed)
	return nil
}

func (c *Connection) teardown(cause error) {
	c.closing.Do(func() {
		c.state.Store(int32(StateShuttingDown))
		if c.runStop != nil {
			c.runStop()
		}
		c.cancels.CancelAll()
		c.failPending(cause)
		_ = c.tr.Close()
		if c.started.Load() {
			<-c.loopDone
		}
		if c.ownPool && c.started.Load() {
			stopCtx, stop := context.WithTimeout(context.Background(), c.shutdownTimeout)
			defer stop()
			if err := c.pool.Stop(stopCtx); err != nil {
				c.log.V(1).Info("pool drain incomplete", "err", err)
			}
		}
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// failPending resolves every outstanding call with cause. Resolution
// is once-only per call, so a response racing teardown is harmless.
func (c *Connection) failPending(cause error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, p := range calls {
		p.resolve(nil, cause)
	}
}

func (c *Connection) removePending(id ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) receiveLoop() {
	err := c.pump()
	close(c.loopDone)
	if err != nil && c.State() == StateRunning {
		if isDisconnect(err) {
			c.log.V(1).Info("peer disconnected")
		} else {
			c.log.Error(err, "connection failed")
		}
	}
	c.teardown(ErrClosed)
}

// pump is the routing loop: decode and route strictly in arrival
// order. Any transport or decode failure ends the connection.
func (c *Connection) pump() error {
	for {
		frame, err := c.tr.Receive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		msg, err := c.codec.Decode(frame.Content)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		c.route(msg)
	}
}

func (c *Connection) route(msg *Message) {
	switch msg.Kind {
	case KindResponse:
		c.routeResponse(msg)
	case KindNotification:
		c.routeNotification(msg)
	case KindRequest:
		c.routeRequest(msg)
	}
}

func (c *Connection) routeResponse(msg *Message) {
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Stale or duplicate; the call may have timed out already.
		c.log.V(1).Info("discarding unmatched response", "id", msg.ID.String())
		return
	}
	if msg.Err != nil {
		p.resolve(nil, msg.Err)
		return
	}
	p.resolve(msg.Result, nil)
}

func (c *Connection) routeNotification(msg *Message) {
	if target, ok := c.codec.CancelTarget(msg); ok {
		c.CancelInbound(target)
		return
	}

	h, ok := c.reg.Lookup(msg.Method)
	if !ok {
		c.log.V(1).Info("discarding unknown notification", "method", msg.Method)
		return
	}

	c.submit(func() {
		// No reply channel exists for notifications; failures are
		// surfaced locally only.
		if _, err := h(c.runCtx, cancel.NewToken(), msg.Params); err != nil {
			c.log.Error(err, "notification handler failed", "method", msg.Method)
		}
	})
}

func (c *Connection) routeRequest(msg *Message) {
	h, ok := c.reg.Lookup(msg.Method)
	if !ok {
		c.reply(NewErrorResponse(msg.ID, NewError(CodeMethodNotFound, "method not found: %s", msg.Method)))
		return
	}

	tok := c.cancels.Register(msg.ID)
	c.submit(func() {
		c.execute(msg, h, tok)
	})
}

// execute runs one inbound request on the pool and sends exactly one
// response for it.
func (c *Connection) execute(msg *Message, h Handler, tok *cancel.Token) {
	defer c.cancels.Release(msg.ID)

	result, err := c.invoke(msg, h, tok)

	var wireErr *Error
	switch {
	case err == nil:
	case errors.As(err, &wireErr):
		// The handler chose its own wire code (invalid params,
		// application-defined, or the panic path below).
	case errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled):
		wireErr = NewError(CodeRequestCancelled, "request cancelled")
	default:
		c.log.Error(err, "handler failed", "method", msg.Method, "id", msg.ID.String())
		wireErr = NewError(CodeInternalError, "internal error")
	}

	if wireErr != nil {
		c.reply(NewErrorResponse(msg.ID, wireErr))
		return
	}

	raw, err := marshalResult(result)
	if err != nil {
		c.log.Error(err, "marshal result", "method", msg.Method, "id", msg.ID.String())
		c.reply(NewErrorResponse(msg.ID, NewError(CodeInternalError, "internal error")))
		return
	}
	c.reply(NewResponse(msg.ID, raw))
}

func (c *Connection) invoke(msg *Message, h Handler, tok *cancel.Token) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(nil, "handler panicked", "method", msg.Method, "panic", r)
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return h(c.runCtx, tok, msg.Params)
}

// submit schedules fn on the pool, falling back to a plain goroutine
// if the pool is mid-shutdown so routing never blocks or drops.
func (c *Connection) submit(fn func()) {
	if err := c.pool.Submit(fn); err != nil {
		go fn()
	}
}

func (c *Connection) reply(msg *Message) {
	if err := c.send(msg); err != nil {
		if c.State() == StateRunning {
			c.log.Error(err, "send response", "id", msg.ID.String())
		}
	}
}

func (c *Connection) send(msg *Message) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	if err := c.tr.Send(transport.NewFrame(payload)); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

// isDisconnect reports whether err is an ordinary end-of-stream rather
// than a protocol fault worth logging loudly.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}
