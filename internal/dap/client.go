package dap

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger   logr.Logger
	connOpts []rpc.Option
}

// WithClientLogger attaches a logger.
func WithClientLogger(log logr.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = log
	}
}

// WithClientConnOptions passes options to the underlying connection.
func WithClientConnOptions(opts ...rpc.Option) ClientOption {
	return func(c *clientConfig) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// Client is the editor side of a debug connection: typed requests out,
// event hooks in. Hooks may be installed before or after Start; events
// arriving with no hook installed are dropped.
type Client struct {
	conn   *rpc.Connection
	logger logr.Logger

	mu              sync.Mutex
	onInitialized   func()
	onStopped       func(StoppedEventBody)
	onContinued     func(ContinuedEventBody)
	onOutput        func(OutputEventBody)
	onThread        func(ThreadEventBody)
	onExited        func(ExitedEventBody)
	onTerminated    func(TerminatedEventBody)
	onRunInTerminal func(RunInTerminalRequestArguments) (RunInTerminalResponseBody, error)
}

// NewClient builds a client over tr.
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	cfg := clientConfig{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{logger: cfg.logger}

	connOpts := append([]rpc.Option{
		rpc.WithCodec(NewCodec()),
		rpc.WithLogger(cfg.logger.WithName("rpc")),
	}, cfg.connOpts...)
	c.conn = rpc.New(tr, connOpts...)

	c.registerEvents()
	return c
}

// Start begins serving the connection.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Start(ctx)
}

// Done closes when the connection is fully torn down.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *rpc.Connection {
	return c.conn
}

// OnInitialized installs the hook for the initialized event.
func (c *Client) OnInitialized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInitialized = fn
}

// OnStopped installs the hook for stopped events.
func (c *Client) OnStopped(fn func(StoppedEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStopped = fn
}

// OnContinued installs the hook for continued events.
func (c *Client) OnContinued(fn func(ContinuedEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onContinued = fn
}

// OnOutput installs the hook for output events.
func (c *Client) OnOutput(fn func(OutputEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOutput = fn
}

// OnThread installs the hook for thread events.
func (c *Client) OnThread(fn func(ThreadEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onThread = fn
}

// OnExited installs the hook for the exited event.
func (c *Client) OnExited(fn func(ExitedEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExited = fn
}

// OnTerminated installs the hook for the terminated event.
func (c *Client) OnTerminated(fn func(TerminatedEventBody)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTerminated = fn
}

// OnRunInTerminal installs the handler for reverse runInTerminal
// requests. Without one the adapter's request fails.
func (c *Client) OnRunInTerminal(fn func(RunInTerminalRequestArguments) (RunInTerminalResponseBody, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRunInTerminal = fn
}

func (c *Client) registerEvents() {
	c.register(EventInitialized, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, _ struct{}) (any, error) {
		c.mu.Lock()
		fn := c.onInitialized
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil, nil
	}))
	c.register(EventStopped, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body StoppedEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onStopped
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register(EventContinued, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body ContinuedEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onContinued
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register(EventOutput, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body OutputEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onOutput
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register(EventThread, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body ThreadEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onThread
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register(EventExited, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body ExitedEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onExited
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register(EventTerminated, rpc.NewTyped(func(ctx context.Context, tok *cancel.Token, body TerminatedEventBody) (any, error) {
		c.mu.Lock()
		fn := c.onTerminated
		c.mu.Unlock()
		if fn != nil {
			fn(body)
		}
		return nil, nil
	}))
	c.register("runInTerminal", rpc.NewTyped(c.runInTerminal))
}

func (c *Client) register(method string, h rpc.Handler) {
	if err := c.conn.Register(method, h); err != nil {
		c.logger.Error(err, "register handler", "method", method)
	}
}

func (c *Client) runInTerminal(ctx context.Context, tok *cancel.Token, args RunInTerminalRequestArguments) (RunInTerminalResponseBody, error) {
	c.mu.Lock()
	fn := c.onRunInTerminal
	c.mu.Unlock()
	if fn == nil {
		return RunInTerminalResponseBody{}, rpc.NewError(rpc.CodeMethodNotFound, "runInTerminal not handled")
	}
	return fn(args)
}

func (c *Client) call(ctx context.Context, command string, args, out any) error {
	if err := c.conn.Call(ctx, command, args, out); err != nil {
		return fmt.Errorf("%s failed: %w", command, err)
	}
	return nil
}

// Initialize exchanges capabilities with the adapter.
func (c *Client) Initialize(ctx context.Context, args InitializeRequestArguments) (Capabilities, error) {
	var caps Capabilities
	if err := c.call(ctx, "initialize", args, &caps); err != nil {
		return Capabilities{}, err
	}
	return caps, nil
}

// Launch starts the debuggee.
func (c *Client) Launch(ctx context.Context, args LaunchArguments) error {
	return c.call(ctx, "launch", args, nil)
}

// Attach joins an already-running debuggee.
func (c *Client) Attach(ctx context.Context, args AttachArguments) error {
	return c.call(ctx, "attach", args, nil)
}

// SetBreakpoints replaces the breakpoints of one source.
func (c *Client) SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error) {
	var body SetBreakpointsResponseBody
	if err := c.call(ctx, "setBreakpoints", args, &body); err != nil {
		return nil, err
	}
	return body.Breakpoints, nil
}

// SetExceptionBreakpoints configures the failure filters.
func (c *Client) SetExceptionBreakpoints(ctx context.Context, args SetExceptionBreakpointsArguments) error {
	return c.call(ctx, "setExceptionBreakpoints", args, nil)
}

// ConfigurationDone signals the end of breakpoint configuration.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	return c.call(ctx, "configurationDone", struct{}{}, nil)
}

// Continue resumes execution.
func (c *Client) Continue(ctx context.Context, args ContinueArguments) (ContinueResponseBody, error) {
	var body ContinueResponseBody
	if err := c.call(ctx, "continue", args, &body); err != nil {
		return ContinueResponseBody{}, err
	}
	return body, nil
}

// Next steps over the current keyword.
func (c *Client) Next(ctx context.Context, args NextArguments) error {
	return c.call(ctx, "next", args, nil)
}

// StepIn steps into the current keyword.
func (c *Client) StepIn(ctx context.Context, args StepInArguments) error {
	return c.call(ctx, "stepIn", args, nil)
}

// StepOut steps out of the current keyword.
func (c *Client) StepOut(ctx context.Context, args StepOutArguments) error {
	return c.call(ctx, "stepOut", args, nil)
}

// Pause suspends execution.
func (c *Client) Pause(ctx context.Context, args PauseArguments) error {
	return c.call(ctx, "pause", args, nil)
}

// Threads lists the execution threads.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	var body ThreadsResponseBody
	if err := c.call(ctx, "threads", struct{}{}, &body); err != nil {
		return nil, err
	}
	return body.Threads, nil
}

// StackTrace reports the frames of one thread.
func (c *Client) StackTrace(ctx context.Context, args StackTraceArguments) (StackTraceResponseBody, error) {
	var body StackTraceResponseBody
	if err := c.call(ctx, "stackTrace", args, &body); err != nil {
		return StackTraceResponseBody{}, err
	}
	return body, nil
}

// Scopes reports the variable scopes of one frame.
func (c *Client) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	var body ScopesResponseBody
	if err := c.call(ctx, "scopes", args, &body); err != nil {
		return nil, err
	}
	return body.Scopes, nil
}

// Variables expands one variables reference.
func (c *Client) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	var body VariablesResponseBody
	if err := c.call(ctx, "variables", args, &body); err != nil {
		return nil, err
	}
	return body.Variables, nil
}

// Evaluate evaluates an expression in a frame.
func (c *Client) Evaluate(ctx context.Context, args EvaluateArguments) (EvaluateResponseBody, error) {
	var body EvaluateResponseBody
	if err := c.call(ctx, "evaluate", args, &body); err != nil {
		return EvaluateResponseBody{}, err
	}
	return body, nil
}

// Terminate asks the debuggee to shut down gracefully.
func (c *Client) Terminate(ctx context.Context) error {
	return c.call(ctx, "terminate", TerminateArguments{}, nil)
}

// Disconnect ends the debug session.
func (c *Client) Disconnect(ctx context.Context, args DisconnectArguments) error {
	return c.call(ctx, "disconnect", args, nil)
}

// Cancel asks the adapter to cancel an in-flight request.
func (c *Client) Cancel(ctx context.Context, requestID int64) error {
	return c.call(ctx, MethodCancel, CancelArguments{RequestID: requestID}, nil)
}
