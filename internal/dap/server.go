package dap

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// ErrNoTerminal is returned by RunInTerminal when the editor did not
// announce runInTerminal support at initialize.
var ErrNoTerminal = errors.New("client cannot run terminals")

// Session is the debug backend behind the adapter: the integration
// that launches and drives a tale runner. The adapter owns protocol
// sequencing; the session owns debug semantics.
type Session interface {
	Launch(ctx context.Context, args LaunchArguments) error
	Attach(ctx context.Context, args AttachArguments) error
	SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error)
	SetExceptionBreakpoints(ctx context.Context, args SetExceptionBreakpointsArguments) error
	ConfigurationDone(ctx context.Context) error
	Continue(ctx context.Context, args ContinueArguments) (ContinueResponseBody, error)
	Next(ctx context.Context, args NextArguments) error
	StepIn(ctx context.Context, args StepInArguments) error
	StepOut(ctx context.Context, args StepOutArguments) error
	Pause(ctx context.Context, args PauseArguments) error
	Threads(ctx context.Context) ([]Thread, error)
	StackTrace(ctx context.Context, args StackTraceArguments) (StackTraceResponseBody, error)
	Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error)
	Variables(ctx context.Context, args VariablesArguments) ([]Variable, error)
	Evaluate(ctx context.Context, args EvaluateArguments) (EvaluateResponseBody, error)
	Terminate(ctx context.Context) error
	Disconnect(ctx context.Context, args DisconnectArguments) error
}

// EventSink forwards debuggee events to the editor.
type EventSink interface {
	Output(body OutputEventBody)
	Stopped(body StoppedEventBody)
	Continued(body ContinuedEventBody)
	Thread(body ThreadEventBody)
	Exited(code int)
	Terminated()
}

// TerminalLauncher spawns a command in one of the editor's terminals.
type TerminalLauncher interface {
	RunInTerminal(ctx context.Context, args RunInTerminalRequestArguments) (RunInTerminalResponseBody, error)
}

// Host is the adapter-side surface a session talks back through.
type Host interface {
	EventSink
	TerminalLauncher
}

// SessionFactory builds the session for one adapter connection.
type SessionFactory func(host Host) Session

// AdapterOption configures an Adapter.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	logger   logr.Logger
	connOpts []rpc.Option
}

// WithAdapterLogger attaches a logger.
func WithAdapterLogger(log logr.Logger) AdapterOption {
	return func(c *adapterConfig) {
		c.logger = log
	}
}

// WithAdapterConnOptions passes options to the underlying connection.
func WithAdapterConnOptions(opts ...rpc.Option) AdapterOption {
	return func(c *adapterConfig) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// Adapter serves one editor's debug session. It registers the protocol
// commands, forwards their semantics to the Session, and owns event
// sequencing: the initialized event once launch or attach succeeds,
// debuggee events as the session reports them, terminated and exited at
// most once each.
type Adapter struct {
	conn    *rpc.Connection
	logger  logr.Logger
	session Session

	initialized atomic.Bool

	mu         sync.Mutex
	clientInfo InitializeRequestArguments

	readyOnce      sync.Once
	exitedOnce     sync.Once
	terminatedOnce sync.Once
}

// NewAdapter builds an adapter over tr. The factory receives the
// adapter itself as the session's host.
func NewAdapter(tr transport.Transport, factory SessionFactory, opts ...AdapterOption) *Adapter {
	cfg := adapterConfig{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Adapter{logger: cfg.logger}

	connOpts := append([]rpc.Option{
		rpc.WithCodec(NewCodec()),
		rpc.WithLogger(cfg.logger.WithName("rpc")),
	}, cfg.connOpts...)
	a.conn = rpc.New(tr, connOpts...)

	a.session = factory(a)
	a.register()
	return a
}

// Start begins serving the connection.
func (a *Adapter) Start(ctx context.Context) error {
	return a.conn.Start(ctx)
}

// Done closes when the connection is fully torn down.
func (a *Adapter) Done() <-chan struct{} {
	return a.conn.Done()
}

// Close tears the connection down.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// Conn exposes the underlying connection.
func (a *Adapter) Conn() *rpc.Connection {
	return a.conn
}

func (a *Adapter) register() {
	a.handle("initialize", rpc.NewTyped(a.initialize))
	a.handle(MethodCancel, rpc.NewTyped(a.cancelRequest))

	a.handleGated("launch", rpc.NewTyped(a.launch))
	a.handleGated("attach", rpc.NewTyped(a.attach))
	a.handleGated("setBreakpoints", rpc.NewTyped(a.setBreakpoints))
	a.handleGated("setExceptionBreakpoints", rpc.NewTyped(a.setExceptionBreakpoints))
	a.handleGated("configurationDone", rpc.NewTyped(a.configurationDone))
	a.handleGated("continue", rpc.NewTyped(a.continueRequest))
	a.handleGated("next", rpc.NewTyped(a.next))
	a.handleGated("stepIn", rpc.NewTyped(a.stepIn))
	a.handleGated("stepOut", rpc.NewTyped(a.stepOut))
	a.handleGated("pause", rpc.NewTyped(a.pause))
	a.handleGated("threads", rpc.NewTyped(a.threads))
	a.handleGated("stackTrace", rpc.NewTyped(a.stackTrace))
	a.handleGated("scopes", rpc.NewTyped(a.scopes))
	a.handleGated("variables", rpc.NewTyped(a.variables))
	a.handleGated("evaluate", rpc.NewTyped(a.evaluate))
	a.handleGated("disconnect", rpc.NewTyped(a.disconnect))
	a.handleGated("terminate", rpc.NewTyped(a.terminate))
}

func (a *Adapter) handle(command string, h rpc.Handler) {
	if err := a.conn.Register(command, h); err != nil {
		a.logger.Error(err, "register command", "command", command)
	}
}

func (a *Adapter) handleGated(command string, h rpc.Handler) {
	a.handle(command, func(ctx context.Context, tok *cancel.Token, params json.RawMessage) (any, error) {
		if !a.initialized.Load() {
			return nil, rpc.NewError(rpc.CodeServerNotInitialized, "adapter not initialized")
		}
		ctx, stop := mergeCancel(ctx, tok)
		defer stop()
		return h(ctx, tok, params)
	})
}

// sessionErr turns a session failure into a wire error whose message
// the editor can show the user. Cancellation keeps its own code, and
// errors that already chose a code pass through.
func sessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, cancel.ErrCancelled):
		return err
	}
	var wireErr *rpc.Error
	if errors.As(err, &wireErr) {
		return err
	}
	return rpc.NewError(rpc.CodeRequestFailed, "%s", err)
}

// mergeCancel derives a context that falls when either the connection
// context or the request's cancel token does. Sessions see plain
// contexts, so a cancel request has to reach them this way.
func mergeCancel(ctx context.Context, tok *cancel.Token) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(ctx)
	go func() {
		select {
		case <-tok.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	return ctx, stop
}

func (a *Adapter) initialize(ctx context.Context, tok *cancel.Token, args InitializeRequestArguments) (Capabilities, error) {
	if !a.initialized.CompareAndSwap(false, true) {
		return Capabilities{}, rpc.NewError(rpc.CodeInvalidRequest, "adapter already initialized")
	}

	a.mu.Lock()
	a.clientInfo = args
	a.mu.Unlock()
	a.logger.Info("initialize", "client", args.ClientID, "adapter", args.AdapterID)

	return Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         true,
		SupportsLogPoints:                 true,
		SupportsTerminateRequest:          true,
		SupportTerminateDebuggee:          true,
		SupportsCancelRequest:             true,
		SupportsSteppingGranularity:       true,
	}, nil
}

func (a *Adapter) cancelRequest(ctx context.Context, tok *cancel.Token, args CancelArguments) (any, error) {
	if args.RequestID != 0 {
		a.conn.CancelInbound(rpc.NewIntID(args.RequestID))
	}
	return nil, nil
}

func (a *Adapter) launch(ctx context.Context, tok *cancel.Token, args LaunchArguments) (any, error) {
	if err := a.session.Launch(ctx, args); err != nil {
		return nil, sessionErr(err)
	}
	a.ready()
	return nil, nil
}

func (a *Adapter) attach(ctx context.Context, tok *cancel.Token, args AttachArguments) (any, error) {
	if err := a.session.Attach(ctx, args); err != nil {
		return nil, sessionErr(err)
	}
	a.ready()
	return nil, nil
}

// ready tells the editor it may send breakpoint configuration.
func (a *Adapter) ready() {
	a.readyOnce.Do(func() {
		a.notify(EventInitialized, nil)
	})
}

func (a *Adapter) setBreakpoints(ctx context.Context, tok *cancel.Token, args SetBreakpointsArguments) (SetBreakpointsResponseBody, error) {
	bps, err := a.session.SetBreakpoints(ctx, args)
	if err != nil {
		return SetBreakpointsResponseBody{}, sessionErr(err)
	}
	if bps == nil {
		bps = []Breakpoint{}
	}
	return SetBreakpointsResponseBody{Breakpoints: bps}, nil
}

func (a *Adapter) setExceptionBreakpoints(ctx context.Context, tok *cancel.Token, args SetExceptionBreakpointsArguments) (any, error) {
	return nil, sessionErr(a.session.SetExceptionBreakpoints(ctx, args))
}

func (a *Adapter) configurationDone(ctx context.Context, tok *cancel.Token, _ struct{}) (any, error) {
	return nil, sessionErr(a.session.ConfigurationDone(ctx))
}

func (a *Adapter) continueRequest(ctx context.Context, tok *cancel.Token, args ContinueArguments) (ContinueResponseBody, error) {
	body, err := a.session.Continue(ctx, args)
	if err != nil {
		return ContinueResponseBody{}, sessionErr(err)
	}
	return body, nil
}

func (a *Adapter) next(ctx context.Context, tok *cancel.Token, args NextArguments) (any, error) {
	return nil, sessionErr(a.session.Next(ctx, args))
}

func (a *Adapter) stepIn(ctx context.Context, tok *cancel.Token, args StepInArguments) (any, error) {
	return nil, sessionErr(a.session.StepIn(ctx, args))
}

func (a *Adapter) stepOut(ctx context.Context, tok *cancel.Token, args StepOutArguments) (any, error) {
	return nil, sessionErr(a.session.StepOut(ctx, args))
}

func (a *Adapter) pause(ctx context.Context, tok *cancel.Token, args PauseArguments) (any, error) {
	return nil, sessionErr(a.session.Pause(ctx, args))
}

func (a *Adapter) threads(ctx context.Context, tok *cancel.Token, _ struct{}) (ThreadsResponseBody, error) {
	ts, err := a.session.Threads(ctx)
	if err != nil {
		return ThreadsResponseBody{}, sessionErr(err)
	}
	if ts == nil {
		ts = []Thread{}
	}
	return ThreadsResponseBody{Threads: ts}, nil
}

func (a *Adapter) stackTrace(ctx context.Context, tok *cancel.Token, args StackTraceArguments) (StackTraceResponseBody, error) {
	body, err := a.session.StackTrace(ctx, args)
	if err != nil {
		return StackTraceResponseBody{}, sessionErr(err)
	}
	if body.StackFrames == nil {
		body.StackFrames = []StackFrame{}
	}
	return body, nil
}

func (a *Adapter) scopes(ctx context.Context, tok *cancel.Token, args ScopesArguments) (ScopesResponseBody, error) {
	ss, err := a.session.Scopes(ctx, args)
	if err != nil {
		return ScopesResponseBody{}, sessionErr(err)
	}
	if ss == nil {
		ss = []Scope{}
	}
	return ScopesResponseBody{Scopes: ss}, nil
}

func (a *Adapter) variables(ctx context.Context, tok *cancel.Token, args VariablesArguments) (VariablesResponseBody, error) {
	vs, err := a.session.Variables(ctx, args)
	if err != nil {
		return VariablesResponseBody{}, sessionErr(err)
	}
	if vs == nil {
		vs = []Variable{}
	}
	return VariablesResponseBody{Variables: vs}, nil
}

func (a *Adapter) evaluate(ctx context.Context, tok *cancel.Token, args EvaluateArguments) (EvaluateResponseBody, error) {
	body, err := a.session.Evaluate(ctx, args)
	if err != nil {
		return EvaluateResponseBody{}, sessionErr(err)
	}
	return body, nil
}

func (a *Adapter) terminate(ctx context.Context, tok *cancel.Token, args TerminateArguments) (any, error) {
	return nil, sessionErr(a.session.Terminate(ctx))
}

func (a *Adapter) disconnect(ctx context.Context, tok *cancel.Token, args DisconnectArguments) (any, error) {
	// The editor is leaving either way: a failure to wind the session
	// down cleanly is logged, not reported.
	if err := a.session.Disconnect(ctx, args); err != nil {
		a.logger.Error(err, "session disconnect")
	}
	a.Terminated()
	return nil, nil
}

// notify sends an event, logging rather than failing: event delivery is
// best effort once the connection is going away.
func (a *Adapter) notify(event string, body any) {
	if err := a.conn.Notify(context.Background(), event, body); err != nil {
		a.logger.V(1).Info("drop event", "event", event, "err", err)
	}
}

// Output implements EventSink.
func (a *Adapter) Output(body OutputEventBody) {
	a.notify(EventOutput, body)
}

// Stopped implements EventSink.
func (a *Adapter) Stopped(body StoppedEventBody) {
	a.notify(EventStopped, body)
}

// Continued implements EventSink.
func (a *Adapter) Continued(body ContinuedEventBody) {
	a.notify(EventContinued, body)
}

// Thread implements EventSink.
func (a *Adapter) Thread(body ThreadEventBody) {
	a.notify(EventThread, body)
}

// Exited reports the debuggee's exit code, at most once.
func (a *Adapter) Exited(code int) {
	a.exitedOnce.Do(func() {
		a.notify(EventExited, ExitedEventBody{ExitCode: code})
	})
}

// Terminated reports the end of the debug session, at most once.
func (a *Adapter) Terminated() {
	a.terminatedOnce.Do(func() {
		a.notify(EventTerminated, TerminatedEventBody{})
	})
}

// RunInTerminal implements TerminalLauncher by asking the editor.
func (a *Adapter) RunInTerminal(ctx context.Context, args RunInTerminalRequestArguments) (RunInTerminalResponseBody, error) {
	a.mu.Lock()
	supported := a.clientInfo.SupportsRunInTerminalRequest
	a.mu.Unlock()
	if !supported {
		return RunInTerminalResponseBody{}, ErrNoTerminal
	}

	var body RunInTerminalResponseBody
	if err := a.conn.Call(ctx, "runInTerminal", args, &body); err != nil {
		return RunInTerminalResponseBody{}, err
	}
	return body, nil
}
