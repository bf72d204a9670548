package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/config"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// ErrNotConnected is returned for commands that need a runner before
// one is attached.
var ErrNotConnected = errors.New("no runner connected")

const defaultLaunchTimeout = 15 * time.Second

// FreePort asks the kernel for an unused loopback TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// RunnerSession launches the tale runner in debug mode and proxies the
// session to it. The adapter stays a thin front: breakpoints, stepping
// and inspection are all answered by the runner itself, its events are
// piped back to the editor.
type RunnerSession struct {
	host          Host
	logger        logr.Logger
	runner        string
	runnerArgs    []string
	launchTimeout time.Duration
	attachTimeout time.Duration

	mu     sync.Mutex
	client *Client
	cmd    *exec.Cmd
}

// NewRunnerSession builds the standard session factory for cfg.
func NewRunnerSession(cfg *config.Config, log logr.Logger) SessionFactory {
	launch := cfg.Timeouts.Launch.Std()
	if launch <= 0 {
		launch = defaultLaunchTimeout
	}
	attach := cfg.Debug.AttachTimeout.Std()
	if attach <= 0 {
		attach = defaultLaunchTimeout
	}
	return func(host Host) Session {
		return &RunnerSession{
			host:          host,
			logger:        log,
			runner:        cfg.Debug.Runner,
			runnerArgs:    append([]string(nil), cfg.Debug.RunnerArgs...),
			launchTimeout: launch,
			attachTimeout: attach,
		}
	}
}

// Launch reserves a port, starts the runner pointed at it, and connects.
func (s *RunnerSession) Launch(ctx context.Context, args LaunchArguments) error {
	port, err := FreePort()
	if err != nil {
		return err
	}
	argv := s.argv(port, args)

	console := args.Console
	if console == "" {
		console = ConsoleIntegrated
	}
	switch console {
	case ConsoleIntegrated, ConsoleExternal:
		kind := "integrated"
		if console == ConsoleExternal {
			kind = "external"
		}
		title := args.Name
		if title == "" {
			title = "Tale Debug"
		}
		_, err := s.host.RunInTerminal(ctx, RunInTerminalRequestArguments{
			Kind:  kind,
			Title: title,
			Cwd:   args.Cwd,
			Args:  argv,
			Env:   args.Env,
		})
		switch {
		case errors.Is(err, ErrNoTerminal):
			// Editors without terminal support still get a session.
			s.logger.V(1).Info("client cannot run terminals, spawning runner directly")
			if err := s.spawn(argv, args); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("run in terminal: %w", err)
		}
	case ConsoleInternal:
		if err := s.spawn(argv, args); err != nil {
			return err
		}
	default:
		return rpc.NewError(rpc.CodeInvalidParams, "unknown console %q", args.Console)
	}

	cl, err := s.connect(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), s.launchTimeout)
	if err != nil {
		s.kill()
		return err
	}
	if err := s.handshake(ctx, cl); err != nil {
		cl.Close()
		s.kill()
		return err
	}

	s.mu.Lock()
	s.client = cl
	s.mu.Unlock()
	return nil
}

// Attach connects to an already-running runner.
func (s *RunnerSession) Attach(ctx context.Context, args AttachArguments) error {
	if args.Port == 0 {
		return rpc.NewError(rpc.CodeInvalidParams, "attach needs a port")
	}
	host := args.Host
	if host == "" {
		host = "127.0.0.1"
	}

	cl, err := s.connect(ctx, net.JoinHostPort(host, strconv.Itoa(args.Port)), s.attachTimeout)
	if err != nil {
		return err
	}
	if err := s.handshake(ctx, cl); err != nil {
		cl.Close()
		return err
	}

	s.mu.Lock()
	s.client = cl
	s.mu.Unlock()
	return nil
}

func (s *RunnerSession) argv(port int, args LaunchArguments) []string {
	argv := []string{s.runner}
	argv = append(argv, s.runnerArgs...)
	argv = append(argv, "--debug-port", strconv.Itoa(port))
	if args.NoDebug {
		argv = append(argv, "--no-debug")
	}
	if args.Suite != "" {
		argv = append(argv, args.Suite)
	}
	return append(argv, args.Args...)
}

// spawn runs the runner as a child, piping its output to the editor.
func (s *RunnerSession) spawn(argv []string, args LaunchArguments) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = args.Cwd
	if len(args.Env) > 0 {
		env := os.Environ()
		for k, v := range args.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("runner stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start runner %s: %w", argv[0], err)
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		s.pipeOutput(stdout, CategoryStdout)
	}()
	go func() {
		defer pipes.Done()
		s.pipeOutput(stderr, CategoryStderr)
	}()
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		s.host.Exited(code)
		s.host.Terminated()
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	return nil
}

func (s *RunnerSession) pipeOutput(r io.Reader, category string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.host.Output(OutputEventBody{Category: category, Output: sc.Text() + "\n"})
	}
}

// connect polls addr until the runner answers or the timeout runs out.
func (s *RunnerSession) connect(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			cl := NewClient(transport.FromConn(conn), WithClientLogger(s.logger.WithName("runner")))
			s.wireEvents(cl)
			if err := cl.Start(context.Background()); err != nil {
				conn.Close()
				return nil, err
			}
			return cl, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tale runner did not answer on %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *RunnerSession) handshake(ctx context.Context, cl *Client) error {
	caps, err := cl.Initialize(ctx, InitializeRequestArguments{
		ClientID:        "taledap",
		ClientName:      "Tale Debug Adapter",
		AdapterID:       "tale",
		Locale:          "en",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	})
	if err != nil {
		return err
	}
	s.logger.V(1).Info("runner connected",
		"configurationDone", caps.SupportsConfigurationDoneRequest,
		"conditionalBreakpoints", caps.SupportsConditionalBreakpoints)
	return nil
}

// wireEvents pipes runner events through to the editor. The runner's
// own initialized event stays internal: the adapter already announced
// readiness on its own schedule.
func (s *RunnerSession) wireEvents(cl *Client) {
	cl.OnStopped(s.host.Stopped)
	cl.OnContinued(s.host.Continued)
	cl.OnOutput(s.host.Output)
	cl.OnThread(s.host.Thread)
	cl.OnExited(func(body ExitedEventBody) {
		s.host.Exited(body.ExitCode)
	})
	cl.OnTerminated(func(TerminatedEventBody) {
		s.host.Terminated()
	})
}

func (s *RunnerSession) remote() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *RunnerSession) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// SetBreakpoints forwards the breakpoint set to the runner.
func (s *RunnerSession) SetBreakpoints(ctx context.Context, args SetBreakpointsArguments) ([]Breakpoint, error) {
	cl, err := s.remote()
	if err != nil {
		return nil, err
	}
	return cl.SetBreakpoints(ctx, args)
}

// SetExceptionBreakpoints forwards the failure filters to the runner.
func (s *RunnerSession) SetExceptionBreakpoints(ctx context.Context, args SetExceptionBreakpointsArguments) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.SetExceptionBreakpoints(ctx, args)
}

// ConfigurationDone tells the runner to begin executing.
func (s *RunnerSession) ConfigurationDone(ctx context.Context) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.ConfigurationDone(ctx)
}

// Continue forwards a resume to the runner.
func (s *RunnerSession) Continue(ctx context.Context, args ContinueArguments) (ContinueResponseBody, error) {
	cl, err := s.remote()
	if err != nil {
		return ContinueResponseBody{}, err
	}
	return cl.Continue(ctx, args)
}

// Next forwards a step-over to the runner.
func (s *RunnerSession) Next(ctx context.Context, args NextArguments) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.Next(ctx, args)
}

// StepIn forwards a step-in to the runner.
func (s *RunnerSession) StepIn(ctx context.Context, args StepInArguments) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.StepIn(ctx, args)
}

// StepOut forwards a step-out to the runner.
func (s *RunnerSession) StepOut(ctx context.Context, args StepOutArguments) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.StepOut(ctx, args)
}

// Pause forwards a suspend to the runner.
func (s *RunnerSession) Pause(ctx context.Context, args PauseArguments) error {
	cl, err := s.remote()
	if err != nil {
		return err
	}
	return cl.Pause(ctx, args)
}

// Threads asks the runner for its threads. Editors poll this at odd
// moments, so a missing runner reads as no threads rather than an error.
func (s *RunnerSession) Threads(ctx context.Context) ([]Thread, error) {
	cl, err := s.remote()
	if err != nil {
		return []Thread{}, nil
	}
	return cl.Threads(ctx)
}

// StackTrace forwards a stack request to the runner.
func (s *RunnerSession) StackTrace(ctx context.Context, args StackTraceArguments) (StackTraceResponseBody, error) {
	cl, err := s.remote()
	if err != nil {
		return StackTraceResponseBody{}, err
	}
	return cl.StackTrace(ctx, args)
}

// Scopes forwards a scopes request to the runner.
func (s *RunnerSession) Scopes(ctx context.Context, args ScopesArguments) ([]Scope, error) {
	cl, err := s.remote()
	if err != nil {
		return nil, err
	}
	return cl.Scopes(ctx, args)
}

// Variables forwards a variables request to the runner.
func (s *RunnerSession) Variables(ctx context.Context, args VariablesArguments) ([]Variable, error) {
	cl, err := s.remote()
	if err != nil {
		return nil, err
	}
	return cl.Variables(ctx, args)
}

// Evaluate forwards an expression to the runner.
func (s *RunnerSession) Evaluate(ctx context.Context, args EvaluateArguments) (EvaluateResponseBody, error) {
	cl, err := s.remote()
	if err != nil {
		return EvaluateResponseBody{}, err
	}
	return cl.Evaluate(ctx, args)
}

// Terminate asks the runner to wind down; without one the session is
// already over.
func (s *RunnerSession) Terminate(ctx context.Context) error {
	cl, err := s.remote()
	if err != nil {
		s.host.Terminated()
		return nil
	}
	return cl.Terminate(ctx)
}

// Disconnect ends the session, closing the runner connection and
// killing a directly-spawned runner that is still alive.
func (s *RunnerSession) Disconnect(ctx context.Context, args DisconnectArguments) error {
	s.mu.Lock()
	cl := s.client
	s.client = nil
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cl != nil {
		if err := cl.Disconnect(ctx, args); err != nil {
			s.logger.V(1).Info("runner disconnect", "err", err)
		}
		cl.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	s.host.Terminated()
	return nil
}
