package dap

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// recordHost collects everything a session pushes at the editor.
type recordHost struct {
	mu            sync.Mutex
	outputs       []OutputEventBody
	stopped       []StoppedEventBody
	exited        []int
	terminated    int
	terminalErr   error
	terminalResp  RunInTerminalResponseBody
	terminalCalls []RunInTerminalRequestArguments
}

func (h *recordHost) Output(body OutputEventBody) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputs = append(h.outputs, body)
}

func (h *recordHost) Stopped(body StoppedEventBody) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, body)
}

func (h *recordHost) Continued(ContinuedEventBody) {}

func (h *recordHost) Thread(ThreadEventBody) {}

func (h *recordHost) Exited(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = append(h.exited, code)
}

func (h *recordHost) Terminated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated++
}

func (h *recordHost) RunInTerminal(ctx context.Context, args RunInTerminalRequestArguments) (RunInTerminalResponseBody, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminalCalls = append(h.terminalCalls, args)
	if h.terminalErr != nil {
		return RunInTerminalResponseBody{}, h.terminalErr
	}
	return h.terminalResp, nil
}

func (h *recordHost) stoppedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stopped)
}

func (h *recordHost) terminatedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func TestFreePort(t *testing.T) {
	port, err := FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	if port <= 0 {
		t.Fatalf("port = %d", port)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("reserved port not free: %v", err)
	}
	ln.Close()
}

func TestRunnerArgv(t *testing.T) {
	rs := &RunnerSession{
		runner:     "tale",
		runnerArgs: []string{"run", "--debug"},
	}

	argv := rs.argv(6611, LaunchArguments{
		NoDebug: true,
		Suite:   "stories/login.tale",
		Args:    []string{"--tag", "smoke"},
	})

	want := []string{"tale", "run", "--debug", "--debug-port", "6611", "--no-debug", "stories/login.tale", "--tag", "smoke"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestRunnerSessionLaunchStartFailure(t *testing.T) {
	rs := &RunnerSession{
		host:          &recordHost{},
		logger:        logr.Discard(),
		runner:        "/nonexistent/tale-runner",
		launchTimeout: time.Second,
	}

	err := rs.Launch(context.Background(), LaunchArguments{Suite: "a.tale", Console: ConsoleInternal})
	if err == nil {
		t.Fatalf("launch of a missing runner succeeded")
	}
	if !strings.Contains(err.Error(), "start runner") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunnerSessionLaunchUnknownConsole(t *testing.T) {
	rs := &RunnerSession{
		host:          &recordHost{},
		logger:        logr.Discard(),
		runner:        "tale",
		launchTimeout: time.Second,
	}

	err := rs.Launch(context.Background(), LaunchArguments{Suite: "a.tale", Console: "bogus"})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeInvalidParams {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunnerSessionRequiresConnection(t *testing.T) {
	rs := &RunnerSession{host: &recordHost{}, logger: logr.Discard()}

	ts, err := rs.Threads(context.Background())
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if len(ts) != 0 {
		t.Fatalf("threads = %+v, want none", ts)
	}

	if _, err := rs.Continue(context.Background(), ContinueArguments{ThreadID: 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("continue error = %v, want %v", err, ErrNotConnected)
	}
}

func TestRunnerSessionAttachProxies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// The fake runner is just another adapter fronting a stub session.
	fakeSess := &stubSession{}
	adapterCh := make(chan *Adapter, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		a := NewAdapter(transport.FromConn(conn), func(host Host) Session {
			fakeSess.host = host
			return fakeSess
		})
		if err := a.Start(context.Background()); err != nil {
			return
		}
		adapterCh <- a
	}()

	host := &recordHost{}
	rs := &RunnerSession{
		host:          host,
		logger:        logr.Discard(),
		runner:        "tale",
		attachTimeout: 2 * time.Second,
		launchTimeout: 2 * time.Second,
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if err := rs.Attach(context.Background(), AttachArguments{Port: port}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var fakeAdapter *Adapter
	select {
	case fakeAdapter = <-adapterCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner adapter never started")
	}
	t.Cleanup(func() { fakeAdapter.Close() })

	bps, err := rs.SetBreakpoints(context.Background(), SetBreakpointsArguments{
		Source:      Source{Path: "/work/stories/login.tale"},
		Breakpoints: []SourceBreakpoint{{Line: 4}},
	})
	if err != nil {
		t.Fatalf("setBreakpoints: %v", err)
	}
	if len(bps) != 1 || !bps[0].Verified || bps[0].Line != 4 {
		t.Fatalf("breakpoints = %+v", bps)
	}

	eval, err := rs.Evaluate(context.Background(), EvaluateArguments{Expression: "${user}"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Result != "ok" {
		t.Fatalf("evaluate = %+v", eval)
	}

	fakeSess.mu.Lock()
	forwarded := fakeSess.breakpoints.Source.Path
	fakeSess.mu.Unlock()
	if forwarded != "/work/stories/login.tale" {
		t.Fatalf("forwarded source = %q", forwarded)
	}

	// Runner events surface at the editor host.
	fakeSess.host.Stopped(StoppedEventBody{Reason: "step", ThreadID: 1})
	waitFor(t, "stopped event at host", func() bool { return host.stoppedCount() == 1 })

	if err := rs.Disconnect(context.Background(), DisconnectArguments{TerminateDebuggee: true}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "runner disconnect", func() bool {
		fakeSess.mu.Lock()
		defer fakeSess.mu.Unlock()
		return fakeSess.disconnected
	})
	if host.terminatedCount() == 0 {
		t.Fatalf("host never heard terminated")
	}
}
