package lsp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// serverState tracks the LSP lifecycle handshake.
type serverState int32

const (
	// stateCreated: no initialize request seen yet.
	stateCreated serverState = iota
	// stateInitialized: initialize answered, waiting for initialized.
	stateInitialized
	// stateReady: fully operational.
	stateReady
	// stateShutdown: shutdown answered, only exit is expected.
	stateShutdown
)

// capabilityExtender is implemented by parts that advertise features.
type capabilityExtender interface {
	extendCapabilities(caps *ServerCapabilities)
}

// Server is one language server session over one connection. Providers
// subscribe to the parts' aggregators before Start; what they subscribe
// to decides what the initialize response advertises.
type Server struct {
	conn   *rpc.Connection
	logger logr.Logger
	info   ServerInfo

	state        atomic.Int32
	shutdownSeen atomic.Bool
	exitCode     atomic.Int32

	capsMu     sync.RWMutex
	clientCaps ClientCapabilities
	rootURI    DocumentURI

	Documents   *Documents
	References  *References
	Completion  *Completion
	Diagnostics *Diagnostics
	Window      *Window
	DebugUtil   *DebugUtil

	parts []capabilityExtender
}

type serverOptions struct {
	logger       logr.Logger
	info         ServerInfo
	connOpts     []rpc.Option
	diagPerSec   float64
	diagBurst    int
	triggerChars []string
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithLogger attaches a logger to the server and its parts.
func WithLogger(logger logr.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithServerInfo sets the name and version reported to the client.
func WithServerInfo(name, version string) ServerOption {
	return func(o *serverOptions) {
		o.info = ServerInfo{Name: name, Version: version}
	}
}

// WithConnOptions passes options through to the underlying connection.
func WithConnOptions(opts ...rpc.Option) ServerOption {
	return func(o *serverOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// WithDiagnosticsRate caps how often diagnostics are published per
// document.
func WithDiagnosticsRate(perSecond float64, burst int) ServerOption {
	return func(o *serverOptions) {
		o.diagPerSec = perSecond
		o.diagBurst = burst
	}
}

// WithTriggerCharacters overrides the completion trigger characters.
func WithTriggerCharacters(chars ...string) ServerOption {
	return func(o *serverOptions) {
		o.triggerChars = chars
	}
}

// NewServer builds a server over tr. Register providers on the parts,
// then call Start.
func NewServer(tr transport.Transport, opts ...ServerOption) *Server {
	cfg := serverOptions{
		logger:     logr.Discard(),
		info:       ServerInfo{Name: "talels"},
		diagPerSec: 2,
		diagBurst:  1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		logger: cfg.logger,
		info:   cfg.info,
	}
	connOpts := append([]rpc.Option{rpc.WithLogger(cfg.logger.WithName("rpc"))}, cfg.connOpts...)
	s.conn = rpc.New(tr, connOpts...)

	s.Documents = newDocuments(s)
	s.References = newReferences(s)
	s.Completion = newCompletion(s, cfg.triggerChars)
	s.Diagnostics = newDiagnostics(s, cfg.diagPerSec, cfg.diagBurst)
	s.Window = newWindow(s)
	s.DebugUtil = newDebugUtil(s)
	s.parts = []capabilityExtender{
		s.Documents, s.References, s.Completion, s.DebugUtil,
	}

	s.registerLifecycle()
	s.Documents.register()
	s.References.register()
	s.Completion.register()
	s.Window.register()
	s.DebugUtil.register()
	s.Diagnostics.attach()

	return s
}

// Start begins serving the connection.
func (s *Server) Start(ctx context.Context) error {
	return s.conn.Start(ctx)
}

// Done is closed once the connection has fully shut down.
func (s *Server) Done() <-chan struct{} {
	return s.conn.Done()
}

// Close tears the session down.
func (s *Server) Close() error {
	s.Diagnostics.close()
	return s.conn.Close()
}

// ExitCode is 0 when the client ran the shutdown handshake before exit,
// 1 otherwise, per protocol convention.
func (s *Server) ExitCode() int {
	return int(s.exitCode.Load())
}

// Conn exposes the underlying connection for parts and tests.
func (s *Server) Conn() *rpc.Connection {
	return s.conn
}

// ClientCapabilities returns what the client declared at initialize.
func (s *Server) ClientCapabilities() ClientCapabilities {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.clientCaps
}

// RootURI returns the workspace root the client opened.
func (s *Server) RootURI() DocumentURI {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.rootURI
}

// handle registers a lifecycle-gated method: before initialize it answers
// server-not-initialized, after shutdown invalid-request.
func (s *Server) handle(method string, h rpc.Handler) {
	wrapped := func(ctx context.Context, tok *cancel.Token, params json.RawMessage) (any, error) {
		if err := s.gate(); err != nil {
			return nil, err
		}
		return h(ctx, tok, params)
	}
	if err := s.conn.Register(method, wrapped); err != nil {
		s.logger.Error(err, "register method", "method", method)
	}
}

func (s *Server) gate() error {
	switch serverState(s.state.Load()) {
	case stateCreated:
		return rpc.NewError(rpc.CodeServerNotInitialized, "server not initialized")
	case stateShutdown:
		return rpc.NewError(rpc.CodeInvalidRequest, "server is shutting down")
	}
	return nil
}

func (s *Server) registerLifecycle() {
	reg := func(method string, h rpc.Handler) {
		if err := s.conn.Register(method, h); err != nil {
			s.logger.Error(err, "register method", "method", method)
		}
	}
	reg("initialize", rpc.NewTyped(s.initialize))
	reg("initialized", rpc.NewTyped(s.initialized))
	reg("shutdown", rpc.NewTyped(s.shutdown))
	reg("exit", rpc.NewTyped(s.exit))
}

func (s *Server) initialize(ctx context.Context, tok *cancel.Token, params InitializeParams) (InitializeResult, error) {
	if !s.state.CompareAndSwap(int32(stateCreated), int32(stateInitialized)) {
		return InitializeResult{}, rpc.NewError(rpc.CodeInvalidRequest, "server already initialized")
	}

	s.capsMu.Lock()
	s.clientCaps = params.Capabilities
	s.rootURI = params.RootURI
	if s.rootURI == "" && params.RootPath != "" {
		s.rootURI = FilePathToURI(params.RootPath)
	}
	s.capsMu.Unlock()

	client := "unknown"
	if params.ClientInfo != nil {
		client = params.ClientInfo.Name
	}
	s.logger.Info("initialize", "client", client, "root", s.RootURI())

	info := s.info
	return InitializeResult{
		Capabilities: s.capabilities(),
		ServerInfo:   &info,
	}, nil
}

func (s *Server) initialized(ctx context.Context, tok *cancel.Token, params InitializedParams) (any, error) {
	s.state.CompareAndSwap(int32(stateInitialized), int32(stateReady))
	s.logger.V(1).Info("client ready")
	return nil, nil
}

func (s *Server) shutdown(ctx context.Context, tok *cancel.Token, params struct{}) (any, error) {
	if serverState(s.state.Load()) == stateCreated {
		return nil, rpc.NewError(rpc.CodeServerNotInitialized, "server not initialized")
	}
	s.state.Store(int32(stateShutdown))
	s.shutdownSeen.Store(true)
	s.Diagnostics.close()
	s.logger.Info("shutdown requested")
	return nil, nil
}

func (s *Server) exit(ctx context.Context, tok *cancel.Token, params struct{}) (any, error) {
	if s.shutdownSeen.Load() {
		s.exitCode.Store(0)
	} else {
		s.exitCode.Store(1)
	}
	s.logger.Info("exit", "code", s.exitCode.Load())
	// Close drains the worker pool, so it cannot run on this handler's
	// own worker.
	go func() {
		s.Diagnostics.close()
		_ = s.conn.Close()
	}()
	return nil, nil
}

// capabilities assembles the advertisement from the parts. A part with no
// live providers contributes nothing.
func (s *Server) capabilities() ServerCapabilities {
	var caps ServerCapabilities
	for _, part := range s.parts {
		part.extendCapabilities(&caps)
	}
	return caps
}

// supportsWorkDoneProgress reports whether the client can render
// server-created progress.
func (s *Server) supportsWorkDoneProgress() bool {
	caps := s.ClientCapabilities()
	return caps.Window != nil && caps.Window.WorkDoneProgress
}

// ForLanguage filters provider invocations to documents with the given
// language id.
func ForLanguage[A interface{ DocumentLanguage() string }](languageID string) func(A) bool {
	return func(arg A) bool {
		return arg.DocumentLanguage() == languageID
	}
}
