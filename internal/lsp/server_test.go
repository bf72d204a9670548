package lsp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// pipeServer starts a Server and an editor-side connection wired together
// over an in-memory pipe.
func pipeServer(t *testing.T, opts ...ServerOption) (*Server, *rpc.Connection) {
	t.Helper()

	ca, cb := net.Pipe()
	srv := NewServer(transport.FromConn(ca), opts...)
	client := rpc.New(transport.FromConn(cb))

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return srv, client
}

func initialize(t *testing.T, client *rpc.Connection, caps ClientCapabilities) InitializeResult {
	t.Helper()

	var result InitializeResult
	err := client.Call(context.Background(), "initialize", InitializeParams{Capabilities: caps}, &result)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := client.Notify(context.Background(), "initialized", InitializedParams{}); err != nil {
		t.Fatalf("initialized: %v", err)
	}
	return result
}

func open(t *testing.T, client *rpc.Connection, uri DocumentURI, languageID, text string) {
	t.Helper()

	err := client.Notify(context.Background(), "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: languageID, Version: 1, Text: text},
	})
	if err != nil {
		t.Fatalf("didOpen: %v", err)
	}
}

func wireCode(t *testing.T, err error) int {
	t.Helper()

	var wireErr *rpc.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("err = %v (%T), want *rpc.Error", err, err)
	}
	return wireErr.Code
}

func TestLifecycleCleanExit(t *testing.T) {
	srv, client := pipeServer(t, WithServerInfo("talels", "test"))

	result := initialize(t, client, ClientCapabilities{})
	if result.ServerInfo == nil || result.ServerInfo.Name != "talels" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if result.Capabilities.TextDocumentSync == nil {
		t.Fatal("no textDocumentSync capability")
	}
	if result.Capabilities.TextDocumentSync.Change != TextDocumentSyncKindIncremental {
		t.Errorf("sync kind = %d, want incremental", result.Capabilities.TextDocumentSync.Change)
	}

	if err := client.Call(context.Background(), "shutdown", nil, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := client.Notify(context.Background(), "exit", nil); err != nil {
		t.Fatalf("exit: %v", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server never stopped after exit")
	}
	if code := srv.ExitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestExitWithoutShutdown(t *testing.T) {
	srv, client := pipeServer(t)

	initialize(t, client, ClientCapabilities{})
	if err := client.Notify(context.Background(), "exit", nil); err != nil {
		t.Fatalf("exit: %v", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server never stopped after exit")
	}
	if code := srv.ExitCode(); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	_, client := pipeServer(t)

	err := client.Call(context.Background(), "textDocument/references", ReferenceParams{}, nil)
	if err == nil {
		t.Fatal("expected error before initialize")
	}
	if code := wireCode(t, err); code != rpc.CodeServerNotInitialized {
		t.Errorf("code = %d, want %d", code, rpc.CodeServerNotInitialized)
	}
}

func TestDoubleInitialize(t *testing.T) {
	_, client := pipeServer(t)

	initialize(t, client, ClientCapabilities{})
	err := client.Call(context.Background(), "initialize", InitializeParams{}, nil)
	if err == nil {
		t.Fatal("expected error on second initialize")
	}
	if code := wireCode(t, err); code != rpc.CodeInvalidRequest {
		t.Errorf("code = %d, want %d", code, rpc.CodeInvalidRequest)
	}
}

func TestRequestAfterShutdown(t *testing.T) {
	_, client := pipeServer(t)

	initialize(t, client, ClientCapabilities{})
	if err := client.Call(context.Background(), "shutdown", nil, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	err := client.Call(context.Background(), "textDocument/references", ReferenceParams{}, nil)
	if err == nil {
		t.Fatal("expected error after shutdown")
	}
	if code := wireCode(t, err); code != rpc.CodeInvalidRequest {
		t.Errorf("code = %d, want %d", code, rpc.CodeInvalidRequest)
	}
}

func TestCapabilitiesFollowProviders(t *testing.T) {
	srv, client := pipeServer(t)

	// No providers: only document sync is advertised.
	bare := NewServer(transport.FromConn(pipeConn(t)))
	if caps := bare.capabilities(); caps.ReferencesProvider != nil || caps.CompletionProvider != nil {
		t.Errorf("bare server advertises providers: %+v", caps)
	}

	srv.References.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req ReferenceRequest) ([]Location, error) {
		return nil, nil
	})
	srv.Completion.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req CompletionRequest) ([]CompletionItem, error) {
		return nil, nil
	})

	result := initialize(t, client, ClientCapabilities{})
	if result.Capabilities.ReferencesProvider == nil {
		t.Error("referencesProvider not advertised")
	}
	if result.Capabilities.CompletionProvider == nil {
		t.Fatal("completionProvider not advertised")
	}
	if len(result.Capabilities.CompletionProvider.TriggerCharacters) == 0 {
		t.Error("no trigger characters")
	}
}

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	ca, cb := net.Pipe()
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca
}

func TestDocumentSyncRoundTrip(t *testing.T) {
	srv, client := pipeServer(t)
	initialize(t, client, ClientCapabilities{})

	changed := make(chan string, 4)
	srv.Documents.Changed.Subscribe(func(ctx context.Context, tok *cancel.Token, doc *Document) (struct{}, error) {
		changed <- doc.Text()
		return struct{}{}, nil
	})

	uri := DocumentURI("file:///work/suite.tale")
	open(t, client, uri, LanguageTale, "Story: login\n")

	// didOpen is a notification; wait for the document to land.
	waitFor(t, func() bool { return srv.Documents.Len() == 1 })

	err := client.Notify(context.Background(), "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{
			{
				Range: &Range{Start: Position{Line: 0, Character: 7}, End: Position{Line: 0, Character: 12}},
				Text:  "signup",
			},
		},
	})
	if err != nil {
		t.Fatalf("didChange: %v", err)
	}

	select {
	case text := <-changed:
		if text != "Story: signup\n" {
			t.Errorf("text after change = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change event never fired")
	}

	doc, ok := srv.Documents.Get(uri)
	if !ok {
		t.Fatal("document not tracked")
	}
	if doc.Version() != 2 {
		t.Errorf("version = %d, want 2", doc.Version())
	}

	if err := client.Notify(context.Background(), "textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}); err != nil {
		t.Fatalf("didClose: %v", err)
	}
	waitFor(t, func() bool { return srv.Documents.Len() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReferencesMergeProviders(t *testing.T) {
	srv, client := pipeServer(t)

	locA := Location{URI: "file:///work/a.tale", Range: Range{Start: Position{Line: 1}, End: Position{Line: 1, Character: 4}}}
	locB := Location{URI: "file:///work/b.tale", Range: Range{Start: Position{Line: 7}, End: Position{Line: 7, Character: 2}}}

	srv.References.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req ReferenceRequest) ([]Location, error) {
		return []Location{locA}, nil
	})
	srv.References.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req ReferenceRequest) ([]Location, error) {
		return []Location{locB}, nil
	})
	// A failing provider must not break the merge.
	srv.References.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req ReferenceRequest) ([]Location, error) {
		return nil, errors.New("index not ready")
	})

	initialize(t, client, ClientCapabilities{})
	uri := DocumentURI("file:///work/suite.tale")
	open(t, client, uri, LanguageTale, "Story: login\n")
	waitFor(t, func() bool { return srv.Documents.Len() == 1 })

	var locations []Location
	err := client.Call(context.Background(), "textDocument/references", ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     Position{Line: 0, Character: 8},
		},
		Context: ReferenceContext{IncludeDeclaration: true},
	}, &locations)
	if err != nil {
		t.Fatalf("references: %v", err)
	}

	if len(locations) != 2 {
		t.Fatalf("got %d locations, want 2", len(locations))
	}
	found := map[DocumentURI]bool{}
	for _, loc := range locations {
		found[loc.URI] = true
	}
	if !found[locA.URI] || !found[locB.URI] {
		t.Errorf("locations = %+v", locations)
	}
}

func TestReferencesUnknownDocument(t *testing.T) {
	_, client := pipeServer(t)
	initialize(t, client, ClientCapabilities{})

	err := client.Call(context.Background(), "textDocument/references", ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: "file:///nope.tale"},
		},
	}, nil)
	if err == nil {
		t.Fatal("expected error for unopened document")
	}
	if code := wireCode(t, err); code != rpc.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, rpc.CodeInvalidParams)
	}
}

func TestReferencesLanguageFilter(t *testing.T) {
	srv, client := pipeServer(t)

	calls := 0
	srv.References.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req ReferenceRequest) ([]Location, error) {
		calls++
		return []Location{{URI: req.Document.URI}}, nil
	}, collect.WithFilter[ReferenceRequest](ForLanguage[ReferenceRequest](LanguageTale)))

	initialize(t, client, ClientCapabilities{})
	uri := DocumentURI("file:///work/config.toml")
	open(t, client, uri, "toml", "[server]\nport = 6610\n")
	waitFor(t, func() bool { return srv.Documents.Len() == 1 })

	var locations []Location
	err := client.Call(context.Background(), "textDocument/references", ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
		},
	}, &locations)
	if err != nil {
		t.Fatalf("references: %v", err)
	}
	if len(locations) != 0 {
		t.Errorf("locations = %+v, want none", locations)
	}
	if calls != 0 {
		t.Errorf("provider ran %d times for a filtered language", calls)
	}
}

func TestCompletionCollects(t *testing.T) {
	srv, client := pipeServer(t)

	srv.Completion.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req CompletionRequest) ([]CompletionItem, error) {
		return []CompletionItem{
			{Label: "Given", Kind: CompletionItemKindKeyword},
			{Label: "When", Kind: CompletionItemKindKeyword},
		}, nil
	})
	srv.Completion.Providers.Subscribe(func(ctx context.Context, tok *cancel.Token, req CompletionRequest) ([]CompletionItem, error) {
		return []CompletionItem{{Label: "${user}", Kind: CompletionItemKindVariable}}, nil
	})

	initialize(t, client, ClientCapabilities{})
	uri := DocumentURI("file:///work/suite.tale")
	open(t, client, uri, LanguageTale, "Story: login\n  ")
	waitFor(t, func() bool { return srv.Documents.Len() == 1 })

	var list CompletionList
	err := client.Call(context.Background(), "textDocument/completion", CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     Position{Line: 1, Character: 2},
		},
	}, &list)
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if list.IsIncomplete {
		t.Error("list marked incomplete")
	}
	if len(list.Items) != 3 {
		t.Errorf("got %d items, want 3", len(list.Items))
	}
}

func TestDiagnosticsPublishOnOpenAndClear(t *testing.T) {
	srv, client := pipeServer(t, WithDiagnosticsRate(100, 1))

	published := make(chan PublishDiagnosticsParams, 8)
	err := client.Register("textDocument/publishDiagnostics", rpc.NewTyped(
		func(ctx context.Context, tok *cancel.Token, params PublishDiagnosticsParams) (any, error) {
			published <- params
			return nil, nil
		}))
	if err != nil {
		t.Fatalf("register publish handler: %v", err)
	}

	srv.Diagnostics.Analyzers.Subscribe(func(ctx context.Context, tok *cancel.Token, doc *Document) ([]Diagnostic, error) {
		return []Diagnostic{{
			Range:    Range{Start: Position{}, End: Position{Line: 0, Character: 5}},
			Severity: DiagnosticSeverityWarning,
			Source:   "tale",
			Message:  "story has no steps",
		}}, nil
	})

	initialize(t, client, ClientCapabilities{})
	uri := DocumentURI("file:///work/suite.tale")
	open(t, client, uri, LanguageTale, "Story: login\n")

	select {
	case params := <-published:
		if params.URI != uri {
			t.Errorf("uri = %s", params.URI)
		}
		if len(params.Diagnostics) != 1 || params.Diagnostics[0].Message != "story has no steps" {
			t.Errorf("diagnostics = %+v", params.Diagnostics)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no diagnostics published after didOpen")
	}

	// Closing the document clears what the client shows.
	if err := client.Notify(context.Background(), "textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}); err != nil {
		t.Fatalf("didClose: %v", err)
	}

	select {
	case params := <-published:
		if len(params.Diagnostics) != 0 {
			t.Errorf("diagnostics after close = %+v, want empty", params.Diagnostics)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no clearing publish after didClose")
	}
}

func TestProgressReporting(t *testing.T) {
	srv, client := pipeServer(t)

	created := make(chan ProgressToken, 1)
	err := client.Register("window/workDoneProgress/create", rpc.NewTyped(
		func(ctx context.Context, tok *cancel.Token, params WorkDoneProgressCreateParams) (any, error) {
			created <- params.Token
			return nil, nil
		}))
	if err != nil {
		t.Fatalf("register create handler: %v", err)
	}

	type progressEvent struct {
		Token ProgressToken  `json:"token"`
		Value map[string]any `json:"value"`
	}
	events := make(chan progressEvent, 8)
	err = client.Register("$/progress", rpc.NewTyped(
		func(ctx context.Context, tok *cancel.Token, params progressEvent) (any, error) {
			events <- params
			return nil, nil
		}))
	if err != nil {
		t.Fatalf("register progress handler: %v", err)
	}

	initialize(t, client, ClientCapabilities{
		Window: &WindowClientCapabilities{WorkDoneProgress: true},
	})

	ctx := context.Background()
	progress, err := srv.Window.CreateProgress(ctx)
	if err != nil {
		t.Fatalf("create progress: %v", err)
	}
	if progress.Token() == "" {
		t.Fatal("empty token despite client capability")
	}

	select {
	case token := <-created:
		if token != progress.Token() {
			t.Errorf("created token %q != %q", token, progress.Token())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("create request never arrived")
	}

	if err := progress.Begin(ctx, "Importing keywords", "scanning", 0, true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := progress.Report(ctx, "halfway", 50); err != nil {
		t.Fatalf("report: %v", err)
	}

	for _, wantKind := range []string{"begin", "report"} {
		select {
		case ev := <-events:
			if kind, _ := ev.Value["kind"].(string); kind != wantKind {
				t.Errorf("kind = %v, want %q", ev.Value["kind"], wantKind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s event never arrived", wantKind)
		}
	}

	// The client cancels; the server observes it by polling.
	err = client.Notify(ctx, "window/workDoneProgress/cancel", WorkDoneProgressCancelParams{Token: progress.Token()})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, progress.Cancelled)

	if err := progress.End(ctx, "cancelled"); err != nil {
		t.Fatalf("end: %v", err)
	}
	select {
	case ev := <-events:
		if kind, _ := ev.Value["kind"].(string); kind != "end" {
			t.Errorf("kind = %v, want end", ev.Value["kind"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("end event never arrived")
	}
}

func TestProgressInertWithoutCapability(t *testing.T) {
	srv, client := pipeServer(t)
	initialize(t, client, ClientCapabilities{})

	progress, err := srv.Window.CreateProgress(context.Background())
	if err != nil {
		t.Fatalf("create progress: %v", err)
	}
	if progress.Token() != "" {
		t.Errorf("token = %q, want empty", progress.Token())
	}
	if progress.Cancelled() {
		t.Error("inert progress reports cancelled")
	}
	// Sends are no-ops rather than wire traffic or errors.
	if err := progress.Begin(context.Background(), "t", "", -1, false); err != nil {
		t.Errorf("begin: %v", err)
	}
	if err := progress.End(context.Background(), ""); err != nil {
		t.Errorf("end: %v", err)
	}
}

func TestShowMessageRequest(t *testing.T) {
	srv, client := pipeServer(t)

	err := client.Register("window/showMessageRequest", rpc.NewTyped(
		func(ctx context.Context, tok *cancel.Token, params ShowMessageRequestParams) (*MessageActionItem, error) {
			if len(params.Actions) != 2 {
				return nil, errors.New("wrong action count")
			}
			return &params.Actions[1], nil
		}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	initialize(t, client, ClientCapabilities{})

	choice, err := srv.Window.ShowMessageRequest(context.Background(), MessageTypeWarning, "runner exited", "Ignore", "Restart")
	if err != nil {
		t.Fatalf("showMessageRequest: %v", err)
	}
	if choice != "Restart" {
		t.Errorf("choice = %q, want Restart", choice)
	}
}

func TestDebugUtilRequests(t *testing.T) {
	srv, client := pipeServer(t)

	srv.DebugUtil.EvaluatableExpressions.Subscribe(
		func(ctx context.Context, tok *cancel.Token, req EvaluatableExpressionRequest) (*EvaluatableExpression, error) {
			return &EvaluatableExpression{
				Range:      Range{Start: Position{Line: req.Position.Line}, End: Position{Line: req.Position.Line, Character: 7}},
				Expression: "${user}",
			}, nil
		})
	srv.DebugUtil.InlineValues.Subscribe(
		func(ctx context.Context, tok *cancel.Token, req InlineValuesRequest) ([]InlineValue, error) {
			return []InlineValue{InlineValueText(req.Context.StoppedLocation, "user = bob")}, nil
		})

	initialize(t, client, ClientCapabilities{})
	uri := DocumentURI("file:///work/suite.tale")
	open(t, client, uri, LanguageTale, "Story: login\n  Given ${user}\n")
	waitFor(t, func() bool { return srv.Documents.Len() == 1 })

	var expr *EvaluatableExpression
	err := client.Call(context.Background(), "tale/debugging/getEvaluatableExpression", EvaluatableExpressionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{Line: 1, Character: 9},
	}, &expr)
	if err != nil {
		t.Fatalf("getEvaluatableExpression: %v", err)
	}
	if expr == nil || expr.Expression != "${user}" {
		t.Errorf("expression = %+v", expr)
	}

	stopped := Range{Start: Position{Line: 1}, End: Position{Line: 1, Character: 15}}
	var values []InlineValue
	err = client.Call(context.Background(), "tale/debugging/getInlineValues", InlineValuesParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		ViewPort:     Range{End: Position{Line: 2}},
		Context:      InlineValueContext{FrameID: 1, StoppedLocation: stopped},
	}, &values)
	if err != nil {
		t.Fatalf("getInlineValues: %v", err)
	}
	if len(values) != 1 || values[0].Type != InlineValueKindText || values[0].Text != "user = bob" {
		t.Errorf("values = %+v", values)
	}
}

func TestURIRoundTrip(t *testing.T) {
	path := "/work/tests/суite.tale"
	uri := FilePathToURI(path)
	if got := URIToFilePath(uri); got != path {
		t.Errorf("round trip = %q, want %q", got, path)
	}
	if URIToFilePath("untitled:Untitled-1") != "untitled:Untitled-1" {
		t.Error("non-file URI should pass through")
	}
}
