package lsp

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/rpc"
)

// Window talks to the client's UI: messages, document opening and work
// done progress.
type Window struct {
	srv *Server

	mu       sync.Mutex
	progress map[ProgressToken]bool // token -> cancelled by the client
}

func newWindow(srv *Server) *Window {
	return &Window{
		srv:      srv,
		progress: make(map[ProgressToken]bool),
	}
}

func (w *Window) register() {
	w.srv.handle("window/workDoneProgress/cancel", rpc.NewTyped(w.progressCancel))
}

// ShowMessage pops a message up in the client UI.
func (w *Window) ShowMessage(ctx context.Context, typ MessageType, message string) error {
	return w.srv.conn.Notify(ctx, "window/showMessage", ShowMessageParams{Type: typ, Message: message})
}

// LogMessage writes a message to the client's log channel.
func (w *Window) LogMessage(ctx context.Context, typ MessageType, message string) error {
	return w.srv.conn.Notify(ctx, "window/logMessage", LogMessageParams{Type: typ, Message: message})
}

// ShowMessageRequest asks the user to pick one of actions. Returns the
// chosen title, or "" when the user dismissed the prompt.
func (w *Window) ShowMessageRequest(ctx context.Context, typ MessageType, message string, actions ...string) (string, error) {
	params := ShowMessageRequestParams{Type: typ, Message: message}
	for _, a := range actions {
		params.Actions = append(params.Actions, MessageActionItem{Title: a})
	}
	var chosen *MessageActionItem
	if err := w.srv.conn.Call(ctx, "window/showMessageRequest", params, &chosen); err != nil {
		return "", err
	}
	if chosen == nil {
		return "", nil
	}
	return chosen.Title, nil
}

// ShowDocument asks the client to open a document, externally or in an
// editor. Returns false when the client refused or lacks the capability.
func (w *Window) ShowDocument(ctx context.Context, params ShowDocumentParams) (bool, error) {
	caps := w.srv.ClientCapabilities()
	if caps.Window == nil || caps.Window.ShowDocument == nil || !caps.Window.ShowDocument.Support {
		return false, nil
	}
	var result ShowDocumentResult
	if err := w.srv.conn.Call(ctx, "window/showDocument", params, &result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// Progress reports one long-running job to the client. A Progress with an
// empty token is inert: every send is a no-op and Cancelled always
// reports false.
type Progress struct {
	win   *Window
	token ProgressToken
}

// CreateProgress registers a fresh progress token with the client. When
// the client did not announce window.workDoneProgress the returned
// Progress is inert rather than an error, so callers report
// unconditionally.
func (w *Window) CreateProgress(ctx context.Context) (*Progress, error) {
	if !w.srv.supportsWorkDoneProgress() {
		return &Progress{win: w}, nil
	}
	token := ProgressToken(uuid.New().String())
	err := w.srv.conn.Call(ctx, "window/workDoneProgress/create", WorkDoneProgressCreateParams{Token: token}, nil)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.progress[token] = false
	w.mu.Unlock()
	return &Progress{win: w, token: token}, nil
}

func (w *Window) progressCancel(ctx context.Context, tok *cancel.Token, params WorkDoneProgressCancelParams) (any, error) {
	w.mu.Lock()
	if _, ok := w.progress[params.Token]; ok {
		w.progress[params.Token] = true
	}
	w.mu.Unlock()
	return nil, nil
}

func (w *Window) progressCancelled(token ProgressToken) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress[token]
}

func (w *Window) forget(token ProgressToken) {
	w.mu.Lock()
	delete(w.progress, token)
	w.mu.Unlock()
}

// Token returns the token the client knows this progress by.
func (p *Progress) Token() ProgressToken { return p.token }

// Cancelled reports whether the client asked to cancel this progress.
// Poll it between steps of the reported job.
func (p *Progress) Cancelled() bool {
	if p.token == "" {
		return false
	}
	return p.win.progressCancelled(p.token)
}

// Begin opens the progress report. A negative percentage means the job
// has no measurable progress.
func (p *Progress) Begin(ctx context.Context, title, message string, percentage int, cancellable bool) error {
	return p.send(ctx, WorkDoneProgressBegin{
		Kind:        "begin",
		Title:       title,
		Message:     message,
		Percentage:  percentagePtr(percentage),
		Cancellable: cancellable,
	})
}

// Report updates the progress report.
func (p *Progress) Report(ctx context.Context, message string, percentage int) error {
	return p.send(ctx, WorkDoneProgressReport{
		Kind:       "report",
		Message:    message,
		Percentage: percentagePtr(percentage),
	})
}

// End closes the progress report and releases the token.
func (p *Progress) End(ctx context.Context, message string) error {
	err := p.send(ctx, WorkDoneProgressEnd{Kind: "end", Message: message})
	if p.token != "" {
		p.win.forget(p.token)
	}
	return err
}

func (p *Progress) send(ctx context.Context, value any) error {
	if p.token == "" {
		return nil
	}
	return p.win.srv.conn.Notify(ctx, "$/progress", ProgressParams{Token: p.token, Value: value})
}

func percentagePtr(percentage int) *int {
	if percentage < 0 {
		return nil
	}
	return &percentage
}
