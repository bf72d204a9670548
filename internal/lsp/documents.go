package lsp

import (
	"context"
	"sync"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
	"github.com/dshills/talekit/internal/rpc"
)

// Documents tracks open text documents and broadcasts their lifecycle to
// the other parts. Anything downstream of document content (diagnostics,
// indexes) subscribes to the event aggregators rather than polling.
type Documents struct {
	srv *Server

	mu   sync.RWMutex
	docs map[DocumentURI]*Document

	Opened  *collect.Aggregator[*Document, struct{}]
	Changed *collect.Aggregator[*Document, struct{}]
	Closed  *collect.Aggregator[*Document, struct{}]
	Saved   *collect.Aggregator[*Document, struct{}]
}

func newDocuments(srv *Server) *Documents {
	log := collect.WithLogger(srv.logger.WithName("documents"))
	return &Documents{
		srv:     srv,
		docs:    make(map[DocumentURI]*Document),
		Opened:  collect.New[*Document, struct{}](log),
		Changed: collect.New[*Document, struct{}](log),
		Closed:  collect.New[*Document, struct{}](log),
		Saved:   collect.New[*Document, struct{}](log),
	}
}

func (d *Documents) register() {
	d.srv.handle("textDocument/didOpen", rpc.NewTyped(d.didOpen))
	d.srv.handle("textDocument/didChange", rpc.NewTyped(d.didChange))
	d.srv.handle("textDocument/didClose", rpc.NewTyped(d.didClose))
	d.srv.handle("textDocument/didSave", rpc.NewTyped(d.didSave))
}

func (d *Documents) extendCapabilities(caps *ServerCapabilities) {
	caps.TextDocumentSync = &TextDocumentSyncOptions{
		OpenClose: true,
		Change:    TextDocumentSyncKindIncremental,
		Save:      &SaveOptions{IncludeText: true},
	}
}

// Get returns the open document for uri.
func (d *Documents) Get(uri DocumentURI) (*Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[uri]
	return doc, ok
}

// All returns the open documents in no particular order.
func (d *Documents) All() []*Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	docs := make([]*Document, 0, len(d.docs))
	for _, doc := range d.docs {
		docs = append(docs, doc)
	}
	return docs
}

// Len returns the number of open documents.
func (d *Documents) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

func (d *Documents) didOpen(ctx context.Context, tok *cancel.Token, params DidOpenTextDocumentParams) (any, error) {
	doc := newDocument(params.TextDocument)

	d.mu.Lock()
	d.docs[doc.URI] = doc
	d.mu.Unlock()

	d.srv.logger.V(1).Info("document opened", "uri", doc.URI, "language", doc.LanguageID, "version", doc.Version())
	d.Opened.Invoke(ctx, tok, doc)
	return nil, nil
}

func (d *Documents) didChange(ctx context.Context, tok *cancel.Token, params DidChangeTextDocumentParams) (any, error) {
	doc, ok := d.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	if err := doc.applyChanges(params.TextDocument.Version, params.ContentChanges); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "apply change to %s: %v", doc.URI, err)
	}

	d.Changed.Invoke(ctx, tok, doc)
	return nil, nil
}

func (d *Documents) didClose(ctx context.Context, tok *cancel.Token, params DidCloseTextDocumentParams) (any, error) {
	d.mu.Lock()
	doc, ok := d.docs[params.TextDocument.URI]
	delete(d.docs, params.TextDocument.URI)
	d.mu.Unlock()

	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	d.srv.logger.V(1).Info("document closed", "uri", doc.URI)
	d.Closed.Invoke(ctx, tok, doc)
	return nil, nil
}

func (d *Documents) didSave(ctx context.Context, tok *cancel.Token, params DidSaveTextDocumentParams) (any, error) {
	doc, ok := d.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	// The client sends the saved text when the capability asked for it;
	// treat it as authoritative.
	if params.Text != "" {
		doc.replace(params.Text)
	}

	d.Saved.Invoke(ctx, tok, doc)
	return nil, nil
}
