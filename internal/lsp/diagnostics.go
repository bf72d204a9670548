package lsp

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
)

// Diagnostics runs the registered analyzers against open documents and
// publishes the merged result. Each document gets its own publish loop,
// rate limited so a fast typist does not flood the client.
type Diagnostics struct {
	srv *Server

	Analyzers *collect.Aggregator[*Document, []Diagnostic]

	limit rate.Limit
	burst int

	mu      sync.Mutex
	workers map[DocumentURI]*diagWorker
	closed  bool
	wg      sync.WaitGroup
}

type diagWorker struct {
	kick    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

func newDiagnostics(srv *Server, perSecond float64, burst int) *Diagnostics {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst < 1 {
		burst = 1
	}
	return &Diagnostics{
		srv:       srv,
		Analyzers: collect.New[*Document, []Diagnostic](collect.WithLogger(srv.logger.WithName("diagnostics"))),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		workers:   make(map[DocumentURI]*diagWorker),
	}
}

// attach subscribes to the document lifecycle. Called once the Documents
// part exists.
func (g *Diagnostics) attach() {
	docs := g.srv.Documents
	refresh := func(ctx context.Context, tok *cancel.Token, doc *Document) (struct{}, error) {
		g.Schedule(doc.URI)
		return struct{}{}, nil
	}
	docs.Opened.Subscribe(refresh, collect.WithName[*Document]("diagnostics"))
	docs.Changed.Subscribe(refresh, collect.WithName[*Document]("diagnostics"))
	docs.Saved.Subscribe(refresh, collect.WithName[*Document]("diagnostics"))
	docs.Closed.Subscribe(func(ctx context.Context, tok *cancel.Token, doc *Document) (struct{}, error) {
		g.drop(ctx, doc)
		return struct{}{}, nil
	}, collect.WithName[*Document]("diagnostics"))
}

// Schedule queues a fresh analysis of the document. Coalesces with any
// run already pending.
func (g *Diagnostics) Schedule(uri DocumentURI) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	w, ok := g.workers[uri]
	if !ok {
		ctx, cancelFn := context.WithCancel(context.Background())
		w = &diagWorker{
			kick:    make(chan struct{}, 1),
			ctx:     ctx,
			cancel:  cancelFn,
			limiter: rate.NewLimiter(g.limit, g.burst),
		}
		g.workers[uri] = w
		g.wg.Add(1)
		go g.run(uri, w)
	}
	g.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (g *Diagnostics) run(uri DocumentURI, w *diagWorker) {
	defer g.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.kick:
		}
		if err := w.limiter.Wait(w.ctx); err != nil {
			return
		}
		doc, ok := g.srv.Documents.Get(uri)
		if !ok {
			continue
		}
		g.analyze(w.ctx, doc)
	}
}

func (g *Diagnostics) analyze(ctx context.Context, doc *Document) {
	if !g.Analyzers.HasSubscribers() {
		return
	}
	outcomes := g.Analyzers.Invoke(ctx, cancel.NewToken(), doc)
	merged := make([]Diagnostic, 0)
	for _, o := range outcomes {
		if o.OK() {
			merged = append(merged, o.Value...)
		}
	}
	g.publish(ctx, doc.URI, doc.Version(), merged)
}

func (g *Diagnostics) drop(ctx context.Context, doc *Document) {
	g.mu.Lock()
	w, ok := g.workers[doc.URI]
	delete(g.workers, doc.URI)
	g.mu.Unlock()
	if ok {
		w.cancel()
	}
	// Clear whatever the client still shows for the closed document.
	if g.Analyzers.HasSubscribers() {
		g.publish(ctx, doc.URI, doc.Version(), []Diagnostic{})
	}
}

func (g *Diagnostics) publish(ctx context.Context, uri DocumentURI, version int, diags []Diagnostic) {
	params := PublishDiagnosticsParams{URI: uri, Version: version, Diagnostics: diags}
	if err := g.srv.conn.Notify(ctx, "textDocument/publishDiagnostics", params); err != nil {
		g.srv.logger.Error(err, "publish diagnostics", "uri", uri)
	}
}

// close stops every per-document loop and waits for them to drain.
func (g *Diagnostics) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, w := range g.workers {
		w.cancel()
	}
	g.workers = make(map[DocumentURI]*diagWorker)
	g.mu.Unlock()
	g.wg.Wait()
}
