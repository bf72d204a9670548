package lsp

import (
	"context"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
	"github.com/dshills/talekit/internal/rpc"
)

// DefaultTriggerCharacters prompt completion inside Tale sources: keyword
// separators and the openers of variable expressions.
var DefaultTriggerCharacters = []string{" ", ".", "$", "{", "*"}

// CompletionRequest is the argument handed to completion providers.
type CompletionRequest struct {
	Document *Document
	Position Position
	Context  *CompletionContext
}

// DocumentLanguage satisfies the ForLanguage filter.
func (r CompletionRequest) DocumentLanguage() string {
	return r.Document.DocumentLanguage()
}

// Completion serves textDocument/completion by collecting items from every
// subscribed provider.
type Completion struct {
	srv          *Server
	triggerChars []string

	Providers *collect.Aggregator[CompletionRequest, []CompletionItem]
}

func newCompletion(srv *Server, triggerChars []string) *Completion {
	if len(triggerChars) == 0 {
		triggerChars = DefaultTriggerCharacters
	}
	return &Completion{
		srv:          srv,
		triggerChars: triggerChars,
		Providers:    collect.New[CompletionRequest, []CompletionItem](collect.WithLogger(srv.logger.WithName("completion"))),
	}
}

func (c *Completion) register() {
	c.srv.handle("textDocument/completion", rpc.NewTyped(c.completion))
}

func (c *Completion) extendCapabilities(caps *ServerCapabilities) {
	if c.Providers.HasSubscribers() {
		caps.CompletionProvider = &CompletionOptions{
			TriggerCharacters: c.triggerChars,
			ResolveProvider:   false,
		}
	}
}

func (c *Completion) completion(ctx context.Context, tok *cancel.Token, params CompletionParams) (*CompletionList, error) {
	doc, ok := c.srv.Documents.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	outcomes := c.Providers.Invoke(ctx, tok, CompletionRequest{
		Document: doc,
		Position: params.Position,
		Context:  params.Context,
	})

	var items []CompletionItem
	for _, o := range outcomes {
		if o.OK() {
			items = append(items, o.Value...)
		}
	}

	if err := tok.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &CompletionList{IsIncomplete: false, Items: items}, nil
}
