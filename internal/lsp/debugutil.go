package lsp

import (
	"context"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
	"github.com/dshills/talekit/internal/rpc"
)

// EvaluatableExpressionRequest is the argument handed to evaluatable
// expression providers.
type EvaluatableExpressionRequest struct {
	Document *Document
	Position Position
}

// DocumentLanguage satisfies the ForLanguage filter.
func (r EvaluatableExpressionRequest) DocumentLanguage() string {
	return r.Document.DocumentLanguage()
}

// InlineValuesRequest is the argument handed to inline value providers.
type InlineValuesRequest struct {
	Document *Document
	ViewPort Range
	Context  InlineValueContext
}

// DocumentLanguage satisfies the ForLanguage filter.
func (r InlineValuesRequest) DocumentLanguage() string {
	return r.Document.DocumentLanguage()
}

// DebugUtil serves the custom requests the debug adapter sends while a
// session is stopped: which expression is under the cursor, and which
// values to render inline next to the source.
type DebugUtil struct {
	srv *Server

	EvaluatableExpressions *collect.Aggregator[EvaluatableExpressionRequest, *EvaluatableExpression]
	InlineValues           *collect.Aggregator[InlineValuesRequest, []InlineValue]
}

func newDebugUtil(srv *Server) *DebugUtil {
	log := srv.logger.WithName("debugutil")
	return &DebugUtil{
		srv:                    srv,
		EvaluatableExpressions: collect.New[EvaluatableExpressionRequest, *EvaluatableExpression](collect.WithLogger(log)),
		InlineValues:           collect.New[InlineValuesRequest, []InlineValue](collect.WithLogger(log)),
	}
}

func (d *DebugUtil) register() {
	d.srv.handle("tale/debugging/getEvaluatableExpression", rpc.NewTyped(d.evaluatableExpression))
	d.srv.handle("tale/debugging/getInlineValues", rpc.NewTyped(d.inlineValues))
}

func (d *DebugUtil) extendCapabilities(caps *ServerCapabilities) {
	if d.EvaluatableExpressions.HasSubscribers() || d.InlineValues.HasSubscribers() {
		caps.Experimental = map[string]any{"debuggingUtils": true}
	}
}

func (d *DebugUtil) evaluatableExpression(ctx context.Context, tok *cancel.Token, params EvaluatableExpressionParams) (*EvaluatableExpression, error) {
	doc, ok := d.srv.Documents.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	outcomes := d.EvaluatableExpressions.Invoke(ctx, tok, EvaluatableExpressionRequest{
		Document: doc,
		Position: params.Position,
	})
	if err := tok.Err(); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.OK() && o.Value != nil {
			return o.Value, nil
		}
	}
	return nil, nil
}

func (d *DebugUtil) inlineValues(ctx context.Context, tok *cancel.Token, params InlineValuesParams) ([]InlineValue, error) {
	doc, ok := d.srv.Documents.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	outcomes := d.InlineValues.Invoke(ctx, tok, InlineValuesRequest{
		Document: doc,
		ViewPort: params.ViewPort,
		Context:  params.Context,
	})
	if err := tok.Err(); err != nil {
		return nil, err
	}
	values := make([]InlineValue, 0)
	for _, o := range outcomes {
		if o.OK() {
			values = append(values, o.Value...)
		}
	}
	return values, nil
}
