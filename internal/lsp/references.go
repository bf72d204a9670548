package lsp

import (
	"context"

	"github.com/dshills/talekit/internal/cancel"
	"github.com/dshills/talekit/internal/collect"
	"github.com/dshills/talekit/internal/rpc"
)

// ReferenceRequest is the argument handed to reference providers.
type ReferenceRequest struct {
	Document *Document
	Position Position
	Context  ReferenceContext
}

// DocumentLanguage satisfies the ForLanguage filter.
func (r ReferenceRequest) DocumentLanguage() string {
	return r.Document.DocumentLanguage()
}

// References serves textDocument/references by collecting locations from
// every subscribed provider and merging them.
type References struct {
	srv *Server

	Providers *collect.Aggregator[ReferenceRequest, []Location]
}

func newReferences(srv *Server) *References {
	return &References{
		srv:       srv,
		Providers: collect.New[ReferenceRequest, []Location](collect.WithLogger(srv.logger.WithName("references"))),
	}
}

func (r *References) register() {
	r.srv.handle("textDocument/references", rpc.NewTyped(r.references))
}

func (r *References) extendCapabilities(caps *ServerCapabilities) {
	if r.Providers.HasSubscribers() {
		caps.ReferencesProvider = &ReferenceOptions{WorkDoneProgress: true}
	}
}

func (r *References) references(ctx context.Context, tok *cancel.Token, params ReferenceParams) ([]Location, error) {
	doc, ok := r.srv.Documents.Get(params.TextDocument.URI)
	if !ok {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "document not open: %s", params.TextDocument.URI)
	}

	outcomes := r.Providers.Invoke(ctx, tok, ReferenceRequest{
		Document: doc,
		Position: params.Position,
		Context:  params.Context,
	})

	var locations []Location
	for _, o := range outcomes {
		if o.OK() {
			locations = append(locations, o.Value...)
		}
	}

	if err := tok.Err(); err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, nil
	}
	return locations, nil
}
