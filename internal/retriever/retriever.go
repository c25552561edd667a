// Package retriever turns a user question into a token-budgeted, ordered
// list of evidence documents.
package retriever

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/recall/internal/embedding"
	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
)

// Options bounds retrieval for one deployment.
type Options struct {
	// Threshold is the minimum similarity for retrieved evidence.
	Threshold float64
	// Limit caps the number of candidates fetched from the store.
	Limit int
	// TokenBudget caps the total estimated token cost of the returned
	// evidence, leaving headroom for history and the model's reply.
	TokenBudget int
	// MaxContentChars truncates each document's content before budgeting.
	MaxContentChars int
}

// DefaultOptions returns the retrieval defaults: similarity 0.7, 10
// candidates, 4000 evidence tokens, 2000 chars per document.
func DefaultOptions() Options {
	return Options{
		Threshold:       0.7,
		Limit:           10,
		TokenBudget:     4000,
		MaxContentChars: 2000,
	}
}

// Retriever fetches and budgets evidence for one turn. It is stateless per
// call.
type Retriever struct {
	embedder  embedding.Embedder
	store     vectorstore.Store
	opts      Options
	tokenizer *tiktoken.Tiktoken
}

// New creates a Retriever over the given embedder and evidence store.
func New(embedder embedding.Embedder, store vectorstore.Store, opts Options) (*Retriever, error) {
	if opts.Threshold == 0 && opts.Limit == 0 && opts.TokenBudget == 0 {
		opts = DefaultOptions()
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Retriever{
		embedder:  embedder,
		store:     store,
		opts:      opts,
		tokenizer: enc,
	}, nil
}

// Retrieve produces the turn's evidence list, rank-indexed 1..N.
//
// When the request carries explicit document ids, they are fetched directly
// and returned in the caller's order, skipping similarity search. Otherwise
// the question (or a caller-supplied embedding) is matched against the
// store, whose ranking is kept as-is. Either way the list is trimmed to the
// token budget. An empty result is valid, not an error.
func (r *Retriever) Retrieve(ctx context.Context, req types.TurnRequest) ([]types.EvidenceDocument, error) {
	var hits []vectorstore.Document
	var err error

	if len(req.ContextDocumentIDs) > 0 {
		hits, err = r.fetchExplicit(ctx, req.ContextDocumentIDs)
	} else {
		hits, err = r.search(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	explicit := len(req.ContextDocumentIDs) > 0
	docs := make([]types.EvidenceDocument, 0, len(hits))
	for i, hit := range hits {
		doc := types.EvidenceDocument{
			ID:        hit.ID,
			RankIndex: i + 1,
			Content:   truncate(hit.Content, r.opts.MaxContentChars),
			Author:    hit.Author,
			PostedAt:  hit.PostedAt,
			SourceURL: hit.SourceURL,
		}
		if !explicit {
			doc.Similarity = hit.Similarity
		}
		docs = append(docs, doc)
	}
	return r.trimToBudget(docs), nil
}

// search embeds the question (unless the caller supplied a vector) and
// queries the store.
func (r *Retriever) search(ctx context.Context, req types.TurnRequest) ([]vectorstore.Document, error) {
	vector := req.Embedding
	if len(vector) == 0 {
		var err error
		vector, err = r.embedder.Embed(ctx, req.Message)
		if err != nil {
			return nil, fmt.Errorf("embed question: %w", err)
		}
	}
	hits, err := r.store.Search(ctx, vector, r.opts.Threshold, r.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return hits, nil
}

// fetchExplicit looks up the given ids and restores the caller's order;
// the store does not guarantee it. Unknown ids are dropped silently.
func (r *Retriever) fetchExplicit(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	found, err := r.store.GetByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch documents: %w", err)
	}
	byID := make(map[string]vectorstore.Document, len(found))
	for _, doc := range found {
		byID[doc.ID] = doc
	}
	ordered := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			ordered = append(ordered, doc)
		}
	}
	return ordered, nil
}

// SearchPosts is the direct search path used by the search endpoint and
// CLI: scored documents, no budgeting.
func (r *Retriever) SearchPosts(ctx context.Context, query string, threshold float64, limit int) ([]vectorstore.Document, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.store.Search(ctx, vector, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return hits, nil
}

// trimToBudget greedily keeps documents in rank order until the next one
// would exceed the token budget, dropping the remainder. Re-running the
// trim on its own output is a no-op.
func (r *Retriever) trimToBudget(docs []types.EvidenceDocument) []types.EvidenceDocument {
	used := 0
	for i, doc := range docs {
		cost := r.countTokens(doc.Content)
		if used+cost > r.opts.TokenBudget {
			return docs[:i]
		}
		used += cost
	}
	return docs
}

func (r *Retriever) countTokens(text string) int {
	return len(r.tokenizer.Encode(text, nil, nil))
}

// truncate cuts s to at most max characters without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
