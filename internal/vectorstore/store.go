// Package vectorstore defines the evidence-store boundary: similarity
// search over archived posts and direct lookup by id. The index itself is
// an external collaborator; this package only wraps it.
package vectorstore

import "context"

// Document is one stored post as returned by the evidence store.
type Document struct {
	ID         string
	Content    string
	Author     string
	PostedAt   string
	SourceURL  string
	Similarity float64
}

// Store is the vector evidence store consumed by the retriever.
type Store interface {
	// Search returns up to limit documents with similarity at or above
	// threshold, ordered descending by similarity. The store's ranking is
	// authoritative.
	Search(ctx context.Context, vector []float64, threshold float64, limit int) ([]Document, error)

	// GetByID fetches documents directly. Result order is not guaranteed
	// to match the input order.
	GetByID(ctx context.Context, ids []string) ([]Document, error)

	// Count returns the number of archived posts.
	Count(ctx context.Context) (int64, error)
}
