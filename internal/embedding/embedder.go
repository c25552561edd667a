// Package embedding maps text to fixed-length semantic vectors via a
// pluggable provider.
package embedding

import "context"

// Embedder produces the query vector for a piece of text. Implementations
// must be deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	// Dimension returns the vector length, or 0 if not yet known.
	Dimension() int
}
