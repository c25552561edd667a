// Package memory is an in-memory vectorstore.Store using brute-force
// cosine similarity. It backs tests and local experiments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/user/recall/internal/vectorstore"
)

// Store holds documents and their vectors in memory. Vectors are assumed
// L2-normalized, so the dot product is the cosine similarity.
type Store struct {
	mu        sync.RWMutex
	dimension int
	docs      []vectorstore.Document
	vectors   [][]float64
}

// New creates an empty in-memory store.
func New() *Store { return &Store{} }

// Add inserts a document with its vector.
func (s *Store) Add(doc vectorstore.Document, vector []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		s.dimension = len(vector)
	}
	if len(vector) != s.dimension {
		return errors.New("vector dimension mismatch")
	}
	s.docs = append(s.docs, doc)
	s.vectors = append(s.vectors, vector)
	return nil
}

// Search scores every document and returns those at or above threshold,
// descending by similarity, capped at limit.
func (s *Store) Search(_ context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i := range s.vectors {
		score := dot(s.vectors[i], vector)
		if score >= threshold {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	docs := make([]vectorstore.Document, 0, len(hits))
	for _, h := range hits {
		doc := s.docs[h.idx]
		doc.Similarity = h.score
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetByID returns the stored documents matching ids, in store order.
func (s *Store) GetByID(_ context.Context, ids []string) ([]vectorstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var docs []vectorstore.Document
	for _, doc := range s.docs {
		if want[doc.ID] {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.docs)), nil
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
