// Package qdrant is a minimal REST client for a Qdrant collection of
// archived posts. It assumes cosine distance and payload fields written by
// the (external) ingestion pipeline: content, author, posted_at, url.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/recall/internal/vectorstore"
)

// Store is a REST-backed vectorstore.Store.
type Store struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

// Config configures the Qdrant client.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// New creates a Qdrant-backed store.
func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "posts"
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: collection,
		client:     &http.Client{Timeout: timeout},
	}
}

type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search queries points above threshold, ordered by score descending.
func (s *Store) Search(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": threshold,
		"with_payload":    true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection)
	if err := s.postJSON(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	docs := make([]vectorstore.Document, 0, len(resp.Result))
	for _, p := range resp.Result {
		doc := docFromPayload(p.ID, p.Payload)
		doc.Similarity = p.Score
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetByID retrieves points directly; Qdrant does not guarantee the result
// order matches the request order.
func (s *Store) GetByID(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req := map[string]any{
		"ids":          ids,
		"with_payload": true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points", s.url, s.collection)
	if err := s.postJSON(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	docs := make([]vectorstore.Document, 0, len(resp.Result))
	for _, p := range resp.Result {
		docs = append(docs, docFromPayload(p.ID, p.Payload))
	}
	return docs, nil
}

// Count returns the exact number of points in the collection.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var resp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/count", s.url, s.collection)
	if err := s.postJSON(ctx, url, map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func docFromPayload(id any, payload map[string]any) vectorstore.Document {
	doc := vectorstore.Document{ID: fmt.Sprintf("%v", id)}
	if v, ok := payload["id"].(string); ok && v != "" {
		doc.ID = v
	}
	if v, ok := payload["content"].(string); ok {
		doc.Content = v
	}
	if v, ok := payload["author"].(string); ok {
		doc.Author = v
	}
	if v, ok := payload["posted_at"].(string); ok {
		doc.PostedAt = v
	}
	if v, ok := payload["url"].(string); ok {
		doc.SourceURL = v
	}
	return doc
}

func (s *Store) postJSON(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}
