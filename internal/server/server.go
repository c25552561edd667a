// Package server exposes the turn pipeline and archive over HTTP: a
// streaming ask endpoint plus small JSON endpoints for search, stats, and
// health.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/user/recall/internal/pipeline"
	"github.com/user/recall/internal/retriever"
	"github.com/user/recall/internal/stream"
	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
)

// Server is the HTTP front of the pipeline. It is stateless across requests:
// history travels with each turn request, and rate limiting is the caller's
// concern.
type Server struct {
	pipeline  *pipeline.Pipeline
	retriever *retriever.Retriever
	store     vectorstore.Store
	// streams bounds concurrent ask requests; each holds an upstream model
	// connection open for the life of the turn.
	streams *semaphore.Weighted
	mux     *http.ServeMux
}

// NewServer creates a Server. maxStreams caps concurrent ask requests.
func NewServer(p *pipeline.Pipeline, r *retriever.Retriever, store vectorstore.Store, maxStreams int64) *Server {
	if maxStreams <= 0 {
		maxStreams = 8
	}
	s := &Server{
		pipeline:  p,
		retriever: r,
		store:     store,
		streams:   semaphore.NewWeighted(maxStreams),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/ask", s.handleAsk)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleAsk runs one turn and streams its events as server-sent-events
// frames. The response is always a well-formed stream once the headers have
// been sent: evidence first, then fragments, then exactly one terminal
// event.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req types.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}

	if !s.streams.TryAcquire(1) {
		http.Error(w, `{"error":"too many concurrent requests"}`, http.StatusServiceUnavailable)
		return
	}
	defer s.streams.Release(1)

	turnID := types.NewTurnID()
	events, err := s.pipeline.StreamTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyMessage) {
			http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
			return
		}
		slog.Error("starting turn failed", "turn", turnID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Turn-Id", string(turnID))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client went away; the pipeline stops via the request context.
			slog.Debug("writing event failed", "turn", turnID, "error", err)
			return
		}
	}
}

// handleSearch runs a direct similarity search over the archive.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
		return
	}

	threshold := 0.7
	if v := r.URL.Query().Get("threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			threshold = f
		}
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	hits, err := s.retriever.SearchPosts(r.Context(), query, threshold, limit)
	if err != nil {
		slog.Error("search failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	results := make([]types.EvidenceDocument, 0, len(hits))
	for i, hit := range hits {
		results = append(results, types.EvidenceDocument{
			ID:         hit.ID,
			RankIndex:  i + 1,
			Content:    hit.Content,
			Author:     hit.Author,
			PostedAt:   hit.PostedAt,
			SourceURL:  hit.SourceURL,
			Similarity: hit.Similarity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

// handleStats reports archive size.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		slog.Error("counting documents failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"documents": count})
}
