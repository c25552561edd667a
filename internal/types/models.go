// internal/types/models.go
package types

import (
	"time"
)

// Role identifies the speaker of a conversation message. History contains
// only user and assistant turns; system framing is never stored.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EvidenceDocument is one retrieved archived post offered to the model as
// grounding for its answer. Documents are built fresh for each turn and
// discarded once the turn's citations are resolved.
type EvidenceDocument struct {
	ID        string `json:"id"`
	RankIndex int    `json:"rank_index"`
	Content   string `json:"content"`
	Author    string `json:"author,omitempty"`
	PostedAt  string `json:"posted_at,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	// Similarity is the score from the evidence store, in [0,1]. Zero when
	// the document was supplied explicitly by the caller rather than
	// retrieved.
	Similarity float64 `json:"similarity,omitempty"`
}

// Citation links an inline [n] marker in an answer back to the evidence
// document it cited. The document fields are copied at resolution time, so
// a citation stays valid after the turn's evidence is discarded.
type Citation struct {
	RankIndex  int    `json:"rank_index"`
	DocumentID string `json:"document_id"`
	Author     string `json:"author,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
}

// ConversationMessage is one turn's worth of speech.
type ConversationMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TurnRequest is the turn-submission request consumed by the pipeline.
// If Embedding is supplied the server skips the embedding call; if
// ContextDocumentIDs is supplied, similarity search is skipped entirely in
// favor of direct lookup.
type TurnRequest struct {
	Message            string                `json:"message"`
	History            []ConversationMessage `json:"history,omitempty"`
	Embedding          []float64             `json:"embedding,omitempty"`
	ContextDocumentIDs []string              `json:"context_document_ids,omitempty"`
}
