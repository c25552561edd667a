// Package pipeline runs one conversation turn server-side: retrieve
// evidence, assemble the grounding prompt, stream the model's reply, and
// emit the turn's event sequence.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/user/recall/internal/prompt"
	"github.com/user/recall/internal/retriever"
	"github.com/user/recall/internal/stream"
	"github.com/user/recall/internal/types"
	"github.com/user/recall/pkg/llm"
)

// ErrEmptyMessage rejects a turn request with no question.
var ErrEmptyMessage = errors.New("message is required")

// Pipeline is the stateless per-request turn engine. It holds no state
// across turns; history arrives with each request.
type Pipeline struct {
	retriever *retriever.Retriever
	provider  llm.Provider
}

// New creates a Pipeline over the given retriever and completion provider.
func New(r *retriever.Retriever, provider llm.Provider) *Pipeline {
	return &Pipeline{retriever: r, provider: provider}
}

// StreamTurn starts one turn and returns its event stream. The sequence is
// always well formed: one evidence event first (its manifest may be empty),
// fragments in generation order, then exactly one terminal event. The
// channel is never closed without a terminal event, so consumers can
// distinguish "finished" from "dropped".
func (p *Pipeline) StreamTurn(ctx context.Context, req types.TurnRequest) (<-chan stream.Event, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	ch := make(chan stream.Event, 16)
	go p.run(ctx, req, ch)
	return ch, nil
}

func (p *Pipeline) run(ctx context.Context, req types.TurnRequest, ch chan<- stream.Event) {
	defer close(ch)

	// Retrieval failure is non-fatal: the turn proceeds without grounding
	// and the prompt tells the model to disclose that.
	docs, err := p.retriever.Retrieve(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("retrieval failed, continuing without evidence", "error", err)
		docs = nil
	}
	if !send(ctx, ch, stream.Evidence(docs)) {
		return
	}

	messages := prompt.Messages(prompt.System(docs), req.History, req.Message)
	deltas, err := p.provider.Stream(ctx, messages)
	if err != nil {
		slog.Error("completion request failed", "error", err)
		send(ctx, ch, stream.Errorf("the answering service is unavailable, try again"))
		return
	}

	for delta := range deltas {
		if delta.Err != nil {
			slog.Error("completion stream failed", "error", delta.Err)
			send(ctx, ch, stream.Errorf("the answering service failed mid-reply, try again"))
			return
		}
		if delta.Content == "" {
			continue
		}
		if !send(ctx, ch, stream.Fragment(delta.Content)) {
			return
		}
	}
	send(ctx, ch, stream.Done())
}

// send delivers an event unless the turn was cancelled. A false return
// means the consumer is gone and the producer should stop.
func send(ctx context.Context, ch chan<- stream.Event, ev stream.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
