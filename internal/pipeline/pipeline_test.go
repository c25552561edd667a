package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/recall/internal/retriever"
	"github.com/user/recall/internal/stream"
	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
	"github.com/user/recall/internal/vectorstore/memory"
	"github.com/user/recall/pkg/llm"
)

type fakeEmbedder struct {
	embedFunc func(ctx context.Context, text string) ([]float64, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.embedFunc(ctx, text)
}
func (f *fakeEmbedder) Dimension() int { return 2 }

type fakeProvider struct {
	completeFunc func(ctx context.Context, messages []llm.Message) (*llm.Response, error)
	streamFunc   func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error)
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	return f.completeFunc(ctx, messages)
}
func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	return f.streamFunc(ctx, messages)
}

func deltas(parts ...string) <-chan llm.Delta {
	ch := make(chan llm.Delta, len(parts))
	for _, p := range parts {
		ch <- llm.Delta{Content: p}
	}
	close(ch)
	return ch
}

// newTestPipeline builds a pipeline over an in-memory archive holding two
// matching posts and one unrelated post.
func newTestPipeline(t *testing.T, provider llm.Provider) *Pipeline {
	t.Helper()
	store := memory.New()
	mustAdd := func(doc vectorstore.Document, vec []float64) {
		t.Helper()
		if err := store.Add(doc, vec); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(vectorstore.Document{ID: "p1", Content: "X relates to Y", Author: "alice"}, []float64{0.9, 0.44})
	mustAdd(vectorstore.Document{ID: "p2", Content: "X also involves Z", Author: "bob"}, []float64{0.76, 0.65})
	mustAdd(vectorstore.Document{ID: "p3", Content: "unrelated cooking tips"}, []float64{-1, 0})

	embedder := &fakeEmbedder{embedFunc: func(ctx context.Context, text string) ([]float64, error) {
		return []float64{1, 0}, nil
	}}
	ret, err := retriever.New(embedder, store, retriever.DefaultOptions())
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	return New(ret, provider)
}

func collect(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not finish; got %d events", len(events))
		}
	}
}

func TestStreamTurn_GroundedAnswer(t *testing.T) {
	provider := &fakeProvider{
		streamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			return deltas("X relates to Y [1]", " and also Z [2]."), nil
		},
	}
	p := newTestPipeline(t, provider)

	ch, err := p.StreamTurn(context.Background(), types.TurnRequest{Message: "what about X?"})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	events := collect(t, ch)

	if len(events) < 3 {
		t.Fatalf("expected evidence, fragments, done; got %+v", events)
	}
	if events[0].Type != stream.EventEvidence {
		t.Fatalf("first event must be evidence, got %q", events[0].Type)
	}
	docs := events[0].Documents
	if len(docs) != 2 {
		t.Fatalf("expected 2 matching posts, got %d", len(docs))
	}
	if docs[0].ID != "p1" || docs[0].RankIndex != 1 {
		t.Errorf("expected p1 ranked first, got %+v", docs[0])
	}
	if docs[1].ID != "p2" || docs[1].RankIndex != 2 {
		t.Errorf("expected p2 ranked second, got %+v", docs[1])
	}

	var text string
	for _, ev := range events[1 : len(events)-1] {
		if ev.Type != stream.EventFragment {
			t.Fatalf("expected only fragments between evidence and terminal, got %q", ev.Type)
		}
		text += ev.Text
	}
	if text != "X relates to Y [1] and also Z [2]." {
		t.Errorf("fragments out of order or lost: %q", text)
	}
	if last := events[len(events)-1]; last.Type != stream.EventDone {
		t.Errorf("expected done terminal, got %+v", last)
	}
}

func TestStreamTurn_RetrievalFailureDegrades(t *testing.T) {
	embedder := &fakeEmbedder{embedFunc: func(ctx context.Context, text string) ([]float64, error) {
		return nil, errors.New("embeddings down")
	}}
	ret, err := retriever.New(embedder, memory.New(), retriever.DefaultOptions())
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	var sawSystem string
	provider := &fakeProvider{
		streamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			sawSystem = messages[0].Content
			return deltas("I could not find saved posts about that."), nil
		},
	}
	p := New(ret, provider)

	ch, err := p.StreamTurn(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	events := collect(t, ch)

	// The turn proceeds: empty manifest first, then a normal answer.
	if events[0].Type != stream.EventEvidence || len(events[0].Documents) != 0 {
		t.Fatalf("expected empty evidence manifest, got %+v", events[0])
	}
	if last := events[len(events)-1]; last.Type != stream.EventDone {
		t.Fatalf("retrieval failure must not fail the turn, got %+v", last)
	}
	if sawSystem == "" {
		t.Fatal("provider never saw a system prompt")
	}
}

func TestStreamTurn_ProviderFailure(t *testing.T) {
	provider := &fakeProvider{
		streamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			return nil, errors.New("connection refused")
		},
	}
	p := newTestPipeline(t, provider)

	ch, err := p.StreamTurn(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	events := collect(t, ch)

	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("expected error terminal, got %+v", last)
	}
	if last.Message == "" {
		t.Error("error event must carry a message")
	}
}

func TestStreamTurn_MidStreamFailure(t *testing.T) {
	provider := &fakeProvider{
		streamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta, 2)
			ch <- llm.Delta{Content: "partial "}
			ch <- llm.Delta{Err: errors.New("connection reset")}
			close(ch)
			return ch, nil
		},
	}
	p := newTestPipeline(t, provider)

	ch, err := p.StreamTurn(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	events := collect(t, ch)

	var sawFragment bool
	for _, ev := range events {
		if ev.Type == stream.EventFragment {
			sawFragment = true
		}
	}
	if !sawFragment {
		t.Error("fragments before the failure should still be delivered")
	}
	if last := events[len(events)-1]; last.Type != stream.EventError {
		t.Fatalf("expected error terminal after mid-stream failure, got %+v", last)
	}
}

func TestStreamTurn_EmptyMessageRejected(t *testing.T) {
	p := newTestPipeline(t, &fakeProvider{})
	if _, err := p.StreamTurn(context.Background(), types.TurnRequest{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestStreamTurn_ExactlyOneTerminal(t *testing.T) {
	provider := &fakeProvider{
		streamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			return deltas("a", "b", "c"), nil
		},
	}
	p := newTestPipeline(t, provider)

	ch, err := p.StreamTurn(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("StreamTurn failed: %v", err)
	}
	events := collect(t, ch)

	terminals := 0
	for i, ev := range events {
		if ev.Terminal() {
			terminals++
			if i != len(events)-1 {
				t.Errorf("terminal event at position %d of %d", i, len(events))
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
}
