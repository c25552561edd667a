package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/user/recall/internal/types"
	"github.com/user/recall/internal/vectorstore"
)

type fakeEmbedder struct {
	embedFunc func(ctx context.Context, text string) ([]float64, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.embedFunc(ctx, text)
}
func (f *fakeEmbedder) Dimension() int { return 3 }

type fakeStore struct {
	searchFunc  func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error)
	getByIDFunc func(ctx context.Context, ids []string) ([]vectorstore.Document, error)
}

func (f *fakeStore) Search(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
	return f.searchFunc(ctx, vector, threshold, limit)
}
func (f *fakeStore) GetByID(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	return f.getByIDFunc(ctx, ids)
}
func (f *fakeStore) Count(ctx context.Context) (int64, error) { return 0, nil }

func staticEmbedder(vec []float64) *fakeEmbedder {
	return &fakeEmbedder{embedFunc: func(ctx context.Context, text string) ([]float64, error) {
		return vec, nil
	}}
}

func newTestRetriever(t *testing.T, store vectorstore.Store, opts Options) *Retriever {
	t.Helper()
	r, err := New(staticEmbedder([]float64{1, 0, 0}), store, opts)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	return r
}

func TestRetrieve_PreservesStoreOrderAndRanks(t *testing.T) {
	store := &fakeStore{
		searchFunc: func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
			return []vectorstore.Document{
				{ID: "a", Content: "first", Similarity: 0.91},
				{ID: "b", Content: "second", Similarity: 0.85},
				{ID: "c", Content: "third", Similarity: 0.72},
			}, nil
		},
	}
	r := newTestRetriever(t, store, DefaultOptions())

	docs, err := r.Retrieve(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	for i, doc := range docs {
		if doc.RankIndex != i+1 {
			t.Errorf("doc %d: expected rank %d, got %d", i, i+1, doc.RankIndex)
		}
	}
	if docs[0].ID != "a" || docs[1].ID != "b" || docs[2].ID != "c" {
		t.Errorf("store order not preserved: %+v", docs)
	}
	if docs[0].Similarity != 0.91 {
		t.Errorf("expected similarity carried through, got %v", docs[0].Similarity)
	}
}

func TestRetrieve_UsesSuppliedEmbedding(t *testing.T) {
	embedCalled := false
	embedder := &fakeEmbedder{embedFunc: func(ctx context.Context, text string) ([]float64, error) {
		embedCalled = true
		return []float64{1, 0, 0}, nil
	}}
	var gotVector []float64
	store := &fakeStore{
		searchFunc: func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
			gotVector = vector
			return nil, nil
		},
	}
	r, err := New(embedder, store, DefaultOptions())
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	supplied := []float64{0.5, 0.5, 0}
	if _, err := r.Retrieve(context.Background(), types.TurnRequest{Message: "q", Embedding: supplied}); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if embedCalled {
		t.Error("embedder should be skipped when the request carries a vector")
	}
	if len(gotVector) != 3 || gotVector[0] != 0.5 {
		t.Errorf("expected supplied vector passed to store, got %v", gotVector)
	}
}

func TestRetrieve_ExplicitIDsKeepCallerOrder(t *testing.T) {
	store := &fakeStore{
		getByIDFunc: func(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
			// Store returns in its own order, with one id unknown.
			return []vectorstore.Document{
				{ID: "c", Content: "gamma"},
				{ID: "a", Content: "alpha"},
			}, nil
		},
	}
	r := newTestRetriever(t, store, DefaultOptions())

	docs, err := r.Retrieve(context.Background(), types.TurnRequest{
		Message:            "q",
		ContextDocumentIDs: []string{"a", "missing", "c"},
	})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].ID != "a" || docs[1].ID != "c" {
		t.Errorf("expected caller order a,c; got %s,%s", docs[0].ID, docs[1].ID)
	}
	if docs[0].Similarity != 0 {
		t.Errorf("explicit documents must not claim a similarity, got %v", docs[0].Similarity)
	}
}

func TestRetrieve_EmbedFailurePropagates(t *testing.T) {
	embedder := &fakeEmbedder{embedFunc: func(ctx context.Context, text string) ([]float64, error) {
		return nil, errors.New("upstream down")
	}}
	store := &fakeStore{
		searchFunc: func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
			t.Fatal("store should not be queried when embedding fails")
			return nil, nil
		},
	}
	r, err := New(embedder, store, DefaultOptions())
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	if _, err := r.Retrieve(context.Background(), types.TurnRequest{Message: "q"}); err == nil {
		t.Fatal("expected error from failed embedding")
	}
}

func TestRetrieve_TruncatesContent(t *testing.T) {
	long := strings.Repeat("x", 5000)
	store := &fakeStore{
		searchFunc: func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
			return []vectorstore.Document{{ID: "a", Content: long, Similarity: 0.9}}, nil
		},
	}
	opts := DefaultOptions()
	opts.MaxContentChars = 100
	r := newTestRetriever(t, store, opts)

	docs, err := r.Retrieve(context.Background(), types.TurnRequest{Message: "q"})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got := len([]rune(docs[0].Content)); got != 100 {
		t.Errorf("expected content truncated to 100 chars, got %d", got)
	}
}

func TestTrimToBudget_GreedyPrefix(t *testing.T) {
	r := newTestRetriever(t, &fakeStore{}, Options{
		Threshold:   0.7,
		Limit:       10,
		TokenBudget: 10,
	})

	docs := []types.EvidenceDocument{
		{ID: "a", RankIndex: 1, Content: "one two three"},            // small
		{ID: "b", RankIndex: 2, Content: strings.Repeat("word ", 50)}, // overflows
		{ID: "c", RankIndex: 3, Content: "tiny"},
	}
	got := r.trimToBudget(docs)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected greedy trim to stop at first overflow, got %+v", got)
	}

	// Trimming the trimmed list again changes nothing.
	again := r.trimToBudget(got)
	if len(again) != len(got) {
		t.Errorf("trim is not idempotent: %d -> %d", len(got), len(again))
	}
}

func TestTrimToBudget_AllFit(t *testing.T) {
	r := newTestRetriever(t, &fakeStore{}, Options{
		Threshold:   0.7,
		Limit:       10,
		TokenBudget: 4000,
	})
	docs := []types.EvidenceDocument{
		{ID: "a", RankIndex: 1, Content: "short"},
		{ID: "b", RankIndex: 2, Content: "also short"},
	}
	got := r.trimToBudget(docs)
	if len(got) != 2 {
		t.Fatalf("expected both docs kept, got %d", len(got))
	}
}

func TestSearchPosts(t *testing.T) {
	var gotThreshold float64
	var gotLimit int
	store := &fakeStore{
		searchFunc: func(ctx context.Context, vector []float64, threshold float64, limit int) ([]vectorstore.Document, error) {
			gotThreshold, gotLimit = threshold, limit
			return []vectorstore.Document{{ID: "a", Similarity: 0.8}}, nil
		},
	}
	r := newTestRetriever(t, store, DefaultOptions())

	hits, err := r.SearchPosts(context.Background(), "query", 0.6, 5)
	if err != nil {
		t.Fatalf("SearchPosts failed: %v", err)
	}
	if gotThreshold != 0.6 || gotLimit != 5 {
		t.Errorf("expected caller's threshold/limit forwarded, got %v/%d", gotThreshold, gotLimit)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
}
