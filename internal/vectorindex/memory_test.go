package vectorindex

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func newIndex(t *testing.T, dim int) *Memory {
	t.Helper()
	return NewMemory(dim, zap.NewNop())
}

func doc(id string, embedding []float32, meta map[string]string) Document {
	return Document{ID: id, Text: "doc " + id, Embedding: embedding, Metadata: meta}
}

func TestAddDimensionMismatch(t *testing.T) {
	idx := newIndex(t, 3)

	err := idx.Add(context.Background(), doc("a", []float32{1, 0}, nil))
	var de *DimensionError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DimensionError", err)
	}
	if de.Got != 2 || de.Want != 3 {
		t.Errorf("got %+v, want Got=2 Want=3", de)
	}
	if idx.Len() != 0 {
		t.Errorf("index mutated on rejected add: len=%d", idx.Len())
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newIndex(t, 2)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearchRanking(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()

	// "far" is orthogonal to the query, "near" is identical, "mid" between.
	idx.Add(ctx, doc("far", []float32{0, 1}, nil))
	idx.Add(ctx, doc("near", []float32{1, 0}, nil))
	idx.Add(ctx, doc("mid", []float32{1, 1}, nil))

	results, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Document.ID != "near" || results[1].Document.ID != "mid" {
		t.Errorf("got order [%s %s], want [near mid]",
			results[0].Document.ID, results[1].Document.ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestSearchTieBreakInsertionOrder(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()

	// Same direction, same cosine score — earlier insertion must win.
	idx.Add(ctx, doc("first", []float32{2, 0}, nil))
	idx.Add(ctx, doc("second", []float32{4, 0}, nil))
	idx.Add(ctx, doc("third", []float32{1, 0}, nil))

	for i := 0; i < 10; i++ {
		results, err := idx.Search(ctx, []float32{1, 0}, 3, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if results[0].Document.ID != "first" ||
			results[1].Document.ID != "second" ||
			results[2].Document.ID != "third" {
			t.Fatalf("run %d: tie-break order broken: [%s %s %s]", i,
				results[0].Document.ID, results[1].Document.ID, results[2].Document.ID)
		}
	}
}

func TestSearchFilterThenRank(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()

	idx.Add(ctx, doc("tsm-news", []float32{1, 0}, map[string]string{"source": "news", "ticker": "TSM"}))
	idx.Add(ctx, doc("tsm-filing", []float32{1, 0.1}, map[string]string{"source": "filing", "ticker": "TSM"}))
	idx.Add(ctx, doc("samsung-news", []float32{1, 0.2}, map[string]string{"source": "news", "ticker": "005930.KS"}))

	// k=2 with a selective filter: both filing docs would outrank a
	// rank-then-filter cut, but filter-first guarantees we still get the
	// single matching doc.
	results, err := idx.Search(ctx, []float32{1, 0}, 2,
		map[string]string{"source": "news", "ticker": "TSM"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Document.ID != "tsm-news" {
		t.Errorf("got %s, want tsm-news", results[0].Document.ID)
	}
}

func TestSearchQueryDimensionMismatch(t *testing.T) {
	idx := newIndex(t, 3)
	_, err := idx.Search(context.Background(), []float32{1, 0}, 5, nil)
	var de *DimensionError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DimensionError", err)
	}
}

func TestRebuildAtomic(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()

	idx.Add(ctx, doc("old", []float32{1, 0}, nil))

	// A rebuild containing a bad document must leave the old snapshot.
	err := idx.Rebuild(ctx, []Document{
		doc("new", []float32{0, 1}, nil),
		doc("bad", []float32{0, 1, 2}, nil),
	})
	var de *DimensionError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DimensionError", err)
	}
	results, _ := idx.Search(ctx, []float32{1, 0}, 1, nil)
	if len(results) != 1 || results[0].Document.ID != "old" {
		t.Fatalf("failed rebuild mutated the index: %+v", results)
	}

	if err := idx.Rebuild(ctx, []Document{doc("new", []float32{0, 1}, nil)}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	results, _ = idx.Search(ctx, []float32{0, 1}, 1, nil)
	if len(results) != 1 || results[0].Document.ID != "new" {
		t.Fatalf("rebuild not applied: %+v", results)
	}
}

func TestConcurrentSearchDuringWrites(t *testing.T) {
	idx := newIndex(t, 2)
	ctx := context.Background()
	idx.Add(ctx, doc("seed", []float32{1, 0}, nil))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				idx.Add(ctx, doc("w", []float32{1, 1}, nil))
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				results, err := idx.Search(ctx, []float32{1, 0}, 5, nil)
				if err != nil {
					t.Errorf("search: %v", err)
					return
				}
				if len(results) == 0 {
					t.Error("search observed an empty index mid-write")
					return
				}
			}
		}()
	}
	wg.Wait()

	if idx.Len() != 201 {
		t.Errorf("got %d documents, want 201", idx.Len())
	}
}
