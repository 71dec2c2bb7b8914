package retrieval

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/vectorindex"
)

// stubEmbedder maps known phrases to fixed unit vectors so scores in
// tests are exact.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }

func newTestService(t *testing.T) (*Service, *stubEmbedder) {
	t.Helper()
	emb := &stubEmbedder{vectors: map[string][]float32{
		"asia tech exposure": {1, 0, 0},
		"asia tech filings":  {0.9701425, 0.24253562, 0}, // cos ~0.97 vs exposure
		"bond yields":        {0, 1, 0},
	}}
	idx := vectorindex.NewMemory(3, zap.NewNop())
	svc := NewService(emb, idx, Config{TopK: 5, MinScore: 0.35}, zap.NewNop())
	return svc, emb
}

func TestIngestAndRetrieve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id1, err := svc.Ingest(ctx, "asia tech filings", map[string]string{"source": "sec"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if id1 == "" {
		t.Fatal("ingest returned empty id")
	}
	if _, err := svc.Ingest(ctx, "bond yields", nil); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	snippets, err := svc.Retrieve(ctx, "asia tech exposure", 0, nil)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(snippets) != 1 {
		t.Fatalf("got %d snippets, want 1 (orthogonal doc should fall below min score)", len(snippets))
	}
	if snippets[0].ID != id1 {
		t.Errorf("got snippet %s, want %s", snippets[0].ID, id1)
	}
	if snippets[0].Score < 0.9 {
		t.Errorf("got score %v, want > 0.9", snippets[0].Score)
	}
	if snippets[0].Metadata["source"] != "sec" {
		t.Errorf("metadata not preserved: %v", snippets[0].Metadata)
	}
	if snippets[0].Metadata["indexed_at"] == "" {
		t.Error("indexed_at not stamped")
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	svc, _ := newTestService(t)
	snippets, err := svc.Retrieve(context.Background(), "asia tech exposure", 0, nil)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("got %d snippets from empty index, want 0", len(snippets))
	}
}

func TestRetrieveWithFilter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "asia tech filings", map[string]string{"region": "apac"}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	id2, err := svc.Ingest(ctx, "asia tech exposure", map[string]string{"region": "emea"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	snippets, err := svc.Retrieve(ctx, "asia tech exposure", 0, map[string]string{"region": "emea"})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(snippets) != 1 || snippets[0].ID != id2 {
		t.Fatalf("filter not applied, got %v", snippets)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("empty snippets should render empty string, got %q", got)
	}
	out := FormatContext([]Snippet{
		{ID: "doc-1", Text: "TSMC beat estimates by 4%", Score: 0.91},
	})
	if !strings.Contains(out, "doc-1") || !strings.Contains(out, "TSMC beat estimates") {
		t.Errorf("formatted context missing content: %q", out)
	}
}

func TestCitations(t *testing.T) {
	got := Citations([]Snippet{{ID: "a"}, {ID: "b"}})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}
