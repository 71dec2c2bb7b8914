package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// snapshot is an immutable view of the index contents. Searches read
// one snapshot for their whole duration; writers build a new snapshot
// and swap the pointer, so a rebuild is never observable mid-search.
type snapshot struct {
	docs  []Document
	norms []float32
}

// Memory is an in-process Index using cosine similarity.
type Memory struct {
	dimension int
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	logger    *zap.Logger
}

// NewMemory creates an empty in-memory index with a fixed embedding
// dimension.
func NewMemory(dimension int, logger *zap.Logger) *Memory {
	m := &Memory{dimension: dimension, logger: logger}
	m.current.Store(&snapshot{})
	return m
}

// Add validates the embedding dimension and appends the document.
// Writers serialize; concurrent searches keep reading the old snapshot
// until the swap.
func (m *Memory) Add(ctx context.Context, doc Document) error {
	if len(doc.Embedding) != m.dimension {
		return &DimensionError{Got: len(doc.Embedding), Want: m.dimension}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.current.Load()
	next := &snapshot{
		docs:  make([]Document, len(old.docs), len(old.docs)+1),
		norms: make([]float32, len(old.norms), len(old.norms)+1),
	}
	copy(next.docs, old.docs)
	copy(next.norms, old.norms)
	next.docs = append(next.docs, doc)
	next.norms = append(next.norms, norm(doc.Embedding))
	m.current.Store(next)

	m.logger.Debug("document indexed",
		zap.String("id", doc.ID),
		zap.Int("total", len(next.docs)))
	return nil
}

// Rebuild atomically replaces the entire index contents. Every document
// is validated before anything is swapped in, so a failed rebuild
// leaves the previous snapshot intact.
func (m *Memory) Rebuild(ctx context.Context, docs []Document) error {
	next := &snapshot{
		docs:  make([]Document, 0, len(docs)),
		norms: make([]float32, 0, len(docs)),
	}
	for _, d := range docs {
		if len(d.Embedding) != m.dimension {
			return &DimensionError{Got: len(d.Embedding), Want: m.dimension}
		}
		next.docs = append(next.docs, d)
		next.norms = append(next.norms, norm(d.Embedding))
	}

	m.writeMu.Lock()
	m.current.Store(next)
	m.writeMu.Unlock()

	m.logger.Info("index rebuilt", zap.Int("documents", len(docs)))
	return nil
}

// Len returns the number of indexed documents.
func (m *Memory) Len() int {
	return len(m.current.Load().docs)
}

// Search filters, then ranks by cosine similarity descending. Ties keep
// insertion order (earlier documents first), so identical inputs always
// produce identical output.
func (m *Memory) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if len(vector) != m.dimension {
		return nil, &DimensionError{Got: len(vector), Want: m.dimension}
	}
	if k <= 0 {
		return []Result{}, nil
	}

	snap := m.current.Load()
	qnorm := norm(vector)

	results := make([]Result, 0, len(snap.docs))
	for i, doc := range snap.docs {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		results = append(results, Result{
			Document: doc,
			Score:    cosine(vector, qnorm, doc.Embedding, snap.norms[i]),
		})
	}

	// SliceStable preserves insertion order among equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

func cosine(a []float32, anorm float32, b []float32, bnorm float32) float32 {
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot) / (anorm * bnorm)
}
