package vectorindex

import (
	"context"
	"fmt"
)

// Document is an embedded text unit owned by the index after Add.
// Immutable once inserted; removed only by Rebuild.
type Document struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"embedding"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is a single similarity hit.
type Result struct {
	Document Document
	Score    float32
}

// Index answers nearest-neighbor queries over embedded documents.
// Search with an empty index returns an empty slice, not an error.
// The filter is a conjunction of exact-match metadata predicates
// applied before ranking.
type Index interface {
	Add(ctx context.Context, doc Document) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error)
}

// DimensionError reports an embedding whose length does not match the
// index's configured dimension. The offending operation leaves the
// index untouched.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vectorindex: dimension mismatch: got %d, want %d", e.Got, e.Want)
}

// matchesFilter reports whether every filter predicate matches exactly.
func matchesFilter(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}
