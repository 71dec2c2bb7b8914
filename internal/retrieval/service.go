// Package retrieval coordinates embedding generation and vector search
// to ground answers in indexed financial documents.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/embedding"
	"github.com/meridel/finbrief/internal/vectorindex"
)

// Snippet is a single retrieved passage with its provenance and score.
type Snippet struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service embeds queries and searches the vector index.
type Service struct {
	embedder embedding.Provider
	index    vectorindex.Index
	topK     int
	minScore float32
	logger   *zap.Logger
}

// Config tunes retrieval behavior.
type Config struct {
	TopK     int     `json:"top_k"`
	MinScore float32 `json:"min_score"`
}

// NewService creates a retrieval service over the given embedder and index.
func NewService(embedder embedding.Provider, index vectorindex.Index, cfg Config, logger *zap.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.35
	}
	return &Service{
		embedder: embedder,
		index:    index,
		topK:     cfg.TopK,
		minScore: cfg.MinScore,
		logger:   logger,
	}
}

// Retrieve embeds the query and returns the top-K passages above the
// minimum score, in descending score order. k <= 0 uses the configured
// default.
func (s *Service) Retrieve(ctx context.Context, query string, k int, filter map[string]string) ([]Snippet, error) {
	if k <= 0 {
		k = s.topK
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := s.index.Search(ctx, vectors[0], k, filter)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	snippets := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		if h.Score < s.minScore {
			continue
		}
		snippets = append(snippets, Snippet{
			ID:       h.Document.ID,
			Text:     h.Document.Text,
			Score:    h.Score,
			Metadata: h.Document.Metadata,
		})
	}
	s.logger.Debug("retrieval complete",
		zap.Int("hits", len(hits)),
		zap.Int("kept", len(snippets)))
	return snippets, nil
}

// Ingest embeds a document and adds it to the index, returning the
// generated document ID.
func (s *Service) Ingest(ctx context.Context, text string, metadata map[string]string) (string, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) == 0 {
		return "", fmt.Errorf("empty embedding result")
	}

	id := uuid.New().String()
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	doc := vectorindex.Document{
		ID:        id,
		Text:      text,
		Embedding: vectors[0],
		Metadata:  meta,
	}
	if err := s.index.Add(ctx, doc); err != nil {
		return "", fmt.Errorf("index document: %w", err)
	}
	s.logger.Info("document ingested", zap.String("id", id))
	return id, nil
}

// FormatContext renders snippets into a prompt-friendly block.
func FormatContext(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b []byte
	b = append(b, "## Retrieved Context\n\n"...)
	for i, s := range snippets {
		b = append(b, fmt.Sprintf("%d. [%s] (score: %.2f)\n%s\n\n", i+1, s.ID, s.Score, s.Text)...)
	}
	return string(b)
}

// Citations extracts the document IDs from snippets, preserving order.
func Citations(snippets []Snippet) []string {
	out := make([]string, len(snippets))
	for i, s := range snippets {
		out[i] = s.ID
	}
	return out
}
