// Package embedding turns text into vectors for the retrieval index.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the configured provider. The remote provider is wrapped
// with the deterministic hash provider so retrieval keeps answering
// when the embedding API is down; degraded embeddings rank worse but
// never block the pipeline.
func New(cfg Config) Provider {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}
	hash := NewHashProvider(cfg.Dimension)
	if cfg.Provider == "hash" || cfg.Endpoint == "" {
		return hash
	}
	return &chain{primary: NewAPIProvider(cfg), backup: hash}
}

// chain tries the primary provider and falls back to the backup.
type chain struct {
	primary Provider
	backup  Provider
}

func (c *chain) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := c.primary.Embed(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	return c.backup.Embed(ctx, texts)
}

func (c *chain) Dimension() int { return c.primary.Dimension() }
