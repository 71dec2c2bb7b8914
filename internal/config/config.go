// Package config loads the JSON service configuration with environment
// variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig     `json:"server"`
	Providers     []ProviderConfig `json:"providers"`
	Agents        []AgentConfig    `json:"agents"`
	Workflow      WorkflowConfig   `json:"workflow"`
	Retrieval     RetrievalConfig  `json:"retrieval"`
	Embedding     EmbeddingConfig  `json:"embedding"`
	Database      DatabaseConfig   `json:"database"`
	MigrationsDir string           `json:"migrations_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// ProviderConfig declares one upstream provider and its credential
// list, in rotation order.
type ProviderConfig struct {
	Name         string   `json:"name"`
	Keys         []string `json:"keys"`
	MaxTransient int      `json:"max_transient,omitempty"`
}

// AgentConfig binds one capability to a backend agent endpoint.
type AgentConfig struct {
	Capability     string `json:"capability"`
	URL            string `json:"url"`
	Provider       string `json:"provider,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// Timeout returns the agent call timeout.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type WorkflowConfig struct {
	PoolSize        int `json:"pool_size"`
	DeadlineSeconds int `json:"deadline_seconds"`
}

// Deadline returns the per-run wall-clock limit.
func (w WorkflowConfig) Deadline() time.Duration {
	if w.DeadlineSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(w.DeadlineSeconds) * time.Second
}

type RetrievalConfig struct {
	TopK     int     `json:"top_k"`
	MinScore float32 `json:"min_score"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Workflow.PoolSize == 0 {
		c.Workflow.PoolSize = 8
	}
	if c.Workflow.DeadlineSeconds == 0 {
		c.Workflow.DeadlineSeconds = 30
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.MinScore == 0 {
		c.Retrieval.MinScore = 0.35
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1024
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "documents"
	}
	for i := range c.Providers {
		if c.Providers[i].MaxTransient == 0 {
			c.Providers[i].MaxTransient = 3
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %s", p.Name)
		}
		seen[p.Name] = true
	}
	for _, a := range c.Agents {
		if a.Capability == "" {
			return fmt.Errorf("agent with empty capability")
		}
		if a.URL == "" {
			return fmt.Errorf("agent %s: empty url", a.Capability)
		}
		if a.Provider != "" && !seen[a.Provider] {
			return fmt.Errorf("agent %s: unknown provider %s", a.Capability, a.Provider)
		}
	}
	if lvl := strings.ToLower(c.Server.LogLevel); lvl != "debug" && lvl != "info" && lvl != "warn" && lvl != "error" {
		return fmt.Errorf("invalid log level %q", c.Server.LogLevel)
	}
	return nil
}
