package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridel/finbrief/internal/agent"
	"github.com/meridel/finbrief/internal/api"
	"github.com/meridel/finbrief/internal/config"
	"github.com/meridel/finbrief/internal/credential"
	"github.com/meridel/finbrief/internal/embedding"
	"github.com/meridel/finbrief/internal/fallback"
	"github.com/meridel/finbrief/internal/orchestrator"
	"github.com/meridel/finbrief/internal/retrieval"
	pgstore "github.com/meridel/finbrief/internal/store"
	"github.com/meridel/finbrief/internal/vectorindex"
	"github.com/meridel/finbrief/internal/workflow"
)

var knownCapabilities = map[string]agent.Capability{
	"market_data": agent.CapMarketData,
	"news":        agent.CapNews,
	"analyze":     agent.CapAnalyze,
	"generate":    agent.CapGenerate,
	"classify":    agent.CapClassify,
	"transcribe":  agent.CapTranscribe,
	"speak":       agent.CapSpeak,
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/finbrief.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting finbrief...", zap.String("config", cfgPath))

	// Credential pool
	maxTransient := 0
	for _, pc := range cfg.Providers {
		if pc.MaxTransient > maxTransient {
			maxTransient = pc.MaxTransient
		}
	}
	pool := credential.NewPool(maxTransient, logger)
	for _, pc := range cfg.Providers {
		pool.Load(pc.Name, pc.Keys)
	}

	// Embedding and vector index
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	var index vectorindex.Index
	if cfg.Database.Qdrant.Enabled {
		qdrant, qErr := vectorindex.NewQdrant(context.Background(), vectorindex.QdrantConfig{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
		}, embedder.Dimension())
		if qErr != nil {
			logger.Warn("Qdrant unavailable, using in-memory index", zap.Error(qErr))
		} else {
			defer qdrant.Close()
			index = qdrant
			logger.Info("Qdrant index ready", zap.String("collection", cfg.Database.Qdrant.Collection))
		}
	}
	if index == nil {
		index = vectorindex.NewMemory(embedder.Dimension(), logger)
	}

	retriever := retrieval.NewService(embedder, index, retrieval.Config{
		TopK:     cfg.Retrieval.TopK,
		MinScore: cfg.Retrieval.MinScore,
	}, logger)

	// Agent client: HTTP targets from config, retrieval in-process.
	client := agent.NewClient(pool, logger)
	for _, ac := range cfg.Agents {
		capability, ok := knownCapabilities[ac.Capability]
		if !ok {
			logger.Warn("unknown capability in config", zap.String("capability", ac.Capability))
			continue
		}
		target := agent.NewHTTPTarget(capability, ac.URL, ac.Provider, ac.Timeout(), logger)
		client.Register(capability, target, agent.Config{
			Timeout:    ac.Timeout(),
			MaxRetries: ac.MaxRetries,
		})
	}
	client.Register(agent.CapRetrieve, agent.FuncTarget(func(ctx context.Context, p agent.Payload) (*agent.Output, error) {
		query, _ := p["query"].(string)
		snippets, rErr := retriever.Retrieve(ctx, query, 0, nil)
		if rErr != nil {
			return nil, rErr
		}
		return &agent.Output{Fields: map[string]interface{}{
			"context":   retrieval.FormatContext(snippets),
			"citations": retrieval.Citations(snippets),
		}}, nil
	}), agent.Config{})

	registerFallbacks(client)

	// Workflow engine
	engine := workflow.NewEngine(client, cfg.Workflow.PoolSize, cfg.Workflow.Deadline(), logger)

	// Run event stream
	var bus *orchestrator.EventBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := orchestrator.NewEventBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without run events", zap.Error(busErr))
		} else {
			bus = b
			engine.SetListener(bus)
			logger.Info("Run event stream initialized")
		}
	}

	// Run audit store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without run auditing", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ps.Migrate(context.Background(), migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	var runStore orchestrator.RunStore
	var runReader api.RunStore
	if pgStore != nil {
		runStore = pgStore
		runReader = pgStore
	}

	orch := orchestrator.New(engine, client, runStore, logger)
	handler := api.NewHandler(orch, retriever, pool, runReader, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("finbrief listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down finbrief...")
	srv.Shutdown(context.Background())
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// registerFallbacks wires the deterministic degraded responders so every
// capability keeps answering when its backend is down.
func registerFallbacks(c *agent.Client) {
	c.RegisterFallback(agent.CapMarketData, fallback.MarketData{})
	c.RegisterFallback(agent.CapNews, fallback.News{})
	c.RegisterFallback(agent.CapGenerate, fallback.Generator{})
	c.RegisterFallback(agent.CapSpeak, fallback.SpeakPassthrough{})
	c.RegisterFallback(agent.CapTranscribe, fallback.Transcript{})
	c.RegisterFallback(agent.CapClassify, agent.ResponderFunc(func(ctx context.Context, p agent.Payload) (*agent.Output, error) {
		query, _ := p["query"].(string)
		q := strings.ToLower(query)
		needsMarket := strings.Contains(q, "market") || strings.Contains(q, "exposure") ||
			strings.Contains(q, "earnings") || strings.Contains(q, "stock")
		return &agent.Output{Fields: map[string]interface{}{"needs_market_data": needsMarket}}, nil
	}))
	c.RegisterFallback(agent.CapAnalyze, agent.ResponderFunc(func(ctx context.Context, p agent.Payload) (*agent.Output, error) {
		return &agent.Output{Fields: map[string]interface{}{
			"analysis": "Analysis service unavailable; figures reflect the latest cached market data.",
		}}, nil
	}))
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}
