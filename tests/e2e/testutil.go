package e2e

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/agent"
	"github.com/meridel/finbrief/internal/credential"
	"github.com/meridel/finbrief/internal/orchestrator"
	pgstore "github.com/meridel/finbrief/internal/store"
	"github.com/meridel/finbrief/internal/workflow"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("finbrief_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// newStack wires a full orchestration stack with deterministic stub
// agents against the containerized Postgres and Redis.
func newStack(bus *orchestrator.EventBus) *orchestrator.Orchestrator {
	pool := credential.NewPool(3, testLogger)
	pool.Load("alpha", []string{"key-a", "key-b"})

	client := agent.NewClient(pool, testLogger)
	client.SetBackoff(time.Millisecond)

	ok := func(kv map[string]interface{}) agent.FuncTarget {
		return func(ctx context.Context, p agent.Payload) (*agent.Output, error) {
			return &agent.Output{Fields: kv}, nil
		}
	}
	client.Register(agent.CapClassify, ok(map[string]interface{}{"needs_market_data": true}), agent.Config{})
	client.Register(agent.CapMarketData, ok(map[string]interface{}{"asia_tech_allocation": 22.0}), agent.Config{})
	client.Register(agent.CapNews, ok(map[string]interface{}{"headlines": []interface{}{"TSMC beats estimates"}}), agent.Config{})
	client.Register(agent.CapRetrieve, ok(map[string]interface{}{"context": "", "citations": []interface{}{}}), agent.Config{})
	client.Register(agent.CapAnalyze, ok(map[string]interface{}{"analysis": "exposure up"}), agent.Config{})
	client.Register(agent.CapGenerate, ok(map[string]interface{}{"answer": "Asia tech is 22% of AUM."}), agent.Config{})
	client.Register(agent.CapSpeak, ok(map[string]interface{}{"audio_handle": "audio-1"}), agent.Config{})

	engine := workflow.NewEngine(client, 4, 10*time.Second, testLogger)
	if bus != nil {
		engine.SetListener(bus)
	}
	return orchestrator.New(engine, client, testPGStore, testLogger)
}
