package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/workflow"
)

const (
	runStream      = "finbrief:runs"
	publishTimeout = 2 * time.Second
)

// EventBus publishes run and node transitions onto a Redis Stream so
// operators can tail pipeline progress.
type EventBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewEventBus connects to Redis and verifies the connection.
func NewEventBus(redisURL string, logger *zap.Logger) (*EventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &EventBus{rdb: rdb, logger: logger}, nil
}

// RunEvent is one transition in a workflow run.
type RunEvent struct {
	Kind      string    `json:"kind"` // "run_started", "node", "run_finished"
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	Node      string    `json:"node,omitempty"`
	NodeState string    `json:"node_state,omitempty"`
	Status    string    `json:"status,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var _ workflow.Listener = (*EventBus)(nil)

// RunStarted implements workflow.Listener.
func (b *EventBus) RunStarted(run *workflow.Run) {
	b.publish(&RunEvent{Kind: "run_started", RunID: run.ID, Workflow: run.Workflow})
}

// NodeTransition implements workflow.Listener.
func (b *EventBus) NodeTransition(run *workflow.Run, nodeID string, state workflow.NodeState) {
	b.publish(&RunEvent{
		Kind:      "node",
		RunID:     run.ID,
		Workflow:  run.Workflow,
		Node:      nodeID,
		NodeState: string(state),
	})
}

// RunFinished implements workflow.Listener.
func (b *EventBus) RunFinished(run *workflow.Run) {
	b.publish(&RunEvent{
		Kind:     "run_finished",
		RunID:    run.ID,
		Workflow: run.Workflow,
		Status:   string(run.Status),
		Degraded: run.Degraded,
	})
}

// publish is fire-and-forget with a short timeout. A down broker costs
// events, never answers.
func (b *EventBus) publish(ev *RunEvent) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: runStream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		b.logger.Warn("event publish failed", zap.Error(err))
	}
}

// Tail streams run events starting from now. Cancel the context to stop.
func (b *EventBus) Tail(ctx context.Context) <-chan *RunEvent {
	ch := make(chan *RunEvent, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{runStream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev RunEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *EventBus) Close() error {
	return b.rdb.Close()
}
