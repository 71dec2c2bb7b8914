package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/agent"
)

// ErrDeadlineExceeded reports that a run hit its wall-clock deadline
// before every node finished.
var ErrDeadlineExceeded = errors.New("workflow: run deadline exceeded")

const (
	defaultDeadline = 30 * time.Second
	defaultPoolSize = 8
)

// Engine executes workflow definitions against the agent client with a
// bounded goroutine pool.
type Engine struct {
	client   *agent.Client
	pool     chan struct{} // semaphore-based pool
	deadline time.Duration
	listener Listener
	logger   *zap.Logger
}

// NewEngine creates an engine. poolSize bounds concurrent node
// executions; deadline caps each run's wall-clock time.
func NewEngine(client *agent.Client, poolSize int, deadline time.Duration, logger *zap.Logger) *Engine {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Engine{
		client:   client,
		pool:     make(chan struct{}, poolSize),
		deadline: deadline,
		logger:   logger,
	}
}

// SetListener installs a transition observer for run auditing.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// Validate checks a definition for duplicate IDs, unknown dependencies,
// and cycles.
func Validate(def Definition) error {
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow %s: no nodes", def.Name)
	}
	byID := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate node %s", def.Name, n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow %s: node %s depends on unknown node %s", def.Name, n.ID, dep)
			}
		}
	}
	// Cycle check via Kahn's algorithm.
	indeg := make(map[string]int, len(def.Nodes))
	dependents := make(map[string][]string)
	for _, n := range def.Nodes {
		indeg[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(def.Nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(def.Nodes) {
		return fmt.Errorf("workflow %s: dependency cycle", def.Name)
	}
	return nil
}

// Execute runs the definition to completion and returns the terminal
// run. The run itself carries failure detail; the returned error is
// reserved for invalid definitions.
func (e *Engine) Execute(ctx context.Context, def Definition, input agent.Payload) (*Run, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String(),
		Workflow:  def.Name,
		Status:    RunRunning,
		Input:     input,
		Nodes:     make(map[string]*NodeResult, len(def.Nodes)),
		StartedAt: time.Now().UTC(),
	}
	// The node map is fully populated before any goroutine starts, so
	// concurrent access never mutates the map itself. Each NodeResult is
	// written only by its own goroutine; dependents read it after the
	// done-channel close establishes ordering.
	done := make(map[string]chan struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		run.Nodes[n.ID] = &NodeResult{State: NodePending}
		done[n.ID] = make(chan struct{})
	}

	if e.listener != nil {
		e.listener.RunStarted(run)
	}
	e.logger.Info("run started",
		zap.String("run", run.ID),
		zap.String("workflow", def.Name))

	runCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	var mu sync.Mutex // guards run.Degraded and listener calls
	var wg sync.WaitGroup
	for _, n := range def.Nodes {
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			defer close(done[node.ID])
			e.executeNode(runCtx, run, node, done, &mu)
		}(n)
	}
	wg.Wait()

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Status = e.finalStatus(run)
	if run.Status == RunFailed && run.Error == "" {
		if runCtx.Err() != nil {
			run.Error = ErrDeadlineExceeded.Error()
		} else {
			run.Error = firstNodeError(run)
		}
	}
	e.logger.Info("run finished",
		zap.String("run", run.ID),
		zap.String("status", string(run.Status)),
		zap.Bool("degraded", run.Degraded))
	if e.listener != nil {
		e.listener.RunFinished(run)
	}
	return run, nil
}

func (e *Engine) executeNode(ctx context.Context, run *Run, node Node, done map[string]chan struct{}, mu *sync.Mutex) {
	result := run.Nodes[node.ID]

	for _, dep := range node.DependsOn {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			if node.Optional {
				result.Reason = ReasonOptionalFailure
				e.transition(run, node.ID, result, NodeSkipped, mu)
				mu.Lock()
				run.Degraded = true
				mu.Unlock()
				return
			}
			e.transition(run, node.ID, result, NodeFailed, mu)
			return
		}
	}

	// A failed dependency, or one skipped because its own dependency
	// failed, keeps this node from executing.
	for _, dep := range node.DependsOn {
		dr := run.Nodes[dep]
		if dr.State == NodeFailed || (dr.State == NodeSkipped && dr.Reason == ReasonDependencyFailed) {
			result.Reason = ReasonDependencyFailed
			e.transition(run, node.ID, result, NodeSkipped, mu)
			return
		}
	}

	if node.Condition != nil && !node.Condition(run) {
		result.Reason = ReasonConditionFalse
		e.transition(run, node.ID, result, NodeSkipped, mu)
		return
	}

	e.pool <- struct{}{}        // acquire slot
	defer func() { <-e.pool }() // release slot

	start := time.Now().UTC()
	result.StartedAt = &start
	e.transition(run, node.ID, result, NodeRunning, mu)

	payload := run.Input
	if node.BuildPayload != nil {
		payload = node.BuildPayload(run)
	}

	out, err := e.client.Invoke(ctx, node.Capability, payload)
	end := time.Now().UTC()
	result.CompletedAt = &end

	if err != nil {
		result.Error = err.Error()
		if node.Optional {
			result.Reason = ReasonOptionalFailure
			e.transition(run, node.ID, result, NodeSkipped, mu)
			mu.Lock()
			run.Degraded = true
			mu.Unlock()
			e.logger.Warn("optional node failed",
				zap.String("run", run.ID),
				zap.String("node", node.ID),
				zap.Error(err))
			return
		}
		e.transition(run, node.ID, result, NodeFailed, mu)
		e.logger.Error("node failed",
			zap.String("run", run.ID),
			zap.String("node", node.ID),
			zap.Error(err))
		return
	}

	result.Output = out
	e.transition(run, node.ID, result, NodeSucceeded, mu)
	if out != nil && out.Degraded {
		mu.Lock()
		run.Degraded = true
		mu.Unlock()
	}
}

func (e *Engine) transition(run *Run, nodeID string, result *NodeResult, state NodeState, mu *sync.Mutex) {
	result.State = state
	if e.listener != nil {
		mu.Lock()
		e.listener.NodeTransition(run, nodeID, state)
		mu.Unlock()
	}
}

func (e *Engine) finalStatus(run *Run) RunStatus {
	for _, nr := range run.Nodes {
		if nr.State == NodeFailed {
			return RunFailed
		}
	}
	if run.Degraded {
		return RunDegraded
	}
	return RunCompleted
}

func firstNodeError(run *Run) string {
	for _, nr := range run.Nodes {
		if nr.State == NodeFailed && nr.Error != "" {
			return nr.Error
		}
	}
	return "node failure"
}
