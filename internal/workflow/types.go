// Package workflow executes capability DAGs with per-run deadlines,
// bounded parallelism, and partial-failure accounting.
package workflow

import (
	"time"

	"github.com/meridel/finbrief/internal/agent"
)

// NodeState is the lifecycle state of a single node within a run.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// RunStatus is the terminal status of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
	RunFailed    RunStatus = "failed"
)

// Skip reasons recorded on NodeResult.
const (
	ReasonConditionFalse   = "condition_false"
	ReasonOptionalFailure  = "optional_failure"
	ReasonDependencyFailed = "dependency_failed"
)

// Node declares one unit of work in a workflow definition.
type Node struct {
	ID         string
	Capability agent.Capability
	DependsOn  []string

	// Optional nodes degrade the run on failure instead of failing it.
	Optional bool

	// Condition gates execution. A false condition skips the node
	// without degrading the run. Nil means always run.
	Condition func(run *Run) bool

	// BuildPayload assembles the node's input from the run state. Nil
	// means the run's initial input is passed through.
	BuildPayload func(run *Run) agent.Payload
}

// Definition is a named, validated DAG of nodes.
type Definition struct {
	Name  string
	Nodes []Node
}

// NodeResult records one node's outcome within a run.
type NodeResult struct {
	State       NodeState     `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Output      *agent.Output `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Run is the live and terminal state of one workflow execution.
type Run struct {
	ID          string                 `json:"id"`
	Workflow    string                 `json:"workflow"`
	Status      RunStatus              `json:"status"`
	Degraded    bool                   `json:"degraded"`
	Input       agent.Payload          `json:"input,omitempty"`
	Nodes       map[string]*NodeResult `json:"nodes"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Output returns a finished node's output, or nil if the node did not
// produce one. Safe to call from BuildPayload and Condition funcs, whose
// dependencies are guaranteed complete.
func (r *Run) Output(nodeID string) *agent.Output {
	if nr, ok := r.Nodes[nodeID]; ok {
		return nr.Output
	}
	return nil
}

// Listener observes run and node transitions. Implementations must not
// block the engine.
type Listener interface {
	RunStarted(run *Run)
	NodeTransition(run *Run, nodeID string, state NodeState)
	RunFinished(run *Run)
}
