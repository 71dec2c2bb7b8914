// Package orchestrator turns user questions into workflow runs and
// assembles the final answer from the run's node outputs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridel/finbrief/internal/agent"
	"github.com/meridel/finbrief/internal/workflow"
)

// ErrWorkflowFailed is the only error Process surfaces for run-level
// failures; the run record carries the detail.
var ErrWorkflowFailed = errors.New("orchestrator: workflow failed")

// Request is one user question, as text or as a recorded-audio handle.
type Request struct {
	Query       string `json:"query,omitempty"`
	AudioHandle string `json:"audio_handle,omitempty"`
	Voice       bool   `json:"voice,omitempty"`
}

// Response is the assembled answer.
type Response struct {
	RunID       string   `json:"run_id"`
	Answer      string   `json:"answer"`
	Citations   []string `json:"citations,omitempty"`
	Degraded    bool     `json:"degraded"`
	AudioHandle string   `json:"audio_handle,omitempty"`
}

// RunStore persists terminal runs for auditing. Implementations must
// tolerate being handed the same run twice.
type RunStore interface {
	SaveRun(ctx context.Context, run *workflow.Run) error
}

// Orchestrator routes requests onto workflow definitions.
type Orchestrator struct {
	engine *workflow.Engine
	client *agent.Client
	store  RunStore
	logger *zap.Logger
}

// New creates an orchestrator. store may be nil when run auditing is
// disabled.
func New(engine *workflow.Engine, client *agent.Client, store RunStore, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, client: client, store: store, logger: logger}
}

// Process answers one request. Audio requests are transcribed first,
// then routed like text. Run-level failure surfaces as ErrWorkflowFailed;
// everything recoverable comes back as a degraded response instead.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" && req.AudioHandle == "" {
		return nil, fmt.Errorf("orchestrator: empty request")
	}

	query := req.Query
	degraded := false
	if query == "" {
		out, err := o.client.Invoke(ctx, agent.CapTranscribe,
			agent.Payload{"audio_handle": req.AudioHandle})
		if err != nil {
			return nil, fmt.Errorf("%w: transcription: %v", ErrWorkflowFailed, err)
		}
		query = out.Str("text")
		degraded = out.Degraded
		// Voice in implies voice out.
		req.Voice = true
	}

	def := workflow.Query()
	if isMarketBrief(query) {
		def = workflow.MarketBrief()
	}

	run, err := o.engine.Execute(ctx, def, agent.Payload{
		"query": query,
		"voice": req.Voice,
	})
	if err != nil {
		return nil, err
	}
	o.persist(ctx, run)

	if run.Status == workflow.RunFailed {
		return nil, fmt.Errorf("%w: run %s: %s", ErrWorkflowFailed, run.ID, run.Error)
	}

	gen := run.Output("generate")
	ret := run.Output("retrieve")
	resp := &Response{
		RunID:       run.ID,
		Answer:      gen.Str("answer"),
		Citations:   ret.Strings("citations"),
		Degraded:    degraded || run.Degraded,
		AudioHandle: run.Output("speak").Str("audio_handle"),
	}
	return resp, nil
}

// persist saves the terminal run, logging instead of failing: auditing
// never blocks an answer.
func (o *Orchestrator) persist(ctx context.Context, run *workflow.Run) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		o.logger.Warn("run audit save failed",
			zap.String("run", run.ID), zap.Error(err))
	}
}

// isMarketBrief routes brief-style and risk-exposure questions onto the
// dedicated morning-brief pipeline; those answers need the full
// market-data and news fan-out, not just retrieval.
func isMarketBrief(query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(q, "market brief") ||
		strings.Contains(q, "morning brief") ||
		strings.Contains(q, "daily brief") ||
		strings.Contains(q, "risk exposure")
}
