package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkit/quorum/types"
)

// ScriptedProvider replays a fixed script of contributions per agent.
// It is deterministic, which makes it useful for the demo binary and
// for tests that exercise the full session loop. Optional callbacks
// override the scripted behavior.
type ScriptedProvider struct {
	mu      sync.Mutex
	scripts map[string][]QueryResult
	cursor  map[string]int

	// EvaluateFn, when set, replaces the default always-speak policy.
	EvaluateFn func(ctx context.Context, req EvalRequest) (*EvalResult, error)
	// QueryFn, when set, replaces script playback.
	QueryFn func(ctx context.Context, req QueryRequest) (*QueryResult, error)
}

// NewScriptedProvider builds a provider with no script; agents without a
// script produce placeholder arguments.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		scripts: make(map[string][]QueryResult),
		cursor:  make(map[string]int),
	}
}

// Script sets the playback sequence for one agent.
func (p *ScriptedProvider) Script(agentID string, results ...QueryResult) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[agentID] = results
	p.cursor[agentID] = 0
	return p
}

// Evaluate implements Provider. Default policy: speak whenever script
// lines remain, medium urgency, argument kind.
func (p *ScriptedProvider) Evaluate(ctx context.Context, req EvalRequest) (*EvalResult, error) {
	if p.EvaluateFn != nil {
		return p.EvaluateFn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	script, ok := p.scripts[req.AgentID]
	if ok && p.cursor[req.AgentID] >= len(script) {
		return &EvalResult{Pass: true, Reason: "script exhausted"}, nil
	}
	kind := types.KindArgument
	if ok {
		kind = script[p.cursor[req.AgentID]].Kind
	}
	return &EvalResult{
		Urgency:      types.UrgencyMedium,
		Reason:       "scripted turn",
		ResponseKind: kind,
	}, nil
}

// Query implements Provider, replaying the agent's next script line.
func (p *ScriptedProvider) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if p.QueryFn != nil {
		return p.QueryFn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	script, ok := p.scripts[req.AgentID]
	if !ok {
		return &QueryResult{
			Content: fmt.Sprintf("%s has nothing scripted and offers a general observation.", req.AgentID),
			Kind:    types.KindArgument,
		}, nil
	}
	i := p.cursor[req.AgentID]
	if i >= len(script) {
		return nil, fmt.Errorf("script exhausted for agent %s", req.AgentID)
	}
	p.cursor[req.AgentID] = i + 1
	result := script[i]
	if result.Kind == "" {
		result.Kind = types.KindArgument
	}
	return &result, nil
}

// Remaining reports unplayed script lines for an agent.
func (p *ScriptedProvider) Remaining(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scripts[agentID]) - p.cursor[agentID]
}
