// Package llm defines the provider boundary of the kernel: the two calls
// a participant makes against a language model, and nothing else. The
// kernel never retries a provider call; failure handling is the caller's
// state machine.
package llm

import (
	"context"

	"github.com/quorumkit/quorum/types"
)

// QueryRequest asks a provider to generate a contribution.
type QueryRequest struct {
	AgentID      string            `json:"agent_id"`
	SystemPrompt string            `json:"system_prompt"`
	Context      []types.Message   `json:"context"`
	Brief        string            `json:"brief,omitempty"`
	Kind         types.MessageKind `json:"kind,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
}

// QueryResult is a generated contribution.
type QueryResult struct {
	Content string            `json:"content"`
	Kind    types.MessageKind `json:"kind"`
	Tokens  int               `json:"tokens,omitempty"`
}

// EvalRequest asks a provider whether an agent should speak now.
type EvalRequest struct {
	AgentID      string          `json:"agent_id"`
	SystemPrompt string          `json:"system_prompt"`
	Context      []types.Message `json:"context"`
	Brief        string          `json:"brief,omitempty"`
}

// EvalResult is a speak/pass decision with the urgency and kind the
// agent would use if it requested the floor.
type EvalResult struct {
	Pass         bool              `json:"pass"`
	Urgency      types.Urgency     `json:"urgency,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ResponseKind types.MessageKind `json:"response_kind,omitempty"`
}

// Provider is the language-model boundary.
type Provider interface {
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	Evaluate(ctx context.Context, req EvalRequest) (*EvalResult, error)
}
