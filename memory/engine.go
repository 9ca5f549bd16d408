package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quorumkit/quorum/types"
)

// Config configures the memory engine. Every cap bounds one collection.
type Config struct {
	MaxSummaries     int `json:"max_summaries" yaml:"max_summaries"`
	MaxDecisions     int `json:"max_decisions" yaml:"max_decisions"`
	MaxProposals     int `json:"max_proposals" yaml:"max_proposals"`
	MaxKeyPoints     int `json:"max_key_points" yaml:"max_key_points"`
	MaxPositions     int `json:"max_positions" yaml:"max_positions"`
	MaxAgreements    int `json:"max_agreements" yaml:"max_agreements"`
	MaxDisagreements int `json:"max_disagreements" yaml:"max_disagreements"`

	// SummaryInterval is the number of messages between summaries.
	SummaryInterval int `json:"summary_interval" yaml:"summary_interval"`
	// SoftThreshold is the fraction of a cap that pruning trims down to,
	// leaving headroom before the next prune pass.
	SoftThreshold float64 `json:"soft_threshold" yaml:"soft_threshold"`
	// SummaryTokenBudget bounds fallback summary size.
	SummaryTokenBudget int `json:"summary_token_budget" yaml:"summary_token_budget"`
	// FallbackLines is how many non-system messages a fallback summary quotes.
	FallbackLines int `json:"fallback_lines" yaml:"fallback_lines"`
}

// DefaultConfig returns default memory configuration.
func DefaultConfig() Config {
	return Config{
		MaxSummaries:       20,
		MaxDecisions:       50,
		MaxProposals:       50,
		MaxKeyPoints:       20,
		MaxPositions:       10,
		MaxAgreements:      20,
		MaxDisagreements:   20,
		SummaryInterval:    12,
		SoftThreshold:      0.9,
		SummaryTokenBudget: 256,
		FallbackLines:      3,
	}
}

// Summary compresses a message-index range into text.
type Summary struct {
	Content    string    `json:"content"`
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// Decision is an extracted decision record.
type Decision struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Topic     string    `json:"topic,omitempty"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalResolved ProposalStatus = "resolved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalStale    ProposalStatus = "stale"
)

// Reaction is one agent's stance on a proposal. At most one live
// reaction per agent per proposal; a newer one replaces the older.
type Reaction struct {
	AgentID   string    `json:"agent_id"`
	Sentiment Sentiment `json:"sentiment"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal is an extracted proposal with per-agent reactions.
type Proposal struct {
	ID        string              `json:"id"`
	Content   string              `json:"content"`
	Topic     string              `json:"topic,omitempty"`
	AgentID   string              `json:"agent_id"`
	Status    ProposalStatus      `json:"status"`
	Reactions map[string]Reaction `json:"reactions,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// AgentProfile is the bounded per-participant memory.
type AgentProfile struct {
	AgentID       string   `json:"agent_id"`
	KeyPoints     []string `json:"key_points,omitempty"`
	Positions     []string `json:"positions,omitempty"`
	Agreements    []string `json:"agreements,omitempty"`
	Disagreements []string `json:"disagreements,omitempty"`
	MessageCount  int      `json:"message_count"`
}

// Summarizer produces a summary for a message slice, typically through
// the language-model collaborator.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []types.Message) (string, error)
}

// Engine is the conversation memory engine. It implements bus.Sink so
// the bus can feed it the message stream in the background.
type Engine struct {
	mu     sync.Mutex
	config Config

	summaries []Summary
	decisions []Decision
	proposals []Proposal
	profiles  map[string]*AgentProfile

	totalMessages       int
	lastSummarizedIndex int
	pending             []types.Message // messages since lastSummarizedIndex

	classifier Classifier
	summarizer Summarizer
	tokens     TokenCounter
	logger     *zap.Logger
}

// New creates a memory engine. A nil classifier gets the default pattern
// classifier; a nil summarizer selects the deterministic fallback; a nil
// token counter gets tiktoken.
func New(config Config, classifier Classifier, summarizer Summarizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.SummaryInterval <= 0 {
		config.SummaryInterval = def.SummaryInterval
	}
	if config.SoftThreshold <= 0 || config.SoftThreshold > 1 {
		config.SoftThreshold = def.SoftThreshold
	}
	if config.SummaryTokenBudget <= 0 {
		config.SummaryTokenBudget = def.SummaryTokenBudget
	}
	if config.FallbackLines <= 0 {
		config.FallbackLines = def.FallbackLines
	}
	for _, cap := range []*int{
		&config.MaxSummaries, &config.MaxDecisions, &config.MaxProposals,
		&config.MaxKeyPoints, &config.MaxPositions, &config.MaxAgreements,
		&config.MaxDisagreements,
	} {
		if *cap <= 0 {
			*cap = 1
		}
	}
	if classifier == nil {
		classifier = NewPatternClassifier()
	}
	return &Engine{
		config:     config,
		profiles:   make(map[string]*AgentProfile),
		classifier: classifier,
		summarizer: summarizer,
		tokens:     NewTiktokenCounter(""),
		logger:     logger.With(zap.String("component", "memory")),
	}
}

// SetTokenCounter overrides the token counter (tests inject a
// deterministic one).
func (e *Engine) SetTokenCounter(tc TokenCounter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tc != nil {
		e.tokens = tc
	}
}

// Consume implements bus.Sink.
func (e *Engine) Consume(msg types.Message) error {
	e.Process(msg)
	return nil
}

// Process extracts records from one message and summarizes when the
// interval since the last summary is reached.
func (e *Engine) Process(msg types.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalMessages++
	e.pending = append(e.pending, msg)

	e.extractLocked(msg)

	if e.totalMessages-e.lastSummarizedIndex >= e.config.SummaryInterval {
		e.summarizeLocked()
	}
}

// extractLocked updates profiles and collections from one message.
// Malformed or unmatched content is simply skipped, never an error.
func (e *Engine) extractLocked(msg types.Message) {
	if msg.SenderID == types.SenderSystem || msg.Kind == types.KindResearchResult {
		return
	}

	profile := e.profileLocked(msg.SenderID)
	profile.MessageCount++

	switch msg.Kind {
	case types.KindArgument, types.KindProposal, types.KindSynthesis:
		profile.KeyPoints = append(profile.KeyPoints, keyPoint(msg.Content))
		profile.KeyPoints = trimOldest(profile.KeyPoints, e.softCap(e.config.MaxKeyPoints), e.config.MaxKeyPoints)
	}
	if msg.Kind == types.KindSynthesis {
		profile.Positions = append(profile.Positions, keyPoint(msg.Content))
		profile.Positions = trimOldest(profile.Positions, e.softCap(e.config.MaxPositions), e.config.MaxPositions)
	}

	cls := e.classifier.Classify(msg)
	switch cls.Type {
	case ClassProposal:
		e.proposals = append(e.proposals, Proposal{
			ID:        uuid.New().String(),
			Content:   msg.Content,
			Topic:     cls.Topic,
			AgentID:   msg.SenderID,
			Status:    ProposalActive,
			Reactions: make(map[string]Reaction),
			Timestamp: msg.Timestamp,
		})
		e.pruneProposalsLocked(false)

	case ClassDecision:
		e.decisions = append(e.decisions, Decision{
			ID:        uuid.New().String(),
			Content:   msg.Content,
			Topic:     cls.Topic,
			AgentID:   msg.SenderID,
			Timestamp: msg.Timestamp,
		})
		e.decisions = trimOldestDecisions(e.decisions, e.softCap(e.config.MaxDecisions), e.config.MaxDecisions)

	case ClassReaction:
		point := keyPoint(msg.Content)
		if cls.Sentiment == SentimentAgree {
			profile.Agreements = append(profile.Agreements, point)
			profile.Agreements = trimOldest(profile.Agreements, e.softCap(e.config.MaxAgreements), e.config.MaxAgreements)
		} else {
			profile.Disagreements = append(profile.Disagreements, point)
			profile.Disagreements = trimOldest(profile.Disagreements, e.softCap(e.config.MaxDisagreements), e.config.MaxDisagreements)
		}
		e.attachReactionLocked(msg, cls.Sentiment)
	}
}

// attachReactionLocked records the reaction against the most recent
// active proposal from another agent, replacing any prior reaction from
// the same agent.
func (e *Engine) attachReactionLocked(msg types.Message, sentiment Sentiment) {
	for i := len(e.proposals) - 1; i >= 0; i-- {
		p := &e.proposals[i]
		if p.Status != ProposalActive || p.AgentID == msg.SenderID {
			continue
		}
		if p.Reactions == nil {
			p.Reactions = make(map[string]Reaction)
		}
		p.Reactions[msg.SenderID] = Reaction{
			AgentID:   msg.SenderID,
			Sentiment: sentiment,
			Content:   keyPoint(msg.Content),
			Timestamp: msg.Timestamp,
		}
		return
	}
}

// AddReaction attaches a reaction to a proposal by id. Last write wins
// per agent.
func (e *Engine) AddReaction(proposalID string, reaction Reaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.proposals {
		if e.proposals[i].ID == proposalID {
			if e.proposals[i].Reactions == nil {
				e.proposals[i].Reactions = make(map[string]Reaction)
			}
			e.proposals[i].Reactions[reaction.AgentID] = reaction
			return nil
		}
	}
	return types.NewError(types.ErrUnknownAgent, fmt.Sprintf("proposal %s not found", proposalID))
}

// SetProposalStatus updates a proposal's lifecycle state.
func (e *Engine) SetProposalStatus(proposalID string, status ProposalStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.proposals {
		if e.proposals[i].ID == proposalID {
			e.proposals[i].Status = status
			return nil
		}
	}
	return types.NewError(types.ErrUnknownAgent, fmt.Sprintf("proposal %s not found", proposalID))
}

// summarizeLocked compresses pending messages into one summary. The
// injected summarizer is tried first; on absence or failure the
// deterministic fallback runs. Either path advances lastSummarizedIndex.
func (e *Engine) summarizeLocked() {
	start := e.lastSummarizedIndex
	end := e.totalMessages
	slice := make([]types.Message, len(e.pending))
	copy(slice, e.pending)

	content := ""
	if e.summarizer != nil {
		text, err := e.summarizer.Summarize(context.Background(), slice)
		if err != nil {
			e.logger.Warn("summarizer failed, using fallback", zap.Error(err))
		} else {
			content = text
		}
	}
	if content == "" {
		content = e.fallbackSummary(slice)
	}

	e.summaries = append(e.summaries, Summary{
		Content:    content,
		StartIndex: start,
		EndIndex:   end,
		Timestamp:  time.Now(),
	})
	e.summaries = trimOldestSummaries(e.summaries, e.softCap(e.config.MaxSummaries), e.config.MaxSummaries)

	e.lastSummarizedIndex = end
	e.pending = e.pending[:0]
}

// fallbackSummary lists the first few non-system messages verbatim,
// trimmed to the token budget.
func (e *Engine) fallbackSummary(msgs []types.Message) string {
	var b strings.Builder
	b.WriteString("Recent discussion: ")
	quoted := 0
	for _, m := range msgs {
		if m.SenderID == types.SenderSystem {
			continue
		}
		line := fmt.Sprintf("%s: %s. ", m.SenderID, keyPoint(m.Content))
		if e.tokens.Count(b.String()+line) > e.config.SummaryTokenBudget {
			break
		}
		b.WriteString(line)
		quoted++
		if quoted >= e.config.FallbackLines {
			break
		}
	}
	if quoted == 0 {
		return fmt.Sprintf("Discussion of %d messages, no substantive content extracted.", len(msgs))
	}
	return strings.TrimSpace(b.String())
}

// pruneProposalsLocked trims proposals preserving active ones first,
// filling remaining capacity with the most recent non-active entries.
func (e *Engine) pruneProposalsLocked(force bool) {
	target := e.softCap(e.config.MaxProposals)
	if force {
		target = e.config.MaxProposals
	}
	if len(e.proposals) <= e.config.MaxProposals && !force {
		return
	}
	if len(e.proposals) <= target {
		return
	}

	kept := make([]Proposal, 0, target)
	// Newest-first pass over active proposals.
	for i := len(e.proposals) - 1; i >= 0 && len(kept) < target; i-- {
		if e.proposals[i].Status == ProposalActive {
			kept = append(kept, e.proposals[i])
		}
	}
	for i := len(e.proposals) - 1; i >= 0 && len(kept) < target; i-- {
		if e.proposals[i].Status != ProposalActive {
			kept = append(kept, e.proposals[i])
		}
	}

	// Restore chronological order.
	ordered := make([]Proposal, 0, len(kept))
	for _, p := range e.proposals {
		for _, k := range kept {
			if k.ID == p.ID {
				ordered = append(ordered, p)
				break
			}
		}
	}
	e.proposals = ordered
}

// ForcePrune trims every collection to its exact cap.
func (e *Engine) ForcePrune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forcePruneLocked()
}

func (e *Engine) forcePruneLocked() {
	e.summaries = trimOldestSummaries(e.summaries, e.config.MaxSummaries, 0)
	e.decisions = trimOldestDecisions(e.decisions, e.config.MaxDecisions, 0)
	e.pruneProposalsLocked(true)
	for _, p := range e.profiles {
		p.KeyPoints = trimOldest(p.KeyPoints, e.config.MaxKeyPoints, 0)
		p.Positions = trimOldest(p.Positions, e.config.MaxPositions, 0)
		p.Agreements = trimOldest(p.Agreements, e.config.MaxAgreements, 0)
		p.Disagreements = trimOldest(p.Disagreements, e.config.MaxDisagreements, 0)
	}
}

// Compact temporarily halves all caps, force-prunes, then restores the
// configured caps. Used under memory pressure without permanently
// shrinking limits.
func (e *Engine) Compact() {
	e.mu.Lock()
	defer e.mu.Unlock()

	original := e.config
	e.config.MaxSummaries = halved(original.MaxSummaries)
	e.config.MaxDecisions = halved(original.MaxDecisions)
	e.config.MaxProposals = halved(original.MaxProposals)
	e.config.MaxKeyPoints = halved(original.MaxKeyPoints)
	e.config.MaxPositions = halved(original.MaxPositions)
	e.config.MaxAgreements = halved(original.MaxAgreements)
	e.config.MaxDisagreements = halved(original.MaxDisagreements)

	e.forcePruneLocked()
	e.config = original
}

// profileLocked returns (creating if needed) the agent's profile.
func (e *Engine) profileLocked(agentID string) *AgentProfile {
	p, ok := e.profiles[agentID]
	if !ok {
		p = &AgentProfile{AgentID: agentID}
		e.profiles[agentID] = p
	}
	return p
}

func (e *Engine) softCap(cap int) int {
	soft := int(float64(cap) * e.config.SoftThreshold)
	if soft < 1 {
		soft = 1
	}
	return soft
}

// Summaries returns a copy of current summaries.
func (e *Engine) Summaries() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, len(e.summaries))
	copy(out, e.summaries)
	return out
}

// Decisions returns a copy of current decisions.
func (e *Engine) Decisions() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Decision, len(e.decisions))
	copy(out, e.decisions)
	return out
}

// Proposals returns a deep copy of current proposals.
func (e *Engine) Proposals() []Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyProposals(e.proposals)
}

// Profile returns a copy of one agent's profile.
func (e *Engine) Profile(agentID string) (AgentProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[agentID]
	if !ok {
		return AgentProfile{}, false
	}
	return copyProfile(p), true
}

// TotalMessages returns the number of messages processed.
func (e *Engine) TotalMessages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalMessages
}

// LastSummarizedIndex returns the index one past the last summarized message.
func (e *Engine) LastSummarizedIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummarizedIndex
}

// ContextBrief renders a compact memory context for participant prompts:
// the latest summaries, active proposals, and decisions.
func (e *Engine) ContextBrief(maxItems int) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxItems <= 0 {
		maxItems = 3
	}
	var b strings.Builder

	if n := len(e.summaries); n > 0 {
		b.WriteString("Summary so far:\n")
		for _, s := range lastN(e.summaries, maxItems) {
			b.WriteString("- " + s.Content + "\n")
		}
	}
	active := 0
	for _, p := range e.proposals {
		if p.Status == ProposalActive {
			active++
		}
	}
	if active > 0 {
		b.WriteString("Open proposals:\n")
		listed := 0
		for i := len(e.proposals) - 1; i >= 0 && listed < maxItems; i-- {
			if e.proposals[i].Status != ProposalActive {
				continue
			}
			b.WriteString(fmt.Sprintf("- [%s] %s\n", e.proposals[i].AgentID, keyPoint(e.proposals[i].Content)))
			listed++
		}
	}
	if len(e.decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range lastN(e.decisions, maxItems) {
			b.WriteString("- " + keyPoint(d.Content) + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// keyPoint shortens content to its leading clause.
func keyPoint(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.IndexAny(content, ".!?\n"); i > 0 {
		content = content[:i]
	}
	const maxLen = 160
	if len(content) > maxLen {
		content = content[:maxLen]
	}
	return content
}

func halved(cap int) int {
	h := cap / 2
	if h < 1 {
		h = 1
	}
	return h
}

// trimOldest drops the oldest entries once len exceeds trigger, down to
// target. trigger 0 means trim unconditionally to target.
func trimOldest(items []string, target, trigger int) []string {
	if trigger > 0 && len(items) <= trigger {
		return items
	}
	if len(items) <= target {
		return items
	}
	return append([]string(nil), items[len(items)-target:]...)
}

func trimOldestSummaries(items []Summary, target, trigger int) []Summary {
	if trigger > 0 && len(items) <= trigger {
		return items
	}
	if len(items) <= target {
		return items
	}
	return append([]Summary(nil), items[len(items)-target:]...)
}

func trimOldestDecisions(items []Decision, target, trigger int) []Decision {
	if trigger > 0 && len(items) <= trigger {
		return items
	}
	if len(items) <= target {
		return items
	}
	return append([]Decision(nil), items[len(items)-target:]...)
}

func copyProposals(src []Proposal) []Proposal {
	out := make([]Proposal, len(src))
	for i, p := range src {
		out[i] = p
		if p.Reactions != nil {
			out[i].Reactions = make(map[string]Reaction, len(p.Reactions))
			for k, v := range p.Reactions {
				out[i].Reactions[k] = v
			}
		}
	}
	return out
}

func copyProfile(p *AgentProfile) AgentProfile {
	return AgentProfile{
		AgentID:       p.AgentID,
		KeyPoints:     append([]string(nil), p.KeyPoints...),
		Positions:     append([]string(nil), p.Positions...),
		Agreements:    append([]string(nil), p.Agreements...),
		Disagreements: append([]string(nil), p.Disagreements...),
		MessageCount:  p.MessageCount,
	}
}

func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
