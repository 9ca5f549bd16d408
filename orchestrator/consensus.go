package orchestrator

import (
	"sort"
	"sync"

	"github.com/quorumkit/quorum/types"
)

// ConsensusConfig tunes the weighted consensus computation.
type ConsensusConfig struct {
	HumanWeight        float64 `json:"human_weight" yaml:"human_weight"`
	ConsensusThreshold float64 `json:"consensus_threshold" yaml:"consensus_threshold"`
	ConflictThreshold  float64 `json:"conflict_threshold" yaml:"conflict_threshold"`
	MinContributions   int     `json:"min_contributions" yaml:"min_contributions"`
	// ReferenceWindow bounds how far back an agreement can reach when
	// attaching to an insight, counted in messages.
	ReferenceWindow int `json:"reference_window" yaml:"reference_window"`
}

// DefaultConsensusConfig returns standard thresholds.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		HumanWeight:        2.0,
		ConsensusThreshold: 0.6,
		ConflictThreshold:  0.4,
		MinContributions:   10,
		ReferenceWindow:    8,
	}
}

// Insight is one key-insight cluster: a proposal or synthesis statement
// with the weighted supporter and opposer sets accumulated behind it.
type Insight struct {
	ID         string            `json:"id"`
	Statement  string            `json:"statement"`
	AuthorID   string            `json:"author_id"`
	Kind       types.MessageKind `json:"kind"`
	Supporters map[string]bool   `json:"supporters"`
	Opposers   map[string]bool   `json:"opposers"`
	seededAt   int
}

// ConsensusStatus is the derived consensus snapshot. It is recomputed
// on demand and never persisted.
type ConsensusStatus struct {
	Insights        []Insight      `json:"insights"`
	ConsensusPoints int            `json:"consensus_points"`
	ConflictPoints  int            `json:"conflict_points"`
	Contributions   map[string]int `json:"contributions"`
	TotalMessages   int            `json:"total_messages"`
	SilentAgents    []string       `json:"silent_agents,omitempty"`
	Ready           bool           `json:"ready"`
}

// consensusTracker accumulates insight clusters from the message stream.
type consensusTracker struct {
	mu           sync.Mutex
	config       ConsensusConfig
	participants []string
	insights     []*Insight
	counts       map[string]int
	total        int
	humanSpoke   bool
}

func newConsensusTracker(config ConsensusConfig, participants []string) *consensusTracker {
	def := DefaultConsensusConfig()
	if config.HumanWeight <= 0 {
		config.HumanWeight = def.HumanWeight
	}
	if config.ConsensusThreshold <= 0 {
		config.ConsensusThreshold = def.ConsensusThreshold
	}
	if config.ConflictThreshold <= 0 {
		config.ConflictThreshold = def.ConflictThreshold
	}
	if config.ReferenceWindow <= 0 {
		config.ReferenceWindow = def.ReferenceWindow
	}
	return &consensusTracker{
		config:       config,
		participants: participants,
		counts:       make(map[string]int),
	}
}

// Observe folds one message into the cluster state. Proposal and
// synthesis messages seed new insights; agreement and disagreement
// attach the sender to the most recent insight within the reference
// window that was not authored by the sender.
func (t *consensusTracker) Observe(msg types.Message) {
	if msg.SenderID == types.SenderSystem {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	t.counts[msg.SenderID]++
	if msg.SenderID == types.SenderHuman {
		t.humanSpoke = true
	}

	switch msg.Kind {
	case types.KindProposal, types.KindSynthesis:
		t.insights = append(t.insights, &Insight{
			ID:         msg.ID,
			Statement:  msg.Content,
			AuthorID:   msg.SenderID,
			Kind:       msg.Kind,
			Supporters: map[string]bool{msg.SenderID: true},
			Opposers:   map[string]bool{},
			seededAt:   t.total,
		})
	case types.KindAgreement:
		if in := t.referencedInsightLocked(msg.SenderID); in != nil {
			delete(in.Opposers, msg.SenderID)
			in.Supporters[msg.SenderID] = true
		}
	case types.KindDisagreement:
		if in := t.referencedInsightLocked(msg.SenderID); in != nil {
			delete(in.Supporters, msg.SenderID)
			in.Opposers[msg.SenderID] = true
		}
	}
}

func (t *consensusTracker) referencedInsightLocked(senderID string) *Insight {
	for i := len(t.insights) - 1; i >= 0; i-- {
		in := t.insights[i]
		if t.total-in.seededAt > t.config.ReferenceWindow {
			return nil
		}
		if in.AuthorID != senderID {
			return in
		}
	}
	return nil
}

func (t *consensusTracker) weight(id string) float64 {
	if id == types.SenderHuman {
		return t.config.HumanWeight
	}
	return 1.0
}

// Status recomputes the consensus snapshot.
func (t *consensusTracker) Status() ConsensusStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalWeight := 0.0
	for _, id := range t.participants {
		totalWeight += t.weight(id)
	}
	if t.humanSpoke {
		totalWeight += t.config.HumanWeight
	}

	status := ConsensusStatus{
		Contributions: make(map[string]int, len(t.counts)),
		TotalMessages: t.total,
	}
	for id, n := range t.counts {
		status.Contributions[id] = n
	}

	for _, in := range t.insights {
		copied := Insight{
			ID:         in.ID,
			Statement:  in.Statement,
			AuthorID:   in.AuthorID,
			Kind:       in.Kind,
			Supporters: make(map[string]bool, len(in.Supporters)),
			Opposers:   make(map[string]bool, len(in.Opposers)),
		}
		var support, oppose float64
		for id := range in.Supporters {
			copied.Supporters[id] = true
			support += t.weight(id)
		}
		for id := range in.Opposers {
			copied.Opposers[id] = true
			oppose += t.weight(id)
		}
		if totalWeight > 0 && support/totalWeight >= t.config.ConsensusThreshold {
			status.ConsensusPoints++
		}
		if totalWeight > 0 && oppose/totalWeight >= t.config.ConflictThreshold {
			status.ConflictPoints++
		}
		status.Insights = append(status.Insights, copied)
	}

	for _, id := range t.participants {
		if t.counts[id] == 0 {
			status.SilentAgents = append(status.SilentAgents, id)
		}
	}
	sort.Strings(status.SilentAgents)

	status.Ready = len(status.SilentAgents) == 0 &&
		t.total >= t.config.MinContributions &&
		status.ConsensusPoints > 0
	return status
}
