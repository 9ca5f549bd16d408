package memory

import (
	"encoding/json"
	"fmt"

	"github.com/quorumkit/quorum/types"
)

// Snapshot is the plain-data form of the engine state, used for session
// save/restore.
type Snapshot struct {
	Config              Config                  `json:"config"`
	Summaries           []Summary               `json:"summaries"`
	Decisions           []Decision              `json:"decisions"`
	Proposals           []Proposal              `json:"proposals"`
	Profiles            map[string]AgentProfile `json:"profiles"`
	TotalMessages       int                     `json:"total_messages"`
	LastSummarizedIndex int                     `json:"last_summarized_index"`
}

// Snapshot captures the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	profiles := make(map[string]AgentProfile, len(e.profiles))
	for id, p := range e.profiles {
		profiles[id] = copyProfile(p)
	}
	return Snapshot{
		Config:              e.config,
		Summaries:           append([]Summary(nil), e.summaries...),
		Decisions:           append([]Decision(nil), e.decisions...),
		Proposals:           copyProposals(e.proposals),
		Profiles:            profiles,
		TotalMessages:       e.totalMessages,
		LastSummarizedIndex: e.lastSummarizedIndex,
	}
}

// Validate checks snapshot integrity before restore.
func (s Snapshot) Validate() error {
	if s.TotalMessages < 0 || s.LastSummarizedIndex < 0 {
		return types.NewError(types.ErrCorruptSnapshot, "negative message indices")
	}
	if s.LastSummarizedIndex > s.TotalMessages {
		return types.NewError(types.ErrCorruptSnapshot,
			fmt.Sprintf("last summarized index %d beyond total %d", s.LastSummarizedIndex, s.TotalMessages))
	}
	for id, p := range s.Profiles {
		if p.AgentID != id {
			return types.NewError(types.ErrCorruptSnapshot,
				fmt.Sprintf("profile key %q does not match agent id %q", id, p.AgentID))
		}
	}
	for _, p := range s.Proposals {
		switch p.Status {
		case ProposalActive, ProposalResolved, ProposalRejected, ProposalStale:
		default:
			return types.NewError(types.ErrCorruptSnapshot,
				fmt.Sprintf("unknown proposal status %q", p.Status))
		}
	}
	return nil
}

// Restore replaces the engine state with the snapshot's. The snapshot
// config becomes the engine config. A corrupt snapshot leaves the
// engine untouched and returns CORRUPT_SNAPSHOT.
func (e *Engine) Restore(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.config = s.Config
	e.summaries = append([]Summary(nil), s.Summaries...)
	e.decisions = append([]Decision(nil), s.Decisions...)
	e.proposals = copyProposals(s.Proposals)
	e.profiles = make(map[string]*AgentProfile, len(s.Profiles))
	for id, p := range s.Profiles {
		cp := p
		cp.KeyPoints = append([]string(nil), p.KeyPoints...)
		cp.Positions = append([]string(nil), p.Positions...)
		cp.Agreements = append([]string(nil), p.Agreements...)
		cp.Disagreements = append([]string(nil), p.Disagreements...)
		e.profiles[id] = &cp
	}
	e.totalMessages = s.TotalMessages
	e.lastSummarizedIndex = s.LastSummarizedIndex
	e.pending = nil
	return nil
}

// DecodeSnapshot parses a serialized snapshot and validates it.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, types.NewError(types.ErrCorruptSnapshot, "unparseable snapshot").WithCause(err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// EncodeSnapshot serializes a snapshot.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}
