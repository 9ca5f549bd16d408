package phase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkit/quorum/types"
)

func ofType(ivs []Intervention, typ InterventionType) []Intervention {
	var out []Intervention
	for _, iv := range ivs {
		if iv.Type == typ {
			out = append(out, iv)
		}
	}
	return out
}

func quietConfig(phases ...Phase) Config {
	return Config{
		Phases:               phases,
		GoalReminderInterval: 1000,
		Loop: LoopConfig{
			WindowSize:               10,
			DuplicateThreshold:       100,
			MaxRoundsWithoutProgress: 100,
			MessagesPerRound:         100,
		},
		Success: SuccessCriteria{MinConsensusPoints: 1000, MaxTotalMessages: 100000},
	}
}

func TestController_AutoAdvanceOnMessageBudget(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "brainstorm", Focus: "generate ideas", MaxMessages: 5, AutoAdvance: true,
			Exit: &ExitCriteria{MinProposals: 99}},
		Phase{ID: "debate", Focus: "argue", MaxMessages: 50, AutoAdvance: false},
	)
	c := New(cfg, nil)

	for i := 0; i < 4; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("point number %d about routing", i)))
		assert.Empty(t, ofType(ivs, InterventionPhaseTransition))
		assert.Equal(t, "brainstorm", c.CurrentPhase().ID)
	}

	ivs := c.ProcessMessage(types.NewMessage("bob", types.KindArgument, "final thought before moving on"))
	transitions := ofType(ivs, InterventionPhaseTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "debate", transitions[0].Data["phase"])
	assert.Equal(t, "argue", transitions[0].Data["focus"])
	assert.Equal(t, "debate", c.CurrentPhase().ID)
	assert.Equal(t, 0, c.Progress().MessagesInPhase)
}

func TestController_AdvanceOnExitCriteria(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "discovery", Focus: "explore", MaxMessages: 50, AutoAdvance: true,
			Exit: &ExitCriteria{MinProposals: 1}},
		Phase{ID: "debate", Focus: "argue", MaxMessages: 50, AutoAdvance: false},
	)
	c := New(cfg, nil)

	ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, "still exploring the space"))
	assert.Empty(t, ofType(ivs, InterventionPhaseTransition))

	ivs = c.ProcessMessage(types.NewMessage("bob", types.KindProposal, "I propose weekly releases"))
	require.Len(t, ofType(ivs, InterventionPhaseTransition), 1)
	assert.Equal(t, "debate", c.CurrentPhase().ID)
}

func TestController_FinalPhaseNeverAdvances(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "everything", MaxMessages: 2, AutoAdvance: true})
	c := New(cfg, nil)

	for i := 0; i < 10; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("message %d content here", i)))
		assert.Empty(t, ofType(ivs, InterventionPhaseTransition))
	}
	assert.Equal(t, "only", c.CurrentPhase().ID)
}

func TestController_GoalReminderInterval(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "ship the design", MaxMessages: 100, AutoAdvance: false})
	cfg.GoalReminderInterval = 4
	c := New(cfg, nil)

	for i := 1; i <= 8; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("unique argument number %d", i)))
		reminders := ofType(ivs, InterventionGoalReminder)
		if i%4 == 0 {
			require.Len(t, reminders, 1, "message %d", i)
			assert.Equal(t, "ship the design", reminders[0].Data["focus"])
		} else {
			assert.Empty(t, reminders, "message %d", i)
		}
	}
}

func TestController_LoopDetectionByRepetition(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "converge", MaxMessages: 100, AutoAdvance: false})
	cfg.Loop = LoopConfig{WindowSize: 10, DuplicateThreshold: 3, MaxRoundsWithoutProgress: 100, MessagesPerRound: 100}
	c := New(cfg, nil)

	repeated := "caching always improves latency under heavy traffic"

	ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, repeated))
	assert.Empty(t, ofType(ivs, InterventionLoopDetected))
	ivs = c.ProcessMessage(types.NewMessage("bob", types.KindArgument, repeated))
	assert.Empty(t, ofType(ivs, InterventionLoopDetected))

	ivs = c.ProcessMessage(types.NewMessage("carol", types.KindArgument, repeated))
	loops := ofType(ivs, InterventionLoopDetected)
	require.Len(t, loops, 1)
	assert.Equal(t, "repetition", loops[0].Data["reason"])
	assert.True(t, c.Progress().LoopDetected)

	// Sticky until progress: the same repetition does not re-fire.
	ivs = c.ProcessMessage(types.NewMessage("alice", types.KindArgument, repeated))
	assert.Empty(t, ofType(ivs, InterventionLoopDetected))
}

func TestController_LoopFlagClearsOnProgress(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "converge", MaxMessages: 100, AutoAdvance: false})
	cfg.Loop = LoopConfig{WindowSize: 3, DuplicateThreshold: 3, MaxRoundsWithoutProgress: 100, MessagesPerRound: 100}
	c := New(cfg, nil)

	repeated := "caching always improves latency under heavy traffic"
	for i := 0; i < 3; i++ {
		c.ProcessMessage(types.NewMessage("alice", types.KindArgument, repeated))
	}
	require.True(t, c.Progress().LoopDetected)

	c.ProcessMessage(types.NewMessage("bob", types.KindProposal, "I propose we benchmark both designs instead"))
	assert.False(t, c.Progress().LoopDetected)
}

func TestController_LoopDetectionByStall(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "converge", MaxMessages: 100, AutoAdvance: false})
	cfg.Loop = LoopConfig{WindowSize: 10, DuplicateThreshold: 100, MaxRoundsWithoutProgress: 2, MessagesPerRound: 2}
	c := New(cfg, nil)

	var fired int
	for i := 0; i < 5; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("distinct aimless remark number %d", i)))
		fired += len(ofType(ivs, InterventionLoopDetected))
	}
	require.Equal(t, 1, fired)

	loops := ofType(c.ProcessMessage(types.NewMessage("bob", types.KindArgument, "another distinct aimless remark entirely")), InterventionLoopDetected)
	assert.Empty(t, loops)
}

func TestController_ResearchGlobalCap(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "explore", MaxMessages: 100, AutoAdvance: false})
	cfg.Research = ResearchBudget{MaxGlobal: 2}
	c := New(cfg, nil)

	topics := []string{"caching", "sharding", "replication"}
	var limits []Intervention
	for _, topic := range topics {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindQuestion, "could someone research "+topic))
		limits = append(limits, ofType(ivs, InterventionResearchLimit)...)
	}
	require.Len(t, limits, 1)
	assert.Contains(t, limits[0].Data["detail"], "global")
	assert.Equal(t, 3, c.Progress().ResearchRequests)
}

func TestController_ResearchPerTopicCap(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "explore", MaxMessages: 100, AutoAdvance: false})
	cfg.Research = ResearchBudget{MaxGlobal: 100, MaxPerTopic: 1}
	c := New(cfg, nil)

	ivs := c.ProcessMessage(types.NewMessage("alice", types.KindQuestion, "please research caching"))
	assert.Empty(t, ofType(ivs, InterventionResearchLimit))

	ivs = c.ProcessMessage(types.NewMessage("bob", types.KindQuestion, "please research caching"))
	limits := ofType(ivs, InterventionResearchLimit)
	require.Len(t, limits, 1)
	assert.Equal(t, "caching", limits[0].Data["topic"])
}

func TestController_SystemMessagesDoNotCountAsResearch(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "explore", MaxMessages: 100, AutoAdvance: false})
	c := New(cfg, nil)

	c.ProcessMessage(types.NewSystemMessage("the agents asked to research caching earlier"))
	assert.Equal(t, 0, c.Progress().ResearchRequests)
}

func TestController_SynthesisBlockedUntilMinimumResearch(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "debate", Focus: "argue", MaxMessages: 2, AutoAdvance: true},
		Phase{ID: "synthesis", Focus: "converge", MaxMessages: 50, AutoAdvance: false, SynthesisLike: true},
	)
	cfg.Research = ResearchBudget{MaxGlobal: 10, MinBeforeSynthesis: 1}
	c := New(cfg, nil)

	c.ProcessMessage(types.NewMessage("alice", types.KindArgument, "first argument about the design"))
	ivs := c.ProcessMessage(types.NewMessage("bob", types.KindArgument, "second argument about the design"))

	assert.Empty(t, ofType(ivs, InterventionPhaseTransition))
	limits := ofType(ivs, InterventionResearchLimit)
	require.Len(t, limits, 1)
	assert.Contains(t, limits[0].Data["detail"], "minimum research")
	assert.Equal(t, "debate", c.CurrentPhase().ID)

	// A research request satisfies the minimum and unblocks the move.
	ivs = c.ProcessMessage(types.NewMessage("alice", types.KindQuestion, "let me research prior benchmarks"))
	require.Len(t, ofType(ivs, InterventionPhaseTransition), 1)
	assert.Equal(t, "synthesis", c.CurrentPhase().ID)
}

func TestController_ForceSynthesisOneShot(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "argue", MaxMessages: 1000, AutoAdvance: false})
	cfg.Success = SuccessCriteria{MinConsensusPoints: 1000, MaxTotalMessages: 3}
	c := New(cfg, nil)

	var forced int
	for i := 0; i < 5; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("argument number %d without conclusion", i)))
		forced += len(ofType(ivs, InterventionForceSynthesis))
	}
	assert.Equal(t, 1, forced)
}

func TestController_NoForceSynthesisAfterSynthesisPhase(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "debate", Focus: "argue", MaxMessages: 1, AutoAdvance: true},
		Phase{ID: "synthesis", Focus: "converge", MaxMessages: 50, AutoAdvance: false, SynthesisLike: true},
	)
	cfg.Success = SuccessCriteria{MinConsensusPoints: 1000, MaxTotalMessages: 3}
	c := New(cfg, nil)

	for i := 0; i < 5; i++ {
		ivs := c.ProcessMessage(types.NewMessage("alice", types.KindArgument, fmt.Sprintf("position statement number %d", i)))
		assert.Empty(t, ofType(ivs, InterventionForceSynthesis))
	}
	assert.Equal(t, "synthesis", c.CurrentPhase().ID)
}

func TestController_SuccessCheckOneShot(t *testing.T) {
	cfg := quietConfig(Phase{ID: "only", Focus: "converge", MaxMessages: 100, AutoAdvance: false})
	cfg.Success = SuccessCriteria{MinConsensusPoints: 2, MaxTotalMessages: 1000}
	c := New(cfg, nil)

	ivs := c.ProcessMessage(types.NewMessage("alice", types.KindAgreement, "agreed, weekly releases work"))
	assert.Empty(t, ofType(ivs, InterventionSuccessCheck))

	ivs = c.ProcessMessage(types.NewMessage("bob", types.KindAgreement, "I agree with the rollout plan"))
	require.Len(t, ofType(ivs, InterventionSuccessCheck), 1)

	ivs = c.ProcessMessage(types.NewMessage("carol", types.KindAgreement, "also agreed on the timeline"))
	assert.Empty(t, ofType(ivs, InterventionSuccessCheck))
}

func TestController_OutputDetection(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "drafting", Focus: "write", MaxMessages: 50, AutoAdvance: true,
			Exit: &ExitCriteria{RequiredOutputs: []string{"headline", "body"}}},
		Phase{ID: "finalization", Focus: "polish", MaxMessages: 50, AutoAdvance: false},
	)
	c := New(cfg, nil)

	c.ProcessMessage(types.NewMessage("alice", types.KindSynthesis, "Headline: Quorum Ships Deliberation Kernel"))
	assert.ElementsMatch(t, []string{"headline"}, c.Progress().OutputsProduced)
	assert.Equal(t, "drafting", c.CurrentPhase().ID)

	ivs := c.ProcessMessage(types.NewMessage("bob", types.KindSynthesis, "Body: the kernel coordinates turn-taking and consensus."))
	assert.ElementsMatch(t, []string{"headline", "body"}, c.Progress().OutputsProduced)
	require.Len(t, ofType(ivs, InterventionPhaseTransition), 1)
	assert.Equal(t, "finalization", c.CurrentPhase().ID)
}

func TestController_Reset(t *testing.T) {
	cfg := quietConfig(
		Phase{ID: "one", Focus: "explore", MaxMessages: 1, AutoAdvance: true},
		Phase{ID: "two", Focus: "argue", MaxMessages: 50, AutoAdvance: false},
	)
	c := New(cfg, nil)

	c.ProcessMessage(types.NewMessage("alice", types.KindProposal, "I propose something concrete here"))
	require.Equal(t, "two", c.CurrentPhase().ID)

	c.Reset()
	p := c.Progress()
	assert.Equal(t, "one", p.PhaseID)
	assert.Zero(t, p.TotalMessages)
	assert.Zero(t, p.ProposalCount)
	assert.Zero(t, p.ResearchRequests)
	assert.False(t, p.LoopDetected)
	assert.Empty(t, p.OutputsProduced)
}

func TestIsResearchRequest(t *testing.T) {
	topic, ok := IsResearchRequest("someone should look up market sizing")
	assert.True(t, ok)
	assert.Equal(t, "market sizing", topic)

	_, ok = IsResearchRequest("we already know the answer to this")
	assert.False(t, ok)
}
