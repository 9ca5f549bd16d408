package participant

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/floor"
	"github.com/quorumkit/quorum/llm"
	"github.com/quorumkit/quorum/types"
)

func newTestRig(t *testing.T) (*bus.Bus, *floor.Arbitrator) {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), nil)
	b.Activate()
	t.Cleanup(b.Close)

	cfg := floor.DefaultConfig()
	cfg.Cooldown = time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.HoldTimeout = time.Minute
	arb := floor.New(cfg, b, nil, nil)
	arb.Activate()
	return b, arb
}

func fastConfig(id string) Config {
	cfg := DefaultConfig(id)
	cfg.DebounceDelay = 2 * time.Millisecond
	cfg.MinSilence = 0
	cfg.EvalInterval = time.Millisecond
	cfg.EvalBurst = 100
	return cfg
}

func messagesFrom(b *bus.Bus, agentID string) []types.Message {
	var out []types.Message
	for _, m := range b.Messages() {
		if m.SenderID == agentID {
			out = append(out, m)
		}
	}
	return out
}

func TestAgent_PublishesAfterGrant(t *testing.T) {
	b, arb := newTestRig(t)
	provider := llm.NewScriptedProvider().Script("alice",
		llm.QueryResult{Content: "we should start with the data model", Kind: types.KindProposal},
	)

	a := New(fastConfig("alice"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("what should we build first?"))

	require.Eventually(t, func() bool {
		return len(messagesFrom(b, "alice")) == 1
	}, time.Second, 2*time.Millisecond)

	msg := messagesFrom(b, "alice")[0]
	assert.Equal(t, types.KindProposal, msg.Kind)
	assert.Equal(t, "we should start with the data model", msg.Content)

	require.Eventually(t, func() bool {
		_, held := arb.CurrentSpeaker()
		return !held && a.Mode() == types.ModeListening
	}, time.Second, 2*time.Millisecond)
}

func TestAgent_EvaluationPassStaysListening(t *testing.T) {
	b, arb := newTestRig(t)
	var evals atomic.Int32
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		evals.Add(1)
		return &llm.EvalResult{Pass: true, Reason: "nothing to add"}, nil
	}

	a := New(fastConfig("bob"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("anyone disagree?"))

	require.Eventually(t, func() bool { return evals.Load() >= 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.ModeListening, a.Mode())
	assert.Zero(t, arb.Status().Grants)
	assert.Empty(t, messagesFrom(b, "bob"))
}

func TestAgent_EvaluationFailureStaysListening(t *testing.T) {
	b, arb := newTestRig(t)
	var evals atomic.Int32
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		evals.Add(1)
		return nil, errors.New("provider unavailable")
	}

	a := New(fastConfig("bob"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("thoughts?"))

	require.Eventually(t, func() bool { return evals.Load() >= 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.ModeListening, a.Mode())
	assert.Zero(t, arb.Status().Grants)
}

func TestAgent_GenerationFailureReleasesWithoutPublishing(t *testing.T) {
	b, arb := newTestRig(t)
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		return &llm.EvalResult{Urgency: types.UrgencyMedium, ResponseKind: types.KindArgument}, nil
	}
	provider.QueryFn = func(ctx context.Context, req llm.QueryRequest) (*llm.QueryResult, error) {
		return nil, errors.New("generation timed out")
	}

	a := New(fastConfig("carol"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("carol, your take?"))

	require.Eventually(t, func() bool {
		_, held := arb.CurrentSpeaker()
		return arb.Status().Grants == 1 && !held
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, messagesFrom(b, "carol"))
	assert.Equal(t, types.ModeListening, a.Mode())
}

func TestAgent_ZeroReactivityNeverEvaluates(t *testing.T) {
	b, arb := newTestRig(t)
	var evals atomic.Int32
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		evals.Add(1)
		return &llm.EvalResult{Pass: true}, nil
	}

	cfg := fastConfig("mute")
	cfg.Reactivity = 0
	a := New(cfg, Deps{Provider: provider, Bus: b, Floor: arb, Rand: rand.New(rand.NewSource(7))})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("anyone?"))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, evals.Load())
	assert.Equal(t, types.ModeListening, a.Mode())
}

func TestAgent_MinSilenceGatesReEvaluation(t *testing.T) {
	b, arb := newTestRig(t)
	var evals atomic.Int32
	provider := llm.NewScriptedProvider().Script("alice",
		llm.QueryResult{Content: "one contribution is enough for now"},
	)
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		evals.Add(1)
		return &llm.EvalResult{Urgency: types.UrgencyMedium, ResponseKind: types.KindArgument}, nil
	}

	cfg := fastConfig("alice")
	cfg.MinSilence = time.Hour
	a := New(cfg, Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("kick off"))
	require.Eventually(t, func() bool {
		return len(messagesFrom(b, "alice")) == 1
	}, time.Second, 2*time.Millisecond)

	b.AddMessage(types.NewHumanMessage("anything else?"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), evals.Load())
	assert.Len(t, messagesFrom(b, "alice"), 1)
}

func TestAgent_StaleEvaluationDiscardedAfterStop(t *testing.T) {
	b, arb := newTestRig(t)
	started := make(chan struct{})
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	a := New(fastConfig("dana"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())

	b.AddMessage(types.NewHumanMessage("dana?"))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("evaluation never started")
	}

	a.Stop()
	assert.Zero(t, arb.Status().Grants)
	assert.Equal(t, types.ModeListening, a.Mode())
}

func TestAgent_PauseWhileSpeakingReleasesFloor(t *testing.T) {
	b, arb := newTestRig(t)
	unblock := make(chan struct{})
	provider := llm.NewScriptedProvider()
	provider.QueryFn = func(ctx context.Context, req llm.QueryRequest) (*llm.QueryResult, error) {
		<-unblock
		return &llm.QueryResult{Content: "a late thought", Kind: types.KindArgument}, nil
	}

	a := New(fastConfig("erin"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("erin, go ahead"))

	require.Eventually(t, func() bool {
		speaker, held := arb.CurrentSpeaker()
		return held && speaker == "erin"
	}, time.Second, 2*time.Millisecond)

	b.Emit(bus.EventSessionPaused, nil)
	require.Eventually(t, func() bool {
		return a.Mode() == types.ModeListening
	}, time.Second, 2*time.Millisecond)

	close(unblock)

	require.Eventually(t, func() bool {
		_, held := arb.CurrentSpeaker()
		return !held
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, messagesFrom(b, "erin"))
}

func TestAgent_GrantAfterPauseReleasedImmediately(t *testing.T) {
	b, arb := newTestRig(t)
	provider := llm.NewScriptedProvider().Script("frank",
		llm.QueryResult{Content: "one more angle to consider", Kind: types.KindArgument},
	)

	outcome := arb.Request("other", types.UrgencyHigh, "holding", types.KindArgument)
	require.True(t, outcome.Queued)

	a := New(fastConfig("frank"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("frank, anything to add?"))
	require.Eventually(t, func() bool {
		return a.Mode() == types.ModeWaitingForFloor
	}, time.Second, 2*time.Millisecond)

	b.Emit(bus.EventSessionPaused, nil)
	require.Eventually(t, func() bool {
		return a.Mode() == types.ModeListening
	}, time.Second, 2*time.Millisecond)

	// The queued request is granted after the holder releases; the
	// agent no longer wants the turn and must hand the floor back.
	arb.Release("other")

	require.Eventually(t, func() bool {
		_, held := arb.CurrentSpeaker()
		return arb.Status().Grants >= 2 && !held
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, messagesFrom(b, "frank"))
}

func TestAgents_TakeTurnsThroughQueue(t *testing.T) {
	b, arb := newTestRig(t)
	provider := llm.NewScriptedProvider().
		Script("alice", llm.QueryResult{Content: "ship the smallest useful slice first", Kind: types.KindProposal}).
		Script("bob", llm.QueryResult{Content: "agreed, a thin slice reduces risk", Kind: types.KindAgreement})

	alice := New(fastConfig("alice"), Deps{Provider: provider, Bus: b, Floor: arb})
	bob := New(fastConfig("bob"), Deps{Provider: provider, Bus: b, Floor: arb})
	alice.Start(context.Background())
	bob.Start(context.Background())
	defer alice.Stop()
	defer bob.Stop()

	b.AddMessage(types.NewHumanMessage("how do we scope the first release?"))

	require.Eventually(t, func() bool {
		return len(messagesFrom(b, "alice")) == 1 && len(messagesFrom(b, "bob")) == 1
	}, 2*time.Second, 2*time.Millisecond)

	// Only one speaker ever held the floor at a time.
	assert.GreaterOrEqual(t, arb.Status().Grants, int64(2))
}

func TestAgent_SessionStopResetsWaiting(t *testing.T) {
	b, arb := newTestRig(t)
	provider := llm.NewScriptedProvider()
	provider.EvaluateFn = func(ctx context.Context, req llm.EvalRequest) (*llm.EvalResult, error) {
		return &llm.EvalResult{Urgency: types.UrgencyLow, ResponseKind: types.KindArgument}, nil
	}

	// Park a holder so the agent queues, then reset the arbitrator: the
	// queued request disappears and the agent must settle back.
	require.True(t, arb.Request("holder", types.UrgencyHigh, "setup", types.KindArgument).Queued)

	a := New(fastConfig("eve"), Deps{Provider: provider, Bus: b, Floor: arb})
	a.Start(context.Background())
	defer a.Stop()

	b.AddMessage(types.NewHumanMessage("eve, queue up"))
	require.Eventually(t, func() bool {
		return a.Mode() == types.ModeWaitingForFloor
	}, time.Second, 2*time.Millisecond)

	arb.Reset()
	b.Emit(bus.EventSessionStopped, nil)
	require.Eventually(t, func() bool {
		return a.Mode() == types.ModeListening
	}, time.Second, 2*time.Millisecond)
}
