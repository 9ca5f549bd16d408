package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/quorumkit/quorum/types"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	e.Process(types.NewMessage("agent-1", types.KindProposal, "We should use plan B"))
	e.Process(types.NewMessage("agent-2", types.KindAgreement, "Agreed, plan B it is"))
	e.Process(types.NewMessage("agent-2", types.KindArgument, "We decided on a Friday release"))
	for i := 0; i < 12; i++ {
		e.Process(types.NewMessage("agent-1", types.KindArgument, fmt.Sprintf("more detail %d", i)))
	}

	snap := e.Snapshot()
	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	restored := newTestEngine(t, DefaultConfig())
	require.NoError(t, restored.Restore(decoded))

	// Compare through the serialized form: time.Time equality across a
	// JSON round-trip loses the monotonic reading.
	again, err := EncodeSnapshot(restored.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	assert.Equal(t, e.TotalMessages(), restored.TotalMessages())
	assert.Equal(t, e.LastSummarizedIndex(), restored.LastSummarizedIndex())
}

func TestSnapshot_RestoreContinuesOperation(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	for i := 0; i < 10; i++ {
		e.Process(types.NewMessage("agent-1", types.KindArgument, fmt.Sprintf("m%d", i)))
	}

	restored := newTestEngine(t, DefaultConfig())
	require.NoError(t, restored.Restore(e.Snapshot()))

	// Two more messages complete the 12-message interval; the restored
	// engine picks up summarization where the original left off.
	restored.Process(types.NewMessage("agent-1", types.KindArgument, "m10"))
	restored.Process(types.NewMessage("agent-1", types.KindArgument, "m11"))

	sums := restored.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, 0, sums[0].StartIndex)
	assert.Equal(t, 12, sums[0].EndIndex)
}

func TestSnapshot_CorruptRejected(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	err := e.Restore(Snapshot{TotalMessages: 3, LastSummarizedIndex: 5})
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptSnapshot, types.GetErrorCode(err))

	err = e.Restore(Snapshot{Profiles: map[string]AgentProfile{"a": {AgentID: "b"}}})
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptSnapshot, types.GetErrorCode(err))

	_, err = DecodeSnapshot([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptSnapshot, types.GetErrorCode(err))

	err = e.Restore(Snapshot{Proposals: []Proposal{{ID: "p", Status: "bogus"}}})
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptSnapshot, types.GetErrorCode(err))
}

// Round-trip property: any state reachable through normal operation
// survives encode/decode/restore unchanged.
func TestSnapshot_RoundTrip_Property(t *testing.T) {
	kinds := []types.MessageKind{
		types.KindArgument, types.KindProposal, types.KindAgreement,
		types.KindDisagreement, types.KindSynthesis, types.KindQuestion,
	}

	rapid.Check(t, func(t *rapid.T) {
		e := New(DefaultConfig(), nil, nil, zap.NewNop())
		e.SetTokenCounter(wordCounter{})

		n := rapid.IntRange(0, 60).Draw(t, "messages")
		for i := 0; i < n; i++ {
			sender := fmt.Sprintf("agent-%d", rapid.IntRange(0, 3).Draw(t, "sender"))
			kind := kinds[rapid.IntRange(0, len(kinds)-1).Draw(t, "kind")]
			e.Process(types.NewMessage(sender, kind, fmt.Sprintf("i suggest we take path %d", i)))
		}

		data, err := EncodeSnapshot(e.Snapshot())
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeSnapshot(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		restored := New(DefaultConfig(), nil, nil, zap.NewNop())
		restored.SetTokenCounter(wordCounter{})
		if err := restored.Restore(decoded); err != nil {
			t.Fatalf("restore: %v", err)
		}
		again, err := EncodeSnapshot(restored.Snapshot())
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if string(data) != string(again) {
			t.Fatalf("round-trip mismatch:\n%s\n%s", data, again)
		}
	})
}
