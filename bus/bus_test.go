package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/quorumkit/quorum/types"
)

func newTestBus(t *testing.T, config Config) *Bus {
	t.Helper()
	b := New(config, zap.NewNop())
	b.Activate()
	t.Cleanup(b.Close)
	return b
}

// recordingSink collects consumed messages.
type recordingSink struct {
	mu   sync.Mutex
	msgs []types.Message
	err  error
}

func (s *recordingSink) Consume(msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type recordingObserver struct {
	mu       sync.Mutex
	added    int
	sinkErrs int
	dropped  int
}

func (o *recordingObserver) MessageAdded(types.MessageKind) {
	o.mu.Lock()
	o.added++
	o.mu.Unlock()
}

func (o *recordingObserver) SinkError(error) {
	o.mu.Lock()
	o.sinkErrs++
	o.mu.Unlock()
}

func (o *recordingObserver) EventDropped(string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func TestBus_AddMessage_AssignsIDAndTimestamp(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	stored, ok := b.AddMessage(types.NewMessage("agent-1", types.KindArgument, "hello"))
	require.True(t, ok)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, 1, b.TotalMessageCount())
}

func TestBus_AddMessage_InactiveDrops(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	t.Cleanup(b.Close)

	_, ok := b.AddMessage(types.NewMessage("agent-1", types.KindArgument, "hello"))
	assert.False(t, ok)
	assert.Equal(t, 0, b.TotalMessageCount())
}

func TestBus_RetentionBound(t *testing.T) {
	b := newTestBus(t, Config{MaxMessages: 500})

	for i := 0; i < 600; i++ {
		_, ok := b.AddMessage(types.NewMessage("agent-1", types.KindArgument, fmt.Sprintf("msg %d", i)))
		require.True(t, ok)
	}

	assert.Equal(t, 600, b.TotalMessageCount())
	assert.LessOrEqual(t, len(b.Messages()), 500)
	assert.Equal(t, 100, b.PrunedCount())

	// The first window is entirely pruned away.
	assert.Empty(t, b.Window(0, 10))

	// A window inside the retained range translates through the offset.
	win := b.Window(100, 10)
	require.Len(t, win, 10)
	assert.Equal(t, "msg 100", win[0].Content)
	assert.Equal(t, "msg 109", win[9].Content)
}

func TestBus_Window_EdgeCases(t *testing.T) {
	b := newTestBus(t, Config{MaxMessages: 10})
	for i := 0; i < 5; i++ {
		b.AddMessage(types.NewMessage("a", types.KindArgument, fmt.Sprintf("m%d", i)))
	}

	assert.Empty(t, b.Window(-1, 3))
	assert.Empty(t, b.Window(5, 3))
	assert.Empty(t, b.Window(0, 0))

	// A window reaching past the end is clamped.
	win := b.Window(3, 10)
	require.Len(t, win, 2)
	assert.Equal(t, "m3", win[0].Content)
}

func TestBus_Recent(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		b.AddMessage(types.NewMessage("a", types.KindArgument, fmt.Sprintf("m%d", i)))
	}

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m4", recent[2].Content)

	assert.Len(t, b.Recent(100), 5)
	assert.Empty(t, b.Recent(0))
}

func TestBus_SubscribeAndEmit_Deferred(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	got := make(chan any, 1)
	b.Subscribe("test.event", func(event string, payload any) {
		got <- payload
	})

	b.Emit("test.event", "payload")

	select {
	case p := <-got:
		assert.Equal(t, "payload", p)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	got := make(chan struct{}, 4)
	unsub := b.Subscribe("test.event", func(string, any) {
		got <- struct{}{}
	})

	b.Emit("test.event", nil)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked before unsubscribe")
	}

	unsub()
	b.Emit("test.event", nil)
	select {
	case <-got:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_InactiveDropsNonLifecycleEvents(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	t.Cleanup(b.Close)

	regular := make(chan struct{}, 1)
	lifecycle := make(chan struct{}, 1)
	b.Subscribe("some.event", func(string, any) { regular <- struct{}{} })
	b.Subscribe(EventSessionStarted, func(string, any) { lifecycle <- struct{}{} })

	b.Emit("some.event", nil)
	b.Emit(EventSessionStarted, nil)

	select {
	case <-lifecycle:
	case <-time.After(2 * time.Second):
		t.Fatal("lifecycle event was dropped while inactive")
	}
	select {
	case <-regular:
		t.Fatal("non-lifecycle event dispatched while inactive")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_HandlerPanicRecovered(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	after := make(chan struct{}, 1)
	b.Subscribe("boom", func(string, any) { panic("handler bug") })
	b.Subscribe("ok", func(string, any) { after <- struct{}{} })

	b.Emit("boom", nil)
	b.Emit("ok", nil)

	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher died after handler panic")
	}
}

func TestBus_SinkReceivesMessages(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	sink := &recordingSink{}
	b.AttachSink(sink)

	for i := 0; i < 3; i++ {
		b.AddMessage(types.NewMessage("a", types.KindProposal, "p"))
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestBus_SinkErrorObservable(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	obs := &recordingObserver{}
	b.SetObserver(obs)
	b.AttachSink(&recordingSink{err: fmt.Errorf("extraction broke")})

	b.AddMessage(types.NewMessage("a", types.KindArgument, "x"))

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.sinkErrs == 1 && obs.added == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// Retention invariant: after any sequence of adds, retained ≤ max and
// pruned + retained recovers the total ever added.
func TestBus_RetentionInvariant_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 50).Draw(t, "max")
		n := rapid.IntRange(0, 200).Draw(t, "adds")

		b := New(Config{MaxMessages: max}, zap.NewNop())
		defer b.Close()
		b.Activate()

		for i := 0; i < n; i++ {
			_, ok := b.AddMessage(types.NewMessage("a", types.KindArgument, fmt.Sprintf("m%d", i)))
			if !ok {
				t.Fatalf("add %d rejected on active bus", i)
			}
		}

		retained := len(b.Messages())
		if retained > max {
			t.Fatalf("retained %d exceeds max %d", retained, max)
		}
		if b.PrunedCount()+retained != n {
			t.Fatalf("pruned %d + retained %d != total %d", b.PrunedCount(), retained, n)
		}
		if b.TotalMessageCount() != n {
			t.Fatalf("total %d != %d", b.TotalMessageCount(), n)
		}
	})
}
