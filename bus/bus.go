package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quorumkit/quorum/types"
)

// Event names emitted by the kernel.
const (
	EventMessageAdded   = "message.added"
	EventFloorRequested = "floor.requested"
	EventFloorGranted   = "floor.granted"
	EventFloorReleased  = "floor.released"
	EventFloorDenied    = "floor.denied"
	EventAgentState     = "agent.state"
	EventIntervention   = "intervention"
	EventSessionStarted = "session.started"
	EventSessionPaused  = "session.paused"
	EventSessionResumed = "session.resumed"
	EventSessionStopped = "session.stopped"
	EventError          = "error"
)

// lifecycleEvents are dispatched even while the bus is inactive.
var lifecycleEvents = map[string]bool{
	EventSessionStarted: true,
	EventSessionPaused:  true,
	EventSessionResumed: true,
	EventSessionStopped: true,
}

// Handler handles a dispatched event.
type Handler func(event string, payload any)

// Sink receives every appended message for best-effort background
// processing (conversation memory extraction).
type Sink interface {
	Consume(msg types.Message) error
}

// Observer makes best-effort failures observable instead of silently logged.
type Observer interface {
	MessageAdded(kind types.MessageKind)
	SinkError(err error)
	EventDropped(event string)
}

// Config configures the bus.
type Config struct {
	// MaxMessages is the retained message cap.
	MaxMessages int `json:"max_messages" yaml:"max_messages"`
	// PruneThreshold is the overflow factor before pruning kicks in;
	// pruning drops the oldest excess back down to MaxMessages.
	PruneThreshold float64 `json:"prune_threshold" yaml:"prune_threshold"`
	// DispatchBuffer sizes the deferred dispatch queue.
	DispatchBuffer int `json:"dispatch_buffer" yaml:"dispatch_buffer"`
	// SinkBuffer sizes the background extraction queue.
	SinkBuffer int `json:"sink_buffer" yaml:"sink_buffer"`
}

// DefaultConfig returns default bus configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages:    500,
		PruneThreshold: 1.0,
		DispatchBuffer: 256,
		SinkBuffer:     128,
	}
}

type envelope struct {
	event   string
	payload any
}

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

// Bus is an in-process publish/subscribe channel carrying typed events
// and the bounded, prunable message log of one session. It is owned by
// the orchestrator; one instance per session, no global state.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[int64]Handler
	log         []types.Message
	prunedCount int
	active      bool

	config   Config
	dispatch chan envelope
	sinkCh   chan types.Message
	sink     Sink
	observer Observer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *zap.Logger
}

// New creates a bus. The bus starts inactive; Activate is called by the
// orchestrator on session start.
func New(config Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxMessages <= 0 {
		config.MaxMessages = DefaultConfig().MaxMessages
	}
	if config.PruneThreshold < 1.0 {
		config.PruneThreshold = DefaultConfig().PruneThreshold
	}
	if config.DispatchBuffer <= 0 {
		config.DispatchBuffer = DefaultConfig().DispatchBuffer
	}
	if config.SinkBuffer <= 0 {
		config.SinkBuffer = DefaultConfig().SinkBuffer
	}
	b := &Bus{
		handlers: make(map[string]map[int64]Handler),
		config:   config,
		dispatch: make(chan envelope, config.DispatchBuffer),
		sinkCh:   make(chan types.Message, config.SinkBuffer),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "bus")),
	}
	b.wg.Add(2)
	go b.dispatchLoop()
	go b.sinkLoop()
	return b
}

// AttachSink registers the conversation-memory sink. At most one sink;
// attaching replaces any previous one.
func (b *Bus) AttachSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// SetObserver registers the metrics hook.
func (b *Bus) SetObserver(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = observer
}

// Subscribe registers a handler for an event name and returns an
// unsubscribe function.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int64]Handler)
	}
	id := atomic.AddInt64(&subscriptionCounter, 1)
	b.handlers[event][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hs, ok := b.handlers[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.handlers, event)
			}
		}
	}
}

// Unsubscribe removes all handlers. Used on session stop.
func (b *Bus) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]map[int64]Handler)
}

// Activate enables non-lifecycle emissions and message appends.
func (b *Bus) Activate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
}

// Deactivate drops non-lifecycle emissions until reactivated. Already
// queued dispatch work still drains; this is how pause produces real
// backpressure without losing in-flight events.
func (b *Bus) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
}

// IsActive reports whether the bus accepts non-lifecycle emissions.
func (b *Bus) IsActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Emit queues an event for deferred dispatch. Non-lifecycle events are
// dropped while the bus is inactive.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	active := b.active
	observer := b.observer
	b.mu.RUnlock()

	if !active && !lifecycleEvents[event] {
		return
	}

	select {
	case b.dispatch <- envelope{event: event, payload: payload}:
	case <-b.done:
	default:
		b.logger.Warn("dispatch queue full, event dropped", zap.String("event", event))
		if observer != nil {
			observer.EventDropped(event)
		}
	}
}

// AddMessage appends a message to the log, forwards it to the sink,
// prunes, and emits EventMessageAdded. Returns the stored message (with
// id and timestamp assigned) and false if the bus was inactive.
func (b *Bus) AddMessage(msg types.Message) (types.Message, bool) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return types.Message{}, false
	}
	b.log = append(b.log, msg)
	b.pruneLocked()
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer.MessageAdded(msg.Kind)
	}

	// Best-effort hand-off to the memory sink; a full queue must not
	// block the publish path.
	select {
	case b.sinkCh <- msg:
	case <-b.done:
	default:
		b.logger.Warn("sink queue full, message skipped for extraction", zap.String("msg_id", msg.ID))
		if observer != nil {
			observer.SinkError(types.NewError(types.ErrStoreUnavailable, "sink queue full"))
		}
	}

	b.Emit(EventMessageAdded, msg)
	return msg, true
}

// pruneLocked drops the oldest excess once retained count exceeds
// max × pruneThreshold. Caller holds b.mu.
func (b *Bus) pruneLocked() {
	limit := int(float64(b.config.MaxMessages) * b.config.PruneThreshold)
	if len(b.log) <= limit {
		return
	}
	excess := len(b.log) - b.config.MaxMessages
	b.prunedCount += excess
	retained := make([]types.Message, len(b.log)-excess)
	copy(retained, b.log[excess:])
	b.log = retained
}

// Recent returns the last min(n, retained) messages.
func (b *Bus) Recent(n int) []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.log) {
		n = len(b.log)
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Message, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}

// Window returns up to count messages starting at the virtual index
// virtualStart (an index into the total ever-seen sequence). Indices
// that fall outside the retained range yield an empty slice.
func (b *Bus) Window(virtualStart, count int) []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := virtualStart - b.prunedCount
	if start < 0 || start >= len(b.log) || count <= 0 {
		return nil
	}
	end := start + count
	if end > len(b.log) {
		end = len(b.log)
	}
	out := make([]types.Message, end-start)
	copy(out, b.log[start:end])
	return out
}

// Messages returns a copy of the retained log.
func (b *Bus) Messages() []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Message, len(b.log))
	copy(out, b.log)
	return out
}

// TotalMessageCount returns the total messages ever added, including pruned.
func (b *Bus) TotalMessageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prunedCount + len(b.log)
}

// PrunedCount returns the number of messages dropped by pruning.
func (b *Bus) PrunedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prunedCount
}

// dispatchLoop delivers queued events to subscribers one at a time, so
// handlers never observe the bus mid-mutation and never reenter each other.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case env := <-b.dispatch:
			b.mu.RLock()
			src := b.handlers[env.event]
			handlers := make([]Handler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, h := range handlers {
				b.safeInvoke(h, env)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bus) safeInvoke(h Handler, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", env.event),
				zap.Any("recover", r),
			)
		}
	}()
	h(env.event, env.payload)
}

// sinkLoop feeds appended messages to the memory sink in the background.
func (b *Bus) sinkLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.sinkCh:
			b.mu.RLock()
			sink := b.sink
			observer := b.observer
			b.mu.RUnlock()
			if sink == nil {
				continue
			}
			if err := sink.Consume(msg); err != nil {
				b.logger.Warn("memory extraction failed",
					zap.String("msg_id", msg.ID),
					zap.Error(err),
				)
				if observer != nil {
					observer.SinkError(err)
				}
			}
		case <-b.done:
			return
		}
	}
}

// Close stops the dispatcher and sink workers. The bus is unusable afterwards.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}
