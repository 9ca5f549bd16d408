// Package participant implements the autonomous agent loop: each agent
// listens to the conversation, decides through its provider whether to
// speak, competes for the floor, and publishes exactly one contribution
// per grant.
package participant

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/floor"
	"github.com/quorumkit/quorum/llm"
	"github.com/quorumkit/quorum/memory"
	"github.com/quorumkit/quorum/types"
)

// Config describes one participant.
type Config struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Role         string  `json:"role" yaml:"role"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Reactivity   float64 `json:"reactivity" yaml:"reactivity"`

	// DebounceDelay is how long the conversation must stay quiet after a
	// message before the agent considers taking a turn.
	DebounceDelay time.Duration `json:"debounce_delay" yaml:"debounce_delay"`
	// MinSilence is the minimum interval since the agent's own last
	// contribution before it evaluates again.
	MinSilence time.Duration `json:"min_silence" yaml:"min_silence"`
	// EvalInterval rate-limits provider evaluation calls.
	EvalInterval time.Duration `json:"eval_interval" yaml:"eval_interval"`
	EvalBurst    int           `json:"eval_burst" yaml:"eval_burst"`
	// MaxContext bounds the number of recent messages sent to the provider.
	MaxContext int `json:"max_context" yaml:"max_context"`
}

// DefaultConfig returns participant defaults.
func DefaultConfig(id string) Config {
	return Config{
		ID:            id,
		Name:          id,
		Enabled:       true,
		Reactivity:    1.0,
		DebounceDelay: 500 * time.Millisecond,
		MinSilence:    time.Second,
		EvalInterval:  time.Second,
		EvalBurst:     1,
		MaxContext:    20,
	}
}

// StateChange is the payload of bus.EventAgentState.
type StateChange struct {
	AgentID string                `json:"agent_id"`
	Mode    types.ParticipantMode `json:"mode"`
}

// Deps are the collaborators an agent is wired to.
type Deps struct {
	Provider llm.Provider
	Bus      *bus.Bus
	Floor    *floor.Arbitrator
	Memory   *memory.Engine
	Clock    clock.Clock
	Rand     *rand.Rand
	Logger   *zap.Logger
}

// Agent is one participant's state machine. Provider calls run on their
// own goroutines; every completion is checked against the session epoch
// and discarded when stale.
type Agent struct {
	config   Config
	provider llm.Provider
	b        *bus.Bus
	arb      *floor.Arbitrator
	mem      *memory.Engine
	clk      clock.Clock
	rng      *rand.Rand
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu          sync.Mutex
	mode        types.ParticipantMode
	epoch       int64
	debounce    *clock.Timer
	lastSpokeAt time.Time
	pendingKind types.MessageKind
	unsubs      []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent. Nil clock/rand/logger get usable defaults.
func New(config Config, deps Deps) *Agent {
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = 500 * time.Millisecond
	}
	if config.EvalInterval <= 0 {
		config.EvalInterval = time.Second
	}
	if config.EvalBurst <= 0 {
		config.EvalBurst = 1
	}
	if config.MaxContext <= 0 {
		config.MaxContext = 20
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Agent{
		config:   config,
		provider: deps.Provider,
		b:        deps.Bus,
		arb:      deps.Floor,
		mem:      deps.Memory,
		clk:      deps.Clock,
		rng:      deps.Rand,
		limiter:  rate.NewLimiter(rate.Every(config.EvalInterval), config.EvalBurst),
		logger:   deps.Logger.With(zap.String("component", "participant"), zap.String("agent", config.ID)),
		mode:     types.ModeListening,
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.config.ID }

// Mode returns the current state-machine mode.
func (a *Agent) Mode() types.ParticipantMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Start subscribes the agent to the session bus and begins listening.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mode = types.ModeListening
	a.unsubs = []func(){
		a.b.Subscribe(bus.EventMessageAdded, a.onMessage),
		a.b.Subscribe(bus.EventFloorGranted, a.onGranted),
		a.b.Subscribe(bus.EventFloorDenied, a.onDenied),
		a.b.Subscribe(bus.EventSessionPaused, a.onSessionBreak),
		a.b.Subscribe(bus.EventSessionStopped, a.onSessionBreak),
	}
	a.logger.Debug("agent started")
}

// Stop unsubscribes, invalidates in-flight provider calls, and waits
// for worker goroutines to drain.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.epoch++
	if a.cancel != nil {
		a.cancel()
	}
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	unsubs := a.unsubs
	a.unsubs = nil
	a.setModeLocked(types.ModeListening)
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.wg.Wait()
}

func (a *Agent) onMessage(_ string, payload any) {
	msg, ok := payload.(types.Message)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if msg.SenderID == a.config.ID {
		a.lastSpokeAt = a.clk.Now()
		return
	}
	if a.mode != types.ModeListening {
		return
	}
	if a.debounce != nil {
		a.debounce.Stop()
	}
	epoch := a.epoch
	a.debounce = a.clk.AfterFunc(a.config.DebounceDelay, func() {
		a.considerTurn(epoch)
	})
}

// considerTurn runs when the conversation has been quiet for the
// debounce window. It applies the silence, reactivity, and rate gates
// before spending a provider evaluation.
func (a *Agent) considerTurn(epoch int64) {
	a.mu.Lock()
	if epoch != a.epoch || a.mode != types.ModeListening {
		a.mu.Unlock()
		return
	}
	if !a.lastSpokeAt.IsZero() && a.clk.Now().Sub(a.lastSpokeAt) < a.config.MinSilence {
		a.mu.Unlock()
		return
	}
	if a.rng.Float64() >= a.config.Reactivity {
		a.mu.Unlock()
		return
	}
	if !a.limiter.Allow() {
		a.mu.Unlock()
		return
	}
	a.setModeLocked(types.ModeThinking)
	ctx := a.ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.evaluate(ctx, epoch)
}

func (a *Agent) evaluate(ctx context.Context, epoch int64) {
	defer a.wg.Done()

	req := llm.EvalRequest{
		AgentID:      a.config.ID,
		SystemPrompt: a.config.SystemPrompt,
		Context:      a.b.Recent(a.config.MaxContext),
	}
	if a.mem != nil {
		req.Brief = a.mem.ContextBrief(5)
	}
	result, err := a.provider.Evaluate(ctx, req)

	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch != a.epoch {
		return
	}
	if err != nil {
		a.logger.Warn("evaluation failed", zap.Error(err))
		a.setModeLocked(types.ModeListening)
		return
	}
	if result.Pass {
		a.setModeLocked(types.ModeListening)
		return
	}

	kind := result.ResponseKind
	if kind == "" {
		kind = types.KindArgument
	}
	a.pendingKind = kind
	outcome := a.arb.Request(a.config.ID, result.Urgency, result.Reason, kind)
	if outcome.Queued {
		a.setModeLocked(types.ModeWaitingForFloor)
	} else {
		a.setModeLocked(types.ModeListening)
	}
}

func (a *Agent) onGranted(_ string, payload any) {
	grant, ok := payload.(floor.Grant)
	if !ok || grant.AgentID != a.config.ID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != types.ModeWaitingForFloor {
		// A session break reset the mode between request and grant.
		// Return the floor so the queue keeps moving; release is a
		// no-op when this agent is not the holder.
		a.arb.Release(a.config.ID)
		return
	}
	a.setModeLocked(types.ModeSpeaking)
	ctx, epoch, kind := a.ctx, a.epoch, a.pendingKind

	a.wg.Add(1)
	go a.speak(ctx, epoch, kind)
}

func (a *Agent) onDenied(_ string, payload any) {
	denial, ok := payload.(floor.Denial)
	if !ok || denial.AgentID != a.config.ID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == types.ModeWaitingForFloor {
		a.setModeLocked(types.ModeListening)
	}
}

// speak generates and publishes the granted contribution, then
// releases the floor. A failed generation releases without publishing.
func (a *Agent) speak(ctx context.Context, epoch int64, kind types.MessageKind) {
	defer a.wg.Done()

	req := llm.QueryRequest{
		AgentID:      a.config.ID,
		SystemPrompt: a.config.SystemPrompt,
		Context:      a.b.Recent(a.config.MaxContext),
		Kind:         kind,
	}
	if a.mem != nil {
		req.Brief = a.mem.ContextBrief(5)
	}
	result, err := a.provider.Query(ctx, req)

	a.mu.Lock()
	if epoch != a.epoch {
		a.mu.Unlock()
		// The session moved on mid-generation. Discard the output but
		// still return the floor, otherwise it stays held until the
		// hold timeout.
		a.arb.Release(a.config.ID)
		return
	}
	a.setModeLocked(types.ModeListening)
	if err == nil {
		a.lastSpokeAt = a.clk.Now()
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("generation failed, releasing floor", zap.Error(err))
		a.arb.Release(a.config.ID)
		return
	}

	if result.Kind != "" {
		kind = result.Kind
	}
	a.b.AddMessage(types.NewMessage(a.config.ID, kind, result.Content))
	a.arb.Release(a.config.ID)
}

func (a *Agent) onSessionBreak(_ string, _ any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch++
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	a.setModeLocked(types.ModeListening)
}

// setModeLocked updates the mode and announces it. Caller holds a.mu.
func (a *Agent) setModeLocked(mode types.ParticipantMode) {
	if a.mode == mode {
		return
	}
	a.mode = mode
	a.b.Emit(bus.EventAgentState, StateChange{AgentID: a.config.ID, Mode: mode})
}
