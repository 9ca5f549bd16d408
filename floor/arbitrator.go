package floor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/types"
)

// Config configures the arbitrator.
type Config struct {
	// Cooldown is the window after an agent releases the floor during
	// which its new requests are denied.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HoldTimeout force-releases a speaker that never releases.
	HoldTimeout time.Duration `json:"hold_timeout" yaml:"hold_timeout"`
	// SettleDelay separates a release from the next grant so a releasing
	// handler cannot re-entrantly grant itself the floor.
	SettleDelay time.Duration `json:"settle_delay" yaml:"settle_delay"`
	// QueueCap bounds the request queue.
	QueueCap int `json:"queue_cap" yaml:"queue_cap"`
	// HistoryCap bounds the past-speaker history used for cooldown checks.
	HistoryCap int `json:"history_cap" yaml:"history_cap"`
}

// DefaultConfig returns default arbitration configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:    2 * time.Second,
		HoldTimeout: 30 * time.Second,
		SettleDelay: 200 * time.Millisecond,
		QueueCap:    10,
		HistoryCap:  50,
	}
}

// Outcome is the immediate result of a floor request.
type Outcome struct {
	Queued bool             `json:"queued"`
	Denied types.DenyReason `json:"denied,omitempty"`
}

// Grant is the payload of bus.EventFloorGranted.
type Grant struct {
	AgentID   string            `json:"agent_id"`
	Urgency   types.Urgency     `json:"urgency"`
	Reason    string            `json:"reason"`
	Kind      types.MessageKind `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
}

// Release is the payload of bus.EventFloorReleased.
type Release struct {
	AgentID  string `json:"agent_id"`
	TimedOut bool   `json:"timed_out"`
}

// Denial is the payload of bus.EventFloorDenied.
type Denial struct {
	AgentID string           `json:"agent_id"`
	Reason  types.DenyReason `json:"reason"`
}

// Status describes the arbitrator for UI/CLI callers.
type Status struct {
	CurrentSpeaker string    `json:"current_speaker,omitempty"`
	QueueLength    int       `json:"queue_length"`
	Queue          []Request `json:"queue"`
	Grants         int64     `json:"grants"`
	Timeouts       int64     `json:"timeouts"`
}

// Observer makes arbitration decisions observable.
type Observer interface {
	FloorGranted()
	FloorDenied(reason types.DenyReason)
	FloorTimeout()
}

type speakerRecord struct {
	agentID    string
	releasedAt time.Time
}

// Arbitrator decides which participant may post next. All state changes
// go through its mutex; timers come from the injected clock so tests can
// drive time deterministically.
type Arbitrator struct {
	mu      sync.Mutex
	active  bool
	current *Request
	queue   requestQueue
	history []speakerRecord

	holdTimer   *clock.Timer
	settleTimer *clock.Timer
	holdGen     int64
	seq         int64

	grants   atomic.Int64
	timeouts atomic.Int64

	config   Config
	clk      clock.Clock
	b        *bus.Bus
	observer Observer
	logger   *zap.Logger
}

// New creates an arbitrator bound to the session bus. A nil clock uses
// the wall clock.
func New(config Config, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Arbitrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HoldTimeout <= 0 {
		config.HoldTimeout = def.HoldTimeout
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.QueueCap <= 0 {
		config.QueueCap = def.QueueCap
	}
	if config.HistoryCap <= 0 {
		config.HistoryCap = def.HistoryCap
	}
	return &Arbitrator{
		config: config,
		clk:    clk,
		b:      b,
		logger: logger.With(zap.String("component", "floor")),
	}
}

// SetObserver registers the metrics hook.
func (a *Arbitrator) SetObserver(observer Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observer = observer
}

// Activate enables request handling. Called on session start.
func (a *Arbitrator) Activate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
}

// Reset clears speaker, queue, history, and pending timers. Called on
// session start and end.
func (a *Arbitrator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.current = nil
	a.queue.clear()
	a.history = nil
	a.holdGen++
	if a.holdTimer != nil {
		a.holdTimer.Stop()
		a.holdTimer = nil
	}
	if a.settleTimer != nil {
		a.settleTimer.Stop()
		a.settleTimer = nil
	}
}

// Request asks for the floor on behalf of an agent. Denials are
// immediate and carry a reason; otherwise the request is queued (any
// prior queued request from the same agent is replaced) and a grant may
// follow at once or when the floor next frees up.
func (a *Arbitrator) Request(agentID string, urgency types.Urgency, reason string, kind types.MessageKind) Outcome {
	a.mu.Lock()

	if !a.active {
		a.mu.Unlock()
		a.deny(agentID, types.DenyInactive)
		return Outcome{Denied: types.DenyInactive}
	}

	if a.inCooldownLocked(agentID) {
		a.mu.Unlock()
		a.deny(agentID, types.DenyCooldown)
		return Outcome{Denied: types.DenyCooldown}
	}

	a.queue.removeAgent(agentID)
	a.seq++
	req := &Request{
		AgentID:   agentID,
		Urgency:   urgency,
		Reason:    reason,
		Kind:      kind,
		Timestamp: a.clk.Now(),
		seq:       a.seq,
	}
	a.queue.insert(req)

	var evicted *Request
	if a.queue.len() > a.config.QueueCap {
		evicted = a.queue.evictTail()
	}

	self := evicted != nil && evicted.AgentID == agentID
	a.tryGrantLocked()
	a.mu.Unlock()

	if evicted != nil {
		a.deny(evicted.AgentID, types.DenyQueueFull)
		if self {
			return Outcome{Denied: types.DenyQueueFull}
		}
	}
	return Outcome{Queued: true}
}

// Release gives the floor back. Only effective for the current speaker;
// returns false otherwise.
func (a *Arbitrator) Release(agentID string) bool {
	a.mu.Lock()
	if a.current == nil || a.current.AgentID != agentID {
		a.mu.Unlock()
		return false
	}
	a.releaseLocked(false)
	a.mu.Unlock()

	a.b.Emit(bus.EventFloorReleased, Release{AgentID: agentID})
	return true
}

// releaseLocked clears the speaker, records history, and schedules the
// settled re-grant. Caller holds a.mu.
func (a *Arbitrator) releaseLocked(timedOut bool) {
	a.holdGen++
	if a.holdTimer != nil {
		a.holdTimer.Stop()
		a.holdTimer = nil
	}
	a.history = append(a.history, speakerRecord{
		agentID:    a.current.AgentID,
		releasedAt: a.clk.Now(),
	})
	if len(a.history) > a.config.HistoryCap {
		a.history = a.history[len(a.history)-a.config.HistoryCap:]
	}
	a.current = nil
	if timedOut {
		a.timeouts.Add(1)
	}

	if a.settleTimer != nil {
		a.settleTimer.Stop()
	}
	a.settleTimer = a.clk.AfterFunc(a.config.SettleDelay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.tryGrantLocked()
	})
}

// tryGrantLocked promotes the queue head when the floor is free. Caller
// holds a.mu.
func (a *Arbitrator) tryGrantLocked() {
	if !a.active || a.current != nil {
		return
	}
	head := a.queue.popHead()
	if head == nil {
		return
	}
	a.current = head
	a.grants.Add(1)
	if a.observer != nil {
		a.observer.FloorGranted()
	}

	gen := a.holdGen
	a.holdTimer = a.clk.AfterFunc(a.config.HoldTimeout, func() {
		a.forceRelease(gen)
	})

	a.logger.Debug("floor granted",
		zap.String("agent_id", head.AgentID),
		zap.String("urgency", string(head.Urgency)),
	)
	a.b.Emit(bus.EventFloorGranted, Grant{
		AgentID:   head.AgentID,
		Urgency:   head.Urgency,
		Reason:    head.Reason,
		Kind:      head.Kind,
		Timestamp: a.clk.Now(),
	})
}

// forceRelease fires when the hold timer expires. The generation guard
// keeps a stale timer from releasing a later speaker.
func (a *Arbitrator) forceRelease(gen int64) {
	a.mu.Lock()
	if a.current == nil || a.holdGen != gen {
		a.mu.Unlock()
		return
	}
	agentID := a.current.AgentID
	a.logger.Warn("floor hold timeout, force releasing", zap.String("agent_id", agentID))
	if a.observer != nil {
		a.observer.FloorTimeout()
	}
	a.releaseLocked(true)
	a.mu.Unlock()

	a.b.Emit(bus.EventFloorReleased, Release{AgentID: agentID, TimedOut: true})
}

func (a *Arbitrator) deny(agentID string, reason types.DenyReason) {
	a.mu.Lock()
	observer := a.observer
	a.mu.Unlock()
	if observer != nil {
		observer.FloorDenied(reason)
	}
	a.logger.Debug("floor denied",
		zap.String("agent_id", agentID),
		zap.String("reason", string(reason)),
	)
	a.b.Emit(bus.EventFloorDenied, Denial{AgentID: agentID, Reason: reason})
}

// inCooldownLocked reports whether the agent released the floor within
// the cooldown window. Caller holds a.mu.
func (a *Arbitrator) inCooldownLocked(agentID string) bool {
	now := a.clk.Now()
	for i := len(a.history) - 1; i >= 0; i-- {
		if a.history[i].agentID == agentID {
			return now.Sub(a.history[i].releasedAt) < a.config.Cooldown
		}
	}
	return false
}

// CurrentSpeaker returns the floor holder, if any.
func (a *Arbitrator) CurrentSpeaker() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return "", false
	}
	return a.current.AgentID, true
}

// HasSpoken reports whether the agent appears in the speaker history or
// currently holds the floor.
func (a *Arbitrator) HasSpoken(agentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current.AgentID == agentID {
		return true
	}
	for _, rec := range a.history {
		if rec.agentID == agentID {
			return true
		}
	}
	return false
}

// Status returns a snapshot for UI/CLI callers.
func (a *Arbitrator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Status{
		QueueLength: a.queue.len(),
		Queue:       a.queue.snapshot(),
		Grants:      a.grants.Load(),
		Timeouts:    a.timeouts.Load(),
	}
	if a.current != nil {
		s.CurrentSpeaker = a.current.AgentID
	}
	return s
}
