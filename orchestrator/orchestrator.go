// Package orchestrator wires the session together: bus, floor
// arbitration, conversation memory, participants, and the mode
// controller, under one lifecycle and one public control surface.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/floor"
	"github.com/quorumkit/quorum/llm"
	"github.com/quorumkit/quorum/memory"
	"github.com/quorumkit/quorum/participant"
	"github.com/quorumkit/quorum/phase"
	"github.com/quorumkit/quorum/types"
)

// Phase is the structural session phase. It is distinct from the mode
// controller's content-focus phases: structural phases gate explicit
// transitions such as assigning drafting sections.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseBrainstorming  Phase = "brainstorming"
	PhaseArgumentation  Phase = "argumentation"
	PhaseSynthesis      Phase = "synthesis"
	PhaseDrafting       Phase = "drafting"
	PhaseFinalization   Phase = "finalization"
)

// SessionStatus describes the lifecycle state.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusStopped SessionStatus = "stopped"
)

// Session is the public session record.
type Session struct {
	ID         string        `json:"id"`
	Goal       string        `json:"goal"`
	Phase      Phase         `json:"phase"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	StoppedAt  time.Time     `json:"stopped_at,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
}

// TransitionResult is the structured outcome of a guarded phase
// transition. Precondition failures are results, not errors.
type TransitionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NotificationType discriminates Notification payloads.
type NotificationType string

const (
	NotifyPhaseChange  NotificationType = "phase_change"
	NotifyMessage      NotificationType = "message"
	NotifyFloor        NotificationType = "floor"
	NotifyAgentState   NotificationType = "agent_state"
	NotifyIntervention NotificationType = "intervention"
	NotifySynthesis    NotificationType = "synthesis_complete"
	NotifyError        NotificationType = "error"
)

// Notification is delivered to On callbacks.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id"`
	Payload   any              `json:"payload,omitempty"`
}

// Researcher runs a research query on behalf of the session.
type Researcher interface {
	Research(ctx context.Context, topic string) (string, error)
}

// Config configures a session.
type Config struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Goal      string `json:"goal" yaml:"goal"`
	// Sections are the output sections assigned round-robin on the
	// drafting transition.
	Sections []string `json:"sections" yaml:"sections"`
	// SynthesisCheckpoint is the period of the consensus checkpoint
	// timer.
	SynthesisCheckpoint time.Duration   `json:"synthesis_checkpoint" yaml:"synthesis_checkpoint"`
	Consensus           ConsensusConfig `json:"consensus" yaml:"consensus"`
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		Sections:            []string{"headline", "body", "call_to_action"},
		SynthesisCheckpoint: 30 * time.Second,
		Consensus:           DefaultConsensusConfig(),
	}
}

// Deps are the collaborators the orchestrator owns for one session.
type Deps struct {
	Bus          *bus.Bus
	Floor        *floor.Arbitrator
	Memory       *memory.Engine
	Modes        *phase.Controller
	Provider     llm.Provider
	Researcher   Researcher
	Participants []participant.Config
	Clock        clock.Clock
	Rand         *rand.Rand
	Logger       *zap.Logger
}

// Orchestrator drives one deliberation session.
type Orchestrator struct {
	config Config
	b      *bus.Bus
	arb    *floor.Arbitrator
	mem    *memory.Engine
	modes  *phase.Controller

	provider   llm.Provider
	researcher Researcher
	pconfigs   []participant.Config
	clk        clock.Clock
	rng        *rand.Rand
	logger     *zap.Logger
	rootLogger *zap.Logger

	mu          sync.Mutex
	session     Session
	agents      []*participant.Agent
	tracker     *consensusTracker
	checkpoint  *clock.Timer
	unsubs      []func()
	assignments map[string]string
	researching bool
	eg          *errgroup.Group
	ctx         context.Context
	cancel      context.CancelFunc

	cbMu      sync.Mutex
	callbacks map[int64]func(Notification)
	nextCbID  int64
}

// New builds an orchestrator. Bus, floor, and provider are required;
// memory, modes, and researcher are optional.
func New(config Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if len(config.Sections) == 0 {
		config.Sections = def.Sections
	}
	if config.SynthesisCheckpoint <= 0 {
		config.SynthesisCheckpoint = def.SynthesisCheckpoint
	}
	if config.SessionID == "" {
		config.SessionID = uuid.New().String()
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
	return &Orchestrator{
		config:     config,
		b:          deps.Bus,
		arb:        deps.Floor,
		mem:        deps.Memory,
		modes:      deps.Modes,
		provider:   deps.Provider,
		researcher: deps.Researcher,
		pconfigs:   deps.Participants,
		clk:        deps.Clock,
		rng:        deps.Rand,
		logger:     deps.Logger.With(zap.String("component", "orchestrator"), zap.String("session", config.SessionID)),
		rootLogger: deps.Logger,
		session:    Session{ID: config.SessionID, Goal: config.Goal, Phase: PhaseInitialization, Status: StatusIdle},
		callbacks:  make(map[int64]func(Notification)),
	}
}

func (o *Orchestrator) enabledIDs() []string {
	var ids []string
	for _, pc := range o.pconfigs {
		if pc.Enabled {
			ids = append(ids, pc.ID)
		}
	}
	return ids
}

// Start activates the bus and arbitrator, wires one listener per
// enabled participant, and opens the session with a system message.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.session.Status == StatusActive || o.session.Status == StatusPaused {
		o.mu.Unlock()
		return types.NewError(types.ErrSessionActive, "session already running")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.eg, _ = errgroup.WithContext(o.ctx)
	o.session.Status = StatusActive
	o.session.StartedAt = o.clk.Now()
	o.session.StoppedAt = time.Time{}
	o.session.StopReason = ""
	o.session.Phase = PhaseInitialization
	o.tracker = newConsensusTracker(o.config.Consensus, o.enabledIDs())
	o.assignments = make(map[string]string)

	if o.mem != nil {
		o.b.AttachSink(o.mem)
	}
	o.b.Activate()
	o.arb.Activate()

	o.unsubs = []func(){
		o.b.Subscribe(bus.EventMessageAdded, o.onMessage),
		o.b.Subscribe(bus.EventFloorGranted, o.onFloorEvent),
		o.b.Subscribe(bus.EventFloorReleased, o.onFloorEvent),
		o.b.Subscribe(bus.EventFloorDenied, o.onFloorEvent),
		o.b.Subscribe(bus.EventAgentState, o.onAgentState),
		o.b.Subscribe(bus.EventError, o.onError),
	}

	o.agents = nil
	for _, pc := range o.pconfigs {
		if !pc.Enabled {
			continue
		}
		agent := participant.New(pc, participant.Deps{
			Provider: o.provider,
			Bus:      o.b,
			Floor:    o.arb,
			Memory:   o.mem,
			Clock:    o.clk,
			Rand:     rand.New(rand.NewSource(o.rng.Int63())),
			Logger:   o.rootLogger,
		})
		agent.Start(o.ctx)
		o.agents = append(o.agents, agent)
	}

	o.scheduleCheckpointLocked()
	o.mu.Unlock()

	o.b.Emit(bus.EventSessionStarted, o.GetSession())
	o.b.AddMessage(types.NewSystemMessage(
		fmt.Sprintf("Session started. Goal: %s. Brainstorm freely; every participant should contribute.", o.config.Goal)))

	o.mu.Lock()
	o.session.Phase = PhaseBrainstorming
	o.mu.Unlock()
	o.announcePhase(PhaseBrainstorming)

	o.logger.Info("session started", zap.Int("participants", len(o.agents)))
	return nil
}

// Pause deactivates the bus; non-lifecycle emissions drop until Resume.
func (o *Orchestrator) Pause(reason string) error {
	o.mu.Lock()
	if o.session.Status != StatusActive {
		o.mu.Unlock()
		return types.NewError(types.ErrSessionNotActive, "cannot pause: session not active")
	}
	o.session.Status = StatusPaused
	o.stopCheckpointLocked()
	o.mu.Unlock()

	o.b.Deactivate()
	o.b.Emit(bus.EventSessionPaused, reason)
	o.logger.Info("session paused", zap.String("reason", reason))
	return nil
}

// Resume reverses Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.session.Status != StatusPaused {
		o.mu.Unlock()
		return types.NewError(types.ErrSessionNotActive, "cannot resume: session not paused")
	}
	o.session.Status = StatusActive
	o.scheduleCheckpointLocked()
	o.mu.Unlock()

	o.b.Activate()
	o.b.Emit(bus.EventSessionResumed, nil)
	return nil
}

// Stop ends the session: cancels timers and in-flight work, stops all
// participants, clears the floor, and drains background tasks.
func (o *Orchestrator) Stop(reason string) error {
	o.mu.Lock()
	if o.session.Status != StatusActive && o.session.Status != StatusPaused {
		o.mu.Unlock()
		return types.NewError(types.ErrSessionNotActive, "cannot stop: session not running")
	}
	o.session.Status = StatusStopped
	o.session.StoppedAt = o.clk.Now()
	o.session.StopReason = reason
	o.stopCheckpointLocked()
	if o.cancel != nil {
		o.cancel()
	}
	agents := o.agents
	unsubs := o.unsubs
	o.unsubs = nil
	eg := o.eg
	o.mu.Unlock()

	o.b.Emit(bus.EventSessionStopped, reason)
	for _, a := range agents {
		a.Stop()
	}
	o.arb.Reset()
	o.b.Deactivate()
	for _, unsub := range unsubs {
		unsub()
	}
	if eg != nil {
		_ = eg.Wait()
	}

	o.logger.Info("session stopped", zap.String("reason", reason))
	return nil
}

// AddHumanMessage injects a human contribution. Human messages bypass
// floor arbitration.
func (o *Orchestrator) AddHumanMessage(text string) (types.Message, error) {
	o.mu.Lock()
	active := o.session.Status == StatusActive
	o.mu.Unlock()
	if !active {
		return types.Message{}, types.NewError(types.ErrSessionNotActive, "cannot add message: session not active")
	}
	msg, ok := o.b.AddMessage(types.NewHumanMessage(text))
	if !ok {
		return types.Message{}, types.NewError(types.ErrSessionNotActive, "bus rejected message")
	}
	return msg, nil
}

// TransitionToArgumentation moves brainstorming → argumentation once
// every enabled participant has contributed.
func (o *Orchestrator) TransitionToArgumentation() TransitionResult {
	o.mu.Lock()
	if o.session.Phase != PhaseBrainstorming {
		from := o.session.Phase
		o.mu.Unlock()
		return TransitionResult{Message: fmt.Sprintf("cannot enter argumentation from %s", from)}
	}
	status := o.tracker.Status()
	if len(status.SilentAgents) > 0 {
		o.mu.Unlock()
		return TransitionResult{Message: "waiting on contributions from: " + strings.Join(status.SilentAgents, ", ")}
	}
	opener := o.leastActive(status.Contributions)
	o.session.Phase = PhaseArgumentation
	o.mu.Unlock()

	o.announcePhase(PhaseArgumentation)
	o.b.AddMessage(types.NewSystemMessage(fmt.Sprintf(
		"Entering argumentation. Challenge the proposals on the table. %s, please open.", opener)))
	return TransitionResult{Success: true, Message: "entered argumentation"}
}

// TransitionToSynthesis moves to synthesis. Without force it requires
// consensus readiness and fails naming what blocks it.
func (o *Orchestrator) TransitionToSynthesis(force bool) TransitionResult {
	o.mu.Lock()
	switch o.session.Phase {
	case PhaseBrainstorming, PhaseArgumentation:
	default:
		from := o.session.Phase
		o.mu.Unlock()
		return TransitionResult{Message: fmt.Sprintf("cannot enter synthesis from %s", from)}
	}

	if !force {
		status := o.tracker.Status()
		if len(status.SilentAgents) > 0 {
			o.mu.Unlock()
			return TransitionResult{Message: "not all participants have spoken: " + strings.Join(status.SilentAgents, ", ")}
		}
		if status.TotalMessages < o.tracker.config.MinContributions {
			result := TransitionResult{Message: fmt.Sprintf(
				"insufficient contributions: %d of %d", status.TotalMessages, o.tracker.config.MinContributions)}
			o.mu.Unlock()
			return result
		}
		if status.ConsensusPoints == 0 {
			o.mu.Unlock()
			return TransitionResult{Message: "no consensus points reached yet"}
		}
	}
	o.session.Phase = PhaseSynthesis
	o.mu.Unlock()

	o.announcePhase(PhaseSynthesis)
	o.b.AddMessage(types.NewSystemMessage(
		"Entering synthesis. Summarize the areas of agreement and state shared conclusions."))
	return TransitionResult{Success: true, Message: "entered synthesis"}
}

// TransitionToDrafting moves synthesis → drafting and assigns output
// sections round-robin across enabled participants.
func (o *Orchestrator) TransitionToDrafting() TransitionResult {
	o.mu.Lock()
	if o.session.Phase != PhaseSynthesis {
		from := o.session.Phase
		o.mu.Unlock()
		return TransitionResult{Message: fmt.Sprintf("cannot enter drafting from %s", from)}
	}
	ids := o.enabledIDs()
	if len(ids) == 0 {
		o.mu.Unlock()
		return TransitionResult{Message: "no enabled participants to assign sections to"}
	}
	o.session.Phase = PhaseDrafting
	for i, section := range o.config.Sections {
		o.assignments[section] = ids[i%len(ids)]
	}
	o.mu.Unlock()

	o.announcePhase(PhaseDrafting)
	o.notify(Notification{Type: NotifySynthesis})
	for i, section := range o.config.Sections {
		o.b.AddMessage(types.NewSystemMessage(fmt.Sprintf(
			"Drafting: %s, please draft the %s section.", ids[i%len(ids)], section)))
	}
	return TransitionResult{Success: true, Message: "entered drafting"}
}

// SectionAssignments returns the drafting assignments (section → agent).
func (o *Orchestrator) SectionAssignments() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.assignments))
	for k, v := range o.assignments {
		out[k] = v
	}
	return out
}

// GetConsensusStatus recomputes the consensus snapshot.
func (o *Orchestrator) GetConsensusStatus() ConsensusStatus {
	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()
	if tracker == nil {
		return ConsensusStatus{}
	}
	return tracker.Status()
}

// GetFloorStatus returns the arbitration status.
func (o *Orchestrator) GetFloorStatus() floor.Status {
	return o.arb.Status()
}

// GetAgentStates returns each participant's state-machine mode.
func (o *Orchestrator) GetAgentStates() map[string]types.ParticipantMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]types.ParticipantMode, len(o.agents))
	for _, a := range o.agents {
		out[a.ID()] = a.Mode()
	}
	return out
}

// GetSession returns a copy of the session record.
func (o *Orchestrator) GetSession() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// GetMessages returns the retained transcript.
func (o *Orchestrator) GetMessages() []types.Message {
	return o.b.Messages()
}

// On registers a notification callback and returns its unsubscriber.
func (o *Orchestrator) On(cb func(Notification)) func() {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.nextCbID++
	id := o.nextCbID
	o.callbacks[id] = cb
	return func() {
		o.cbMu.Lock()
		defer o.cbMu.Unlock()
		delete(o.callbacks, id)
	}
}

func (o *Orchestrator) notify(n Notification) {
	n.SessionID = o.config.SessionID
	o.cbMu.Lock()
	cbs := make([]func(Notification), 0, len(o.callbacks))
	for _, cb := range o.callbacks {
		cbs = append(cbs, cb)
	}
	o.cbMu.Unlock()
	for _, cb := range cbs {
		cb(n)
	}
}

// announcePhase logs and notifies a structural phase change. Must not
// be called while holding o.mu: callbacks may call back into getters.
func (o *Orchestrator) announcePhase(p Phase) {
	o.logger.Info("phase changed", zap.String("phase", string(p)))
	o.notify(Notification{Type: NotifyPhaseChange, Payload: p})
}

// onMessage runs on the bus dispatcher goroutine. It feeds the
// consensus tracker and the mode controller, and triggers the research
// flow for detected research requests.
func (o *Orchestrator) onMessage(_ string, payload any) {
	msg, ok := payload.(types.Message)
	if !ok {
		return
	}

	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()
	if tracker != nil {
		tracker.Observe(msg)
	}
	o.notify(Notification{Type: NotifyMessage, Payload: msg})

	if msg.SenderID == types.SenderSystem {
		return
	}

	if o.researcher != nil {
		if topic, wants := phase.IsResearchRequest(msg.Content); wants {
			o.startResearch(topic)
		}
	}

	if o.modes != nil {
		for _, iv := range o.modes.ProcessMessage(msg) {
			o.applyIntervention(iv)
		}
	}
}

// applyIntervention turns a controller intervention into a system
// message, substituting template placeholders.
func (o *Orchestrator) applyIntervention(iv phase.Intervention) {
	data := map[string]string{"goal": o.config.Goal}
	for k, v := range iv.Data {
		data[k] = v
	}
	content := iv.Template
	for k, v := range data {
		content = strings.ReplaceAll(content, "{"+k+"}", v)
	}

	msg := types.NewSystemMessage(content).WithMetadata("intervention", string(iv.Type))
	o.b.AddMessage(msg)
	o.notify(Notification{Type: NotifyIntervention, Payload: iv})
	o.logger.Info("intervention applied", zap.String("type", string(iv.Type)))

	if iv.Type == phase.InterventionForceSynthesis {
		result := o.TransitionToSynthesis(true)
		if !result.Success {
			o.logger.Warn("forced synthesis transition refused", zap.String("message", result.Message))
		}
	}
}

// startResearch launches the cooperative research flow: pause the bus,
// run the query, post the result, resume. One request at a time.
func (o *Orchestrator) startResearch(topic string) {
	o.mu.Lock()
	if o.researching || o.session.Status != StatusActive {
		o.mu.Unlock()
		return
	}
	o.researching = true
	ctx := o.ctx
	eg := o.eg
	o.mu.Unlock()

	eg.Go(func() error {
		defer func() {
			o.mu.Lock()
			o.researching = false
			o.mu.Unlock()
		}()

		if err := o.Pause("research: " + topic); err != nil {
			return nil
		}
		content, err := o.researcher.Research(ctx, topic)
		if resumeErr := o.Resume(); resumeErr != nil {
			return nil
		}
		if err != nil {
			o.b.AddMessage(types.NewSystemMessage(
				fmt.Sprintf("Research on %q failed: %v. Continue with what is known.", topic, err)))
			o.notify(Notification{Type: NotifyError, Payload: err})
			return nil
		}
		o.b.AddMessage(types.NewMessage(types.SenderSystem, types.KindResearchResult, content).
			WithMetadata("topic", topic))
		return nil
	})
}

func (o *Orchestrator) onFloorEvent(event string, payload any) {
	o.notify(Notification{Type: NotifyFloor, Payload: map[string]any{"event": event, "detail": payload}})
}

func (o *Orchestrator) onAgentState(_ string, payload any) {
	o.notify(Notification{Type: NotifyAgentState, Payload: payload})
}

func (o *Orchestrator) onError(_ string, payload any) {
	o.notify(Notification{Type: NotifyError, Payload: payload})
}

// scheduleCheckpointLocked starts the periodic synthesis checkpoint.
// Caller holds o.mu.
func (o *Orchestrator) scheduleCheckpointLocked() {
	o.stopCheckpointLocked()
	o.checkpoint = o.clk.AfterFunc(o.config.SynthesisCheckpoint, o.checkpointTick)
}

func (o *Orchestrator) stopCheckpointLocked() {
	if o.checkpoint != nil {
		o.checkpoint.Stop()
		o.checkpoint = nil
	}
}

// checkpointTick nudges the session toward synthesis when consensus
// looks ready but the structural phase has not caught up.
func (o *Orchestrator) checkpointTick() {
	o.mu.Lock()
	if o.session.Status != StatusActive {
		o.mu.Unlock()
		return
	}
	tracker := o.tracker
	beforeSynthesis := o.session.Phase == PhaseBrainstorming || o.session.Phase == PhaseArgumentation
	o.scheduleCheckpointLocked()
	o.mu.Unlock()

	if tracker == nil || !beforeSynthesis {
		return
	}
	if status := tracker.Status(); status.Ready {
		o.b.AddMessage(types.NewSystemMessage(
			"Consensus checkpoint: agreement looks sufficient. Consider moving to synthesis."))
	}
}

// leastActive picks the enabled participant with the fewest
// contributions, breaking ties alphabetically.
func (o *Orchestrator) leastActive(counts map[string]int) string {
	ids := o.enabledIDs()
	sort.Strings(ids)
	best := ids[0]
	for _, id := range ids[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return best
}
