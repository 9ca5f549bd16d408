package phase

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quorumkit/quorum/types"
)

// ExitCriteria are the structured conditions under which a phase is done
// before its message budget runs out.
type ExitCriteria struct {
	MinProposals        int      `json:"min_proposals" yaml:"min_proposals"`
	MinConsensusPoints  int      `json:"min_consensus_points" yaml:"min_consensus_points"`
	MinResearchRequests int      `json:"min_research_requests" yaml:"min_research_requests"`
	RequiredOutputs     []string `json:"required_outputs" yaml:"required_outputs"`
}

// Phase is one ordered node of the content-focus state machine.
type Phase struct {
	ID            string        `json:"id" yaml:"id"`
	Focus         string        `json:"focus" yaml:"focus"`
	MaxMessages   int           `json:"max_messages" yaml:"max_messages"`
	AutoAdvance   bool          `json:"auto_advance" yaml:"auto_advance"`
	SynthesisLike bool          `json:"synthesis_like" yaml:"synthesis_like"`
	Exit          *ExitCriteria `json:"exit,omitempty" yaml:"exit,omitempty"`
}

// ResearchBudget caps research requests.
type ResearchBudget struct {
	MaxGlobal          int `json:"max_global" yaml:"max_global"`
	MaxPerTopic        int `json:"max_per_topic" yaml:"max_per_topic"`
	MinBeforeSynthesis int `json:"min_before_synthesis" yaml:"min_before_synthesis"`
}

// LoopConfig parameterizes loop detection.
type LoopConfig struct {
	WindowSize               int `json:"window_size" yaml:"window_size"`
	DuplicateThreshold       int `json:"duplicate_threshold" yaml:"duplicate_threshold"`
	MaxRoundsWithoutProgress int `json:"max_rounds_without_progress" yaml:"max_rounds_without_progress"`
	MessagesPerRound         int `json:"messages_per_round" yaml:"messages_per_round"`
}

// SuccessCriteria decide when the session has achieved its goal.
type SuccessCriteria struct {
	MinConsensusPoints int      `json:"min_consensus_points" yaml:"min_consensus_points"`
	RequiredOutputs    []string `json:"required_outputs" yaml:"required_outputs"`
	MaxTotalMessages   int      `json:"max_total_messages" yaml:"max_total_messages"`
}

// Config is the full mode configuration.
type Config struct {
	Phases               []Phase         `json:"phases" yaml:"phases"`
	GoalReminderInterval int             `json:"goal_reminder_interval" yaml:"goal_reminder_interval"`
	Research             ResearchBudget  `json:"research" yaml:"research"`
	Loop                 LoopConfig      `json:"loop" yaml:"loop"`
	Success              SuccessCriteria `json:"success" yaml:"success"`
}

// DefaultConfig returns the standard deliberation mode.
func DefaultConfig() Config {
	return Config{
		Phases: []Phase{
			{ID: "discovery", Focus: "explore the problem space and surface constraints", MaxMessages: 20, AutoAdvance: true,
				Exit: &ExitCriteria{MinProposals: 2}},
			{ID: "debate", Focus: "challenge proposals and argue trade-offs", MaxMessages: 30, AutoAdvance: true,
				Exit: &ExitCriteria{MinProposals: 3, MinConsensusPoints: 2}},
			{ID: "synthesis", Focus: "converge on shared conclusions", MaxMessages: 20, AutoAdvance: true, SynthesisLike: true,
				Exit: &ExitCriteria{MinConsensusPoints: 3}},
			{ID: "drafting", Focus: "produce the agreed output sections", MaxMessages: 25, AutoAdvance: true,
				Exit: &ExitCriteria{RequiredOutputs: []string{"headline", "body"}}},
			{ID: "finalization", Focus: "polish and confirm the final output", MaxMessages: 15, AutoAdvance: false},
		},
		GoalReminderInterval: 10,
		Research: ResearchBudget{
			MaxGlobal:   10,
			MaxPerTopic: 3,
		},
		Loop: LoopConfig{
			WindowSize:               10,
			DuplicateThreshold:       3,
			MaxRoundsWithoutProgress: 5,
			MessagesPerRound:         4,
		},
		Success: SuccessCriteria{
			MinConsensusPoints: 3,
			MaxTotalMessages:   120,
		},
	}
}

// InterventionType discriminates controller interventions.
type InterventionType string

const (
	InterventionGoalReminder    InterventionType = "goal_reminder"
	InterventionLoopDetected    InterventionType = "loop_detected"
	InterventionResearchLimit   InterventionType = "research_limit"
	InterventionPhaseTransition InterventionType = "phase_transition"
	InterventionForceSynthesis  InterventionType = "force_synthesis"
	InterventionSuccessCheck    InterventionType = "success_check"
)

// Intervention is a structured notice returned to the orchestrator. The
// template carries {placeholder} markers the orchestrator substitutes
// from Data plus session-level values such as {goal}.
type Intervention struct {
	Type     InterventionType  `json:"type"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

// Intervention templates. Placeholders are substituted by the caller.
const (
	goalReminderTemplate    = "Reminder: the goal of this session is {goal}. Current focus: {focus}."
	loopDetectedTemplate    = "The discussion is circling without progress. Drop repeated points, address open proposals directly, and move toward {focus}."
	researchLimitTemplate   = "Research budget reached ({detail}). Continue with the information already gathered."
	phaseTransitionTemplate = "Entering phase {phase}. Focus: {focus}."
	forceSynthesisTemplate  = "Message limit reached without synthesis. Summarize positions and state your final conclusions now."
	successCheckTemplate    = "Success criteria met: {detail}. Confirm the outcome and wrap up."
)

// Progress is a snapshot of the controller's mutable record.
type Progress struct {
	PhaseID           string         `json:"phase_id"`
	PhaseIndex        int            `json:"phase_index"`
	MessagesInPhase   int            `json:"messages_in_phase"`
	TotalMessages     int            `json:"total_messages"`
	ResearchRequests  int            `json:"research_requests"`
	ResearchByTopic   map[string]int `json:"research_by_topic,omitempty"`
	ConsensusPoints   int            `json:"consensus_points"`
	ProposalCount     int            `json:"proposal_count"`
	LastProgressIndex int            `json:"last_progress_index"`
	LoopDetected      bool           `json:"loop_detected"`
	OutputsProduced   []string       `json:"outputs_produced,omitempty"`
}

// researchRe matches explicit research requests in message text.
var researchRe = regexp.MustCompile(`(?i)\b(?:research|look up|investigate|find (?:data|sources)|search for)\b\s*(?::?\s*([a-zA-Z][a-zA-Z0-9 _-]{2,40}))?`)

// outputSignatures map an output kind to keyword markers that indicate
// the section has been produced.
var outputSignatures = map[string][]string{
	"headline":       {"headline:", "# headline", "proposed headline"},
	"body":           {"body:", "# body", "draft body"},
	"call_to_action": {"call to action:", "cta:", "# call to action"},
}

// Controller is the mode/phase state machine. One instance per session.
type Controller struct {
	mu     sync.Mutex
	config Config

	phaseIndex      int
	messagesInPhase int
	totalMessages   int

	researchCount   int
	researchByTopic map[string]int

	consensusPoints   int
	proposalCount     int
	lastProgressIndex int

	fingerprints []string
	loopDetected bool

	outputs               map[string]bool
	synthesisEntered      bool
	forceSynthesisEmitted bool
	successEmitted        bool

	logger *zap.Logger
}

// New creates a controller.
func New(config Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if len(config.Phases) == 0 {
		config.Phases = def.Phases
	}
	if config.GoalReminderInterval <= 0 {
		config.GoalReminderInterval = def.GoalReminderInterval
	}
	if config.Loop.WindowSize <= 0 {
		config.Loop = def.Loop
	}
	if config.Success.MaxTotalMessages <= 0 {
		config.Success.MaxTotalMessages = def.Success.MaxTotalMessages
	}
	c := &Controller{
		config:          config,
		researchByTopic: make(map[string]int),
		outputs:         make(map[string]bool),
		logger:          logger.With(zap.String("component", "phase")),
	}
	if c.config.Phases[0].SynthesisLike {
		c.synthesisEntered = true
	}
	return c
}

// CurrentPhase returns the active phase.
func (c *Controller) CurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Phases[c.phaseIndex]
}

// Progress returns a snapshot of the phase record.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make(map[string]int, len(c.researchByTopic))
	for k, v := range c.researchByTopic {
		topics[k] = v
	}
	outputs := make([]string, 0, len(c.outputs))
	for k := range c.outputs {
		outputs = append(outputs, k)
	}
	return Progress{
		PhaseID:           c.config.Phases[c.phaseIndex].ID,
		PhaseIndex:        c.phaseIndex,
		MessagesInPhase:   c.messagesInPhase,
		TotalMessages:     c.totalMessages,
		ResearchRequests:  c.researchCount,
		ResearchByTopic:   topics,
		ConsensusPoints:   c.consensusPoints,
		ProposalCount:     c.proposalCount,
		LastProgressIndex: c.lastProgressIndex,
		LoopDetected:      c.loopDetected,
		OutputsProduced:   outputs,
	}
}

// ProcessMessage updates the phase record from one message and returns
// any interventions the orchestrator should act on.
func (c *Controller) ProcessMessage(msg types.Message) []Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()

	var interventions []Intervention

	c.totalMessages++
	c.messagesInPhase++
	c.pushFingerprintLocked(Fingerprint(msg.Content))

	if iv := c.trackResearchLocked(msg); iv != nil {
		interventions = append(interventions, *iv)
	}

	switch msg.Kind {
	case types.KindProposal:
		c.proposalCount++
		c.markProgressLocked()
	case types.KindAgreement, types.KindSynthesis:
		if msg.Kind == types.KindAgreement {
			c.consensusPoints++
		}
		c.markProgressLocked()
	}

	c.scanOutputsLocked(msg.Content)

	if c.totalMessages%c.config.GoalReminderInterval == 0 {
		interventions = append(interventions, Intervention{
			Type:     InterventionGoalReminder,
			Template: goalReminderTemplate,
			Data:     map[string]string{"focus": c.config.Phases[c.phaseIndex].Focus},
		})
	}

	if iv := c.detectLoopLocked(); iv != nil {
		interventions = append(interventions, *iv)
	}

	if iv := c.maybeAdvanceLocked(); iv != nil {
		interventions = append(interventions, *iv)
	}

	if !c.synthesisEntered && !c.forceSynthesisEmitted &&
		c.totalMessages >= c.config.Success.MaxTotalMessages {
		c.forceSynthesisEmitted = true
		interventions = append(interventions, Intervention{
			Type:     InterventionForceSynthesis,
			Template: forceSynthesisTemplate,
		})
	}

	if iv := c.checkSuccessLocked(); iv != nil {
		interventions = append(interventions, *iv)
	}

	return interventions
}

func (c *Controller) markProgressLocked() {
	c.lastProgressIndex = c.totalMessages
	c.loopDetected = false
}

func (c *Controller) pushFingerprintLocked(fp string) {
	c.fingerprints = append(c.fingerprints, fp)
	if len(c.fingerprints) > c.config.Loop.WindowSize {
		c.fingerprints = c.fingerprints[len(c.fingerprints)-c.config.Loop.WindowSize:]
	}
}

// trackResearchLocked counts research requests and reports budget
// violations.
func (c *Controller) trackResearchLocked(msg types.Message) *Intervention {
	if msg.SenderID == types.SenderSystem {
		return nil
	}
	m := researchRe.FindStringSubmatch(msg.Content)
	if m == nil {
		return nil
	}

	c.researchCount++
	topic := strings.TrimSpace(strings.ToLower(m[1]))
	if topic != "" {
		c.researchByTopic[topic]++
	}

	if c.researchCount > c.config.Research.MaxGlobal && c.config.Research.MaxGlobal > 0 {
		return &Intervention{
			Type:     InterventionResearchLimit,
			Template: researchLimitTemplate,
			Data:     map[string]string{"detail": "global research cap exhausted"},
		}
	}
	if topic != "" && c.config.Research.MaxPerTopic > 0 &&
		c.researchByTopic[topic] > c.config.Research.MaxPerTopic {
		return &Intervention{
			Type:     InterventionResearchLimit,
			Template: researchLimitTemplate,
			Data:     map[string]string{"detail": "topic cap exhausted: " + topic, "topic": topic},
		}
	}
	return nil
}

// scanOutputsLocked marks output kinds whose keyword signature appears.
func (c *Controller) scanOutputsLocked(content string) {
	lower := strings.ToLower(content)
	for kind, markers := range outputSignatures {
		if c.outputs[kind] {
			continue
		}
		for _, marker := range markers {
			if strings.Contains(lower, marker) {
				c.outputs[kind] = true
				break
			}
		}
	}
}

// detectLoopLocked fires once per newly detected loop: either a
// fingerprint repeats past the duplicate threshold within the window,
// or too many messages pass without measurable progress.
func (c *Controller) detectLoopLocked() *Intervention {
	if c.loopDetected {
		return nil
	}

	counts := make(map[string]int, len(c.fingerprints))
	duplicated := false
	for _, fp := range c.fingerprints {
		if fp == "" {
			continue
		}
		counts[fp]++
		if counts[fp] >= c.config.Loop.DuplicateThreshold {
			duplicated = true
			break
		}
	}

	stalled := c.totalMessages-c.lastProgressIndex >
		c.config.Loop.MaxRoundsWithoutProgress*c.config.Loop.MessagesPerRound

	if !duplicated && !stalled {
		return nil
	}

	c.loopDetected = true
	reason := "repetition"
	if stalled && !duplicated {
		reason = "stalled"
	}
	c.logger.Info("loop detected", zap.String("reason", reason), zap.Int("total", c.totalMessages))
	return &Intervention{
		Type:     InterventionLoopDetected,
		Template: loopDetectedTemplate,
		Data: map[string]string{
			"reason": reason,
			"focus":  c.config.Phases[c.phaseIndex].Focus,
		},
	}
}

// maybeAdvanceLocked advances an auto-advance phase whose budget is
// exhausted or whose exit criteria are satisfied. A synthesis-like next
// phase blocks behind the minimum-research requirement.
func (c *Controller) maybeAdvanceLocked() *Intervention {
	current := c.config.Phases[c.phaseIndex]
	if !current.AutoAdvance || c.phaseIndex+1 >= len(c.config.Phases) {
		return nil
	}
	if c.messagesInPhase < current.MaxMessages && !c.exitSatisfiedLocked(current.Exit) {
		return nil
	}

	next := c.config.Phases[c.phaseIndex+1]
	if next.SynthesisLike && c.researchCount < c.config.Research.MinBeforeSynthesis {
		return &Intervention{
			Type:     InterventionResearchLimit,
			Template: researchLimitTemplate,
			Data:     map[string]string{"detail": "minimum research before synthesis not met"},
		}
	}

	c.phaseIndex++
	c.messagesInPhase = 0
	if next.SynthesisLike {
		c.synthesisEntered = true
	}
	c.logger.Info("phase advanced", zap.String("phase", next.ID))
	return &Intervention{
		Type:     InterventionPhaseTransition,
		Template: phaseTransitionTemplate,
		Data:     map[string]string{"phase": next.ID, "focus": next.Focus},
	}
}

func (c *Controller) exitSatisfiedLocked(exit *ExitCriteria) bool {
	if exit == nil {
		return false
	}
	if c.proposalCount < exit.MinProposals {
		return false
	}
	if c.consensusPoints < exit.MinConsensusPoints {
		return false
	}
	if c.researchCount < exit.MinResearchRequests {
		return false
	}
	for _, out := range exit.RequiredOutputs {
		if !c.outputs[out] {
			return false
		}
	}
	return true
}

// checkSuccessLocked emits a one-shot success notice once all success
// criteria hold.
func (c *Controller) checkSuccessLocked() *Intervention {
	if c.successEmitted {
		return nil
	}
	s := c.config.Success
	if c.consensusPoints < s.MinConsensusPoints {
		return nil
	}
	for _, out := range s.RequiredOutputs {
		if !c.outputs[out] {
			return nil
		}
	}

	c.successEmitted = true
	return &Intervention{
		Type:     InterventionSuccessCheck,
		Template: successCheckTemplate,
		Data: map[string]string{
			"detail": strings.Join(append([]string{"consensus reached"}, s.RequiredOutputs...), ", "),
		},
	}
}

// Reset returns the controller to its initial state for a new session.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseIndex = 0
	c.messagesInPhase = 0
	c.totalMessages = 0
	c.researchCount = 0
	c.researchByTopic = make(map[string]int)
	c.consensusPoints = 0
	c.proposalCount = 0
	c.lastProgressIndex = 0
	c.fingerprints = nil
	c.loopDetected = false
	c.outputs = make(map[string]bool)
	c.synthesisEntered = c.config.Phases[0].SynthesisLike
	c.forceSynthesisEmitted = false
	c.successEmitted = false
}

// IsResearchRequest reports whether content matches the research-request
// pattern; the orchestrator uses it to trigger the research flow.
func IsResearchRequest(content string) (topic string, ok bool) {
	m := researchRe.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(strings.ToLower(m[1])), true
}
