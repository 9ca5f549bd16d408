package types

// Urgency is the priority tier attached to a floor request.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Rank returns the numeric rank of the urgency; lower sorts first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 0
	case UrgencyMedium:
		return 1
	default:
		return 2
	}
}

// DenyReason explains why a floor request was denied.
type DenyReason string

const (
	DenyCooldown  DenyReason = "cooldown"
	DenyQueueFull DenyReason = "queue_full"
	DenyInactive  DenyReason = "inactive"
)

// ParticipantMode is the state of a participant listener.
type ParticipantMode string

const (
	ModeListening       ParticipantMode = "listening"
	ModeThinking        ParticipantMode = "thinking"
	ModeWaitingForFloor ParticipantMode = "waiting_for_floor"
	ModeSpeaking        ParticipantMode = "speaking"
)
