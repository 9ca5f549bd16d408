package types

import (
	"time"
)

// MessageKind classifies a deliberation message.
type MessageKind string

const (
	KindArgument       MessageKind = "argument"
	KindQuestion       MessageKind = "question"
	KindProposal       MessageKind = "proposal"
	KindAgreement      MessageKind = "agreement"
	KindDisagreement   MessageKind = "disagreement"
	KindSynthesis      MessageKind = "synthesis"
	KindSystem         MessageKind = "system"
	KindHumanInput     MessageKind = "human_input"
	KindResearchResult MessageKind = "research_result"
)

// Reserved sender ids. Participant ids must not collide with these.
const (
	SenderSystem = "system"
	SenderHuman  = "human"
)

// Message is a single deliberation message. Immutable once created:
// the bus owns it after append and it is only ever read afterwards.
type Message struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	SenderID  string            `json:"sender_id"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message with the given sender, kind, and content.
func NewMessage(senderID string, kind MessageKind, content string) Message {
	return Message{
		SenderID:  senderID,
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a message from the reserved system sender.
func NewSystemMessage(content string) Message {
	return NewMessage(SenderSystem, KindSystem, content)
}

// NewHumanMessage creates a message from the reserved human sender.
func NewHumanMessage(content string) Message {
	return NewMessage(SenderHuman, KindHumanInput, content)
}

// WithMetadata returns a copy of the message with one metadata entry
// set, without mutating the receiver's map.
func (m Message) WithMetadata(key, value string) Message {
	meta := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// IsParticipant reports whether the message came from a regular participant
// rather than a reserved sender.
func (m Message) IsParticipant() bool {
	return m.SenderID != SenderSystem && m.SenderID != SenderHuman
}
