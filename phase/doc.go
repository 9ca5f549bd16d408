// Package phase implements the deliberation mode controller: an ordered
// phase state machine with loop detection, research-budget enforcement,
// and forced-termination rules.
//
// The controller never touches the event bus. It consumes the message
// stream and returns interventions; the orchestrator substitutes
// template placeholders and injects them as system messages.
package phase
