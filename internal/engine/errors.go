// Package engine implements the RefillPipe conversation orchestration core:
// the workflow state machine, the escalation policy, the capability
// dispatcher, and the per-turn orchestrator that drives them.
package engine

import "errors"

// Sentinel errors for the conversation engine. None of these are fatal to
// the process; each maps to a local recovery path in the orchestrator.
var (
	// ErrSessionNotFound is returned by the state machine when a non-start
	// trigger references an unknown session. The orchestrator recovers by
	// transparently creating a fresh session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoValidTransition means the trigger has no guard-satisfying edge
	// from the current state. The session is left untouched and the user
	// gets a clarifying question, not a failure.
	ErrNoValidTransition = errors.New("no valid transition")

	// ErrCapabilityUnavailable means a capability failed with no usable
	// fallback data; the turn is forced onto the error trigger.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrEmptyUtterance is a validation error for blank input, recovered
	// by re-prompting.
	ErrEmptyUtterance = errors.New("utterance must not be empty")
)
