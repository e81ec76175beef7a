// Package engine implements the RefillPipe conversation core.
//
// This file implements the workflow state machine: a declared table of
// guarded transitions evaluated in declaration order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// Guard is a pure predicate over a session's slots. A nil guard always
// passes. Guards must not mutate the session or consult anything outside
// it, so transition selection stays deterministic.
type Guard func(s *models.Session) bool

// Transition is one guarded edge of the workflow graph.
type Transition struct {
	From    models.WorkflowState
	Trigger models.Trigger
	Guard   Guard
	To      models.WorkflowState

	// Reset discards the accumulated slots and last error on arrival, so
	// the target state begins a clean workflow. Set on restart edges:
	// nothing from an aborted run (medication, verdict, tried pharmacies)
	// may leak into the next one.
	Reset bool
}

// Machine holds the workflow transition table and applies transitions to
// stored sessions. For a given (state, trigger) pair the first transition
// whose guard passes fires; later matches are never consulted.
type Machine struct {
	store       store.SessionStore
	transitions []Transition
}

// NewMachine creates a state machine over the given session store using the
// standard refill transition table.
func NewMachine(st store.SessionStore) *Machine {
	return &Machine{store: st, transitions: refillTransitions()}
}

// NewMachineWithTable creates a state machine with a custom transition
// table. Used by tests that exercise guard ordering directly.
func NewMachineWithTable(st store.SessionStore, table []Transition) *Machine {
	return &Machine{store: st, transitions: table}
}

// Transition applies the patch to the session's slots, selects the first
// matching guarded edge for (state, trigger), and persists the result.
//
// The patch is applied to a working copy before guard evaluation so guards
// can inspect the data that justifies the transition. Nothing is persisted
// unless an edge fires: on ErrNoValidTransition the stored session is
// untouched and the caller is expected to ask a clarifying question.
func (m *Machine) Transition(ctx context.Context, sessionID string, trigger models.Trigger, patch models.SlotPatch) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess == nil {
		slog.Debug("Machine.Transition: session not found", "sessionID", sessionID, "trigger", trigger)
		return nil, ErrSessionNotFound
	}

	// Work on a copy; the stored session must not observe a half-applied turn.
	working := sess.Clone()
	working.Slots.Apply(patch)

	edge, ok := m.selectTransition(working, trigger)
	if !ok {
		slog.Info("Machine.Transition: no valid transition",
			"sessionID", sessionID, "state", sess.State, "trigger", trigger)
		return sess, ErrNoValidTransition
	}

	from := working.State
	working.State = edge.To
	// A successful transition clears the last failure unless the patch
	// itself carries one (forced error transitions).
	working.LastError = patch.LastError
	if edge.Reset {
		working.Slots = models.Slots{}
		working.LastError = ""
	}
	working.UpdatedAt = time.Now().UTC()
	working.AppendHistory(models.SpeakerSystem,
		fmt.Sprintf("transition: %s --%s--> %s", from, trigger, edge.To))

	if err := m.store.SaveSession(ctx, working); err != nil {
		return nil, fmt.Errorf("failed to persist session %s: %w", sessionID, err)
	}
	slog.Debug("Machine.Transition: applied",
		"sessionID", sessionID, "from", from, "trigger", trigger, "to", edge.To)
	return working, nil
}

// selectTransition returns the first matching edge. TriggerError is total:
// even without an explicit row it lands in Error, so the machine can always
// escape rather than hang.
func (m *Machine) selectTransition(s *models.Session, trigger models.Trigger) (Transition, bool) {
	for _, t := range m.transitions {
		if t.From != s.State || t.Trigger != trigger {
			continue
		}
		if t.Guard != nil && !t.Guard(s) {
			continue
		}
		return t, true
	}
	if trigger == models.TriggerError {
		return Transition{From: s.State, Trigger: trigger, To: models.StateError}, true
	}
	return Transition{}, false
}

// TriggersFrom lists the triggers with at least one edge out of the state.
// Used for telemetry and for rendering clarification prompts.
func (m *Machine) TriggersFrom(state models.WorkflowState) []models.Trigger {
	seen := make(map[models.Trigger]bool)
	var out []models.Trigger
	for _, t := range m.transitions {
		if t.From == state && !seen[t.Trigger] {
			seen[t.Trigger] = true
			out = append(out, t.Trigger)
		}
	}
	return out
}
