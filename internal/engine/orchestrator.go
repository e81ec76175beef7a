// Package engine implements the RefillPipe conversation core.
//
// This file implements the conversation orchestrator: the top-level
// per-turn loop that interprets an utterance, applies the escalation
// policy, invokes capabilities, drives the state machine, and renders the
// reply. Data flows one way through a turn; nothing below this layer calls
// back into it.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// Interpreter is the language-understanding collaborator: given the session
// (for history and current state) and an utterance, it proposes a trigger
// and extracted slot text. Its output is untrusted; the engine re-parses
// the trigger against the known set.
type Interpreter interface {
	Interpret(ctx context.Context, s *models.Session, utterance string) (models.Interpretation, error)
}

// RenderContext carries everything the response renderer needs beyond the
// session itself.
type RenderContext struct {
	// Clarify asks for a clarification reply because the turn produced no
	// valid transition.
	Clarify bool
	// Disclosures are degradation notices that must be surfaced in the
	// reply (for example "using cached pricing").
	Disclosures []string
	// Verdict is set when the turn ended in an escalation.
	Verdict *models.EscalationVerdict
}

// Renderer is the response-rendering collaborator. Implementations must
// degrade to a templated reply rather than fail; an error return here is a
// last resort the engine answers with a generic apology.
type Renderer interface {
	Render(ctx context.Context, s *models.Session, rc RenderContext) (string, error)
}

// MetricsRecorder receives engine telemetry. All methods must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordTurn(state models.WorkflowState, d time.Duration)
	RecordEscalation(reason models.EscalationReason)
	RecordCapability(name string, provenance models.Provenance, success bool)
}

// Engine is the conversation orchestrator.
type Engine struct {
	store    store.SessionStore
	machine  *Machine
	registry *Registry
	interp   Interpreter
	renderer Renderer
	metrics  MetricsRecorder

	// Per-session locks serialize turns: turn n must finish before turn
	// n+1 on the same session is accepted. Distinct sessions proceed in
	// parallel. Entries are refcounted and evicted on last unlock, so the
	// map does not grow with every session the process has ever seen.
	lockMu sync.Mutex
	locks  map[string]*sessionLock
}

// sessionLock is a refcounted per-session mutex entry.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics recorder to the engine and its registry.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		e.metrics = m
		e.registry.SetMetrics(m)
	}
}

// New creates a conversation engine over the given store, capability
// registry, and language collaborators.
func New(st store.SessionStore, reg *Registry, interp Interpreter, renderer Renderer, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		machine:  NewMachine(st),
		registry: reg,
		interp:   interp,
		renderer: renderer,
		locks:    make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the engine's capability registry, used at startup to
// register providers and state declarations.
func (e *Engine) Registry() *Registry { return e.registry }

// lockSession acquires the per-session mutex and returns its unlock func.
// The unlock drops the map entry once no other turn is waiting on it.
func (e *Engine) lockSession(sessionID string) func() {
	e.lockMu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.lockMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, sessionID)
		}
		e.lockMu.Unlock()
	}
}

// HandleMessage processes one conversational turn. It is the sole entry
// point the presentation layer calls.
//
// The per-turn sequence: load (or create) the session, interpret the
// utterance, evaluate the escalation policy if a medication was mentioned,
// run the current state's handler (which invokes the relevant
// capabilities), apply the resulting transition, render the reply, and
// append both sides to the history. Escalation pre-empts everything: a
// required verdict transitions straight to Error without any further
// capability call this turn.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, patientID, text string) (*models.TurnResult, error) {
	start := time.Now()
	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.loadOrCreate(ctx, sessionID, patientID)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		// Empty input is a validation error recovered by re-prompting;
		// the session does not move.
		slog.Debug("Engine.HandleMessage: empty utterance", "sessionID", sessionID)
		reply := e.render(ctx, sess, RenderContext{Clarify: true})
		return e.finishTurn(ctx, sess, reply, nil, start)
	}

	sess.AppendHistory(models.SpeakerUser, text)
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	interp := e.interpret(ctx, sess, text)
	trigger := interp.Trigger
	patch := models.SlotPatch{}
	var trace []models.CapabilityResult
	var disclosures []string

	// Safety gate: any turn that resolves a concrete medication gets a
	// fresh escalation verdict before the workflow may use it.
	if interp.MedicationName != "" {
		rec, lookup := e.resolveMedication(ctx, sess, interp.MedicationName, &patch)
		trace = append(trace, lookup)
		if !lookup.Success {
			// History could not be consulted at all; refusing to guess,
			// the turn lands in Error rather than risking an unsafe fill.
			patch.LastError = "medication lookup unavailable: " + lookup.Error
			return e.errorTurn(ctx, sess, patch, trace, start)
		}
		if lookup.Degraded() {
			disclosures = append(disclosures, "medication history was checked against cached records")
		}
		if lookup.Bool("ambiguous") {
			// Several records match the name; the medication slot stays
			// empty and the turn becomes a clarification request.
			patch.Medication = nil
			interp.Trigger = models.TriggerAmbiguous
			trigger = models.TriggerAmbiguous
			if matches := lookup.String("matches"); matches != "" {
				disclosures = append(disclosures, "matching prescriptions: "+matches)
			}
		} else {
			verdict := e.evaluateVerdict(sess, &patch, rec)
			patch.Verdict = &verdict
			if verdict.Required {
				return e.escalateTurn(ctx, sess, patch, verdict, trace, start)
			}
		}
	}

	// Per-state handling refines the trigger and fills the patch through
	// capability calls.
	trigger, disclosures, trace, err = e.handleState(ctx, sess, interp, trigger, &patch, disclosures, trace)
	if err != nil {
		// A capability failed with no usable fallback: force the error
		// trigger so the session lands in a defined state.
		slog.Error("Engine.HandleMessage: state handler failed, forcing error transition",
			"sessionID", sessionID, "state", sess.State, "error", err)
		patch.LastError = err.Error()
		trigger = models.TriggerError
	}

	newSess, terr := e.machine.Transition(ctx, sessionID, trigger, patch)
	if terr == ErrNoValidTransition {
		// The interpreted trigger has no edge here; ask a clarifying
		// question and leave the session exactly where it was.
		reply := e.render(ctx, newSess, RenderContext{Clarify: true, Disclosures: disclosures})
		return e.finishTurn(ctx, newSess, reply, trace, start)
	}
	if terr != nil {
		return nil, terr
	}

	// Chain system-driven transitions (identification follow-through,
	// insurance authorization) so the user never has to prompt the
	// machine along. Bounded; a cycle here would be a table bug.
	for hops := 0; hops < maxAutoAdvance; hops++ {
		next, npatch, ndisc, ntrace, ok, aerr := e.autoAdvance(ctx, newSess)
		trace = append(trace, ntrace...)
		disclosures = append(disclosures, ndisc...)
		if aerr != nil {
			slog.Error("Engine.HandleMessage: auto-advance failed, forcing error transition",
				"sessionID", sessionID, "state", newSess.State, "error", aerr)
			npatch.LastError = aerr.Error()
			newSess, terr = e.machine.Transition(ctx, sessionID, models.TriggerError, npatch)
			if terr != nil {
				return nil, terr
			}
			break
		}
		if !ok {
			break
		}
		advanced, terr := e.machine.Transition(ctx, sessionID, next, npatch)
		if terr == ErrNoValidTransition {
			break
		}
		if terr != nil {
			return nil, terr
		}
		newSess = advanced
	}

	rc := RenderContext{Disclosures: disclosures}
	if newSess.State == models.StateError || newSess.State == models.StateEscalatePriorAuth {
		rc.Verdict = newSess.Slots.Verdict
	}
	reply := e.render(ctx, newSess, rc)
	return e.finishTurn(ctx, newSess, reply, trace, start)
}

// errorTurn forces the always-available error trigger and renders the
// generic failure reply with a restart option.
func (e *Engine) errorTurn(ctx context.Context, sess *models.Session, patch models.SlotPatch, trace []models.CapabilityResult, start time.Time) (*models.TurnResult, error) {
	newSess, err := e.machine.Transition(ctx, sess.ID, models.TriggerError, patch)
	if err != nil {
		return nil, err
	}
	reply := e.render(ctx, newSess, RenderContext{})
	return e.finishTurn(ctx, newSess, reply, trace, start)
}

// loadOrCreate fetches the session or transparently creates a fresh one at
// the start state. Expired and unknown sessions recover the same way.
func (e *Engine) loadOrCreate(ctx context.Context, sessionID, patientID string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		slog.Info("Engine.loadOrCreate: creating session", "sessionID", sessionID, "patientID", patientID)
		sess = models.NewSession(sessionID, patientID)
		if err := e.store.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// interpret asks the language collaborator for a structured reading of the
// utterance. Collaborator failure degrades to TriggerUnknown, which the
// machine answers with a clarification; it never fails the turn.
func (e *Engine) interpret(ctx context.Context, sess *models.Session, text string) models.Interpretation {
	interp, err := e.interp.Interpret(ctx, sess, text)
	if err != nil {
		slog.Warn("Engine.interpret: interpreter failed, treating as unknown",
			"sessionID", sess.ID, "error", err)
		return models.Interpretation{Trigger: models.TriggerUnknown}
	}
	interp.Trigger = models.ParseTrigger(string(interp.Trigger))
	return interp
}

// resolveMedication looks the mentioned medication up in the patient's
// history and fills the medication slot from the record when found.
func (e *Engine) resolveMedication(ctx context.Context, sess *models.Session, name string, patch *models.SlotPatch) (*models.MedicationRecord, models.CapabilityResult) {
	res := e.registry.Invoke(ctx, CapMedicationLookup, map[string]interface{}{
		"patient_id": sess.PatientID,
		"medication": name,
	})
	slot := &models.MedicationSlot{Name: strings.ToLower(strings.TrimSpace(name))}
	patch.Medication = slot

	if !res.Usable() || !res.Bool("found") {
		return nil, res
	}
	rec := decodeMedicationRecord(res.Data["medication"])
	if rec != nil {
		slot.Name = rec.Name
		slot.Strength = rec.Strength
		slot.Form = rec.Form
		slot.RxNumber = rec.RxNumber
	}
	return rec, res
}

// evaluateVerdict runs the escalation policy against the patched session,
// so the policy sees the medication this turn resolved.
func (e *Engine) evaluateVerdict(sess *models.Session, patch *models.SlotPatch, rec *models.MedicationRecord) models.EscalationVerdict {
	working := sess.Clone()
	working.Slots.Apply(*patch)
	verdict := EvaluateEscalation(working, rec)
	if verdict.Required && e.metrics != nil {
		e.metrics.RecordEscalation(verdict.Reason)
	}
	return verdict
}

// escalateTurn short-circuits the happy path: the verdict transitions the
// session to Error carrying the escalation, and no further capability runs
// this turn.
func (e *Engine) escalateTurn(ctx context.Context, sess *models.Session, patch models.SlotPatch, verdict models.EscalationVerdict, trace []models.CapabilityResult, start time.Time) (*models.TurnResult, error) {
	slog.Info("Engine.escalateTurn: escalation pre-empts workflow",
		"sessionID", sess.ID, "target", verdict.Target, "reason", verdict.Reason)
	newSess, err := e.machine.Transition(ctx, sess.ID, models.TriggerEscalate, patch)
	if err != nil {
		return nil, err
	}
	reply := e.render(ctx, newSess, RenderContext{Verdict: &verdict})
	return e.finishTurn(ctx, newSess, reply, trace, start)
}

// render produces the reply text, with a generic apology as the engine's
// own last-resort fallback if the renderer errors out.
func (e *Engine) render(ctx context.Context, sess *models.Session, rc RenderContext) string {
	reply, err := e.renderer.Render(ctx, sess, rc)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Engine.render: renderer failed, using generic reply",
			"sessionID", sess.ID, "error", err)
		if rc.Verdict != nil && rc.Verdict.HumanMessage != "" {
			return rc.Verdict.HumanMessage
		}
		return "Sorry, something went wrong on my end. You can say \"restart\" to begin again."
	}
	return reply
}

// finishTurn appends the reply to history, persists the session, records
// telemetry, and assembles the turn result.
func (e *Engine) finishTurn(ctx context.Context, sess *models.Session, reply string, trace []models.CapabilityResult, start time.Time) (*models.TurnResult, error) {
	sess.AppendHistory(models.SpeakerAssistant, reply)
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordTurn(sess.State, time.Since(start))
	}
	slog.Info("Engine.finishTurn: turn complete",
		"sessionID", sess.ID, "state", sess.State, "traceLen", len(trace))
	return &models.TurnResult{
		Reply:     reply,
		State:     sess.State,
		Slots:     sess.Slots,
		ToolTrace: trace,
	}, nil
}

// decodeMedicationRecord converts the loosely-typed capability payload into
// a MedicationRecord via a JSON round trip.
func decodeMedicationRecord(v interface{}) *models.MedicationRecord {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var rec models.MedicationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	if rec.Name == "" {
		return nil
	}
	return &rec
}
