package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// scriptedInterpreter returns pre-programmed interpretations in order.
// Turns beyond the script come back as unknown.
type scriptedInterpreter struct {
	steps []models.Interpretation
	i     int
}

func (s *scriptedInterpreter) Interpret(ctx context.Context, sess *models.Session, utterance string) (models.Interpretation, error) {
	if s.i >= len(s.steps) {
		return models.Interpretation{Trigger: models.TriggerUnknown}, nil
	}
	step := s.steps[s.i]
	s.i++
	return step, nil
}

// sessionKeyedInterpreter returns one fixed interpretation per session ID,
// so concurrent turns on distinct sessions stay deterministic. Unknown
// sessions come back as unknown.
type sessionKeyedInterpreter map[string]models.Interpretation

func (m sessionKeyedInterpreter) Interpret(ctx context.Context, sess *models.Session, utterance string) (models.Interpretation, error) {
	if interp, ok := m[sess.ID]; ok {
		return interp, nil
	}
	return models.Interpretation{Trigger: models.TriggerUnknown}, nil
}

// echoRenderer produces a deterministic reply that encodes the render
// context, so tests can assert on what the engine asked for.
type echoRenderer struct{}

func (echoRenderer) Render(ctx context.Context, s *models.Session, rc RenderContext) (string, error) {
	parts := []string{"state=" + string(s.State)}
	if rc.Clarify {
		parts = append(parts, "clarify")
	}
	for _, d := range rc.Disclosures {
		parts = append(parts, "note:"+d)
	}
	if rc.Verdict != nil && rc.Verdict.Required {
		parts = append(parts, fmt.Sprintf("escalate:%s:%s", rc.Verdict.Target, rc.Verdict.Reason))
	}
	return strings.Join(parts, " "), nil
}

// staticCap registers a capability that always succeeds with fixed data.
func staticCap(t *testing.T, reg *Registry, name string, write bool, data map[string]interface{}) {
	t.Helper()
	err := reg.Register(Capability{
		Name:  name,
		Write: write,
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return data, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", name, err)
	}
}

// medicationData builds a lookup payload for a resolved medication.
func medicationData(rec models.MedicationRecord) map[string]interface{} {
	return map[string]interface{}{
		"found":      true,
		"ambiguous":  false,
		"medication": rec,
	}
}

// newHappyPathRegistry wires fake capabilities that let a refill run from
// start to completion without obstacles.
func newHappyPathRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, medicationData(models.MedicationRecord{
		Name: "lisinopril", Strength: "10 mg", Form: "tablet", RxNumber: "RX-1", RefillsRemaining: 3,
	}))
	staticCap(t, reg, CapDosageCheck, false, map[string]interface{}{
		"safe": true, "amount": "10 mg", "frequency": "once daily",
	})
	staticCap(t, reg, CapInsuranceAuthorization, false, map[string]interface{}{
		"plan": "BlueCross Standard", "covered": true, "prior_auth_required": false, "copay": 5.0,
	})
	staticCap(t, reg, CapPharmacySearch, false, map[string]interface{}{
		"pharmacies": []models.PharmacyOption{
			{ID: "ph-1", Name: "Central Pharmacy", InStock: true, Price: 8.49},
			{ID: "ph-2", Name: "Maple Pharmacy", InStock: true, Price: 9.99},
		},
	})
	staticCap(t, reg, CapSubmitOrder, true, map[string]interface{}{
		"order_id": "ord-1", "status": "received",
	})
	staticCap(t, reg, CapTrackOrder, false, map[string]interface{}{
		"order_id": "ord-1", "status": "received",
	})
	return reg
}

// newHappyPathRegistryWithPharmacies is the happy-path wiring with a
// custom pharmacy listing.
func newHappyPathRegistryWithPharmacies(t *testing.T, options []models.PharmacyOption) *Registry {
	t.Helper()
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, medicationData(models.MedicationRecord{
		Name: "lisinopril", Strength: "10 mg", Form: "tablet", RxNumber: "RX-1", RefillsRemaining: 3,
	}))
	staticCap(t, reg, CapDosageCheck, false, map[string]interface{}{
		"safe": true, "amount": "10 mg", "frequency": "once daily",
	})
	staticCap(t, reg, CapInsuranceAuthorization, false, map[string]interface{}{
		"plan": "BlueCross Standard", "covered": true, "prior_auth_required": false, "copay": 5.0,
	})
	staticCap(t, reg, CapPharmacySearch, false, map[string]interface{}{
		"pharmacies": options,
	})
	staticCap(t, reg, CapSubmitOrder, true, map[string]interface{}{
		"order_id": "ord-1", "status": "received",
	})
	return reg
}

// newTestEngine assembles an engine over an in-memory store.
func newTestEngine(t *testing.T, reg *Registry, steps []models.Interpretation) (*Engine, store.SessionStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	eng := New(st, reg, &scriptedInterpreter{steps: steps}, echoRenderer{})
	return eng, st
}

// turn runs one turn and fails the test on an engine error.
func turn(t *testing.T, eng *Engine, sessionID, patientID, text string) *models.TurnResult {
	t.Helper()
	res, err := eng.HandleMessage(context.Background(), sessionID, patientID, text)
	if err != nil {
		t.Fatalf("HandleMessage(%q) returned error: %v", text, err)
	}
	return res
}

// assertState fails the test unless the turn ended in the given state.
func assertState(t *testing.T, res *models.TurnResult, want models.WorkflowState) {
	t.Helper()
	if res.State != want {
		t.Fatalf("turn ended in state %s, want %s (reply: %q)", res.State, want, res.Reply)
	}
}
