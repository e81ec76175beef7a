package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

func TestHandleMessageHappyPath(t *testing.T) {
	reg := newHappyPathRegistry(t)
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown, DosageText: "10 mg once daily"},
		{Trigger: models.TriggerUnknown, PharmacyText: "central"},
		{Trigger: models.TriggerConfirmed},
	})

	res := turn(t, eng, "sess-1", "patient-001", "I need a refill of my lisinopril")
	assertState(t, res, models.StateConfirmDosage)
	if res.Slots.Medication == nil || res.Slots.Medication.Name != "lisinopril" {
		t.Fatalf("medication slot = %+v, want lisinopril", res.Slots.Medication)
	}
	if len(res.ToolTrace) == 0 {
		t.Errorf("turn resolved a medication without a tool trace")
	}

	res = turn(t, eng, "sess-1", "patient-001", "10 mg once daily")
	assertState(t, res, models.StateSelectPharmacy)
	if res.Slots.Dosage == nil || !res.Slots.Dosage.Safe {
		t.Fatalf("dosage slot = %+v, want safe", res.Slots.Dosage)
	}
	if res.Slots.Insurance == nil || !res.Slots.Insurance.Covered {
		t.Fatalf("authorization did not auto-advance, insurance slot = %+v", res.Slots.Insurance)
	}

	res = turn(t, eng, "sess-1", "patient-001", "Central Pharmacy works")
	assertState(t, res, models.StateConfirmOrder)
	if res.Slots.Pharmacy == nil || res.Slots.Pharmacy.Name != "Central Pharmacy" {
		t.Fatalf("pharmacy slot = %+v, want Central Pharmacy", res.Slots.Pharmacy)
	}

	res = turn(t, eng, "sess-1", "patient-001", "yes, order it")
	assertState(t, res, models.StateComplete)
	if res.Slots.Order == nil || res.Slots.Order.ID != "ord-1" {
		t.Fatalf("order slot = %+v, want ord-1", res.Slots.Order)
	}
	if res.Slots.Order.IdempotencyKey == "" {
		t.Errorf("submitted order has no idempotency key")
	}
}

func TestHandleMessageControlledSubstanceEscalates(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, medicationData(models.MedicationRecord{
		Name: "lorazepam", ControlledSubstance: true, RefillsRemaining: 2,
	}))
	submitted := false
	if err := reg.Register(Capability{
		Name:  CapSubmitOrder,
		Write: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			submitted = true
			return map[string]interface{}{"order_id": "ord-x"}, nil
		},
	}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lorazepam"},
	})

	res := turn(t, eng, "sess-1", "patient-001", "refill my lorazepam please")
	assertState(t, res, models.StateError)
	if !strings.Contains(res.Reply, "escalate:doctor:controlled_substance") {
		t.Errorf("reply %q does not carry the doctor escalation", res.Reply)
	}
	if submitted {
		t.Errorf("order submission ran on an escalated turn")
	}
	if res.Slots.Verdict == nil || res.Slots.Verdict.Target != models.EscalationTargetDoctor {
		t.Errorf("verdict = %+v, want doctor", res.Slots.Verdict)
	}
}

func TestHandleMessageUnknownMedicationEscalatesToPharmacist(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, map[string]interface{}{
		"found": false, "ambiguous": false,
	})
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "hydrocodone"},
	})

	res := turn(t, eng, "sess-1", "patient-001", "I want a refill of hydrocodone")
	assertState(t, res, models.StateError)
	if !strings.Contains(res.Reply, "escalate:pharmacist:unknown_medication") {
		t.Errorf("reply %q does not carry the pharmacist escalation", res.Reply)
	}
}

func TestHandleMessageLookupOutageLandsInError(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Capability{
		Name: CapMedicationLookup,
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return nil, fmt.Errorf("history service unreachable")
		},
	}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	eng, st := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
	})

	res := turn(t, eng, "sess-1", "patient-001", "refill lisinopril")
	assertState(t, res, models.StateError)

	stored, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if !strings.Contains(stored.LastError, "medication lookup unavailable") {
		t.Errorf("LastError = %q, want lookup outage recorded", stored.LastError)
	}
}

func TestHandleMessageAmbiguousMedicationAsksForClarification(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, map[string]interface{}{
		"found": false, "ambiguous": true, "matches": "metformin, metoprolol",
	})
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "met"},
		{Trigger: models.TriggerIdentified, MedicationName: "met"},
	})

	// From Start the medication mention still opens the workflow.
	res := turn(t, eng, "sess-1", "patient-001", "refill my met prescription")
	assertState(t, res, models.StateIdentifyMedication)
	if res.Slots.Medication != nil {
		t.Errorf("ambiguous mention filled the medication slot: %+v", res.Slots.Medication)
	}

	// A second ambiguous mention moves to the clarify loop.
	res = turn(t, eng, "sess-1", "patient-001", "it's the met one")
	assertState(t, res, models.StateClarifyMedication)
	if !strings.Contains(res.Reply, "metformin, metoprolol") {
		t.Errorf("reply %q does not surface the candidate matches", res.Reply)
	}
}

func TestHandleMessagePharmacyOutOfStockFallsToNext(t *testing.T) {
	// Same wiring as the happy path, but the preferred pharmacy is dry.
	reg := newHappyPathRegistryWithPharmacies(t, []models.PharmacyOption{
		{ID: "ph-1", Name: "Central Pharmacy", InStock: false, Price: 8.49},
		{ID: "ph-2", Name: "Maple Pharmacy", InStock: true, Price: 9.99},
	})

	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown, DosageText: "10 mg once daily"},
		{Trigger: models.TriggerUnknown, PharmacyText: "central"},
	})

	turn(t, eng, "sess-1", "patient-001", "refill lisinopril")
	turn(t, eng, "sess-1", "patient-001", "10 mg once daily")
	res := turn(t, eng, "sess-1", "patient-001", "Central Pharmacy please")

	assertState(t, res, models.StateConfirmOrder)
	if res.Slots.Pharmacy == nil || res.Slots.Pharmacy.Name != "Maple Pharmacy" {
		t.Fatalf("pharmacy slot = %+v, want fallback to Maple Pharmacy", res.Slots.Pharmacy)
	}
	if len(res.Slots.TriedPharmacies) != 1 || res.Slots.TriedPharmacies[0] != "Central Pharmacy" {
		t.Errorf("tried list = %v, want [Central Pharmacy]", res.Slots.TriedPharmacies)
	}
	if !strings.Contains(res.Reply, "Central Pharmacy is out of stock") {
		t.Errorf("reply %q does not disclose the out-of-stock pharmacy", res.Reply)
	}
}

func TestHandleMessageAllPharmaciesExhausted(t *testing.T) {
	reg := newHappyPathRegistryWithPharmacies(t, []models.PharmacyOption{
		{ID: "ph-1", Name: "Central Pharmacy", InStock: false},
		{ID: "ph-2", Name: "Maple Pharmacy", InStock: false},
	})

	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown, DosageText: "10 mg once daily"},
		{Trigger: models.TriggerUnknown, PharmacyText: "anywhere"},
	})

	turn(t, eng, "sess-1", "patient-001", "refill lisinopril")
	turn(t, eng, "sess-1", "patient-001", "10 mg once daily")
	res := turn(t, eng, "sess-1", "patient-001", "any pharmacy")

	assertState(t, res, models.StateError)
	if len(res.Slots.TriedPharmacies) != 2 {
		t.Errorf("tried list = %v, want both pharmacies recorded", res.Slots.TriedPharmacies)
	}
}

func TestHandleMessageUnknownInputDoesNotProgress(t *testing.T) {
	reg := newHappyPathRegistry(t)
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerUnknown},
	})

	res := turn(t, eng, "sess-1", "patient-001", "what's the weather like")
	assertState(t, res, models.StateStart)
	if !strings.Contains(res.Reply, "clarify") {
		t.Errorf("reply %q is not a clarification", res.Reply)
	}
}

func TestHandleMessageEmptyUtteranceReprompts(t *testing.T) {
	reg := newHappyPathRegistry(t)
	eng, _ := newTestEngine(t, reg, nil)

	res := turn(t, eng, "sess-1", "patient-001", "   ")
	assertState(t, res, models.StateStart)
	if !strings.Contains(res.Reply, "clarify") {
		t.Errorf("reply %q is not a re-prompt", res.Reply)
	}
}

func TestHandleMessagePriorAuthEscalates(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, medicationData(models.MedicationRecord{
		Name: "atorvastatin", Strength: "20 mg", RxNumber: "RX-5", RefillsRemaining: 5,
	}))
	staticCap(t, reg, CapDosageCheck, false, map[string]interface{}{
		"safe": true, "amount": "20 mg", "frequency": "once daily",
	})
	staticCap(t, reg, CapInsuranceAuthorization, false, map[string]interface{}{
		"plan": "BlueCross Standard", "covered": true, "prior_auth_required": true, "copay": 10.0,
	})

	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "atorvastatin"},
		{Trigger: models.TriggerUnknown, DosageText: "20 mg once daily"},
	})

	turn(t, eng, "sess-1", "patient-001", "refill atorvastatin")
	res := turn(t, eng, "sess-1", "patient-001", "20 mg once daily")

	assertState(t, res, models.StateEscalatePriorAuth)
	if !strings.Contains(res.Reply, "escalate:doctor:prior_auth_required") {
		t.Errorf("reply %q does not carry the prior-auth escalation", res.Reply)
	}
}

func TestHandleMessageRestartFromError(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, map[string]interface{}{
		"found": false, "ambiguous": false,
	})
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "hydrocodone"},
		{Trigger: models.TriggerRestart},
	})

	res := turn(t, eng, "sess-1", "patient-001", "refill hydrocodone")
	assertState(t, res, models.StateError)

	res = turn(t, eng, "sess-1", "patient-001", "restart")
	assertState(t, res, models.StateStart)
}

func TestHandleMessageRestartBeginsCleanRun(t *testing.T) {
	reg := NewRegistry()
	staticCap(t, reg, CapMedicationLookup, false, medicationData(models.MedicationRecord{
		Name:                "lorazepam",
		RxNumber:            "RX-4",
		ControlledSubstance: true,
		RefillsRemaining:    2,
	}))
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lorazepam"},
		{Trigger: models.TriggerRestart},
		{Trigger: models.TriggerIdentified},
	})

	res := turn(t, eng, "sess-1", "patient-001", "refill lorazepam")
	assertState(t, res, models.StateError)
	if res.Slots.Verdict == nil || !res.Slots.Verdict.Required {
		t.Fatalf("verdict = %+v, want a required escalation", res.Slots.Verdict)
	}

	res = turn(t, eng, "sess-1", "patient-001", "restart")
	assertState(t, res, models.StateStart)
	if res.Slots.Verdict != nil || res.Slots.Medication != nil {
		t.Fatalf("restart carried slots forward: %+v", res.Slots)
	}

	// A vague follow-up with no medication resolved must ask for one, not
	// re-escalate off the previous run's verdict.
	res = turn(t, eng, "sess-1", "patient-001", "I'd like a refill")
	assertState(t, res, models.StateIdentifyMedication)
	if res.Slots.Verdict != nil {
		t.Errorf("verdict resurrected after restart: %+v", res.Slots.Verdict)
	}
}

func TestHandleMessageSessionIsolation(t *testing.T) {
	reg := newHappyPathRegistry(t)
	st := store.NewInMemoryStore()
	eng := New(st, reg, sessionKeyedInterpreter{
		"sess-1": {Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		"sess-2": {Trigger: models.TriggerUnknown},
	}, echoRenderer{})

	// Distinct sessions run in parallel; each must see only its own data,
	// exactly as if the turns had run sequentially.
	var wg sync.WaitGroup
	var res1, res2 *models.TurnResult
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		res1, err1 = eng.HandleMessage(context.Background(), "sess-1", "patient-001", "refill lisinopril")
	}()
	go func() {
		defer wg.Done()
		res2, err2 = eng.HandleMessage(context.Background(), "sess-2", "patient-002", "hello")
	}()
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("concurrent turns failed: %v, %v", err1, err2)
	}
	assertState(t, res1, models.StateConfirmDosage)
	assertState(t, res2, models.StateStart)
	if res2.Slots.Medication != nil {
		t.Errorf("second session observed the first session's medication: %+v", res2.Slots.Medication)
	}
}

func TestHandleMessageReleasesSessionLocks(t *testing.T) {
	reg := newHappyPathRegistry(t)
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown},
	})

	turn(t, eng, "sess-1", "patient-001", "refill lisinopril")
	turn(t, eng, "sess-2", "patient-002", "hello")

	// Lock entries are transient; holding one per session ever seen would
	// leak for the process lifetime.
	eng.lockMu.Lock()
	remaining := len(eng.locks)
	eng.lockMu.Unlock()
	if remaining != 0 {
		t.Errorf("%d session lock entries still resident after turns finished", remaining)
	}
}

func TestCancelOrder(t *testing.T) {
	reg := newHappyPathRegistry(t)
	staticCap(t, reg, CapCancelOrder, true, map[string]interface{}{
		"order_id": "ord-1", "status": "cancelled",
	})
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown, DosageText: "10 mg once daily"},
		{Trigger: models.TriggerUnknown, PharmacyText: "central"},
		{Trigger: models.TriggerConfirmed},
	})

	turn(t, eng, "sess-1", "patient-001", "refill lisinopril")
	turn(t, eng, "sess-1", "patient-001", "10 mg once daily")
	turn(t, eng, "sess-1", "patient-001", "Central Pharmacy")
	res := turn(t, eng, "sess-1", "patient-001", "yes")
	assertState(t, res, models.StateComplete)

	order, err := eng.CancelOrder(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	if order.Status != "cancelled" {
		t.Errorf("order status = %q, want cancelled", order.Status)
	}
}

func TestCancelOrderWithoutOrder(t *testing.T) {
	reg := newHappyPathRegistry(t)
	eng, _ := newTestEngine(t, reg, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
	})
	turn(t, eng, "sess-1", "patient-001", "refill lisinopril")

	if _, err := eng.CancelOrder(context.Background(), "sess-1"); err == nil {
		t.Fatalf("CancelOrder succeeded with no submitted order")
	}
	if _, err := eng.CancelOrder(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
