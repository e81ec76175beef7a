// Package engine implements the RefillPipe conversation core.
//
// This file declares the refill workflow transition table. Order matters:
// for a given (state, trigger) pair the first edge whose guard passes wins.
package engine

import "github.com/BTreeMap/RefillPipe/internal/models"

// allStates enumerates every workflow state, used to generate the total
// error and escalate fallback edges.
var allStates = []models.WorkflowState{
	models.StateStart,
	models.StateIdentifyMedication,
	models.StateClarifyMedication,
	models.StateConfirmDosage,
	models.StateCheckAuthorization,
	models.StateSelectPharmacy,
	models.StateConfirmOrder,
	models.StateEscalatePriorAuth,
	models.StateComplete,
	models.StateError,
}

// Guard helpers. All are pure functions of the session's slots.

func medicationResolved(s *models.Session) bool {
	return s.Slots.Medication != nil && s.Slots.Medication.Name != ""
}

func escalationRequired(s *models.Session) bool {
	return s.Slots.Verdict != nil && s.Slots.Verdict.Required
}

func medicationClear(s *models.Session) bool {
	return medicationResolved(s) && !escalationRequired(s)
}

func dosageSafe(s *models.Session) bool {
	return s.Slots.Dosage != nil && s.Slots.Dosage.Safe
}

func pharmacySelected(s *models.Session) bool {
	return s.Slots.Pharmacy != nil && s.Slots.Pharmacy.Name != ""
}

func pharmacyRemaining(s *models.Session) bool {
	return s.Slots.UntriedOption() != nil
}

func orderSubmitted(s *models.Session) bool {
	return s.Slots.Order != nil && s.Slots.Order.ID != ""
}

// refillTransitions builds the medication-refill workflow table.
//
// The identified trigger carries three edges: escalation wins first (the
// safety gate pre-empts the happy path), then a clear medication advances
// to dosage confirmation, and anything else falls back to clarification so
// the trigger is never orphaned.
func refillTransitions() []Transition {
	table := []Transition{
		// Happy path entry.
		{From: models.StateStart, Trigger: models.TriggerMedicationRequest, To: models.StateIdentifyMedication},

		// Medication identification.
		{From: models.StateIdentifyMedication, Trigger: models.TriggerIdentified, Guard: escalationRequired, To: models.StateError},
		{From: models.StateIdentifyMedication, Trigger: models.TriggerIdentified, Guard: medicationClear, To: models.StateConfirmDosage},
		{From: models.StateIdentifyMedication, Trigger: models.TriggerIdentified, To: models.StateClarifyMedication},
		{From: models.StateIdentifyMedication, Trigger: models.TriggerAmbiguous, To: models.StateClarifyMedication},

		// Clarification loops back through the same guards.
		{From: models.StateClarifyMedication, Trigger: models.TriggerIdentified, Guard: escalationRequired, To: models.StateError},
		{From: models.StateClarifyMedication, Trigger: models.TriggerIdentified, Guard: medicationClear, To: models.StateConfirmDosage},
		{From: models.StateClarifyMedication, Trigger: models.TriggerIdentified, To: models.StateClarifyMedication},
		{From: models.StateClarifyMedication, Trigger: models.TriggerAmbiguous, To: models.StateClarifyMedication},

		// Dosage confirmation.
		{From: models.StateConfirmDosage, Trigger: models.TriggerSafe, Guard: dosageSafe, To: models.StateCheckAuthorization},
		{From: models.StateConfirmDosage, Trigger: models.TriggerUnsafe, To: models.StateError},

		// Insurance authorization.
		{From: models.StateCheckAuthorization, Trigger: models.TriggerAuthorized, To: models.StateSelectPharmacy},
		{From: models.StateCheckAuthorization, Trigger: models.TriggerPriorAuthRequired, To: models.StateEscalatePriorAuth},

		// Pharmacy selection. The out_of_stock self-loop consumes one
		// candidate per pass; once no untried candidate remains it drops
		// through to Error instead of looping forever.
		{From: models.StateSelectPharmacy, Trigger: models.TriggerSelected, Guard: pharmacySelected, To: models.StateConfirmOrder},
		{From: models.StateSelectPharmacy, Trigger: models.TriggerOutOfStock, Guard: pharmacyRemaining, To: models.StateSelectPharmacy},
		{From: models.StateSelectPharmacy, Trigger: models.TriggerOutOfStock, To: models.StateError},

		// Order confirmation.
		{From: models.StateConfirmOrder, Trigger: models.TriggerConfirmed, Guard: orderSubmitted, To: models.StateComplete},

		// Recovery from terminal non-complete states. Restart wipes the
		// slots: the new run must not inherit the aborted run's
		// medication, verdict, or tried-pharmacy list.
		{From: models.StateError, Trigger: models.TriggerRestart, To: models.StateStart, Reset: true},
		{From: models.StateEscalatePriorAuth, Trigger: models.TriggerRestart, To: models.StateStart, Reset: true},
	}

	// Every state gets explicit escape hatches: escalate carries a safety
	// verdict to Error, error is the guaranteed total fallback.
	for _, st := range allStates {
		table = append(table,
			Transition{From: st, Trigger: models.TriggerEscalate, To: models.StateError},
			Transition{From: st, Trigger: models.TriggerError, To: models.StateError},
		)
	}
	return table
}
