// Package models defines workflow state and trigger types for RefillPipe conversations.
package models

// WorkflowState represents a stage of the medication-refill workflow.
type WorkflowState string

// Workflow state constants.
const (
	StateStart              WorkflowState = "START"
	StateIdentifyMedication WorkflowState = "IDENTIFY_MEDICATION"
	StateClarifyMedication  WorkflowState = "CLARIFY_MEDICATION"
	StateConfirmDosage      WorkflowState = "CONFIRM_DOSAGE"
	StateCheckAuthorization WorkflowState = "CHECK_AUTHORIZATION"
	StateSelectPharmacy     WorkflowState = "SELECT_PHARMACY"
	StateConfirmOrder       WorkflowState = "CONFIRM_ORDER"
	StateEscalatePriorAuth  WorkflowState = "ESCALATE_PRIOR_AUTH"
	StateComplete           WorkflowState = "COMPLETE"
	StateError              WorkflowState = "ERROR"
)

// Terminal reports whether the workflow has finished in this state.
// Error and EscalatePriorAuth are terminal unless the user restarts.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateEscalatePriorAuth:
		return true
	}
	return false
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case StateStart, StateIdentifyMedication, StateClarifyMedication,
		StateConfirmDosage, StateCheckAuthorization, StateSelectPharmacy,
		StateConfirmOrder, StateEscalatePriorAuth, StateComplete, StateError:
		return true
	}
	return false
}

// Trigger is a named event that can cause a workflow state transition.
type Trigger string

// Trigger constants. TriggerUnknown is what an unrecognized interpretation
// collapses to; the state machine answers it with a clarification rather
// than guessing.
const (
	TriggerMedicationRequest Trigger = "medication_request"
	TriggerIdentified        Trigger = "identified"
	TriggerAmbiguous         Trigger = "ambiguous"
	TriggerSafe              Trigger = "safe"
	TriggerUnsafe            Trigger = "unsafe"
	TriggerAuthorized        Trigger = "authorized"
	TriggerPriorAuthRequired Trigger = "prior_auth_required"
	TriggerSelected          Trigger = "selected"
	TriggerOutOfStock        Trigger = "out_of_stock"
	TriggerConfirmed         Trigger = "confirmed"
	TriggerEscalate          Trigger = "escalate"
	TriggerError             Trigger = "error"
	TriggerRestart           Trigger = "restart"
	TriggerUnknown           Trigger = "unknown"
)

// ParseTrigger maps a free-form trigger string (typically proposed by the
// language-understanding collaborator) onto the known trigger set. Anything
// outside the set becomes TriggerUnknown.
func ParseTrigger(s string) Trigger {
	switch Trigger(s) {
	case TriggerMedicationRequest, TriggerIdentified, TriggerAmbiguous,
		TriggerSafe, TriggerUnsafe, TriggerAuthorized, TriggerPriorAuthRequired,
		TriggerSelected, TriggerOutOfStock, TriggerConfirmed,
		TriggerEscalate, TriggerError, TriggerRestart:
		return Trigger(s)
	}
	return TriggerUnknown
}
