// Package models defines escalation structures for the refill safety policy.
package models

import "time"

// EscalationTarget identifies which human professional a conversation is
// redirected to when automated processing would be unsafe.
type EscalationTarget string

// Escalation target constants.
const (
	EscalationTargetNone       EscalationTarget = "none"
	EscalationTargetDoctor     EscalationTarget = "doctor"
	EscalationTargetPharmacist EscalationTarget = "pharmacist"
)

// EscalationReason explains why a refill could not proceed automatically.
type EscalationReason string

// Escalation reason constants, ordered by evaluation priority. A medication
// can be both a controlled substance and out of refills; the clinical reason
// must win because the guidance shown to the user differs.
const (
	EscalationReasonUnknownMedication     EscalationReason = "unknown_medication"
	EscalationReasonControlledSubstance   EscalationReason = "controlled_substance"
	EscalationReasonExpiredPrescription   EscalationReason = "expired_prescription"
	EscalationReasonNoRefillsRemaining    EscalationReason = "no_refills_remaining"
	EscalationReasonPharmaciesExhausted   EscalationReason = "pharmacies_exhausted"
	EscalationReasonPriorAuthRequired     EscalationReason = "prior_auth_required"
	EscalationReasonCapabilityUnavailable EscalationReason = "capability_unavailable"
)

// EscalationVerdict is the outcome of the refill safety policy. It is
// computed fresh on every medication-bearing turn and never cached, because
// refill counts and prescription status can change between turns.
type EscalationVerdict struct {
	Required     bool             `json:"required"`
	Target       EscalationTarget `json:"target"`
	Reason       EscalationReason `json:"reason,omitempty"`
	HumanMessage string           `json:"human_message,omitempty"`
}

// Proceed is the verdict for a medication that is safe to refill automatically.
func Proceed() EscalationVerdict {
	return EscalationVerdict{Required: false, Target: EscalationTargetNone}
}

// Escalate builds a verdict redirecting the refill to a human professional.
func Escalate(target EscalationTarget, reason EscalationReason, message string) EscalationVerdict {
	return EscalationVerdict{
		Required:     true,
		Target:       target,
		Reason:       reason,
		HumanMessage: message,
	}
}

// MedicationRecord is a medication as it appears in the patient's history,
// carrying the facts the safety policy needs.
type MedicationRecord struct {
	Name                string     `json:"name"`
	Strength            string     `json:"strength,omitempty"`
	Form                string     `json:"form,omitempty"`
	RxNumber            string     `json:"rx_number,omitempty"`
	ControlledSubstance bool       `json:"controlled_substance"`
	PrescriptionExpired bool       `json:"prescription_expired"`
	RefillsRemaining    int        `json:"refills_remaining"`
	LastFilled          *time.Time `json:"last_filled,omitempty"`
	Prescriber          string     `json:"prescriber,omitempty"`
}
