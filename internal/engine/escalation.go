// Package engine implements the RefillPipe conversation core.
//
// This file implements the escalation policy: the single pure function that
// decides, before any state-advancing side effect, whether a refill must be
// redirected to a human professional.
package engine

import (
	"fmt"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

// EvaluateEscalation inspects a resolved medication and returns an
// escalation verdict. It is invoked on every turn that resolves a concrete
// medication, before any transition that would use it, and the result is
// never cached: refill counts and prescription status can change between
// turns.
//
// Rules fire in priority order and the first match wins. A medication can
// be a controlled substance and simultaneously have zero refills; the
// clinical reason must be the one reported, because the guidance the user
// receives differs. This ordering is deliberate, not incidental.
func EvaluateEscalation(s *models.Session, rec *models.MedicationRecord) models.EscalationVerdict {
	if rec == nil {
		name := "that medication"
		if s != nil && s.Slots.Medication != nil && s.Slots.Medication.Name != "" {
			name = s.Slots.Medication.Name
		}
		return models.Escalate(
			models.EscalationTargetPharmacist,
			models.EscalationReasonUnknownMedication,
			fmt.Sprintf("I couldn't find %s in your medication history. Please speak with a pharmacist, who can verify the prescription before a refill is placed.", name),
		)
	}

	if rec.ControlledSubstance {
		return models.Escalate(
			models.EscalationTargetDoctor,
			models.EscalationReasonControlledSubstance,
			fmt.Sprintf("%s is a controlled substance and can't be refilled automatically. Your doctor needs to authorize each fill; please contact their office.", rec.Name),
		)
	}

	if rec.PrescriptionExpired {
		return models.Escalate(
			models.EscalationTargetDoctor,
			models.EscalationReasonExpiredPrescription,
			fmt.Sprintf("The prescription for %s has expired. Your doctor will need to write a new one before it can be refilled.", rec.Name),
		)
	}

	if rec.RefillsRemaining <= 0 {
		return models.Escalate(
			models.EscalationTargetDoctor,
			models.EscalationReasonNoRefillsRemaining,
			fmt.Sprintf("There are no refills remaining for %s. Your doctor can authorize additional refills; please reach out to their office.", rec.Name),
		)
	}

	return models.Proceed()
}
