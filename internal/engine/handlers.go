// Package engine implements the RefillPipe conversation core.
//
// This file implements the per-state turn handlers. Each handler refines
// the interpreted trigger and fills the slot patch by invoking the
// capabilities relevant to the state. System-driven states (identification
// follow-through, insurance authorization) auto-advance within the same
// turn so the user is never asked to prompt the machine along.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

// maxAutoAdvance bounds how many system-driven transitions one turn may
// chain after the user-driven one.
const maxAutoAdvance = 3

// handleState runs the current state's handler. It returns the (possibly
// refined) trigger plus any disclosures and trace entries the capability
// calls produced. A returned error means a capability failed with no
// usable fallback and the turn must be forced onto the error trigger.
func (e *Engine) handleState(ctx context.Context, sess *models.Session, interp models.Interpretation, trigger models.Trigger, patch *models.SlotPatch, disclosures []string, trace []models.CapabilityResult) (models.Trigger, []string, []models.CapabilityResult, error) {
	switch sess.State {
	case models.StateStart:
		if interp.MedicationName != "" || trigger == models.TriggerIdentified {
			trigger = models.TriggerMedicationRequest
		}

	case models.StateIdentifyMedication, models.StateClarifyMedication:
		if interp.MedicationName != "" && patch.Medication != nil {
			trigger = models.TriggerIdentified
		}

	case models.StateConfirmDosage:
		if interp.DosageText != "" || trigger == models.TriggerSafe || trigger == models.TriggerConfirmed {
			var err error
			trigger, disclosures, trace, err = e.checkDosage(ctx, sess, interp, patch, disclosures, trace)
			if err != nil {
				return trigger, disclosures, trace, err
			}
		}

	case models.StateCheckAuthorization:
		var err error
		trigger, disclosures, trace, err = e.checkAuthorization(ctx, sess, patch, disclosures, trace)
		if err != nil {
			return trigger, disclosures, trace, err
		}

	case models.StateSelectPharmacy:
		if interp.PharmacyText != "" || trigger == models.TriggerSelected || trigger == models.TriggerOutOfStock {
			var err error
			trigger, disclosures, trace, err = e.selectPharmacy(ctx, sess, interp, patch, disclosures, trace)
			if err != nil {
				return trigger, disclosures, trace, err
			}
		}

	case models.StateConfirmOrder:
		if trigger == models.TriggerConfirmed {
			var err error
			trigger, disclosures, trace, err = e.submitOrder(ctx, sess, patch, disclosures, trace)
			if err != nil {
				return trigger, disclosures, trace, err
			}
		}

	case models.StateComplete:
		// Nothing advances past Complete; a status question gets the
		// tracking capability's answer folded into the clarification.
		if res := e.trackOrder(ctx, sess); res != nil {
			trace = append(trace, *res)
			if status := res.String("status"); status != "" {
				disclosures = append(disclosures, fmt.Sprintf("your order is currently %s", status))
			}
		}

	case models.StateError, models.StateEscalatePriorAuth:
		// Only restart leaves these states; everything else clarifies.
	}
	return trigger, disclosures, trace, nil
}

// autoAdvance proposes a follow-up trigger for system-driven states after a
// transition, or ok=false when the workflow needs user input to continue.
func (e *Engine) autoAdvance(ctx context.Context, sess *models.Session) (trigger models.Trigger, patch models.SlotPatch, disclosures []string, trace []models.CapabilityResult, ok bool, err error) {
	switch sess.State {
	case models.StateIdentifyMedication, models.StateClarifyMedication:
		// The medication was already resolved earlier this turn; follow
		// straight through identification.
		if medicationClear(sess) {
			return models.TriggerIdentified, models.SlotPatch{}, nil, nil, true, nil
		}
	case models.StateCheckAuthorization:
		trigger, disclosures, trace, err = e.checkAuthorization(ctx, sess, &patch, nil, nil)
		if err != nil {
			return "", patch, disclosures, trace, false, err
		}
		return trigger, patch, disclosures, trace, true, nil
	}
	return "", models.SlotPatch{}, nil, nil, false, nil
}

// checkDosage invokes the dosage safety capability and fills the dosage slot.
func (e *Engine) checkDosage(ctx context.Context, sess *models.Session, interp models.Interpretation, patch *models.SlotPatch, disclosures []string, trace []models.CapabilityResult) (models.Trigger, []string, []models.CapabilityResult, error) {
	working := sess.Clone()
	working.Slots.Apply(*patch)
	med := ""
	if working.Slots.Medication != nil {
		med = working.Slots.Medication.Name
	}

	res := e.registry.Invoke(ctx, CapDosageCheck, map[string]interface{}{
		"patient_id": sess.PatientID,
		"medication": med,
		"dosage":     interp.DosageText,
	})
	trace = append(trace, res)
	if !res.Usable() {
		return "", disclosures, trace, fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, CapDosageCheck, res.Error)
	}
	if res.Degraded() {
		disclosures = append(disclosures, "dosage was verified against cached prescribing data")
	}

	dosage := &models.DosageSlot{
		Amount:    res.String("amount"),
		Frequency: res.String("frequency"),
		Safe:      res.Bool("safe"),
		Warning:   res.String("warning"),
	}
	if dosage.Amount == "" {
		dosage.Amount = interp.DosageText
	}
	patch.Dosage = dosage

	if dosage.Safe {
		return models.TriggerSafe, disclosures, trace, nil
	}
	slog.Info("Engine.checkDosage: dosage flagged unsafe",
		"sessionID", sess.ID, "medication", med, "warning", dosage.Warning)
	return models.TriggerUnsafe, disclosures, trace, nil
}

// checkAuthorization invokes the insurance capability and maps the outcome
// onto the authorized / prior_auth_required triggers.
func (e *Engine) checkAuthorization(ctx context.Context, sess *models.Session, patch *models.SlotPatch, disclosures []string, trace []models.CapabilityResult) (models.Trigger, []string, []models.CapabilityResult, error) {
	working := sess.Clone()
	working.Slots.Apply(*patch)
	med := ""
	if working.Slots.Medication != nil {
		med = working.Slots.Medication.Name
	}

	res := e.registry.Invoke(ctx, CapInsuranceAuthorization, map[string]interface{}{
		"patient_id": sess.PatientID,
		"medication": med,
	})
	trace = append(trace, res)
	if !res.Usable() {
		return "", disclosures, trace, fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, CapInsuranceAuthorization, res.Error)
	}
	if res.Degraded() {
		disclosures = append(disclosures, "coverage was checked against a cached copy of the formulary")
	}

	patch.Insurance = &models.InsuranceSlot{
		Plan:              res.String("plan"),
		Covered:           res.Bool("covered"),
		PriorAuthRequired: res.Bool("prior_auth_required"),
		Copay:             res.Float("copay"),
	}
	if patch.Insurance.PriorAuthRequired {
		if e.metrics != nil {
			e.metrics.RecordEscalation(models.EscalationReasonPriorAuthRequired)
		}
		patch.Verdict = &models.EscalationVerdict{
			Required:     true,
			Target:       models.EscalationTargetDoctor,
			Reason:       models.EscalationReasonPriorAuthRequired,
			HumanMessage: fmt.Sprintf("Your insurance requires prior authorization for %s. Your doctor's office can submit the request.", med),
		}
		return models.TriggerPriorAuthRequired, disclosures, trace, nil
	}
	return models.TriggerAuthorized, disclosures, trace, nil
}

// selectPharmacy searches for candidate pharmacies and picks the first
// in-stock one the session has not already tried, preferring the pharmacy
// the user named. Out-of-stock candidates are recorded on the tried list
// so no pharmacy is retried; exhausting every candidate yields the
// out_of_stock trigger with nothing left, which the machine routes to
// Error instead of looping.
func (e *Engine) selectPharmacy(ctx context.Context, sess *models.Session, interp models.Interpretation, patch *models.SlotPatch, disclosures []string, trace []models.CapabilityResult) (models.Trigger, []string, []models.CapabilityResult, error) {
	working := sess.Clone()
	working.Slots.Apply(*patch)
	med := ""
	if working.Slots.Medication != nil {
		med = working.Slots.Medication.Name
	}

	res := e.registry.Invoke(ctx, CapPharmacySearch, map[string]interface{}{
		"patient_id": sess.PatientID,
		"medication": med,
		"preference": interp.PharmacyText,
	})
	trace = append(trace, res)
	if !res.Usable() {
		return "", disclosures, trace, fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, CapPharmacySearch, res.Error)
	}
	if res.Degraded() {
		disclosures = append(disclosures, "pharmacy availability and pricing come from cached data")
	}

	options := decodePharmacyOptions(res.Data["pharmacies"])
	patch.PharmacyOptions = options
	working.Slots.Apply(models.SlotPatch{PharmacyOptions: options})

	for _, opt := range orderByPreference(options, interp.PharmacyText) {
		if working.Slots.Tried(opt.Name) {
			continue
		}
		if opt.InStock {
			patch.Pharmacy = &models.PharmacySlot{
				ID:      opt.ID,
				Name:    opt.Name,
				Address: opt.Address,
				Price:   opt.Price,
			}
			return models.TriggerSelected, disclosures, trace, nil
		}
		patch.TriedPharmacies = append(patch.TriedPharmacies, opt.Name)
		working.Slots.Apply(models.SlotPatch{TriedPharmacies: []string{opt.Name}})
		disclosures = append(disclosures, fmt.Sprintf("%s is out of stock", opt.Name))
	}
	slog.Info("Engine.selectPharmacy: no in-stock pharmacy available",
		"sessionID", sess.ID, "medication", med, "tried", working.Slots.TriedPharmacies)
	patch.LastError = "no pharmacy with the medication in stock"
	return models.TriggerOutOfStock, disclosures, trace, nil
}

// submitOrder invokes the single-shot order submission capability with an
// idempotency key derived from the session and its slots, so a retried
// confirmation creates exactly one order.
func (e *Engine) submitOrder(ctx context.Context, sess *models.Session, patch *models.SlotPatch, disclosures []string, trace []models.CapabilityResult) (models.Trigger, []string, []models.CapabilityResult, error) {
	working := sess.Clone()
	working.Slots.Apply(*patch)
	if working.Slots.Medication == nil || working.Slots.Pharmacy == nil {
		return models.TriggerUnknown, disclosures, trace, nil
	}
	key := OrderIdempotencyKey(working)

	args := map[string]interface{}{
		ArgIdempotencyKey: key,
		"patient_id":      sess.PatientID,
		"medication":      working.Slots.Medication.Name,
		"pharmacy_id":     working.Slots.Pharmacy.ID,
	}
	if working.Slots.Dosage != nil {
		args["dosage"] = working.Slots.Dosage.Amount
	}

	res := e.registry.Invoke(ctx, CapSubmitOrder, args)
	trace = append(trace, res)
	if !res.Usable() {
		return "", disclosures, trace, fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, CapSubmitOrder, res.Error)
	}

	patch.Order = &models.OrderSlot{
		ID:             res.String("order_id"),
		IdempotencyKey: key,
		Status:         res.String("status"),
		SubmittedAt:    time.Now().UTC(),
	}
	return models.TriggerConfirmed, disclosures, trace, nil
}

// trackOrder fetches the order status after completion. Failures are
// ignored; tracking is best-effort color for the reply.
func (e *Engine) trackOrder(ctx context.Context, sess *models.Session) *models.CapabilityResult {
	if sess.Slots.Order == nil || sess.Slots.Order.ID == "" {
		return nil
	}
	res := e.registry.Invoke(ctx, CapTrackOrder, map[string]interface{}{
		"order_id": sess.Slots.Order.ID,
	})
	if !res.Usable() {
		return nil
	}
	return &res
}

// CancelOrder cancels the session's submitted order. Cancellation is an
// out-of-band operation exposed to the presentation layer rather than a
// conversation turn; the session stays in its current state with the
// order slot updated.
func (e *Engine) CancelOrder(ctx context.Context, sessionID string) (*models.OrderSlot, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Slots.Order == nil || sess.Slots.Order.ID == "" {
		return nil, fmt.Errorf("session %s has no submitted order", sessionID)
	}

	res := e.registry.Invoke(ctx, CapCancelOrder, map[string]interface{}{
		ArgIdempotencyKey: sess.Slots.Order.IdempotencyKey,
		"order_id":        sess.Slots.Order.ID,
	})
	if !res.Usable() {
		return nil, fmt.Errorf("%w: %s: %s", ErrCapabilityUnavailable, CapCancelOrder, res.Error)
	}

	sess.Slots.Order.Status = res.String("status")
	sess.AppendHistory(models.SpeakerSystem, fmt.Sprintf("order %s cancelled", sess.Slots.Order.ID))
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Slots.Order, nil
}

// orderByPreference returns options with any name-matching the user's
// stated preference first, preserving relative order otherwise.
func orderByPreference(options []models.PharmacyOption, preference string) []models.PharmacyOption {
	if strings.TrimSpace(preference) == "" {
		return options
	}
	pref := strings.ToLower(preference)
	ordered := make([]models.PharmacyOption, 0, len(options))
	var rest []models.PharmacyOption
	for _, opt := range options {
		name := strings.ToLower(opt.Name + " " + opt.Address)
		if strings.Contains(name, pref) || strings.Contains(pref, strings.ToLower(opt.Name)) {
			ordered = append(ordered, opt)
		} else {
			rest = append(rest, opt)
		}
	}
	return append(ordered, rest...)
}

// decodePharmacyOptions converts the loosely-typed capability payload into
// pharmacy options via a JSON round trip.
func decodePharmacyOptions(v interface{}) []models.PharmacyOption {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var opts []models.PharmacyOption
	if err := json.Unmarshal(b, &opts); err != nil {
		return nil
	}
	return opts
}
