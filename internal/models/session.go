// Package models defines session structures for RefillPipe conversations.
package models

import "time"

// Speaker identifies who produced a history entry.
type Speaker string

// Speaker constants.
const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// HistoryEntry is one utterance (or transition record) in a conversation.
type HistoryEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MedicationSlot holds the medication the conversation has resolved so far.
type MedicationSlot struct {
	Name     string `json:"name"`
	Strength string `json:"strength,omitempty"`
	Form     string `json:"form,omitempty"`
	RxNumber string `json:"rx_number,omitempty"`
}

// DosageSlot holds the dosage confirmed for the refill.
type DosageSlot struct {
	Amount    string `json:"amount"`
	Frequency string `json:"frequency,omitempty"`
	Safe      bool   `json:"safe"`
	Warning   string `json:"warning,omitempty"`
}

// PharmacyOption is a candidate pharmacy returned by the pharmacy search.
type PharmacyOption struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	InStock bool    `json:"in_stock"`
	Price   float64 `json:"price,omitempty"`
}

// PharmacySlot holds the pharmacy selected for pickup.
type PharmacySlot struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	Price   float64 `json:"price,omitempty"`
}

// InsuranceSlot holds the authorization outcome for the medication.
type InsuranceSlot struct {
	Plan              string  `json:"plan,omitempty"`
	Covered           bool    `json:"covered"`
	PriorAuthRequired bool    `json:"prior_auth_required"`
	Copay             float64 `json:"copay,omitempty"`
}

// OrderSlot holds the submitted refill order.
type OrderSlot struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Slots is the structured data a conversation fills in as it advances.
// Each slot is nil until the state handler responsible for it populates it.
type Slots struct {
	Medication      *MedicationSlot    `json:"medication,omitempty"`
	Dosage          *DosageSlot        `json:"dosage,omitempty"`
	Insurance       *InsuranceSlot     `json:"insurance,omitempty"`
	Pharmacy        *PharmacySlot      `json:"pharmacy,omitempty"`
	Order           *OrderSlot         `json:"order,omitempty"`
	PharmacyOptions []PharmacyOption   `json:"pharmacy_options,omitempty"`
	TriedPharmacies []string           `json:"tried_pharmacies,omitempty"`
	Verdict         *EscalationVerdict `json:"escalation,omitempty"`
}

// SlotPatch is a partial update to a session's slots. Patches are computed
// fully before being applied, so a failed or cancelled turn never leaves a
// half-written session behind.
type SlotPatch struct {
	Medication      *MedicationSlot
	Dosage          *DosageSlot
	Insurance       *InsuranceSlot
	Pharmacy        *PharmacySlot
	Order           *OrderSlot
	PharmacyOptions []PharmacyOption
	TriedPharmacies []string
	Verdict         *EscalationVerdict

	// LastError annotates the session when the patch accompanies a forced
	// error transition. The state machine clears it on any other outcome.
	LastError string
}

// Empty reports whether the patch would change nothing.
func (p SlotPatch) Empty() bool {
	return p.Medication == nil && p.Dosage == nil && p.Insurance == nil &&
		p.Pharmacy == nil && p.Order == nil && p.PharmacyOptions == nil &&
		len(p.TriedPharmacies) == 0 && p.Verdict == nil && p.LastError == ""
}

// Apply merges the patch into the slots. TriedPharmacy appends exactly once;
// a pharmacy already on the tried list is not duplicated, so retry loops
// never revisit a pharmacy.
func (s *Slots) Apply(p SlotPatch) {
	if p.Medication != nil {
		s.Medication = p.Medication
	}
	if p.Dosage != nil {
		s.Dosage = p.Dosage
	}
	if p.Insurance != nil {
		s.Insurance = p.Insurance
	}
	if p.Pharmacy != nil {
		s.Pharmacy = p.Pharmacy
	}
	if p.Order != nil {
		s.Order = p.Order
	}
	if p.PharmacyOptions != nil {
		s.PharmacyOptions = p.PharmacyOptions
	}
	for _, name := range p.TriedPharmacies {
		if name != "" && !s.Tried(name) {
			s.TriedPharmacies = append(s.TriedPharmacies, name)
		}
	}
	if p.Verdict != nil {
		s.Verdict = p.Verdict
	}
}

// Tried reports whether the named pharmacy has already been attempted.
func (s *Slots) Tried(name string) bool {
	for _, t := range s.TriedPharmacies {
		if t == name {
			return true
		}
	}
	return false
}

// UntriedOption returns the first pharmacy option not yet on the tried list,
// preferring in-stock candidates. Returns nil when every option is exhausted.
func (s *Slots) UntriedOption() *PharmacyOption {
	for i := range s.PharmacyOptions {
		opt := &s.PharmacyOptions[i]
		if opt.InStock && !s.Tried(opt.Name) {
			return opt
		}
	}
	for i := range s.PharmacyOptions {
		opt := &s.PharmacyOptions[i]
		if !s.Tried(opt.Name) {
			return opt
		}
	}
	return nil
}

// Session is the persistent state of one user's in-progress refill conversation.
type Session struct {
	ID        string         `json:"id"`
	PatientID string         `json:"patient_id"`
	State     WorkflowState  `json:"state"`
	Slots     Slots          `json:"slots"`
	History   []HistoryEntry `json:"history"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession creates a fresh session in the start state.
func NewSession(id, patientID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		PatientID: patientID,
		State:     StateStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendHistory appends an entry to the conversation history. History is
// append-only; nothing ever rewrites earlier entries.
func (s *Session) AppendHistory(speaker Speaker, text string) {
	s.History = append(s.History, HistoryEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// RecentHistory returns up to max most recent entries, oldest first.
// max <= 0 returns the full history.
func (s *Session) RecentHistory(max int) []HistoryEntry {
	if max <= 0 || len(s.History) <= max {
		return s.History
	}
	return s.History[len(s.History)-max:]
}

// Clone returns a deep copy of the session. The state machine mutates a
// clone and only persists it when the transition succeeds.
func (s *Session) Clone() *Session {
	cp := *s
	cp.History = append([]HistoryEntry(nil), s.History...)
	cp.Slots = s.Slots
	cp.Slots.PharmacyOptions = append([]PharmacyOption(nil), s.Slots.PharmacyOptions...)
	cp.Slots.TriedPharmacies = append([]string(nil), s.Slots.TriedPharmacies...)
	if s.Slots.Medication != nil {
		m := *s.Slots.Medication
		cp.Slots.Medication = &m
	}
	if s.Slots.Dosage != nil {
		d := *s.Slots.Dosage
		cp.Slots.Dosage = &d
	}
	if s.Slots.Insurance != nil {
		i := *s.Slots.Insurance
		cp.Slots.Insurance = &i
	}
	if s.Slots.Pharmacy != nil {
		p := *s.Slots.Pharmacy
		cp.Slots.Pharmacy = &p
	}
	if s.Slots.Order != nil {
		o := *s.Slots.Order
		cp.Slots.Order = &o
	}
	if s.Slots.Verdict != nil {
		v := *s.Slots.Verdict
		cp.Slots.Verdict = &v
	}
	return &cp
}
