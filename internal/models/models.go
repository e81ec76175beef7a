// Package models defines core data structures and API types for RefillPipe.
//
// It contains the session, workflow state, escalation, and capability
// structures shared across the engine, store, and API packages.
package models

import (
	"fmt"
	"strings"
)

// Interpretation is the structured reading of one user utterance produced by
// the language-understanding collaborator. The trigger is parsed against the
// known trigger set before use; collaborator output is untrusted.
type Interpretation struct {
	Trigger Trigger `json:"trigger"`

	// MedicationName is the medication mentioned in the utterance, if any.
	// A non-empty value forces a fresh escalation evaluation this turn.
	MedicationName string `json:"medication_name,omitempty"`
	// DosageText is the dosage phrase extracted from the utterance, if any.
	DosageText string `json:"dosage_text,omitempty"`
	// PharmacyText is the pharmacy mentioned in the utterance, if any.
	PharmacyText string `json:"pharmacy_text,omitempty"`
}

// TurnRequest is the payload for POST /messages, one conversational turn.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	PatientID string `json:"patient_id"`
	Message   string `json:"message"`
}

// Validate ensures the turn request is well formed.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("patient_id is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message must not be empty")
	}
	return nil
}

// TurnResult is what one processed turn returns to the presentation layer.
type TurnResult struct {
	Reply     string             `json:"reply"`
	State     WorkflowState      `json:"state"`
	Slots     Slots              `json:"slots"`
	ToolTrace []CapabilityResult `json:"tool_trace,omitempty"`
}

// APIStatus represents the status field of an API response.
type APIStatus string

// API status constants.
const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for RefillPipe endpoints.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
