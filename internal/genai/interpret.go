// Package genai provides GenAI-backed language collaborators.
//
// This file implements the utterance interpreter: the model reads the
// conversation and reports, through a forced function call, which workflow
// trigger the utterance corresponds to and what slot text it carries. The
// result is untrusted; the engine re-parses the trigger against its known
// set and treats anything else as unknown.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// interpretHistoryLimit caps how many history entries are replayed to the
// model per interpretation call.
const interpretHistoryLimit = 20

const interpreterSystemPrompt = `You are the language-understanding component of a medication-refill assistant.
Read the conversation and the user's latest message, then call report_interpretation
exactly once. Pick the trigger that best matches the user's intent given the current
workflow state. Extract medication, dosage, and pharmacy mentions verbatim when present.
Do not answer the user; only report the interpretation.`

// reportedInterpretation mirrors the function-call argument schema.
type reportedInterpretation struct {
	Trigger        string `json:"trigger"`
	MedicationName string `json:"medication_name,omitempty"`
	DosageText     string `json:"dosage_text,omitempty"`
	PharmacyText   string `json:"pharmacy_text,omitempty"`
}

// Interpreter asks the model for a structured reading of each utterance.
type Interpreter struct {
	client ClientInterface
}

// NewInterpreter creates an interpreter over the given GenAI client.
func NewInterpreter(client ClientInterface) *Interpreter {
	return &Interpreter{client: client}
}

// interpretationToolDefinition returns the function schema the model must
// fill in to report its reading of the utterance.
func interpretationToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "report_interpretation",
			Description: openai.String("Report the workflow trigger and extracted slot text for the user's latest message."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"trigger": map[string]interface{}{
						"type": "string",
						"enum": []string{
							string(models.TriggerMedicationRequest),
							string(models.TriggerIdentified),
							string(models.TriggerAmbiguous),
							string(models.TriggerSafe),
							string(models.TriggerUnsafe),
							string(models.TriggerAuthorized),
							string(models.TriggerPriorAuthRequired),
							string(models.TriggerSelected),
							string(models.TriggerOutOfStock),
							string(models.TriggerConfirmed),
							string(models.TriggerRestart),
							string(models.TriggerUnknown),
						},
						"description": "The workflow trigger matching the user's intent",
					},
					"medication_name": map[string]interface{}{
						"type":        "string",
						"description": "Medication mentioned in the message, if any",
					},
					"dosage_text": map[string]interface{}{
						"type":        "string",
						"description": "Dosage phrase mentioned in the message, if any (e.g. \"10mg once daily\")",
					},
					"pharmacy_text": map[string]interface{}{
						"type":        "string",
						"description": "Pharmacy name or location mentioned in the message, if any",
					},
				},
				"required": []string{"trigger"},
			},
		},
	}
}

// Interpret implements the engine's Interpreter contract.
func (i *Interpreter) Interpret(ctx context.Context, s *models.Session, utterance string) (models.Interpretation, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(interpreterSystemPrompt),
		openai.SystemMessage(fmt.Sprintf("Current workflow state: %s", s.State)),
	}
	for _, entry := range s.RecentHistory(interpretHistoryLimit) {
		switch entry.Speaker {
		case models.SpeakerUser:
			messages = append(messages, openai.UserMessage(entry.Text))
		case models.SpeakerAssistant:
			messages = append(messages, openai.AssistantMessage(entry.Text))
		}
	}
	messages = append(messages, openai.UserMessage(utterance))

	resp, err := i.client.GenerateWithTools(ctx, messages, []openai.ChatCompletionToolParam{interpretationToolDefinition()})
	if err != nil {
		return models.Interpretation{}, fmt.Errorf("interpretation call failed: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		slog.Warn("Interpreter.Interpret: model made no tool call", "sessionID", s.ID)
		return models.Interpretation{Trigger: models.TriggerUnknown}, nil
	}

	var reported reportedInterpretation
	if err := json.Unmarshal(resp.ToolCalls[0].Function.Arguments, &reported); err != nil {
		slog.Warn("Interpreter.Interpret: malformed tool arguments", "sessionID", s.ID, "error", err)
		return models.Interpretation{Trigger: models.TriggerUnknown}, nil
	}

	interp := models.Interpretation{
		Trigger:        models.ParseTrigger(reported.Trigger),
		MedicationName: reported.MedicationName,
		DosageText:     reported.DosageText,
		PharmacyText:   reported.PharmacyText,
	}
	slog.Debug("Interpreter.Interpret: interpretation reported",
		"sessionID", s.ID, "trigger", interp.Trigger,
		"hasMedication", interp.MedicationName != "")
	return interp, nil
}
