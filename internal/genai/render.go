// Package genai provides GenAI-backed language collaborators.
//
// This file implements the response renderer. The model phrases the reply
// from the workflow state and slots; when it fails or times out the
// renderer degrades to a templated reply rather than failing the turn.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/openai/openai-go"
)

const rendererSystemPrompt = `You are a friendly pharmacy refill assistant. Using the workflow state and
collected details below, write the next reply to the user in one or two short sentences.
Ask for exactly the information the current state needs. If degradation notices are
listed, work them into the reply so the user knows the data may be stale. If an
escalation is present, deliver its message plainly and do not offer to continue the
refill. Never invent medication, pricing, or coverage facts that are not listed.`

// Renderer phrases the per-turn reply.
type Renderer struct {
	client ClientInterface
}

// NewRenderer creates a renderer over the given GenAI client.
func NewRenderer(client ClientInterface) *Renderer {
	return &Renderer{client: client}
}

// Render implements the engine's Renderer contract. It never returns an
// error for model failure; it degrades to the templated reply instead.
func (r *Renderer) Render(ctx context.Context, s *models.Session, rc engine.RenderContext) (string, error) {
	slots, err := json.Marshal(s.Slots)
	if err != nil {
		slots = []byte("{}")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow state: %s\n", s.State)
	fmt.Fprintf(&sb, "Collected details: %s\n", slots)
	if rc.Clarify {
		sb.WriteString("The last message could not be matched to the workflow; ask a clarifying question.\n")
	}
	for _, d := range rc.Disclosures {
		fmt.Fprintf(&sb, "Degradation notice: %s\n", d)
	}
	if rc.Verdict != nil && rc.Verdict.Required {
		fmt.Fprintf(&sb, "Escalation (%s, %s): %s\n", rc.Verdict.Target, rc.Verdict.Reason, rc.Verdict.HumanMessage)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(rendererSystemPrompt),
		openai.SystemMessage(sb.String()),
	}
	for _, entry := range s.RecentHistory(interpretHistoryLimit) {
		switch entry.Speaker {
		case models.SpeakerUser:
			messages = append(messages, openai.UserMessage(entry.Text))
		case models.SpeakerAssistant:
			messages = append(messages, openai.AssistantMessage(entry.Text))
		}
	}

	reply, err := r.client.GenerateWithMessages(ctx, messages)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Renderer.Render: model unavailable, using templated reply",
			"sessionID", s.ID, "state", s.State, "error", err)
		return TemplatedReply(s, rc), nil
	}
	return reply, nil
}

// TemplatedReply is the degraded rendering path: fixed phrasing per state,
// with disclosures and escalation messages appended verbatim.
func TemplatedReply(s *models.Session, rc engine.RenderContext) string {
	var parts []string

	if rc.Verdict != nil && rc.Verdict.Required && rc.Verdict.HumanMessage != "" {
		parts = append(parts, rc.Verdict.HumanMessage)
	} else if rc.Clarify {
		parts = append(parts, "Sorry, I didn't follow that. Could you rephrase?")
	} else {
		switch s.State {
		case models.StateStart:
			parts = append(parts, "Hi! Which medication would you like to refill?")
		case models.StateIdentifyMedication, models.StateClarifyMedication:
			parts = append(parts, "Which medication is this for? The exact name on the label helps.")
		case models.StateConfirmDosage:
			med := "your medication"
			if s.Slots.Medication != nil {
				med = s.Slots.Medication.Name
			}
			parts = append(parts, fmt.Sprintf("I found %s in your history. What dosage are you taking?", med))
		case models.StateCheckAuthorization:
			parts = append(parts, "Let me check your insurance coverage.")
		case models.StateSelectPharmacy:
			parts = append(parts, "Which pharmacy would you like to pick this up from?")
		case models.StateConfirmOrder:
			if s.Slots.Pharmacy != nil {
				parts = append(parts, fmt.Sprintf("Ready to order from %s. Shall I place the refill?", s.Slots.Pharmacy.Name))
			} else {
				parts = append(parts, "Shall I place the refill?")
			}
		case models.StateComplete:
			parts = append(parts, "Your refill order has been placed. Anything else?")
		case models.StateEscalatePriorAuth:
			parts = append(parts, "Your insurance requires prior authorization; your doctor's office can submit the request. Say \"restart\" to begin another refill.")
		case models.StateError:
			if s.LastError != "" {
				parts = append(parts, "Sorry, I ran into a problem and couldn't continue. Say \"restart\" to try again.")
			} else {
				parts = append(parts, "This request needs human help and can't continue automatically. Say \"restart\" to begin again.")
			}
		default:
			parts = append(parts, "How can I help with your refill?")
		}
	}

	for _, d := range rc.Disclosures {
		parts = append(parts, "Note: "+d+".")
	}
	return strings.Join(parts, " ")
}
