package messaging

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RefillPipe/internal/engine"
)

// PatientResolver maps a canonical phone number to a patient ID.
type PatientResolver func(phone string) (string, bool)

// Webhook handles inbound SMS callbacks from Twilio and routes each text
// into the conversation engine. Each phone number maps to one session, so
// texting the service continues the same refill workflow.
type Webhook struct {
	engine  *engine.Engine
	service Service
	resolve PatientResolver
}

// NewWebhook creates the inbound SMS handler.
func NewWebhook(eng *engine.Engine, svc Service, resolve PatientResolver) *Webhook {
	return &Webhook{engine: eng, service: svc, resolve: resolve}
}

// sessionIDForPhone derives the stable session ID for a phone number.
func sessionIDForPhone(phone string) string {
	return "sms:" + phone
}

// ServeHTTP accepts Twilio's form-encoded inbound message callback.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Webhook.ServeHTTP: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	phone, err := CanonicalizePhone(from)
	if err != nil {
		slog.Warn("Webhook.ServeHTTP: invalid sender", "error", err, "from", from)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	patientID, ok := h.resolve(phone)
	if !ok {
		slog.Warn("Webhook.ServeHTTP: unknown sender", "phone", phone)
		// Twilio retries non-2xx responses; an unknown sender is not a
		// delivery failure.
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.engine.HandleMessage(r.Context(), sessionIDForPhone(phone), patientID, body)
	if err != nil {
		slog.Error("Webhook.ServeHTTP: turn failed", "error", err, "phone", phone)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := h.service.SendMessage(r.Context(), phone, result.Reply); err != nil {
		slog.Error("Webhook.ServeHTTP: failed to send reply", "error", err, "phone", phone)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	slog.Info("Webhook.ServeHTTP: reply sent", "phone", phone, "state", result.State)
	w.WriteHeader(http.StatusOK)
}
