package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/RefillPipe/internal/capability"
	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// scriptedInterpreter replays canned interpretations in order.
type scriptedInterpreter struct {
	steps []models.Interpretation
	i     int
}

func (s *scriptedInterpreter) Interpret(ctx context.Context, sess *models.Session, utterance string) (models.Interpretation, error) {
	if s.i >= len(s.steps) {
		return models.Interpretation{Trigger: models.TriggerUnknown}, nil
	}
	step := s.steps[s.i]
	s.i++
	return step, nil
}

type stateRenderer struct{}

func (stateRenderer) Render(ctx context.Context, s *models.Session, rc engine.RenderContext) (string, error) {
	return "state: " + string(s.State), nil
}

func newTestServer(t *testing.T, steps []models.Interpretation) (*Server, store.SessionStore) {
	t.Helper()
	providers, err := capability.NewProviders()
	if err != nil {
		t.Fatalf("NewProviders returned error: %v", err)
	}
	reg := engine.NewRegistry()
	if err := capability.RegisterAll(reg, providers); err != nil {
		t.Fatalf("RegisterAll returned error: %v", err)
	}
	st := store.NewInMemoryStore()
	eng := engine.New(st, reg, &scriptedInterpreter{steps: steps}, stateRenderer{})
	return NewServer(eng, st, nil), st
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not a JSON envelope: %v: %s", err, rec.Body.String())
	}
	return resp
}

func TestMessagesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
	})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/messages", models.TurnRequest{
		SessionID: "sess-1",
		PatientID: "patient-001",
		Message:   "refill my lisinopril",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("envelope status = %q, want ok", resp.Status)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want an object", resp.Result)
	}
	if result["state"] != string(models.StateConfirmDosage) {
		t.Errorf("state = %v, want %s", result["state"], models.StateConfirmDosage)
	}
}

func TestMessagesEndpointRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != string(models.APIStatusError) {
		t.Errorf("envelope status = %q, want error", resp.Status)
	}
}

func TestMessagesEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := postJSON(t, srv.Handler(), "/messages", models.TurnRequest{SessionID: "sess-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if !strings.Contains(resp.Message, "patient_id") {
		t.Errorf("message = %q, want the missing field named", resp.Message)
	}
}

func TestMessagesEndpointMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("Allow = %q, want POST", allow)
	}
}

func TestGetSession(t *testing.T) {
	srv, st := newTestServer(t, nil)
	sess := models.NewSession("sess-1", "patient-001")
	if err := st.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want an object", resp.Result)
	}
	if result["id"] != "sess-1" {
		t.Errorf("session id = %v, want sess-1", result["id"])
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()
	if err := st.SaveSession(ctx, models.NewSession("sess-1", "patient-001")); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	sess, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if sess != nil {
		t.Error("session still present after DELETE")
	}
}

func TestCancelOrderEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, []models.Interpretation{
		{Trigger: models.TriggerMedicationRequest, MedicationName: "lisinopril"},
		{Trigger: models.TriggerUnknown, DosageText: "10 mg once daily"},
		{Trigger: models.TriggerUnknown, PharmacyText: "maple"},
		{Trigger: models.TriggerConfirmed},
	})
	handler := srv.Handler()

	for _, msg := range []string{"refill lisinopril", "10 mg once daily", "maple pharmacy", "yes"} {
		rec := postJSON(t, handler, "/messages", models.TurnRequest{
			SessionID: "sess-1", PatientID: "patient-001", Message: msg,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %q: status = %d: %s", msg, rec.Code, rec.Body.String())
		}
	}

	rec := postJSON(t, handler, "/sessions/sess-1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	order, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want an object", resp.Result)
	}
	if order["status"] != capability.OrderStatusCancelled {
		t.Errorf("order status = %v, want %s", order["status"], capability.OrderStatusCancelled)
	}
}

func TestCancelOrderEndpointUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := postJSON(t, srv.Handler(), "/sessions/nope/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelOrderEndpointWithoutOrder(t *testing.T) {
	srv, st := newTestServer(t, nil)
	if err := st.SaveSession(context.Background(), models.NewSession("sess-1", "patient-001")); err != nil {
		t.Fatalf("SaveSession returned error: %v", err)
	}
	rec := postJSON(t, srv.Handler(), "/sessions/sess-1/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != string(models.APIStatusOK) {
		t.Errorf("envelope status = %q, want ok", resp.Status)
	}
}
