package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/models"
)

// messagesHandler processes one conversation turn.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing turn request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.messagesHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.engine.HandleMessage(r.Context(), req.SessionID, req.PatientID, req.Message)
	if err != nil {
		slog.Error("Server.messagesHandler: turn failed", "error", err, "sessionID", req.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.messagesHandler: turn processed", "sessionID", req.SessionID, "state", result.State)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// sessionsHandler routes /sessions/{id} and /sessions/{id}/cancel.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		s.cancelOrderHandler(w, r, id)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getSessionHandler(w, r, rest)
	case http.MethodDelete:
		s.deleteSessionHandler(w, r, rest)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodDelete}, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to delete session", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

// cancelOrderHandler cancels the session's submitted order out of band.
func (s *Server) cancelOrderHandler(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	order, err := s.engine.CancelOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.cancelOrderHandler: cancellation failed", "error", err, "sessionID", id)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}
	slog.Info("Server.cancelOrderHandler: order cancelled", "sessionID", id, "orderID", order.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(order))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("RefillPipe is healthy", nil))
}
