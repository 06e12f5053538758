package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/util"
	"github.com/go-chi/chi/v5"
)

// createConversationRequest is the optional body of POST /conversations.
type createConversationRequest struct {
	ID      string                   `json:"id,omitempty"`
	Context models.StructuredContext `json:"context"`
}

// healthHandler reports liveness and the state of configured dependencies.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.healthChecks))
	healthy := true
	for name, check := range s.healthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			slog.Warn("Server.healthHandler: dependency unhealthy", "dependency", name, "error", err)
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"generator": s.pipeline.HasGenerator(),
	}
	if len(checks) > 0 {
		response["checks"] = checks
	}
	writeJSONResponse(w, code, response)
}

// evaluateScopeHandler classifies a transcript without storing anything.
func (s *Server) evaluateScopeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Debug("Server.evaluateScopeHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "Server.evaluateScopeHandler", err)
		return
	}
	decision, err := s.pipeline.EvaluateScope(req.Messages)
	if err != nil {
		writeError(w, "Server.evaluateScopeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decision))
}

// evaluateGateHandler runs the safety gate over a transcript without storing anything.
func (s *Server) evaluateGateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Debug("Server.evaluateGateHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "Server.evaluateGateHandler", err)
		return
	}
	decision, err := s.pipeline.EvaluateGate(req.Messages, req.Context)
	if err != nil {
		writeError(w, "Server.evaluateGateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decision))
}

// createConversationHandler starts a conversation, optionally with structured context.
func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			slog.Debug("Server.createConversationHandler: invalid JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	id := req.ID
	if id == "" {
		id = util.GenerateConversationID()
	}
	if err := s.pipeline.SetContext(id, req.Context); err != nil {
		writeError(w, "Server.createConversationHandler", err)
		return
	}
	conv, err := s.pipeline.Store().GetConversation(id)
	if err != nil {
		writeError(w, "Server.createConversationHandler", err)
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversationID", conv.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(conv))
}

// getConversationHandler returns a stored transcript and its context.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := models.CanonicalConversationID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getConversationHandler", err)
		return
	}
	conv, err := s.pipeline.Store().GetConversation(id)
	if err != nil {
		writeError(w, "Server.getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// postMessageHandler processes one user turn.
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Debug("Server.postMessageHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	result, err := s.pipeline.HandleTurn(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "Server.postMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// putContextHandler replaces a conversation's structured context.
func (s *Server) putContextHandler(w http.ResponseWriter, r *http.Request) {
	var sc models.StructuredContext
	if err := decodeJSON(w, r, &sc); err != nil {
		slog.Debug("Server.putContextHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.pipeline.SetContext(chi.URLParam(r, "id"), sc); err != nil {
		writeError(w, "Server.putContextHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded())
}

// getDecisionsHandler lists the audit trail of a conversation.
func (s *Server) getDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := models.CanonicalConversationID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getDecisionsHandler", err)
		return
	}
	if _, err := s.pipeline.Store().GetConversation(id); err != nil {
		writeError(w, "Server.getDecisionsHandler", err)
		return
	}
	decisions, err := s.pipeline.Store().GetDecisions(id)
	if err != nil {
		writeError(w, "Server.getDecisionsHandler", err)
		return
	}
	if decisions == nil {
		decisions = []models.DecisionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decisions))
}
