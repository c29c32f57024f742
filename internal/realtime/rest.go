package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gangwaybot/gangway/internal/session"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.mgr.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sums := s.mgr.ListSessions()
	out := make([]SessionUpdatePayload, 0, len(sums))
	for _, sum := range sums {
		out = append(out, summaryPayload(sum))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "project_path is required")
		return
	}

	sess, err := s.mgr.CreateSession(r.Context(), req.ProjectPath, req.SessionID)
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}

	s.broadcastSessionTable()
	s.tapAllClients(sess.ID)

	writeJSON(w, http.StatusCreated, SessionUpdatePayload{
		SessionID:   sess.ID,
		ProjectPath: sess.ProjectPath,
		ProjectName: sess.ProjectName,
		Status:      string(sess.Status),
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var found *session.Summary
	for _, sum := range s.mgr.ListSessions() {
		if sum.ID == id {
			found = &sum
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "session_not_found", id)
		return
	}

	history, err := s.mgr.History(id)
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": summaryPayload(*found),
		"history": history,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req MessagePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "text is required")
		return
	}

	reply, err := s.mgr.SendMessage(r.Context(), id, req.Text)
	if err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ResponsePayload{SessionID: id, Text: reply})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.mgr.TerminateSession(r.Context(), id); err != nil {
		writeError(w, statusFor(err), errorCode(err), err.Error())
		return
	}
	s.broadcastSessionTable()
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorPayload{Code: code, Message: message})
}
