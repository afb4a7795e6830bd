package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vakeelsaab/vakeel-signal/internal/hub"
	"github.com/vakeelsaab/vakeel-signal/internal/presence"
)

const maxStatusBodyBytes = 4 << 10

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Username string          `json:"username"`
	Status   presence.Status `json:"status"`
}

func (s *Server) handleListLawyers(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Directory.LawyerList())
}

// handleLawyerStatus lets a lawyer's dashboard change their presence without
// going through the signaling socket.
func (s *Server) handleLawyerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req statusRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxStatusBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "bad_request", "body must be {\"status\": \"ONLINE\" | \"BUSY\"}")
		return
	}

	status, err := s.deps.Directory.SetStatus(id, req.Status)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, statusResponse{Username: id.Username, Status: status})
	case errors.Is(err, presence.ErrNotLawyer):
		WriteJSONError(w, http.StatusForbidden, "forbidden", "only lawyers can set a status")
	case errors.Is(err, presence.ErrInvalidStatus):
		WriteJSONError(w, http.StatusBadRequest, "bad_request", "status must be ONLINE or BUSY")
	case errors.Is(err, presence.ErrNotConnected):
		WriteJSONError(w, http.StatusConflict, "not_connected", "lawyer has no signaling connection")
	case errors.Is(err, hub.ErrClosed):
		WriteJSONError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
	default:
		s.log.Error("status update failed", "username", id.Username, "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "status update failed")
	}
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteJSONError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.deps.History.ListForUser(r.Context(), id.Username, limit)
	if err != nil {
		s.log.Error("call history query failed", "username", id.Username, "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "call history unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"calls": records})
}
