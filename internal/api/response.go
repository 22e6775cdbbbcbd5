package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/core/ledger"
	"github.com/rampline/settlecore/internal/core/order"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	s.writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps domain sentinels onto HTTP statuses. Unrecognized errors
// become opaque 500s; the detail goes to the log, not the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
		msg    = "internal error"
	)

	switch {
	case errors.Is(err, order.ErrValidation):
		status, code, msg = http.StatusBadRequest, "validation", err.Error()
	case errors.Is(err, order.ErrForbidden):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, order.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, order.ErrConflict):
		status, code, msg = http.StatusConflict, "conflict", err.Error()
	// 409 is reserved for version and duplicate conflicts; an illegal
	// edge is a bad request.
	case errors.Is(err, order.ErrInvalidTransition):
		status, code, msg = http.StatusBadRequest, "invalid_transition", err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code, msg = http.StatusConflict, "insufficient_funds", err.Error()
	default:
		s.log.Error("request failed", zap.Error(err))
	}

	s.writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: msg}})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: &apiError{Code: "validation", Message: msg}})
}
