package web

// respond.go is the JSON envelope shared by every endpoint. Success payloads
// carry {success, message, data}; failures carry a stable machine-readable
// code next to a human message. Internal detail never leaves the server, it
// is logged and replaced with a sanitized message.

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/opencivic/backoffice/internal/importer"
	"github.com/opencivic/backoffice/internal/logging"
)

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Message: message, Data: data}); err != nil {
		logging.FromContext(r.Context()).Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := envelope{Success: false, Error: &apiError{Code: code, Message: message}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.FromContext(r.Context()).Error("encode error response", "error", err)
	}
}

// writeServiceError maps a core error to its HTTP status and safe message.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	var fv *importer.FileValidationError
	switch {
	case errors.Is(err, importer.ErrRateLimited):
		actor, _ := actorFromContext(r.Context())
		retry := s.service.RetryAfter(actor.ID)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		writeError(w, r, http.StatusTooManyRequests, importer.CodeRateLimited, err.Error())

	case errors.Is(err, importer.ErrTooManyImports):
		writeError(w, r, http.StatusTooManyRequests, importer.CodeTooManyImports, err.Error())

	case errors.As(err, &fv):
		writeError(w, r, http.StatusUnprocessableEntity, fv.Code, fv.Message)

	case errors.Is(err, importer.ErrUnknownEntityType):
		writeError(w, r, http.StatusUnprocessableEntity, importer.CodeUnknownEntity, err.Error())

	case errors.Is(err, importer.ErrBatchNotFound):
		writeError(w, r, http.StatusNotFound, importer.CodeBatchNotFound, err.Error())

	case errors.Is(err, importer.ErrRollbackNotAllowed):
		writeError(w, r, http.StatusBadRequest, importer.CodeRollbackDenied, err.Error())

	default:
		log.Error("request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError,
			importer.ErrorCode(err), importer.SanitizeMessage(err))
	}
}
