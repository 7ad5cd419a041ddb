package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes to a buffer first so an encoding failure can still be
// reported as a 500.
func writeJSON(w http.ResponseWriter, l logging.Logger, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		l.Error("failed to encode json response", "error", err)
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, l logging.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		l.Error("request failed", "error", err)
	}
	writeJSON(w, l, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}

	switch apperror.KindOf(err) {
	case apperror.ErrValidation:
		return http.StatusBadRequest
	case apperror.ErrSessionNotFound:
		return http.StatusNotFound
	case apperror.ErrSessionClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
