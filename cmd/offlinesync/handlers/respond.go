// Package handlers provides the admin REST API over the offline manager.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Admin request failed", string(code), err, nil)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(apperrors.ErrInvalid)})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound, apperrors.ErrConflictNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrConflictInvalid:
		return http.StatusBadRequest
	case apperrors.ErrConflictAlreadyResolved:
		return http.StatusConflict
	case apperrors.ErrSyncNotAuthenticated:
		return http.StatusUnauthorized
	case apperrors.ErrSyncDisabled, apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrSyncFailed, apperrors.ErrTransportHTTP:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}
