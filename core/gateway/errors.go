package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MohamedAYassin/PeerLink/core/session"
	"github.com/MohamedAYassin/PeerLink/core/transfer"
)

// apiError is the wire form of every HTTP-path failure.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// classify maps sentinel errors onto the HTTP taxonomy.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrShareNotFound), errors.Is(err, transfer.ErrUploadNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, session.ErrShareExists):
		return http.StatusConflict, "SHARE_EXISTS"
	case errors.Is(err, session.ErrShareFull):
		return http.StatusConflict, "SHARE_SESSION_FULL"
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, transfer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"
	case errors.Is(err, transfer.ErrChecksumMismatch):
		return http.StatusBadRequest, "CHECKSUM_MISMATCH"
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, transfer.ErrSessionNotFound):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, transfer.ErrAllReceiversBusy),
		errors.Is(err, transfer.ErrTooManyUploads),
		errors.Is(err, transfer.ErrTooManyTransfers):
		return http.StatusInternalServerError, "UPLOAD_FAILED"
	default:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{Code: code, Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{Code: "BAD_REQUEST", Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
