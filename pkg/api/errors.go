package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/middleware"
	"github.com/psantana5/schedopt/pkg/validation"
)

// Error codes carried in the "code" field of every error body
const (
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeForbidden       = "FORBIDDEN"
	CodeRateLimited     = "RATE_LIMITED"
	CodeThrottled       = "THROTTLED"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeAlgNotFound     = "ALG_NOT_FOUND"
	CodeAlgNotAllowed   = "ALG_NOT_ALLOWED"
	CodeProfileNotFound = "PROFILE_NOT_FOUND"
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeVersionNotFound = "VERSION_NOT_FOUND"
	CodeQueueFull       = "QUEUE_FULL"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of every non-2xx response
type ErrorResponse struct {
	Error   string                  `json:"error"`
	Code    string                  `json:"code"`
	Details []validation.FieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details []validation.FieldError) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// reject writes an admission failure and counts it
func (s *Server) reject(w http.ResponseWriter, status int, code, message string, details []validation.FieldError) {
	if s.metrics != nil {
		s.metrics.Rejected(code)
	}
	writeError(w, status, code, message, details)
}

func (s *Server) recovered(w http.ResponseWriter, r *http.Request, v interface{}, stack []byte) {
	s.logger.Error("Handler panicked", logging.Fields{
		"path":       r.URL.Path,
		"panic":      fmt.Sprint(v),
		"stack":      string(stack),
		"request_id": middleware.GetRequestID(r.Context()),
	})
	writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", nil)
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="schedopt"`)
	if errors.Is(err, auth.ErrMissingToken) {
		s.reject(w, http.StatusUnauthorized, CodeAuthRequired, "Authentication required", nil)
		return
	}
	msg := "Invalid token"
	if errors.Is(err, auth.ErrTokenExpired) {
		msg = "Invalid token: expired"
	}
	s.logger.Debug("Rejected credential", logging.Fields{
		"path": r.URL.Path, "remote": r.RemoteAddr, "error": err.Error(),
	})
	s.reject(w, http.StatusUnauthorized, CodeInvalidToken, msg, nil)
}

func (s *Server) forbidden(w http.ResponseWriter, r *http.Request) {
	s.reject(w, http.StatusForbidden, CodeForbidden, "Insufficient permissions", nil)
}
