// Package api is the attestd HTTP surface: evidence ingestion, compliance
// queries, manifest export and operator hooks. Errors are RFC 7807 Problem
// Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/scheduler"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id assigned by the router.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 response for r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://attest.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = middleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="attest"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// problemFor maps the evidence error taxonomy onto HTTP statuses.
func problemFor(err error) (status int, title string, ok bool) {
	switch {
	case errors.Is(err, evidence.ErrInvalidPayload):
		return http.StatusBadRequest, "Invalid Evidence", true
	case errors.Is(err, evidence.ErrUnmappedSource):
		return http.StatusUnprocessableEntity, "Unmapped Evidence Source", true
	case errors.Is(err, evidence.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound, "Not Found", true
	case errors.Is(err, evidence.ErrRetentionLocked):
		return http.StatusLocked, "Retention Locked", true
	case errors.Is(err, evidence.ErrIntegrityViolation):
		return http.StatusConflict, "Integrity Violation", true
	case errors.Is(err, evidence.ErrChainBroken):
		return http.StatusConflict, "Ledger Chain Broken", true
	case errors.Is(err, evidence.ErrStoreUnavailable), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "Service Unavailable", true
	case errors.Is(err, evidence.ErrTimeout):
		return http.StatusGatewayTimeout, "Timeout", true
	}
	return 0, "", false
}

// writeErr writes the problem for a domain error, or a 500 for anything
// outside the taxonomy.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, title, ok := problemFor(err)
	if !ok {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if status >= 500 {
		s.logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	WriteError(w, r, status, title, err.Error())
}
