package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"pharmatrace/batch"
	"pharmatrace/session"
	"pharmatrace/stakeholder"
)

type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &errorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// readJSON decodes the request body into dst and rejects unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

const maxBodyBytes = 8 << 20

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		message = "internal server error"
		if errors.Is(err, batch.ErrInvariantViolation) {
			message = "batch state invariant violated"
		}
	}
	writeError(w, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, batch.ErrValidation),
		errors.Is(err, stakeholder.ErrValidation),
		errors.Is(err, stakeholder.ErrWeakPassword):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, session.ErrExpired):
		return http.StatusUnauthorized, "TOKEN_EXPIRED"
	case errors.Is(err, session.ErrInvalid):
		return http.StatusUnauthorized, "INVALID_TOKEN"
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, batch.ErrForbidden),
		errors.Is(err, stakeholder.ErrForbidden),
		errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, batch.ErrNotFound), errors.Is(err, stakeholder.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, batch.ErrStalePrecondition):
		return http.StatusConflict, "STALE_PRECONDITION"
	case errors.Is(err, batch.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, batch.ErrDuplicate), errors.Is(err, stakeholder.ErrDuplicateWallet):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, batch.ErrRejected):
		return http.StatusUnprocessableEntity, "LEDGER_REJECTED"
	case errors.Is(err, batch.ErrServiceDegraded):
		return http.StatusServiceUnavailable, "SERVICE_DEGRADED"
	case errors.Is(err, batch.ErrInvariantViolation):
		return http.StatusInternalServerError, "INVARIANT_VIOLATION"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// logRequests logs one line per request.
func logRequests(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
