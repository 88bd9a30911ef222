package server

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound           = "https://printbridge.dev/problems/not-found"
	ProblemTypeBadRequest         = "https://printbridge.dev/problems/bad-request"
	ProblemTypeInternal           = "https://printbridge.dev/problems/internal-error"
	ProblemTypeRateLimited        = "https://printbridge.dev/problems/rate-limited"
	ProblemTypeConflict           = "https://printbridge.dev/problems/conflict"
	ProblemTypeUnprocessable      = "https://printbridge.dev/problems/unprocessable"
	ProblemTypeServiceUnavailable = "https://printbridge.dev/problems/service-unavailable"
	ProblemTypeBadGateway         = "https://printbridge.dev/problems/bad-gateway"
	ProblemTypeNotImplemented     = "https://printbridge.dev/problems/not-implemented"
)

// Problem represents an RFC 7807 Problem Details response. Errors and
// Warnings carry validation findings.
type Problem struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeSimple(w http.ResponseWriter, typ string, status int, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     typ,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeNotFound, http.StatusNotFound, detail, instance)
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeBadRequest, http.StatusBadRequest, detail, instance)
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeInternal, http.StatusInternalServerError, detail, instance)
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeRateLimited, http.StatusTooManyRequests, detail, instance)
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeConflict, http.StatusConflict, detail, instance)
}

// ServiceUnavailable writes a 503 problem response.
func ServiceUnavailable(w http.ResponseWriter, detail, instance string) {
	writeSimple(w, ProblemTypeServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

// Unprocessable writes a 422 problem response listing validation errors
// and warnings.
func Unprocessable(w http.ResponseWriter, detail, instance string, errs, warnings []string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnprocessable,
		Title:    http.StatusText(http.StatusUnprocessableEntity),
		Status:   http.StatusUnprocessableEntity,
		Detail:   detail,
		Instance: instance,
		Errors:   errs,
		Warnings: warnings,
	})
}
