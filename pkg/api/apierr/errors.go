// Package apierr provides the error envelope of the spikesim HTTP API.
//
// Every error response uses the same JSON shape:
//
//	{
//	  "ok":     false,
//	  "error":  "human-readable description",
//	  "code":   "MACHINE_READABLE_CODE",
//	  "status": 400
//	}
//
// Clients branch on "code"; "error" is for humans.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qubicDB/spikesim/pkg/core"
)

// Error codes. They are part of the public API; add freely, never rename.
const (
	// General
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidJSON      = "INVALID_JSON"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeConflict         = "CONFLICT"

	// Session
	CodeSessionIDRequired = "SESSION_ID_REQUIRED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionExists     = "SESSION_EXISTS"
	CodeSessionLimit      = "SESSION_LIMIT"

	// Simulation
	CodeInvalidTopology  = "INVALID_TOPOLOGY"
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeSimulationPaused = "SIMULATION_PAUSED"
	CodeLastNeuron       = "LAST_NEURON"
	CodeNeuronLimit      = "NEURON_LIMIT"
	CodeUnknownPreset    = "UNKNOWN_PRESET"
	CodeTooManySteps     = "TOO_MANY_STEPS"
)

// Response is the standard error envelope returned to API clients.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// Write serialises an error Response with the given status.
// Content-Type is always application/json.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		OK:     false,
		Error:  message,
		Code:   code,
		Status: status,
	})
}

// Classify maps a domain error to its HTTP status and code.
// Unknown errors are internal.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound, CodeSessionNotFound
	case errors.Is(err, core.ErrSessionExists):
		return http.StatusConflict, CodeSessionExists
	case errors.Is(err, core.ErrSessionLimit):
		return http.StatusTooManyRequests, CodeSessionLimit
	case errors.Is(err, core.ErrInvalidTopology), errors.Is(err, core.ErrInvalidTopologyFile):
		return http.StatusBadRequest, CodeInvalidTopology
	case errors.Is(err, core.ErrUnknownPreset):
		return http.StatusBadRequest, CodeUnknownPreset
	case errors.Is(err, core.ErrTooManySteps):
		return http.StatusBadRequest, CodeTooManySteps
	case errors.Is(err, core.ErrInvalidParameter):
		return http.StatusBadRequest, CodeInvalidParameter
	case errors.Is(err, core.ErrSimulationPaused):
		return http.StatusConflict, CodeSimulationPaused
	case errors.Is(err, core.ErrLastNeuron):
		return http.StatusConflict, CodeLastNeuron
	case errors.Is(err, core.ErrNeuronLimit):
		return http.StatusConflict, CodeNeuronLimit
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// FromError writes the envelope for a domain error.
func FromError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	Write(w, status, code, err.Error())
}

// BadRequest writes a 400 response with the given code and message.
func BadRequest(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusBadRequest, code, msg)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusNotFound, code, msg)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, msg string) {
	Write(w, http.StatusUnauthorized, CodeUnauthorized, msg)
}

// TooManyRequests writes a 429 response.
func TooManyRequests(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "too many requests"
	}
	Write(w, http.StatusTooManyRequests, CodeRateLimited, msg)
}

// Conflict writes a 409 response.
func Conflict(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusConflict, code, msg)
}

// Internal writes a 500 response.
func Internal(w http.ResponseWriter, msg string) {
	Write(w, http.StatusInternalServerError, CodeInternalError, msg)
}

// InvalidJSON writes a 400 response for malformed request bodies.
func InvalidJSON(w http.ResponseWriter) {
	BadRequest(w, CodeInvalidJSON, "invalid JSON in request body")
}

// PayloadTooLarge writes a 413 response.
func PayloadTooLarge(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "payload too large"
	}
	Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

// SessionIDRequired writes a 400 response when no session was named.
func SessionIDRequired(w http.ResponseWriter) {
	BadRequest(w, CodeSessionIDRequired, "X-Session-ID header or session_id query parameter required")
}
