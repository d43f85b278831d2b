package api

import (
	"encoding/json"
	"net/http"

	"github.com/moamoak/kerrucent/internal/errors"
)

// Error is the body of every failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error Error `json:"error"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps err to its status and code.
func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	writeErrorCode(w, status, errors.CodeName(errors.ErrorToCode(err)), err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: Error{Code: code, Message: message}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeErrorCode(w, http.StatusBadRequest, errors.CodeName(errors.CodeInvalidRequest), message)
}

func writeUnavailable(w http.ResponseWriter, what string) {
	writeErrorCode(w, http.StatusServiceUnavailable, errors.CodeName(errors.CodeUnavailable), what+" is not configured")
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
