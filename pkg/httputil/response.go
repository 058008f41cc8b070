package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// ErrorResponse is the body of every error reply. RequestID lets support
// correlate a reply with the server logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error reply tagged with the request id
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:     message,
		Kind:      kind,
		RequestID: observability.GetRequestID(r.Context()),
	})
}

// WriteBadRequest writes a 400 reply
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, http.StatusBadRequest, "validation", message)
}

// WriteNotFound writes a 404 reply
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, http.StatusNotFound, "not_found", message)
}

// WriteInternalError logs err and writes a 500 reply that does not leak it
func WriteInternalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).WithError(err).Error("Internal error")
	WriteErrorMessage(w, r, http.StatusInternalServerError, "internal", "internal error")
}

// WriteSuccess writes a 200 reply
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 reply
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}
