package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Envelope is the single JSON shape for every error response.
type Envelope struct {
	Error Body `json:"error"`
}

type Body struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ToEnvelope converts err into its wire form. Untyped errors become Internal
// without leaking their text.
func ToEnvelope(err error, requestID string) (int, Envelope) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(Internal, "internal error")
	}
	return e.Code.HTTPStatus(), Envelope{Error: Body{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: requestID,
	}}
}

// Write renders err as an envelope response.
func Write(w http.ResponseWriter, err error, requestID string) {
	status, env := ToEnvelope(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
