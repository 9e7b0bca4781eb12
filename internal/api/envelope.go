// Package api exposes the capture pipeline over REST/JSON plus SSE, with a
// uniform bilingual response envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/capture"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/session"
	"github.com/kycgate/backend/internal/vendorhub"
)

// Version is reported in every response envelope.
const Version = "1.0"

// Metadata rides every envelope.
type Metadata struct {
	SessionID        string  `json:"session_id,omitempty"`
	Timestamp        string  `json:"timestamp"`
	Version          string  `json:"version"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	Endpoint         string  `json:"endpoint"`
}

// Messages is the bilingual string pair attached to user-facing responses.
type Messages struct {
	Primary string `json:"primary,omitempty"`
	English string `json:"english,omitempty"`
}

// ErrorBody describes a failure inside the envelope.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Envelope is the uniform response shape for every JSON endpoint.
type Envelope struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Messages *Messages   `json:"messages,omitempty"`
	Error    *ErrorBody  `json:"error,omitempty"`
}

// errorStatus maps error codes to HTTP statuses.
var errorStatus = map[string]int{
	"invalid_request":        http.StatusBadRequest,
	"session_not_found":      http.StatusNotFound,
	"incomplete_session":     http.StatusConflict,
	"not_ready":              http.StatusConflict,
	"too_many_frames":        http.StatusRequestEntityTooLarge,
	"burst_too_long":         http.StatusRequestEntityTooLarge,
	"rate_limited":           http.StatusTooManyRequests,
	"capability_unavailable": http.StatusServiceUnavailable,
	"range_empty":            http.StatusNotFound,
	"error_generic":          http.StatusInternalServerError,
}

// codeFor classifies a pipeline error into its envelope code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, events.ErrSessionUnknown):
		return "session_not_found"
	case errors.Is(err, session.ErrIncompleteSession):
		return "incomplete_session"
	case errors.Is(err, session.ErrTooManyFrames):
		return "too_many_frames"
	case errors.Is(err, session.ErrBurstTooLong):
		return "burst_too_long"
	case errors.Is(err, session.ErrNoBurst):
		return "not_ready"
	case errors.Is(err, events.ErrTooManySubs):
		return "rate_limited"
	case errors.Is(err, vendorhub.ErrCapabilityUnavailable),
		errors.Is(err, vendorhub.ErrCapabilityOverloaded):
		return "capability_unavailable"
	case errors.Is(err, capture.ErrIllegalTransition):
		return "invalid_request"
	case errors.Is(err, audit.ErrRangeEmpty):
		return "range_empty"
	default:
		return "error_generic"
	}
}

// responder builds envelopes for one request.
type responder struct {
	clock    *clock.Clock
	endpoint string
	started  time.Time
}

func newResponder(clk *clock.Clock, endpoint string) *responder {
	return &responder{clock: clk, endpoint: endpoint, started: time.Now()}
}

func (r *responder) metadata(sessionID string) Metadata {
	return Metadata{
		SessionID:        sessionID,
		Timestamp:        r.clock.Stamp(),
		Version:          Version,
		ProcessingTimeMS: float64(time.Since(r.started)) / float64(time.Millisecond),
		Endpoint:         r.endpoint,
	}
}

// ok writes a success envelope.
func (r *responder) ok(w http.ResponseWriter, sessionID string, data interface{}, msgs *Messages) {
	writeJSON(w, http.StatusOK, Envelope{
		Success:  true,
		Data:     data,
		Metadata: r.metadata(sessionID),
		Messages: msgs,
	})
}

// fail writes an error envelope from a pipeline error.
func (r *responder) fail(w http.ResponseWriter, sessionID string, err error, msgs *Messages) {
	code := codeFor(err)
	status, ok := errorStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, Envelope{
		Success:  false,
		Metadata: r.metadata(sessionID),
		Messages: msgs,
		Error: &ErrorBody{
			Code:    code,
			Message: err.Error(),
			Status:  status,
		},
	})
}

// badRequest writes an invalid_request envelope with a plain message.
func (r *responder) badRequest(w http.ResponseWriter, sessionID, message string) {
	writeJSON(w, http.StatusBadRequest, Envelope{
		Success:  false,
		Metadata: r.metadata(sessionID),
		Error: &ErrorBody{
			Code:    "invalid_request",
			Message: message,
			Status:  http.StatusBadRequest,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
