// Package events implements the per-session event bus: bounded, sequenced
// queues with SSE fan-out, best-effort replay, heartbeats and stale
// subscriber cleanup. A session is the single producer of its queue;
// subscribers are read-only consumers.
package events

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the closed set of event types.
type Type string

const (
	TypeConnected    Type = "connected"
	TypeHeartbeat    Type = "heartbeat"
	TypeDisconnected Type = "disconnected"

	TypeStateChange   Type = "state_change"
	TypeQualityUpdate Type = "quality_update"
	TypeQualityPass   Type = "quality_pass"
	TypeQualityFail   Type = "quality_fail"
	TypeQualityCancel Type = "quality_cancel"

	TypeExtractionStart    Type = "extraction_start"
	TypeExtractionField    Type = "extraction_field"
	TypeExtractionProgress Type = "extraction_progress"
	TypeExtractionComplete Type = "extraction_complete"
	TypeExtractionError    Type = "extraction_error"

	TypeBiometricStart          Type = "biometric_start"
	TypeBiometricMatchProgress  Type = "biometric_match_progress"
	TypeBiometricComplete       Type = "biometric_complete"
	TypeBiometricAttackDetected Type = "biometric_attack_detected"

	TypeError   Type = "error"
	TypeWarning Type = "warning"
)

// Event is one sequenced occurrence within a session. Consumers hold
// read-only references; the originating queue owns the event.
type Event struct {
	SessionID   string                 `json:"session_id"`
	Sequence    uint64                 `json:"sequence"`
	MonotonicMS float64                `json:"monotonic_ms"`
	WallTS      string                 `json:"wall_ts"`
	Type        Type                   `json:"type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a serialized event back; Decode(JSON(e)) == e for events
// whose payload values are JSON-native (string, float64, bool, nil).
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return &e, nil
}

// SSE renders the event as one Server-Sent Events block:
// "id: <seq>\nevent: <type>\ndata: <json>\n\n".
func (e *Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data)), nil
}
