package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kycgate/backend/internal/metrics"
)

// safeKeys may appear in audit payloads in plaintext.
var safeKeys = map[string]bool{
	"duration_ms": true,
	"score":       true,
	"confidence":  true,
	"result":      true,
	"reason":      true,
}

// structuralKeys are non-PII envelope keys the redactor passes through.
var structuralKeys = map[string]bool{
	"genesis":           true,
	"kind":              true,
	"verdict":           true,
	"reasons":           true,
	"policy_version":    true,
	"thresholds":        true,
	"timings":           true,
	"created_at":        true,
	"state":             true,
	"side":              true,
	"outcome":           true,
	"cancel_reason":     true,
	"consensus_ok":      true,
	"capability":        true,
	"adapter":           true,
	"event_count":       true,
	"sequence_range":    true,
	"validation_ok":     true,
	"validation_issues": true,
	"issuer_verified":   true,
	"attack_type":       true,
	"aml_classes":       true,
}

// hashedKeys carry identifiers that must be hashed before logging.
var hashedKeys = map[string]bool{
	"session_id": true,
	"subject_id": true,
	"device_id":  true,
	"burst_id":   true,
}

// forbiddenFragments mark keys whose values are raw imagery or document
// content; these never reach the chain in any form.
var forbiddenFragments = []string{
	"image", "frame", "crop", "jpeg", "png", "face", "selfie",
	"first_name", "middle_name", "last_name", "address", "date_of_birth",
	"document_number", "place_of_birth",
}

// Redactor enforces the PII boundary in front of the audit chain. Every
// payload passes through it before hashing; attempts to log forbidden
// material are dropped and counted, never written.
type Redactor struct {
	met *metrics.Metrics
}

// NewRedactor creates a redactor; met may be nil.
func NewRedactor(met *metrics.Metrics) *Redactor {
	return &Redactor{met: met}
}

// Redact returns a copy of the payload safe for the chain. Nested maps are
// redacted recursively; unknown scalar keys are kept only when numeric or
// boolean (aggregate-style values), otherwise dropped.
func (r *Redactor) Redact(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		key := strings.ToLower(k)
		switch {
		case r.forbidden(key):
			r.count()
		case hashedKeys[key]:
			if s, ok := v.(string); ok {
				out[k] = HashIdentifier(s)
			} else {
				r.count()
			}
		case safeKeys[key] || structuralKeys[key]:
			out[k] = r.redactValue(v)
		default:
			switch tv := v.(type) {
			case map[string]interface{}:
				out[k] = r.Redact(tv)
			case float64, int, int64, uint64, bool:
				out[k] = tv
			default:
				// Free-form strings are dropped; they could carry PII.
				r.count()
			}
		}
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return r.Redact(m)
	}
	return v
}

func (r *Redactor) forbidden(key string) bool {
	for _, frag := range forbiddenFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

func (r *Redactor) count() {
	if r.met != nil {
		r.met.RedactionViolations.Inc()
	}
}

// HashIdentifier maps an identifier to a stable non-reversible token: the
// first 16 hex chars of its SHA-256.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
