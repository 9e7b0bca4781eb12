// Package decision maps a session's accumulated signals to the final
// approve / review / deny verdict and writes it to the audit chain with the
// exact thresholds that produced it.
package decision

import (
	"fmt"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/metrics"
	"github.com/kycgate/backend/internal/thresholds"
)

// PolicyVersion tags every decision with the rule set that produced it.
// Bump on any change to the policy below.
const PolicyVersion = "kyc-policy/2025-08"

// Verdict is the decision outcome.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReview  Verdict = "review"
	VerdictDeny    Verdict = "deny"
)

// AML hit classes recognized by the policy.
const (
	AMLSanctions    = "SANCTIONS"
	AMLPEP          = "PEP"
	AMLAdverseMedia = "ADVERSE_MEDIA"
)

// Signals is everything the policy looks at, accumulated by the session
// manager over the capture flow.
type Signals struct {
	AttackDetected     bool
	ConsensusEvaluated bool
	ConsensusOK        bool
	BiometricEvaluated bool
	PADScore           float64
	AMLClasses         []string
	ExtractionOverall  float64
	ExpiredDocument    bool
	DeviceAnomaly      float64
	FrontCaptured      bool
	BackCaptured       bool
	ValidationOK       bool
	IssuerVerified     bool
	Timings            map[string]int64
}

// Decision is the immutable outcome. Owned by the audit log once written.
type Decision struct {
	SessionID     string             `json:"session_id"`
	Verdict       Verdict            `json:"verdict"`
	Reasons       []string           `json:"reasons"`
	PolicyVersion string             `json:"policy_version"`
	Thresholds    map[string]float64 `json:"thresholds"`
	Timings       map[string]int64   `json:"timings,omitempty"`
	CreatedAt     string             `json:"created_at"`
}

// Engine applies the decision policy.
type Engine struct {
	reg   *thresholds.Registry
	audit *audit.Log
	clock *clock.Clock
	met   *metrics.Metrics
}

// NewEngine creates a decision engine.
func NewEngine(reg *thresholds.Registry, auditLog *audit.Log, clk *clock.Clock, met *metrics.Metrics) *Engine {
	return &Engine{reg: reg, audit: auditLog, clock: clk, met: met}
}

// Decide runs the deterministic policy and writes the decision to the audit
// chain. An audit write failure fails the decision: no verdict leaves the
// building unrecorded.
func (e *Engine) Decide(sessionID string, sig Signals) (*Decision, error) {
	verdict, reasons := evaluate(sig, e.reg)

	dec := &Decision{
		SessionID:     sessionID,
		Verdict:       verdict,
		Reasons:       reasons,
		PolicyVersion: PolicyVersion,
		Thresholds:    e.reg.Snapshot(),
		Timings:       sig.Timings,
		CreatedAt:     e.clock.Stamp(),
	}

	payload := map[string]interface{}{
		"kind":            "decision",
		"session_id":      sessionID,
		"verdict":         string(verdict),
		"reasons":         toInterfaces(reasons),
		"policy_version":  PolicyVersion,
		"thresholds":      toInterfaceMap(dec.Thresholds),
		"timings":         timingsToInterfaceMap(sig.Timings),
		"created_at":      dec.CreatedAt,
		"consensus_ok":    sig.ConsensusOK,
		"validation_ok":   sig.ValidationOK,
		"issuer_verified": sig.IssuerVerified,
	}
	if _, err := e.audit.Append(payload); err != nil {
		return nil, fmt.Errorf("decision: audit write: %w", err)
	}
	if e.met != nil {
		e.met.DecisionVerdicts.WithLabelValues(string(verdict)).Inc()
	}
	return dec, nil
}

// evaluate is the pure policy: deny rules first, then review, then the
// approve preconditions.
func evaluate(sig Signals, reg *thresholds.Registry) (Verdict, []string) {
	var reasons []string

	// Deny rules.
	if sig.AttackDetected {
		reasons = append(reasons, "attack_detected")
	}
	if sig.ConsensusEvaluated && !sig.ConsensusOK {
		reasons = append(reasons, "consensus_failed")
	}
	// A zero-value PAD score from an unavailable biometric capability is not
	// a liveness failure; that degradation surfaces as a review below.
	if sig.BiometricEvaluated && sig.PADScore < reg.Get("pad_threshold") {
		reasons = append(reasons, "liveness_below_threshold")
	}
	if hasClass(sig.AMLClasses, AMLSanctions) {
		reasons = append(reasons, "aml_sanctions_hit")
	}
	if len(reasons) > 0 {
		return VerdictDeny, reasons
	}

	// Review rules.
	if sig.ExtractionOverall < reg.Get("review_extraction") {
		reasons = append(reasons, "extraction_confidence_low")
	}
	if hasClass(sig.AMLClasses, AMLPEP) {
		reasons = append(reasons, "aml_pep_hit")
	}
	if hasClass(sig.AMLClasses, AMLAdverseMedia) {
		reasons = append(reasons, "aml_adverse_media_hit")
	}
	if sig.ExpiredDocument {
		reasons = append(reasons, "document_expired")
	}
	if sig.DeviceAnomaly > reg.Get("review_anomaly_max") {
		reasons = append(reasons, "device_anomaly")
	}
	if !sig.BiometricEvaluated {
		reasons = append(reasons, "biometric_unavailable")
	}
	if len(reasons) > 0 {
		return VerdictReview, reasons
	}

	// Approve preconditions; anything missing falls back to review.
	if !sig.FrontCaptured || !sig.BackCaptured {
		return VerdictReview, []string{"capture_incomplete"}
	}
	if !sig.ConsensusEvaluated || !sig.ConsensusOK {
		return VerdictReview, []string{"consensus_missing"}
	}
	if !sig.ValidationOK {
		return VerdictReview, []string{"validation_failed"}
	}
	if !sig.IssuerVerified {
		return VerdictReview, []string{"issuer_unverified"}
	}
	return VerdictApprove, []string{"all_checks_passed"}
}

func hasClass(classes []string, want string) bool {
	for _, c := range classes {
		if c == want {
			return true
		}
	}
	return false
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toInterfaceMap(m map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func timingsToInterfaceMap(m map[string]int64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
