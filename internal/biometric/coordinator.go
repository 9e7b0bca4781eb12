// Package biometric coordinates face matching and presentation-attack
// detection. Both capabilities run in parallel against the vendor hub; the
// combined result feeds session quality and the final decision.
package biometric

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
)

// Result is one combined match + PAD outcome.
type Result struct {
	MatchScore     float64 `json:"match_score"`
	PADScore       float64 `json:"pad_score"`
	Passed         bool    `json:"passed"`
	Confidence     float64 `json:"confidence"`
	ProcessingMS   float64 `json:"processing_ms"`
	AttackDetected bool    `json:"attack_detected"`
	AttackType     string  `json:"attack_type,omitempty"`
}

// Coordinator drives biometric verification for sessions.
type Coordinator struct {
	hub *vendorhub.Hub
	bus *events.Bus
	reg *thresholds.Registry
}

// NewCoordinator creates a biometric coordinator.
func NewCoordinator(hub *vendorhub.Hub, bus *events.Bus, reg *thresholds.Registry) *Coordinator {
	return &Coordinator{hub: hub, bus: bus, reg: reg}
}

// Verify runs biometric.match and biometric.pad concurrently and combines
// them. Emits biometric_start, biometric_match_progress, then either
// biometric_complete or biometric_attack_detected.
func (c *Coordinator) Verify(ctx context.Context, sessionID string) (*Result, error) {
	start := time.Now()
	c.bus.Emit(sessionID, events.TypeBiometricStart, nil)

	var (
		matchScore     float64
		padScore       float64
		attackDetected bool
		attackType     string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := c.hub.Invoke(gctx, vendorhub.CapBiometricMatch, map[string]interface{}{
			"session_id": sessionID,
		})
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		matchScore, _ = resp.Data["match_score"].(float64)
		c.bus.Emit(sessionID, events.TypeBiometricMatchProgress, map[string]interface{}{
			"score": matchScore,
		})
		return nil
	})
	g.Go(func() error {
		resp, err := c.hub.Invoke(gctx, vendorhub.CapBiometricPAD, map[string]interface{}{
			"session_id": sessionID,
		})
		if err != nil {
			return fmt.Errorf("pad: %w", err)
		}
		padScore, _ = resp.Data["pad_score"].(float64)
		attackDetected, _ = resp.Data["attack_detected"].(bool)
		attackType, _ = resp.Data["attack_type"].(string)
		return nil
	})
	if err := g.Wait(); err != nil {
		c.bus.Emit(sessionID, events.TypeError, map[string]interface{}{
			"error": "capability_unavailable",
		})
		return nil, err
	}

	res := &Result{
		MatchScore:     matchScore,
		PADScore:       padScore,
		AttackDetected: attackDetected,
		AttackType:     attackType,
		ProcessingMS:   float64(time.Since(start)) / float64(time.Millisecond),
	}
	res.Passed = matchScore >= c.reg.Get("match_threshold") &&
		padScore >= c.reg.Get("pad_threshold") &&
		!attackDetected
	// Confidence: the weaker of the two signals decides.
	res.Confidence = matchScore
	if padScore < matchScore {
		res.Confidence = padScore
	}

	if attackDetected {
		c.bus.Emit(sessionID, events.TypeBiometricAttackDetected, map[string]interface{}{
			"attack_type": attackType,
			"score":       padScore,
		})
		return res, nil
	}

	c.bus.Emit(sessionID, events.TypeBiometricComplete, map[string]interface{}{
		"score":       matchScore,
		"confidence":  res.Confidence,
		"result":      res.Passed,
		"duration_ms": res.ProcessingMS,
	})
	return res, nil
}

// FrameScores requests per-frame match scores for a burst via a single
// biometric.match invocation carrying the frame count.
func (c *Coordinator) FrameScores(ctx context.Context, sessionID string, frameCount int) ([]float64, error) {
	resp, err := c.hub.Invoke(ctx, vendorhub.CapBiometricMatch, map[string]interface{}{
		"session_id":  sessionID,
		"frame_count": frameCount,
	})
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Data["frame_scores"].([]interface{})
	scores := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			scores = append(scores, f)
		}
	}
	return scores, nil
}
