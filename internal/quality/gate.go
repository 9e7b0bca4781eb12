// Package quality implements the frame admission gate: a deterministic
// function from one metrics vector (plus recent history) to pass, fail, or
// cancel with a reason. The scoring path reads no clocks and keeps no state;
// identical inputs against the same threshold snapshot produce identical
// results.
package quality

import (
	"sort"
	"time"

	"github.com/kycgate/backend/internal/thresholds"
)

// Vector is one frame's metrics. All values are advertised in [0, 1].
type Vector struct {
	Focus      float64 `json:"focus"`
	Motion     float64 `json:"motion"`
	Glare      float64 `json:"glare"`
	Corners    float64 `json:"corners"`
	FillRatio  float64 `json:"fill_ratio"`
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Sharpness  float64 `json:"sharpness"`
}

// Outcome of a gate evaluation.
type Outcome string

const (
	OutcomePass   Outcome = "pass"
	OutcomeFail   Outcome = "fail"
	OutcomeCancel Outcome = "cancel"
)

// Level buckets the overall score.
type Level string

const (
	LevelExcellent  Level = "excellent"
	LevelGood       Level = "good"
	LevelAcceptable Level = "acceptable"
	LevelPoor       Level = "poor"
)

// Cancel reasons carried to clients and the decision engine.
const (
	CancelMotion    = "motion_detected"
	CancelFocus     = "focus_lost"
	CancelGlare     = "glare_high"
	CancelStability = "stability_lost"
)

// Result is the full gate verdict for one frame.
type Result struct {
	Outcome        Outcome            `json:"outcome"`
	OverallScore   float64            `json:"overall_score"`
	Level          Level              `json:"level"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	Scores         map[string]float64 `json:"scores"`
	Thresholds     map[string]float64 `json:"thresholds"`
	ResponseTimeMS float64            `json:"response_time_ms"`
	MessageKey     string             `json:"message_key"`
	HintKeys       []string           `json:"hint_keys,omitempty"`
}

// Gate evaluates frames against the threshold registry. Stateless apart from
// the registry reference.
type Gate struct {
	reg *thresholds.Registry
}

// NewGate creates a gate bound to a registry.
func NewGate(reg *thresholds.Registry) *Gate {
	return &Gate{reg: reg}
}

// metric captures the per-metric evaluation inputs for scoring and hints.
type metric struct {
	name       string
	value      float64
	passCut    float64
	higherIsOK bool
	hintKey    string
}

// Evaluate runs the gate for one vector with the session's recent history.
// Elapsed time is measured around a scoring path that itself reads no clocks.
func (g *Gate) Evaluate(v Vector, history []Vector) Result {
	start := time.Now()
	res := g.score(v, history)
	res.ResponseTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	return res
}

func (g *Gate) score(v Vector, history []Vector) Result {
	motionCancel := g.reg.Get("motion_cancel")
	focusCancel := g.reg.Get("focus_cancel")
	glareCancel := g.reg.Get("glare_cancel")

	cuts := map[string]float64{
		"focus_pass":    g.reg.Get("focus_pass"),
		"motion_pass":   g.reg.Get("motion_pass"),
		"glare_pass":    g.reg.Get("glare_pass"),
		"corners_pass":  g.reg.Get("corners_pass"),
		"fill_pass":     g.reg.Get("fill_pass"),
		"motion_cancel": motionCancel,
		"focus_cancel":  focusCancel,
		"glare_cancel":  glareCancel,
	}

	metrics := []metric{
		{"motion", v.Motion, cuts["motion_pass"], false, "hint_motion"},
		{"focus", v.Focus, cuts["focus_pass"], true, "hint_focus"},
		{"corners", v.Corners, cuts["corners_pass"], true, "hint_corners"},
		{"glare", v.Glare, cuts["glare_pass"], false, "hint_glare"},
		{"fill_ratio", v.FillRatio, cuts["fill_pass"], true, "hint_fill"},
	}

	scores := map[string]float64{
		"motion":     1 - clamp01(v.Motion),
		"focus":      clamp01(v.Focus),
		"corners":    clamp01(v.Corners),
		"glare":      1 - clamp01(v.Glare),
		"fill_ratio": clamp01(v.FillRatio),
	}
	overall := g.reg.Get("weight_motion")*scores["motion"] +
		g.reg.Get("weight_focus")*scores["focus"] +
		g.reg.Get("weight_corners")*scores["corners"] +
		g.reg.Get("weight_glare")*scores["glare"] +
		g.reg.Get("weight_fill")*scores["fill_ratio"]

	base := Result{
		OverallScore: overall,
		Level:        levelFor(overall),
		Scores:       scores,
		Thresholds:   cuts,
	}

	// Hard cancels, strict inequality, first match wins.
	switch {
	case v.Motion > motionCancel:
		return cancelled(base, CancelMotion, "cancel_motion")
	case v.Focus < focusCancel:
		return cancelled(base, CancelFocus, "cancel_focus")
	case v.Glare > glareCancel:
		return cancelled(base, CancelGlare, "cancel_glare")
	}

	// Pass requires every condition to hold.
	passed := v.Focus >= cuts["focus_pass"] &&
		v.Motion <= cuts["motion_pass"] &&
		v.Glare <= cuts["glare_pass"] &&
		v.Corners >= cuts["corners_pass"] &&
		v.FillRatio >= cuts["fill_pass"]

	// Stability: variance of the dominant metrics over the ring.
	if passed && len(history) >= 3 {
		variance := varianceOf(history, func(h Vector) float64 { return h.Motion }) +
			varianceOf(history, func(h Vector) float64 { return h.Focus })
		if variance > g.reg.Get("stability_variance_max") {
			base.Outcome = OutcomeFail
			base.CancelReason = CancelStability
			base.MessageKey = "cancel_stability"
			return base
		}
	}

	if passed {
		base.Outcome = OutcomePass
		base.MessageKey = "lock_acquired"
		return base
	}

	base.Outcome = OutcomeFail
	base.MessageKey = "searching"
	base.HintKeys = hints(metrics)
	return base
}

func cancelled(base Result, reason, messageKey string) Result {
	base.Outcome = OutcomeCancel
	base.CancelReason = reason
	base.MessageKey = messageKey
	return base
}

// hints returns up to three hint keys for failing metrics, ordered by
// descending distance to their pass threshold.
func hints(metrics []metric) []string {
	type miss struct {
		key  string
		dist float64
	}
	var misses []miss
	for _, m := range metrics {
		var dist float64
		if m.higherIsOK {
			dist = m.passCut - m.value
		} else {
			dist = m.value - m.passCut
		}
		if dist > 0 {
			misses = append(misses, miss{m.hintKey, dist})
		}
	}
	sort.Slice(misses, func(i, j int) bool {
		if misses[i].dist != misses[j].dist {
			return misses[i].dist > misses[j].dist
		}
		return misses[i].key < misses[j].key // stable order for equal distances
	})
	keys := make([]string, 0, 3)
	for _, m := range misses {
		keys = append(keys, m.key)
		if len(keys) == 3 {
			break
		}
	}
	return keys
}

func levelFor(score float64) Level {
	switch {
	case score > 0.90:
		return LevelExcellent
	case score >= 0.75:
		return LevelGood
	case score >= 0.60:
		return LevelAcceptable
	default:
		return LevelPoor
	}
}

func varianceOf(history []Vector, pick func(Vector) float64) float64 {
	n := float64(len(history))
	var mean float64
	for _, h := range history {
		mean += pick(h)
	}
	mean /= n
	var acc float64
	for _, h := range history {
		d := pick(h) - mean
		acc += d * d
	}
	return acc / n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
