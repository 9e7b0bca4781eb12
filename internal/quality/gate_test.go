package quality

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kycgate/backend/internal/thresholds"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	reg, err := thresholds.New(nil)
	require.NoError(t, err)
	return NewGate(reg)
}

// goodVector passes every default threshold comfortably.
func goodVector() Vector {
	return Vector{
		Focus:     0.90,
		Motion:    0.10,
		Glare:     0.10,
		Corners:   0.95,
		FillRatio: 0.70,
	}
}

func TestGatePass(t *testing.T) {
	g := newTestGate(t)
	res := g.Evaluate(goodVector(), nil)

	require.Equal(t, OutcomePass, res.Outcome)
	assert.Empty(t, res.CancelReason)
	assert.Equal(t, "lock_acquired", res.MessageKey)
	assert.Empty(t, res.HintKeys)
	assert.Greater(t, res.OverallScore, 0.75)
}

func TestGateFailWithHints(t *testing.T) {
	g := newTestGate(t)
	v := goodVector()
	v.Focus = 0.50    // below focus_pass, above focus_cancel
	v.Corners = 0.40  // far below corners_pass
	v.FillRatio = 0.3 // below fill_pass

	res := g.Evaluate(v, nil)
	require.Equal(t, OutcomeFail, res.Outcome)
	assert.Equal(t, "searching", res.MessageKey)
	require.NotEmpty(t, res.HintKeys)
	assert.LessOrEqual(t, len(res.HintKeys), 3)
	// Corners miss 0.50 outranks focus miss 0.20 and fill miss 0.20.
	assert.Equal(t, "hint_corners", res.HintKeys[0])
}

func TestGateCancelPriority(t *testing.T) {
	g := newTestGate(t)

	// Motion and glare both past cancel: motion wins.
	v := goodVector()
	v.Motion = 0.90
	v.Glare = 0.90
	res := g.Evaluate(v, nil)
	require.Equal(t, OutcomeCancel, res.Outcome)
	assert.Equal(t, CancelMotion, res.CancelReason)
	assert.Equal(t, "cancel_motion", res.MessageKey)

	// Focus and glare both past cancel: focus wins.
	v = goodVector()
	v.Focus = 0.10
	v.Glare = 0.90
	res = g.Evaluate(v, nil)
	require.Equal(t, OutcomeCancel, res.Outcome)
	assert.Equal(t, CancelFocus, res.CancelReason)

	// Glare alone.
	v = goodVector()
	v.Glare = 0.90
	res = g.Evaluate(v, nil)
	require.Equal(t, OutcomeCancel, res.Outcome)
	assert.Equal(t, CancelGlare, res.CancelReason)
}

// Cancels use strict inequality: sitting exactly on the threshold holds.
func TestGateCancelBoundary(t *testing.T) {
	reg, err := thresholds.New(nil)
	require.NoError(t, err)
	g := NewGate(reg)

	v := goodVector()
	v.Motion = reg.Get("motion_cancel")
	res := g.Evaluate(v, nil)
	assert.NotEqual(t, OutcomeCancel, res.Outcome)

	v.Motion = reg.Get("motion_cancel") + 0.0001
	res = g.Evaluate(v, nil)
	require.Equal(t, OutcomeCancel, res.Outcome)
	assert.Equal(t, CancelMotion, res.CancelReason)
}

func TestGateStabilityDemotion(t *testing.T) {
	g := newTestGate(t)

	// Oscillating motion history: high variance sinks an otherwise passing
	// frame.
	history := []Vector{
		{Focus: 0.9, Motion: 0.02},
		{Focus: 0.9, Motion: 0.55},
		{Focus: 0.9, Motion: 0.03},
		{Focus: 0.9, Motion: 0.50},
	}
	res := g.Evaluate(goodVector(), history)
	require.Equal(t, OutcomeFail, res.Outcome)
	assert.Equal(t, CancelStability, res.CancelReason)
	assert.Equal(t, "cancel_stability", res.MessageKey)
}

func TestGateStabilityNeedsHistory(t *testing.T) {
	g := newTestGate(t)
	history := []Vector{
		{Focus: 0.9, Motion: 0.02},
		{Focus: 0.9, Motion: 0.55},
	}
	res := g.Evaluate(goodVector(), history)
	assert.Equal(t, OutcomePass, res.Outcome)
}

func TestGateLevels(t *testing.T) {
	assert.Equal(t, LevelExcellent, levelFor(0.95))
	assert.Equal(t, LevelGood, levelFor(0.90))
	assert.Equal(t, LevelGood, levelFor(0.75))
	assert.Equal(t, LevelAcceptable, levelFor(0.60))
	assert.Equal(t, LevelPoor, levelFor(0.59))
}

// The scoring path is a pure function: identical inputs give identical
// verdicts every time.
func TestGateDeterminism(t *testing.T) {
	g := newTestGate(t)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	unit := gen.Float64Range(0, 1)
	properties := gopter.NewProperties(params)
	properties.Property("same vector, same verdict", prop.ForAll(
		func(focus, motion, glare, corners, fill float64) bool {
			v := Vector{Focus: focus, Motion: motion, Glare: glare, Corners: corners, FillRatio: fill}
			a := g.Evaluate(v, nil)
			b := g.Evaluate(v, nil)
			return a.Outcome == b.Outcome &&
				a.CancelReason == b.CancelReason &&
				a.OverallScore == b.OverallScore
		},
		unit, unit, unit, unit, unit,
	))
	properties.Property("overall score stays in [0, 1]", prop.ForAll(
		func(focus, motion, glare, corners, fill float64) bool {
			v := Vector{Focus: focus, Motion: motion, Glare: glare, Corners: corners, FillRatio: fill}
			res := g.Evaluate(v, nil)
			return res.OverallScore >= 0 && res.OverallScore <= 1
		},
		unit, unit, unit, unit, unit,
	))
	properties.TestingRun(t)
}
