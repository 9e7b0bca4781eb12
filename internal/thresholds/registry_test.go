package thresholds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsLoad(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	assert.Equal(t, 0.70, reg.Get("focus_pass"))
	assert.Equal(t, 0.60, reg.Get("motion_cancel"))
	assert.Equal(t, 0.80, reg.Get("match_threshold"))
	assert.Equal(t, 24, reg.GetInt("burst_max_frames"))
	assert.Equal(t, 5, reg.GetInt("consensus_top_k"))
}

func TestOverrideWithinBounds(t *testing.T) {
	reg, err := New(map[string]float64{
		"match_threshold": 0.90,
		"countdown_ms":    2000,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.90, reg.Get("match_threshold"))
	assert.Equal(t, 2000, reg.GetInt("countdown_ms"))
	// Untouched keys keep defaults.
	assert.Equal(t, 0.70, reg.Get("pad_threshold"))
}

func TestOverrideOutOfBoundsRejected(t *testing.T) {
	_, err := New(map[string]float64{"match_threshold": 0.20})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside allowed range")
}

func TestUnknownOverrideRejected(t *testing.T) {
	_, err := New(map[string]float64{"no_such_knob": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestUnknownLookupPanics(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)
	assert.Panics(t, func() { reg.Get("no_such_knob") })
}

func TestReloadSwapsAtomically(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, reg.Reload(map[string]float64{"pad_threshold": 0.85}))
	assert.Equal(t, 0.85, reg.Get("pad_threshold"))

	// Invalid reload leaves the live snapshot untouched.
	require.Error(t, reg.Reload(map[string]float64{"pad_threshold": 5}))
	assert.Equal(t, 0.85, reg.Get("pad_threshold"))
}

func TestSnapshotIsACopy(t *testing.T) {
	reg, err := New(nil)
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.NotEmpty(t, snap)
	snap["focus_pass"] = 0.01
	assert.Equal(t, 0.70, reg.Get("focus_pass"))

	e, ok := reg.Entry("focus_pass")
	require.True(t, ok)
	assert.Equal(t, CategoryQuality, e.Category)
}
