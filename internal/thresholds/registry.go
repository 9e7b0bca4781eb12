// Package thresholds implements the process-wide threshold registry: a closed
// set of named numeric knobs (gate cutoffs, timings, SLO targets, biometric
// thresholds, burst limits), each bounded by a [min, max] range that is
// enforced at load time. Readers are lock-free; updates swap a full snapshot.
package thresholds

import (
	"fmt"
	"sync/atomic"
)

// Category groups thresholds for audit snapshots and health reporting.
type Category string

const (
	CategoryQuality   Category = "quality"
	CategoryCancel    Category = "cancel"
	CategoryWeight    Category = "weight"
	CategoryTiming    Category = "timing"
	CategorySLO       Category = "slo"
	CategoryBiometric Category = "biometric"
	CategoryBurst     Category = "burst"
	CategoryConsensus Category = "consensus"
	CategoryBus       Category = "bus"
	CategoryBreaker   Category = "breaker"
	CategorySession   Category = "session"
)

// Entry is one registered threshold with its allowed range.
type Entry struct {
	Value    float64
	Min      float64
	Max      float64
	Category Category
}

// defaults is the closed set of known thresholds. Unknown keys are programmer
// errors and panic on first lookup. Booleans are encoded as 0/1.
var defaults = map[string]Entry{
	// Quality gate pass cutoffs
	"focus_pass":   {0.70, 0.30, 0.95, CategoryQuality},
	"motion_pass":  {0.30, 0.05, 0.60, CategoryQuality},
	"glare_pass":   {0.25, 0.05, 0.60, CategoryQuality},
	"corners_pass": {0.90, 0.50, 1.00, CategoryQuality},
	"fill_pass":    {0.50, 0.20, 0.90, CategoryQuality},

	// Hard cancel cutoffs (strict inequalities, checked before pass)
	"motion_cancel":          {0.60, 0.30, 0.95, CategoryCancel},
	"focus_cancel":           {0.30, 0.05, 0.60, CategoryCancel},
	"glare_cancel":           {0.60, 0.30, 0.95, CategoryCancel},
	"stability_variance_max": {0.035, 0.005, 0.200, CategoryCancel},

	// Overall-score weights, motion heaviest
	"weight_motion":  {0.30, 0.05, 0.60, CategoryWeight},
	"weight_focus":   {0.25, 0.05, 0.60, CategoryWeight},
	"weight_corners": {0.20, 0.05, 0.60, CategoryWeight},
	"weight_glare":   {0.15, 0.05, 0.60, CategoryWeight},
	"weight_fill":    {0.10, 0.05, 0.60, CategoryWeight},

	// Animation / flow timings (ms)
	"countdown_ms":      {1500, 0, 10000, CategoryTiming},
	"flip_animation_ms": {600, 0, 5000, CategoryTiming},
	"lock_pulse_ms":     {250, 0, 2000, CategoryTiming},

	// SLO targets
	"lock_p50_ms":         {120, 10, 2000, CategorySLO},
	"lock_p95_ms":         {350, 20, 5000, CategorySLO},
	"decision_p50_ms":     {800, 50, 10000, CategorySLO},
	"decision_p95_ms":     {2500, 100, 30000, CategorySLO},
	"gate_budget_ms":      {50, 5, 500, CategorySLO},
	"availability_target": {0.999, 0.90, 1.00, CategorySLO},

	// Biometric thresholds, calibrated against the advertised FAR/FNMR and
	// APCER/BPCER budgets of the adapters.
	"match_threshold":    {0.80, 0.50, 0.99, CategoryBiometric},
	"pad_threshold":      {0.70, 0.40, 0.99, CategoryBiometric},
	"review_anomaly_max": {0.65, 0.10, 0.99, CategoryBiometric},
	"review_extraction":  {0.75, 0.40, 0.95, CategoryBiometric},

	// Burst limits
	"burst_max_frames":      {24, 1, 120, CategoryBurst},
	"burst_max_duration_ms": {3500, 500, 15000, CategoryBurst},

	// Burst consensus (per-deployment override via env)
	"consensus_top_k":      {5, 1, 24, CategoryConsensus},
	"consensus_min_frames": {3, 1, 24, CategoryConsensus},
	"consensus_median_min": {0.62, 0.40, 0.95, CategoryConsensus},
	"consensus_floor":      {0.58, 0.30, 0.95, CategoryConsensus},

	// Event bus
	"event_queue_capacity": {100, 10, 10000, CategoryBus},
	"heartbeat_interval_s": {30, 1, 600, CategoryBus},
	"stale_cleanup_s":      {60, 5, 3600, CategoryBus},
	"max_subscribers":      {1000, 1, 100000, CategoryBus},
	"emit_budget_ms":       {1, 1, 100, CategoryBus},

	// Circuit breakers
	"breaker_window_s":     {120, 10, 3600, CategoryBreaker},
	"breaker_error_rate":   {0.05, 0.01, 0.50, CategoryBreaker},
	"breaker_latency_mult": {3, 1.5, 10, CategoryBreaker},
	"breaker_cooldown_s":   {30, 1, 600, CategoryBreaker},
	"breaker_probes":       {3, 1, 10, CategoryBreaker},

	// Session lifecycle
	"session_ttl_min":      {30, 1, 240, CategorySession},
	"quality_history_size": {10, 2, 100, CategorySession},
}

// snapshot is the immutable state readers see. Swapped wholesale on reload.
type snapshot struct {
	entries map[string]Entry
}

// Registry holds the active snapshot. Lookups never take a lock.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// New builds a registry from the defaults with the given overrides applied.
// Any override of an unknown key or out of its entry's bounds fails
// initialization.
func New(overrides map[string]float64) (*Registry, error) {
	snap, err := buildSnapshot(overrides)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r, nil
}

func buildSnapshot(overrides map[string]float64) (*snapshot, error) {
	entries := make(map[string]Entry, len(defaults))
	for k, e := range defaults {
		entries[k] = e
	}
	for k, v := range overrides {
		e, ok := entries[k]
		if !ok {
			return nil, fmt.Errorf("thresholds: unknown key %q", k)
		}
		if v < e.Min || v > e.Max {
			return nil, fmt.Errorf("thresholds: %s=%v outside allowed range [%v, %v]", k, v, e.Min, e.Max)
		}
		e.Value = v
		entries[k] = e
	}
	return &snapshot{entries: entries}, nil
}

// Get returns the current value of a threshold. An unknown key is a
// programmer error and panics rather than silently defaulting.
func (r *Registry) Get(key string) float64 {
	e, ok := r.snap.Load().entries[key]
	if !ok {
		panic(fmt.Sprintf("thresholds: lookup of unknown key %q", key))
	}
	return e.Value
}

// GetInt returns a threshold truncated to int, for counts and capacities.
func (r *Registry) GetInt(key string) int {
	return int(r.Get(key))
}

// Entry returns the full entry (value plus bounds and category).
func (r *Registry) Entry(key string) (Entry, bool) {
	e, ok := r.snap.Load().entries[key]
	return e, ok
}

// Reload atomically replaces the active snapshot. Readers in flight keep the
// snapshot they already hold. Invalid overrides leave the registry untouched.
func (r *Registry) Reload(overrides map[string]float64) error {
	snap, err := buildSnapshot(overrides)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

// Snapshot returns a full copy of all current values, used to stamp decisions
// in the audit log with the exact thresholds that produced them.
func (r *Registry) Snapshot() map[string]float64 {
	entries := r.snap.Load().entries
	out := make(map[string]float64, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out
}

// Keys returns all registered keys, for health and diagnostics output.
func (r *Registry) Keys() []string {
	entries := r.snap.Load().entries
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k)
	}
	return out
}
