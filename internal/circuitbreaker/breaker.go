// Package circuitbreaker implements the per (capability, adapter) breaker
// that guards vendor calls. Trips on rolling-window error rate or p95 latency
// drift, cools down into half-open, and closes again after a clean probe run.
package circuitbreaker

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrOpen        = errors.New("circuit breaker is open")
	ErrProbesInUse = errors.New("all half-open probes allocated")
)

// Config tunes one breaker.
type Config struct {
	// Name identifies this breaker, conventionally "capability/adapter".
	Name string

	// Window is the rolling observation window for error rate and latency.
	Window time.Duration

	// ErrorRateTrip opens the breaker when the windowed failure ratio
	// exceeds it (given MinSamples observations).
	ErrorRateTrip float64

	// BaselineP95 is the expected healthy p95 latency; the breaker opens
	// when observed p95 exceeds LatencyMult times this value.
	BaselineP95 time.Duration

	// LatencyMult is the p95 drift multiple that trips the breaker.
	LatencyMult float64

	// Cooldown is how long the breaker stays open before allowing probes.
	Cooldown time.Duration

	// Probes is the number of half-open trial requests.
	Probes int

	// MinSamples gates trip evaluation so a single early failure cannot
	// open the breaker.
	MinSamples int

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the standard tuning: 2 min window, 5% error rate,
// 3x latency drift, 30 s cooldown, 3 probes.
func DefaultConfig(name string, baselineP95 time.Duration) Config {
	return Config{
		Name:          name,
		Window:        2 * time.Minute,
		ErrorRateTrip: 0.05,
		BaselineP95:   baselineP95,
		LatencyMult:   3,
		Cooldown:      30 * time.Second,
		Probes:        3,
		MinSamples:    5,
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER:%s] %s -> %s", name, from, to)
		},
	}
}

// sample is one recorded call outcome.
type sample struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

// Breaker is a windowed circuit breaker. Guarded by a short-lived mutex;
// state transitions are announced via OnStateChange.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	samples        []sample
	openedAt       time.Time
	lastTransition time.Time

	probesInFlight int
	probeFailures  int
	probeSuccesses int
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastTransition: time.Now()}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Allow reports whether a call may proceed. In half-open state, probes are
// allocated atomically; ErrProbesInUse means another caller holds them.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probesInFlight+b.probeSuccesses+b.probeFailures >= b.cfg.Probes {
			return ErrProbesInUse
		}
		b.probesInFlight++
		return nil
	default:
		return nil
	}
}

// Record reports a call outcome. Latency is the observed end-to-end call
// duration; timeouts count as failures.
func (b *Breaker) Record(ok bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)

	switch b.state {
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		withinTolerance := ok && (b.cfg.BaselineP95 <= 0 ||
			latency <= time.Duration(float64(b.cfg.BaselineP95)*b.cfg.LatencyMult))
		if withinTolerance {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.Probes {
				b.setState(StateClosed, now)
			}
		} else {
			b.probeFailures++
			b.setState(StateOpen, now)
		}
	case StateClosed:
		b.samples = append(b.samples, sample{at: now, ok: ok, latency: latency})
		b.prune(now)
		if b.shouldTrip() {
			b.setState(StateOpen, now)
		}
	case StateOpen:
		// A straggler from before the trip; ignored.
	}
}

// advance moves Open -> HalfOpen once the cooldown has elapsed.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen, now)
	}
}

func (b *Breaker) prune(now time.Time) {
	cut := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cut) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) shouldTrip() bool {
	if len(b.samples) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.samples)) > b.cfg.ErrorRateTrip {
		return true
	}
	if b.cfg.BaselineP95 > 0 {
		if b.p95Locked() > time.Duration(float64(b.cfg.BaselineP95)*b.cfg.LatencyMult) {
			return true
		}
	}
	return false
}

func (b *Breaker) setState(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransition = now
	switch to {
	case StateOpen:
		b.openedAt = now
		b.probesInFlight = 0
		b.probeFailures = 0
		b.probeSuccesses = 0
	case StateClosed:
		b.samples = b.samples[:0]
	case StateHalfOpen:
		b.probesInFlight = 0
		b.probeFailures = 0
		b.probeSuccesses = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state, advancing Open -> HalfOpen if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

// Stats is the health snapshot exported per (capability, adapter).
type Stats struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	ErrorRate      float64       `json:"error_rate"`
	P50            time.Duration `json:"p50_ns"`
	P95            time.Duration `json:"p95_ns"`
	Samples        int           `json:"samples"`
	LastTransition time.Time     `json:"last_transition"`
}

// Snapshot returns current health numbers over the rolling window.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	b.prune(time.Now())

	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	rate := 0.0
	if len(b.samples) > 0 {
		rate = float64(failures) / float64(len(b.samples))
	}
	return Stats{
		Name:           b.cfg.Name,
		State:          b.state.String(),
		ErrorRate:      rate,
		P50:            b.percentileLocked(0.50),
		P95:            b.p95Locked(),
		Samples:        len(b.samples),
		LastTransition: b.lastTransition,
	}
}

func (b *Breaker) p95Locked() time.Duration {
	return b.percentileLocked(0.95)
}

// percentileLocked computes a latency percentile over the window; b.mu held.
func (b *Breaker) percentileLocked(p float64) time.Duration {
	if len(b.samples) == 0 {
		return 0
	}
	lats := make([]time.Duration, 0, len(b.samples))
	for _, s := range b.samples {
		lats = append(lats, s.latency)
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	idx := int(float64(len(lats)-1) * p)
	return lats[idx]
}
