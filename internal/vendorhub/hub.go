package vendorhub

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kycgate/backend/internal/circuitbreaker"
	"github.com/kycgate/backend/internal/metrics"
)

// BreakerTuning carries the registry-derived breaker knobs so the hub does
// not read thresholds on the invoke path.
type BreakerTuning struct {
	Window        time.Duration
	ErrorRateTrip float64
	LatencyMult   float64
	Cooldown      time.Duration
	Probes        int
}

// DefaultBreakerTuning returns the per-capability breaker defaults.
func DefaultBreakerTuning() BreakerTuning {
	return BreakerTuning{
		Window:        2 * time.Minute,
		ErrorRateTrip: 0.05,
		LatencyMult:   3,
		Cooldown:      30 * time.Second,
		Probes:        3,
	}
}

// route is the per-capability adapter chain with shared back-pressure.
type route struct {
	adapters []Adapter
	breakers []*circuitbreaker.Breaker
	sem      *semaphore.Weighted
}

// Hub routes capability invocations across ordered adapters. Adapter lists
// are fixed at construction; breaker state is the only mutable piece and is
// owned by the breakers themselves.
type Hub struct {
	routes map[Capability]*route
	tuning BreakerTuning
	met    *metrics.Metrics
	logger *log.Logger
}

// NewHub builds a hub from ordered adapter chains (primary first). met may
// be nil in tests.
func NewHub(chains map[Capability][]Adapter, tuning BreakerTuning, met *metrics.Metrics) *Hub {
	h := &Hub{
		routes: make(map[Capability]*route, len(chains)),
		tuning: tuning,
		met:    met,
		logger: log.New(log.Writer(), "[VENDOR] ", log.LstdFlags),
	}
	for cap, adapters := range chains {
		r := &route{
			adapters: adapters,
			breakers: make([]*circuitbreaker.Breaker, len(adapters)),
			// Vendor-call concurrency bound: 4x the number of adapters.
			sem: semaphore.NewWeighted(int64(4 * len(adapters))),
		}
		for i, a := range adapters {
			cfg := circuitbreaker.DefaultConfig(fmt.Sprintf("%s/%s", cap, a.Name()), cap.Timeout()/2)
			cfg.Window = tuning.Window
			cfg.ErrorRateTrip = tuning.ErrorRateTrip
			cfg.LatencyMult = tuning.LatencyMult
			cfg.Cooldown = tuning.Cooldown
			cfg.Probes = tuning.Probes
			capName, adapterName := string(cap), a.Name()
			cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
				h.logger.Printf("breaker %s: %s -> %s", name, from, to)
				if h.met != nil {
					h.met.BreakerState.WithLabelValues(capName, adapterName).Set(float64(to))
				}
			}
			r.breakers[i] = circuitbreaker.New(cfg)
		}
		h.routes[cap] = r
	}
	return h
}

// Invoke calls the first available adapter for the capability, failing over
// down the chain. Under saturation it fails fast with
// ErrCapabilityOverloaded; with every breaker open it fails with
// ErrCapabilityUnavailable.
func (h *Hub) Invoke(ctx context.Context, cap Capability, payload map[string]interface{}) (*Response, error) {
	r, ok := h.routes[cap]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, cap)
	}

	if !r.sem.TryAcquire(1) {
		if h.met != nil {
			h.met.CapabilityErrors.WithLabelValues(string(cap), "-", "overloaded").Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrCapabilityOverloaded, cap)
	}
	defer r.sem.Release(1)

	var lastErr error
	for i, adapter := range r.adapters {
		br := r.breakers[i]
		if err := br.Allow(); err != nil {
			lastErr = err
			continue
		}

		resp, err := h.call(ctx, cap, adapter, br, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// One retry within budget, idempotent capabilities only.
		if cap.Idempotent() && ctx.Err() == nil {
			if err := br.Allow(); err == nil {
				if resp, err2 := h.call(ctx, cap, adapter, br, payload); err2 == nil {
					return resp, nil
				} else {
					lastErr = err2
				}
			}
		}
	}

	if h.met != nil {
		h.met.CapabilityErrors.WithLabelValues(string(cap), "-", "unavailable").Inc()
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, cap, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, cap)
}

// call invokes one adapter with the capability deadline and records the
// outcome on its breaker. Cancellation is cooperative: a timed-out call is
// recorded as a failure and its eventual result ignored.
func (h *Hub) call(ctx context.Context, cap Capability, adapter Adapter, br *circuitbreaker.Breaker, payload map[string]interface{}) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, cap.Timeout())
	defer cancel()

	start := time.Now()
	data, err := adapter.Invoke(callCtx, payload)
	latency := time.Since(start)

	br.Record(err == nil, latency)
	if h.met != nil {
		h.met.CapabilityLatency.WithLabelValues(string(cap), adapter.Name()).Observe(latency.Seconds())
		if err != nil {
			kind := "error"
			if callCtx.Err() == context.DeadlineExceeded {
				kind = "timeout"
			}
			h.met.CapabilityErrors.WithLabelValues(string(cap), adapter.Name(), kind).Inc()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", adapter.Name(), err)
	}
	return &Response{Adapter: adapter.Name(), Data: data, Latency: latency}, nil
}

// AdapterHealth is one row of the health export.
type AdapterHealth struct {
	Capability string    `json:"capability"`
	Adapter    string    `json:"adapter"`
	State      string    `json:"state"`
	ErrorRate  float64   `json:"error_rate"`
	P50MS      float64   `json:"p50_ms"`
	P95MS      float64   `json:"p95_ms"`
	LastChange time.Time `json:"last_transition"`
}

// Health exports per (capability, adapter) breaker and latency state.
func (h *Hub) Health() []AdapterHealth {
	out := make([]AdapterHealth, 0)
	for cap, r := range h.routes {
		for i, a := range r.adapters {
			s := r.breakers[i].Snapshot()
			out = append(out, AdapterHealth{
				Capability: string(cap),
				Adapter:    a.Name(),
				State:      s.State,
				ErrorRate:  s.ErrorRate,
				P50MS:      float64(s.P50) / float64(time.Millisecond),
				P95MS:      float64(s.P95) / float64(time.Millisecond),
				LastChange: s.LastTransition,
			})
		}
	}
	return out
}

// Degraded reports whether any capability has every breaker open.
func (h *Hub) Degraded() []string {
	var caps []string
	for cap, r := range h.routes {
		allOpen := len(r.breakers) > 0
		for _, br := range r.breakers {
			if br.State() != circuitbreaker.StateOpen {
				allOpen = false
				break
			}
		}
		if allOpen {
			caps = append(caps, string(cap))
		}
	}
	return caps
}
