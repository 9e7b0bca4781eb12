// Package session owns the per-session capture lifecycle: state machine,
// quality history, burst intake, downstream coordinator results, and the
// TTL reaper. One Session is the unit of isolation; everything under it is
// serialized by the session mutex.
package session

import (
	"sync"
	"time"

	"github.com/kycgate/backend/internal/biometric"
	"github.com/kycgate/backend/internal/capture"
	"github.com/kycgate/backend/internal/extraction"
	"github.com/kycgate/backend/internal/quality"
)

// Accessibility modes a client can request. Unknown modes are dropped at
// the API edge.
const (
	AccessReducedMotion   = "reduced_motion"
	AccessScreenReader    = "screen_reader"
	AccessSimplified      = "simplified"
	AccessHighContrast    = "high_contrast"
	AccessExtendedTimeout = "extended_timeout"
)

// KnownAccessibilityMode reports whether the mode is one we honor.
func KnownAccessibilityMode(mode string) bool {
	switch mode {
	case AccessReducedMotion, AccessScreenReader, AccessSimplified,
		AccessHighContrast, AccessExtendedTimeout:
		return true
	}
	return false
}

// Burst is one uploaded frame burst awaiting consensus evaluation.
type Burst struct {
	ID         string    `json:"burst_id"`
	FrameCount int       `json:"frame_count"`
	DurationMS int64     `json:"duration_ms"`
	ReceivedAt time.Time `json:"-"`
	Evaluated  bool      `json:"evaluated"`
	Scores     []float64 `json:"scores,omitempty"`
	Median     float64   `json:"median"`
	OK         bool      `json:"ok"`
}

// Session is all mutable state for one verification attempt.
type Session struct {
	mu sync.Mutex

	ID       string
	Machine  *capture.Machine
	Language string

	accessibility map[string]bool

	// qualityHistory is a bounded ring of recent gate vectors, newest last.
	qualityHistory []quality.Vector
	historyCap     int

	// lastGate holds the most recent gate result for status reads.
	lastGate *quality.Result

	Extraction map[capture.Side]*extraction.Result
	Biometric  *biometric.Result
	Burst      *Burst

	AMLClasses     []string
	DeviceAnomaly  float64
	IssuerVerified bool

	// Timings are monotonic milestones surfaced in the decision record.
	Timings map[string]int64

	createdMono  time.Duration
	lastActivity time.Duration
	createdWall  string
	decided      bool
}

func newSession(id string, historyCap int, atMono time.Duration, wall string) *Session {
	return &Session{
		ID:            id,
		Machine:       capture.NewMachine(),
		Language:      "tl",
		accessibility: make(map[string]bool),
		historyCap:    historyCap,
		Extraction:    make(map[capture.Side]*extraction.Result),
		Timings:       make(map[string]int64),
		createdMono:   atMono,
		lastActivity:  atMono,
		createdWall:   wall,
	}
}

// touch bumps the activity stamp; callers hold s.mu.
func (s *Session) touch(atMono time.Duration) {
	s.lastActivity = atMono
}

// pushVector appends to the quality ring, evicting the oldest entry past
// capacity. Callers hold s.mu.
func (s *Session) pushVector(v quality.Vector) {
	s.qualityHistory = append(s.qualityHistory, v)
	if len(s.qualityHistory) > s.historyCap {
		s.qualityHistory = s.qualityHistory[len(s.qualityHistory)-s.historyCap:]
	}
}

// SetAccessibility replaces the accessibility set with the known subset of
// the requested modes.
func (s *Session) SetAccessibility(modes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessibility = make(map[string]bool, len(modes))
	for _, m := range modes {
		if KnownAccessibilityMode(m) {
			s.accessibility[m] = true
		}
	}
}

// HasAccessibility reports whether a mode is active.
func (s *Session) HasAccessibility(mode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessibility[mode]
}

// AccessibilityModes returns the active modes, unordered.
func (s *Session) AccessibilityModes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.accessibility))
	for m := range s.accessibility {
		out = append(out, m)
	}
	return out
}

// State returns the machine state.
func (s *Session) State() capture.State {
	return s.Machine.State()
}

// LastGate returns the most recent gate result, or nil before the first
// frame.
func (s *Session) LastGate() *quality.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGate
}

// markTiming records a milestone once; later calls for the same name keep
// the first value. Callers hold s.mu.
func (s *Session) markTiming(name string, atMono time.Duration) {
	if _, ok := s.Timings[name]; !ok {
		s.Timings[name] = atMono.Milliseconds()
	}
}

// clearSideTimings drops the milestones recorded for one side so a re-capture
// after a cancel rollback records fresh values. Callers hold s.mu.
func (s *Session) clearSideTimings(side capture.Side) {
	if side == capture.SideFront {
		delete(s.Timings, "lock_front_ms")
		delete(s.Timings, "captured_front_ms")
	} else {
		delete(s.Timings, "lock_back_ms")
		delete(s.Timings, "captured_back_ms")
	}
}
