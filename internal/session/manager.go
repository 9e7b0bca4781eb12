package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/biometric"
	"github.com/kycgate/backend/internal/capture"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/decision"
	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/extraction"
	"github.com/kycgate/backend/internal/messages"
	"github.com/kycgate/backend/internal/metrics"
	"github.com/kycgate/backend/internal/quality"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
)

var (
	ErrSessionNotFound   = errors.New("session_not_found")
	ErrIncompleteSession = errors.New("incomplete_session")
	ErrBurstTooLong      = errors.New("burst_too_long")
	ErrTooManyFrames     = errors.New("too_many_frames")
	ErrNoBurst           = errors.New("not_ready")
)

// Message is one bilingual client-facing string pair.
type Message struct {
	Primary string `json:"primary"`
	English string `json:"english"`
}

// LockResult is the outcome of one frame evaluation: the gate verdict, the
// machine state it drove to, and the UI contract the client animates with.
type LockResult struct {
	State    capture.State    `json:"state"`
	Gate     *quality.Result  `json:"gate"`
	Message  Message          `json:"message"`
	Hints    []Message        `json:"hints,omitempty"`
	Timings  map[string]int64 `json:"timings"`
	Captured bool             `json:"captured"`
}

// ConsensusResult is the burst evaluation outcome.
type ConsensusResult struct {
	BurstID    string    `json:"burst_id"`
	OK         bool      `json:"ok"`
	Median     float64   `json:"median"`
	TopScores  []float64 `json:"top_scores"`
	FrameCount int       `json:"frame_count"`
	Reason     string    `json:"reason,omitempty"`
}

// Manager owns all live sessions and coordinates the downstream pipeline.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	reg     *thresholds.Registry
	gate    *quality.Gate
	bus     *events.Bus
	hub     *vendorhub.Hub
	extract *extraction.Coordinator
	bio     *biometric.Coordinator
	engine  *decision.Engine
	auditor *audit.Log
	catalog *messages.Catalog
	clock   *clock.Clock
	met     *metrics.Metrics
	store   *Checkpoints // optional, nil disables

	ttl    time.Duration
	stop   chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

// Deps bundles manager construction inputs.
type Deps struct {
	Registry   *thresholds.Registry
	Gate       *quality.Gate
	Bus        *events.Bus
	Hub        *vendorhub.Hub
	Extraction *extraction.Coordinator
	Biometric  *biometric.Coordinator
	Engine     *decision.Engine
	Audit      *audit.Log
	Catalog    *messages.Catalog
	Clock      *clock.Clock
	Metrics    *metrics.Metrics
	Store      *Checkpoints
}

// NewManager wires a manager from its dependencies.
func NewManager(d Deps) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		reg:      d.Registry,
		gate:     d.Gate,
		bus:      d.Bus,
		hub:      d.Hub,
		extract:  d.Extraction,
		bio:      d.Biometric,
		engine:   d.Engine,
		auditor:  d.Audit,
		catalog:  d.Catalog,
		clock:    d.Clock,
		met:      d.Metrics,
		store:    d.Store,
		ttl:      time.Duration(d.Registry.GetInt("session_ttl_min")) * time.Minute,
		stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Start launches the idle-session reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.reaperLoop()
}

// Stop joins the reaper.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// EnsureSession returns the session for id, creating it on first contact.
// New sessions get an event queue and an audit record.
func (m *Manager) EnsureSession(id, lang string, accessibility []string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id, m.reg.GetInt("quality_history_size"), m.clock.Monotonic(), m.clock.Stamp())
		m.sessions[id] = s
		m.mu.Unlock()

		m.bus.Register(id)
		if m.met != nil {
			m.met.SessionsActive.Inc()
		}
		m.auditAppend(map[string]interface{}{
			"kind":       "session_created",
			"session_id": id,
			"created_at": s.createdWall,
		})
		m.logger.Printf("session %s created", id)
	} else {
		m.mu.Unlock()
	}

	if lang != "" {
		s.mu.Lock()
		s.Language = lang
		s.mu.Unlock()
	}
	if accessibility != nil {
		s.SetAccessibility(accessibility)
	}
	return s
}

// Get returns a live session or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CheckLock evaluates one frame through the quality gate and drives the
// capture machine: pass advances, cancel rolls back, fail holds with hints.
// Captures kick off extraction (and biometrics after the front side) in the
// background.
func (m *Manager) CheckLock(ctx context.Context, sessionID string, v quality.Vector) (*LockResult, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	history := make([]quality.Vector, len(s.qualityHistory))
	copy(history, s.qualityHistory)
	s.mu.Unlock()

	res := m.gate.Evaluate(v, history)
	now := m.clock.Monotonic()
	side := string(s.State().Side())

	s.mu.Lock()
	s.pushVector(v)
	s.lastGate = &res
	s.touch(now)
	s.mu.Unlock()

	if m.met != nil {
		m.met.GateLatency.WithLabelValues(side).Observe(res.ResponseTimeMS)
		m.met.GateDecision.WithLabelValues(string(res.Outcome), res.CancelReason).Inc()
	}

	out := &LockResult{
		Gate:    &res,
		Timings: m.uiTimings(s),
	}

	switch res.Outcome {
	case quality.OutcomeCancel:
		from := s.State()
		state, cerr := s.Machine.Cancel(now, res.CancelReason)
		if cerr != nil {
			if !errors.Is(cerr, capture.ErrIllegalTransition) {
				return nil, cerr
			}
			// States with no rollback edge (confirm, captured back) hold.
			state = from
		}
		out.State = state
		if state != from {
			s.mu.Lock()
			s.clearSideTimings(from.Side())
			s.mu.Unlock()
			m.emitStateChange(sessionID, from, state, res.CancelReason)
			m.auditAppend(map[string]interface{}{
				"kind":          "state_change",
				"session_id":    sessionID,
				"state":         string(state),
				"side":          side,
				"outcome":       string(res.Outcome),
				"cancel_reason": res.CancelReason,
			})
		}
		m.bus.Emit(sessionID, events.TypeQualityCancel, gatePayload(&res))

	case quality.OutcomePass:
		from := s.State()
		next := capture.Next(from)
		out.State = from
		if next != "" {
			if aerr := s.Machine.Apply(next, now, "quality_pass", ""); aerr == nil {
				out.State = next
				m.emitStateChange(sessionID, from, next, "")
				m.afterAdvance(s, next, now)
				if next == capture.StateCapturedFront || next == capture.StateCapturedBack {
					out.Captured = true
				}
			}
		}
		m.bus.Emit(sessionID, events.TypeQualityPass, gatePayload(&res))

	default:
		out.State = s.State()
		m.bus.Emit(sessionID, events.TypeQualityFail, gatePayload(&res))
	}

	m.bus.Emit(sessionID, events.TypeQualityUpdate, map[string]interface{}{
		"score": res.OverallScore,
		"level": string(res.Level),
		"state": string(out.State),
	})

	out.Message = m.message(s, res.MessageKey)
	for _, hk := range res.HintKeys {
		out.Hints = append(out.Hints, m.message(s, hk))
	}
	m.checkpoint(s)
	return out, nil
}

// afterAdvance handles side effects of a forward transition. Callers pass
// the post-transition state.
func (m *Manager) afterAdvance(s *Session, to capture.State, now time.Duration) {
	switch to {
	case capture.StateLockedFront:
		s.mu.Lock()
		s.markTiming("lock_front_ms", now)
		s.mu.Unlock()
	case capture.StateLockedBack:
		s.mu.Lock()
		s.markTiming("lock_back_ms", now)
		s.mu.Unlock()

	case capture.StateCapturedFront:
		s.mu.Lock()
		s.markTiming("captured_front_ms", now)
		s.mu.Unlock()
		m.auditCapture(s.ID, capture.SideFront)
		go m.runExtraction(s, capture.SideFront)
		go m.runBiometric(s)

	case capture.StateCapturedBack:
		s.mu.Lock()
		s.markTiming("captured_back_ms", now)
		s.mu.Unlock()
		m.auditCapture(s.ID, capture.SideBack)
		go m.runExtraction(s, capture.SideBack)
	}
}

// Confirm acknowledges a captured side. On the front it walks
// captured -> confirm -> flip -> searching_back; on the back it completes
// the capture flow.
func (m *Manager) Confirm(sessionID string) (capture.State, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	now := m.clock.Monotonic()
	s.mu.Lock()
	s.touch(now)
	s.mu.Unlock()

	var steps []capture.State
	switch s.State() {
	case capture.StateCapturedFront:
		steps = []capture.State{capture.StateConfirmFront, capture.StateFlipToBack, capture.StateSearchingBack}
	case capture.StateConfirmFront:
		steps = []capture.State{capture.StateFlipToBack, capture.StateSearchingBack}
	case capture.StateCapturedBack:
		steps = []capture.State{capture.StateComplete}
	default:
		return s.State(), fmt.Errorf("%w: confirm from %s", capture.ErrIllegalTransition, s.State())
	}

	for _, to := range steps {
		from := s.State()
		if err := s.Machine.Apply(to, m.clock.Monotonic(), "confirm", ""); err != nil {
			return s.State(), err
		}
		m.emitStateChange(sessionID, from, to, "")
	}
	if s.State() == capture.StateComplete {
		s.mu.Lock()
		s.markTiming("complete_ms", m.clock.Monotonic())
		s.mu.Unlock()
		m.bus.Emit(sessionID, events.TypeStateChange, map[string]interface{}{
			"state": string(capture.StateComplete),
		})
	}
	m.checkpoint(s)
	return s.State(), nil
}

// AcceptBurst validates and registers an uploaded frame burst. Frames never
// persist; only the count and duration are kept for consensus.
func (m *Manager) AcceptBurst(sessionID string, frameCount int, durationMS int64) (*Burst, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if frameCount > m.reg.GetInt("burst_max_frames") {
		return nil, ErrTooManyFrames
	}
	if durationMS > int64(m.reg.GetInt("burst_max_duration_ms")) {
		return nil, ErrBurstTooLong
	}
	if frameCount < m.reg.GetInt("consensus_min_frames") {
		return nil, fmt.Errorf("%w: burst below minimum frame count", ErrNoBurst)
	}

	b := &Burst{
		ID:         uuid.New().String(),
		FrameCount: frameCount,
		DurationMS: durationMS,
		ReceivedAt: m.clock.Wall(),
	}
	s.mu.Lock()
	s.Burst = b
	s.touch(m.clock.Monotonic())
	s.mu.Unlock()

	m.auditAppend(map[string]interface{}{
		"kind":        "burst_accepted",
		"session_id":  sessionID,
		"burst_id":    b.ID,
		"event_count": frameCount,
		"duration_ms": durationMS,
	})
	return b, nil
}

// EvaluateBurst scores the registered burst and runs frame consensus:
// the median of the top-K frames must clear the consensus bar, at least the
// minimum number of frames must clear the floor, and no top-K frame may sit
// below the floor.
func (m *Manager) EvaluateBurst(ctx context.Context, sessionID string) (*ConsensusResult, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	b := s.Burst
	s.touch(m.clock.Monotonic())
	s.mu.Unlock()
	if b == nil {
		return nil, ErrNoBurst
	}

	scores, err := m.bio.FrameScores(ctx, sessionID, b.FrameCount)
	if err != nil {
		return nil, err
	}

	res := consensus(scores,
		m.reg.GetInt("consensus_top_k"),
		m.reg.GetInt("consensus_min_frames"),
		m.reg.Get("consensus_median_min"),
		m.reg.Get("consensus_floor"))
	res.BurstID = b.ID
	res.FrameCount = len(scores)

	s.mu.Lock()
	b.Evaluated = true
	b.Scores = scores
	b.Median = res.Median
	b.OK = res.OK
	s.mu.Unlock()

	m.auditAppend(map[string]interface{}{
		"kind":         "consensus",
		"session_id":   sessionID,
		"burst_id":     b.ID,
		"event_count":  len(scores),
		"score":        res.Median,
		"consensus_ok": res.OK,
	})
	m.checkpoint(s)
	return res, nil
}

// consensus is the pure frame-consensus rule over raw match scores.
func consensus(scores []float64, topK, minFrames int, medianMin, floor float64) *ConsensusResult {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	if topK > len(sorted) {
		topK = len(sorted)
	}
	top := sorted[:topK]

	res := &ConsensusResult{TopScores: top}
	if len(top) == 0 {
		res.Reason = "no_frames"
		return res
	}

	if len(top)%2 == 1 {
		res.Median = top[len(top)/2]
	} else {
		res.Median = (top[len(top)/2-1] + top[len(top)/2]) / 2
	}

	aboveFloor := 0
	for _, sc := range sorted {
		if sc >= floor {
			aboveFloor++
		}
	}
	switch {
	case res.Median < medianMin:
		res.Reason = "median_below_threshold"
	case aboveFloor < minFrames:
		res.Reason = "too_few_frames_above_floor"
	case top[len(top)-1] < floor:
		res.Reason = "top_frame_below_floor"
	default:
		res.OK = true
	}
	return res
}

// Decide gathers the remaining vendor signals (AML, issuer, device) and runs
// the decision policy. Requires a complete capture flow with an evaluated
// burst; partial sessions are rejected.
func (m *Manager) Decide(ctx context.Context, sessionID string) (*decision.Decision, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State() != capture.StateComplete {
		return nil, ErrIncompleteSession
	}
	s.mu.Lock()
	if s.Burst == nil || !s.Burst.Evaluated {
		s.mu.Unlock()
		return nil, ErrIncompleteSession
	}
	s.touch(m.clock.Monotonic())
	s.mu.Unlock()

	m.screenVendors(ctx, s)

	sig := m.signals(s)
	dec, err := m.engine.Decide(sessionID, sig)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.decided = true
	s.markTiming("decision_ms", m.clock.Monotonic())
	s.mu.Unlock()

	m.bus.Emit(sessionID, events.TypeStateChange, map[string]interface{}{
		"state":   "decided",
		"verdict": string(dec.Verdict),
	})
	m.checkpoint(s)
	m.logger.Printf("session %s decided: %s", sessionID, dec.Verdict)
	return dec, nil
}

// screenVendors fans out AML, issuer, and device checks. Failures leave the
// corresponding signal at its zero value; the policy reads absence
// conservatively.
func (m *Manager) screenVendors(ctx context.Context, s *Session) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		resp, err := m.hub.Invoke(ctx, vendorhub.CapAMLScreen, map[string]interface{}{
			"session_id": s.ID,
		})
		if err != nil {
			m.logger.Printf("aml screen failed for %s: %v", s.ID, err)
			return
		}
		classes := amlClasses(resp.Data)
		s.mu.Lock()
		s.AMLClasses = classes
		s.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		resp, err := m.hub.Invoke(ctx, vendorhub.CapIssuerVerify, map[string]interface{}{
			"session_id": s.ID,
		})
		if err != nil {
			m.logger.Printf("issuer verify failed for %s: %v", s.ID, err)
			return
		}
		verified, _ := resp.Data["verified"].(bool)
		s.mu.Lock()
		s.IssuerVerified = verified
		s.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		resp, err := m.hub.Invoke(ctx, vendorhub.CapDeviceFingerprint, map[string]interface{}{
			"session_id": s.ID,
		})
		if err != nil {
			m.logger.Printf("device fingerprint failed for %s: %v", s.ID, err)
			return
		}
		anomaly, _ := resp.Data["anomaly_score"].(float64)
		s.mu.Lock()
		s.DeviceAnomaly = anomaly
		s.mu.Unlock()
	}()
	wg.Wait()
}

// amlClasses flattens vendor hits to their class names.
func amlClasses(data map[string]interface{}) []string {
	hits, _ := data["hits"].([]interface{})
	var classes []string
	for _, h := range hits {
		switch v := h.(type) {
		case string:
			classes = append(classes, v)
		case map[string]interface{}:
			if c, ok := v["class"].(string); ok {
				classes = append(classes, c)
			}
		}
	}
	return classes
}

// signals snapshots the session into decision inputs.
func (m *Manager) signals(s *Session) decision.Signals {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := decision.Signals{
		AMLClasses:     s.AMLClasses,
		DeviceAnomaly:  s.DeviceAnomaly,
		IssuerVerified: s.IssuerVerified,
		FrontCaptured:  s.Machine.FrontCaptured(),
		BackCaptured:   s.Machine.State() == capture.StateComplete,
		Timings:        copyTimings(s.Timings),
	}
	if s.Biometric != nil {
		sig.BiometricEvaluated = true
		sig.AttackDetected = s.Biometric.AttackDetected
		sig.PADScore = s.Biometric.PADScore
	}
	if s.Burst != nil && s.Burst.Evaluated {
		sig.ConsensusEvaluated = true
		sig.ConsensusOK = s.Burst.OK
	}

	// Extraction confidence is the weaker side; validation must hold on both.
	sig.ValidationOK = len(s.Extraction) > 0
	first := true
	for _, res := range s.Extraction {
		if first || res.OverallConfidence < sig.ExtractionOverall {
			sig.ExtractionOverall = res.OverallConfidence
		}
		first = false
		if !res.Validation.OK {
			sig.ValidationOK = false
		}
		if extraction.Expired(res.Fields, m.clock.Wall()) {
			sig.ExpiredDocument = true
		}
	}
	return sig
}

// Biometric returns the session's biometric result, running verification
// synchronously when the background pass has not produced one yet.
func (m *Manager) Biometric(ctx context.Context, sessionID string) (*biometric.Result, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	cached := s.Biometric
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if !s.Machine.FrontCaptured() {
		return nil, ErrIncompleteSession
	}

	res, err := m.bio.Verify(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.Biometric = res
	s.touch(m.clock.Monotonic())
	s.mu.Unlock()
	if res.AttackDetected {
		m.handleAttack(s, res)
	}
	m.checkpoint(s)
	return res, nil
}

// Subscribe attaches an event consumer and emits the connected handshake.
func (m *Manager) Subscribe(sessionID string, lastSeq uint64) (*events.Subscriber, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sub, err := m.bus.Subscribe(sessionID, lastSeq)
	if err != nil {
		return nil, err
	}
	m.bus.Emit(sessionID, events.TypeConnected, map[string]interface{}{
		"state": string(s.State()),
	})
	return sub, nil
}

// Unsubscribe detaches an event consumer.
func (m *Manager) Unsubscribe(sub *events.Subscriber) {
	m.bus.Unsubscribe(sub)
}

// Close tears down a session: final disconnected event, queue removal, and
// checkpoint cleanup.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.bus.CloseSession(sessionID)
	if m.met != nil {
		m.met.SessionsActive.Dec()
	}
	if m.store != nil {
		m.store.Delete(context.Background(), sessionID)
	}
	m.auditAppend(map[string]interface{}{
		"kind":       "session_closed",
		"session_id": sessionID,
	})
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// reaperLoop evicts sessions idle past the TTL.
func (m *Manager) reaperLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			cutoff := m.clock.Monotonic() - m.ttl
			var stale []string
			m.mu.RLock()
			for id, s := range m.sessions {
				s.mu.Lock()
				idle := s.lastActivity < cutoff
				s.mu.Unlock()
				if idle {
					stale = append(stale, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range stale {
				m.logger.Printf("reaping idle session %s", id)
				if err := m.Close(id); err == nil && m.met != nil {
					m.met.SessionsReaped.Inc()
				}
			}
		}
	}
}

// runExtraction executes OCR for a captured side and stores the result.
func (m *Manager) runExtraction(s *Session, side capture.Side) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := m.extract.Extract(ctx, s.ID, string(side))
	if err != nil {
		m.logger.Printf("extraction %s failed for %s: %v", side, s.ID, err)
		return
	}
	s.mu.Lock()
	s.Extraction[side] = res
	s.mu.Unlock()
	m.checkpoint(s)
}

// runBiometric executes match+PAD after the front capture.
func (m *Manager) runBiometric(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := m.bio.Verify(ctx, s.ID)
	if err != nil {
		m.logger.Printf("biometric failed for %s: %v", s.ID, err)
		return
	}
	s.mu.Lock()
	s.Biometric = res
	s.mu.Unlock()
	if res.AttackDetected {
		m.handleAttack(s, res)
	}
	m.checkpoint(s)
}

// handleAttack reacts to a PAD presentation-attack verdict: the capture flow
// cancels back to the side's searching state and the aborted attempt's
// milestones are discarded.
func (m *Manager) handleAttack(s *Session, res *biometric.Result) {
	m.auditAppend(map[string]interface{}{
		"kind":        "attack",
		"session_id":  s.ID,
		"attack_type": res.AttackType,
		"score":       res.PADScore,
	})

	from := s.State()
	state, err := s.Machine.Cancel(m.clock.Monotonic(), "attack_detected")
	if err != nil || state == from {
		return
	}
	s.mu.Lock()
	s.clearSideTimings(from.Side())
	s.mu.Unlock()
	m.emitStateChange(s.ID, from, state, "attack_detected")
	m.auditAppend(map[string]interface{}{
		"kind":          "state_change",
		"session_id":    s.ID,
		"state":         string(state),
		"side":          string(from.Side()),
		"outcome":       "cancel",
		"cancel_reason": "attack_detected",
	})
}

// uiTimings is the animation contract for one session: registry values,
// zeroed under reduced motion.
func (m *Manager) uiTimings(s *Session) map[string]int64 {
	t := map[string]int64{
		"countdown_ms":      int64(m.reg.GetInt("countdown_ms")),
		"flip_animation_ms": int64(m.reg.GetInt("flip_animation_ms")),
		"lock_pulse_ms":     int64(m.reg.GetInt("lock_pulse_ms")),
	}
	if s.HasAccessibility(AccessReducedMotion) {
		for k := range t {
			t[k] = 0
		}
	}
	return t
}

// message resolves a catalog key into the session's language pair.
func (m *Manager) message(s *Session, key string) Message {
	s.mu.Lock()
	lang := s.Language
	s.mu.Unlock()
	primary, english := m.catalog.Pair(key, lang)
	return Message{Primary: primary, English: english}
}

func (m *Manager) emitStateChange(sessionID string, from, to capture.State, cancelReason string) {
	payload := map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	if cancelReason != "" {
		payload["cancel_reason"] = cancelReason
	}
	m.bus.Emit(sessionID, events.TypeStateChange, payload)
}

func (m *Manager) auditCapture(sessionID string, side capture.Side) {
	m.auditAppend(map[string]interface{}{
		"kind":       "capture",
		"session_id": sessionID,
		"side":       string(side),
		"outcome":    "captured",
	})
}

// auditAppend writes to the chain; degraded-mode failures are logged and the
// flow continues per the availability contract.
func (m *Manager) auditAppend(payload map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	if _, err := m.auditor.Append(payload); err != nil {
		m.logger.Printf("audit append failed: %v", err)
	}
}

// checkpoint persists redacted session metadata; best-effort.
func (m *Manager) checkpoint(s *Session) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Printf("checkpoint save failed for %s: %v", s.ID, err)
	}
}

func gatePayload(res *quality.Result) map[string]interface{} {
	p := map[string]interface{}{
		"outcome": string(res.Outcome),
		"score":   res.OverallScore,
		"level":   string(res.Level),
	}
	if res.CancelReason != "" {
		p["cancel_reason"] = res.CancelReason
	}
	return p
}

func copyTimings(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
