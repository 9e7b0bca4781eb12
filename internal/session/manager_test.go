package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/biometric"
	"github.com/kycgate/backend/internal/capture"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/decision"
	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/extraction"
	"github.com/kycgate/backend/internal/messages"
	"github.com/kycgate/backend/internal/quality"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
)

// newTestManager wires a manager against simulated vendors for every
// capability, with a real audit chain in a temp dir.
func newTestManager(t *testing.T) *Manager {
	return newTestManagerWith(t, nil)
}

// newTestManagerWith substitutes the given adapter chains for their
// capabilities; everything else stays simulated.
func newTestManagerWith(t *testing.T, override map[vendorhub.Capability][]vendorhub.Adapter) *Manager {
	t.Helper()

	reg, err := thresholds.New(nil)
	require.NoError(t, err)
	clk := clock.New()

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	chains := make(map[vendorhub.Capability][]vendorhub.Adapter)
	for _, cap := range []vendorhub.Capability{
		vendorhub.CapOCRExtract,
		vendorhub.CapBiometricMatch,
		vendorhub.CapBiometricPAD,
		vendorhub.CapAMLScreen,
		vendorhub.CapIssuerVerify,
		vendorhub.CapDeviceFingerprint,
	} {
		chains[cap] = []vendorhub.Adapter{
			vendorhub.NewSimulatedAdapter("sim-primary", cap, time.Millisecond),
		}
	}
	for cap, adapters := range override {
		chains[cap] = adapters
	}
	hub := vendorhub.NewHub(chains, vendorhub.DefaultBreakerTuning(), nil)
	bus := events.NewBus(events.DefaultConfig(), clk, nil)

	return NewManager(Deps{
		Registry:   reg,
		Gate:       quality.NewGate(reg),
		Bus:        bus,
		Hub:        hub,
		Extraction: extraction.NewCoordinator(hub, bus),
		Biometric:  biometric.NewCoordinator(hub, bus, reg),
		Engine:     decision.NewEngine(reg, auditLog, clk, nil),
		Audit:      auditLog,
		Catalog:    messages.NewCatalog(),
		Clock:      clk,
	})
}

func passingVector() quality.Vector {
	return quality.Vector{
		Focus:     0.90,
		Motion:    0.10,
		Glare:     0.10,
		Corners:   0.95,
		FillRatio: 0.70,
	}
}

// driveToCaptured advances one side to its captured state with passing
// frames: searching -> locked -> countdown -> captured.
func driveToCaptured(t *testing.T, m *Manager, sessionID string) capture.State {
	t.Helper()
	var state capture.State
	for i := 0; i < 3; i++ {
		res, err := m.CheckLock(context.Background(), sessionID, passingVector())
		require.NoError(t, err)
		state = res.State
	}
	return state
}

// waitForPipeline blocks until the background extraction and biometric
// passes for the captured sides have landed.
func waitForPipeline(t *testing.T, s *Session, sides ...capture.Side) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, side := range sides {
			if s.Extraction[side] == nil {
				return false
			}
		}
		return s.Biometric != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEnsureSessionIdempotent(t *testing.T) {
	m := newTestManager(t)

	s1 := m.EnsureSession("sess-1", "tl", nil)
	s2 := m.EnsureSession("sess-1", "en", nil)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, "en", s2.Language)
	assert.Equal(t, capture.StateSearchingFront, s1.State())
}

func TestCheckLockAdvancesOnPass(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	res, err := m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	assert.Equal(t, capture.StateLockedFront, res.State)
	assert.False(t, res.Captured)
	assert.Equal(t, "Nakuha na! Huwag gumalaw 🔒", res.Message.Primary)
	assert.Equal(t, "Locked on! Hold still 🔒", res.Message.English)

	res, err = m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	assert.Equal(t, capture.StateCountdownFront, res.State)

	res, err = m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	assert.Equal(t, capture.StateCapturedFront, res.State)
	assert.True(t, res.Captured)
}

func TestCheckLockCancelRollsBack(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)

	bad := passingVector()
	bad.Motion = 0.95
	res, err := m.CheckLock(context.Background(), "sess-1", bad)
	require.NoError(t, err)
	assert.Equal(t, capture.StateSearchingFront, res.State)
	assert.Equal(t, quality.OutcomeCancel, res.Gate.Outcome)
	assert.Equal(t, quality.CancelMotion, res.Gate.CancelReason)
}

func TestCancelClearsTimingMilestones(t *testing.T) {
	m := newTestManager(t)
	s := m.EnsureSession("sess-1", "tl", nil)

	_, err := m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	s.mu.Lock()
	_, has := s.Timings["lock_front_ms"]
	s.mu.Unlock()
	require.True(t, has)

	bad := passingVector()
	bad.Motion = 0.95
	res, err := m.CheckLock(context.Background(), "sess-1", bad)
	require.NoError(t, err)
	require.Equal(t, capture.StateSearchingFront, res.State)

	// Rollback discards the aborted attempt's milestones...
	s.mu.Lock()
	_, has = s.Timings["lock_front_ms"]
	s.mu.Unlock()
	assert.False(t, has)

	// ...so the re-capture records fresh ones.
	_, err = m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	s.mu.Lock()
	_, has = s.Timings["lock_front_ms"]
	s.mu.Unlock()
	assert.True(t, has)
}

func TestCancelFrameHoldsWhereNoRollbackEdge(t *testing.T) {
	m := newTestManager(t)
	s := m.EnsureSession("sess-1", "tl", nil)
	require.Equal(t, capture.StateCapturedFront, driveToCaptured(t, m, "sess-1"))
	require.NoError(t, s.Machine.Apply(capture.StateConfirmFront, 0, "confirm", ""))

	// confirm_front has no rollback edge; a cancel-grade frame holds instead
	// of surfacing an illegal-transition error.
	bad := passingVector()
	bad.Motion = 0.95
	res, err := m.CheckLock(context.Background(), "sess-1", bad)
	require.NoError(t, err)
	assert.Equal(t, capture.StateConfirmFront, res.State)
	assert.Equal(t, quality.OutcomeCancel, res.Gate.Outcome)

	// Same at captured_back, whose only edge is completion.
	m2 := newTestManager(t)
	m2.EnsureSession("sess-2", "tl", nil)
	require.Equal(t, capture.StateCapturedFront, driveToCaptured(t, m2, "sess-2"))
	_, err = m2.Confirm("sess-2")
	require.NoError(t, err)
	require.Equal(t, capture.StateCapturedBack, driveToCaptured(t, m2, "sess-2"))

	res, err = m2.CheckLock(context.Background(), "sess-2", bad)
	require.NoError(t, err)
	assert.Equal(t, capture.StateCapturedBack, res.State)
}

func TestCheckLockFailHoldsWithHints(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	v := passingVector()
	v.Corners = 0.40
	res, err := m.CheckLock(context.Background(), "sess-1", v)
	require.NoError(t, err)
	assert.Equal(t, capture.StateSearchingFront, res.State)
	assert.Equal(t, quality.OutcomeFail, res.Gate.Outcome)
	require.NotEmpty(t, res.Hints)
	assert.Equal(t, "Siguraduhing kita ang apat na sulok", res.Hints[0].Primary)
}

func TestCheckLockUnknownSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CheckLock(context.Background(), "ghost", passingVector())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReducedMotionZeroesUITimings(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", []string{AccessReducedMotion, "bogus_mode"})

	res, err := m.CheckLock(context.Background(), "sess-1", passingVector())
	require.NoError(t, err)
	for name, v := range res.Timings {
		assert.Zero(t, v, "timing %s", name)
	}

	m.EnsureSession("sess-2", "tl", nil)
	res, err = m.CheckLock(context.Background(), "sess-2", passingVector())
	require.NoError(t, err)
	assert.Positive(t, res.Timings["countdown_ms"])
	assert.Positive(t, res.Timings["flip_animation_ms"])
}

func TestConfirmWalksFrontToBack(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)
	require.Equal(t, capture.StateCapturedFront, driveToCaptured(t, m, "sess-1"))

	state, err := m.Confirm("sess-1")
	require.NoError(t, err)
	assert.Equal(t, capture.StateSearchingBack, state)

	require.Equal(t, capture.StateCapturedBack, driveToCaptured(t, m, "sess-1"))
	state, err = m.Confirm("sess-1")
	require.NoError(t, err)
	assert.Equal(t, capture.StateComplete, state)
}

func TestConfirmFromIllegalState(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.Confirm("sess-1")
	assert.ErrorIs(t, err, capture.ErrIllegalTransition)
}

func TestAcceptBurstLimits(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.AcceptBurst("sess-1", 25, 3000)
	assert.ErrorIs(t, err, ErrTooManyFrames)

	_, err = m.AcceptBurst("sess-1", 12, 3600)
	assert.ErrorIs(t, err, ErrBurstTooLong)

	_, err = m.AcceptBurst("sess-1", 2, 1000)
	assert.ErrorIs(t, err, ErrNoBurst)

	b, err := m.AcceptBurst("sess-1", 12, 3000)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 12, b.FrameCount)
}

func TestEvaluateBurstConsensus(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.EvaluateBurst(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrNoBurst)

	b, err := m.AcceptBurst("sess-1", 12, 3000)
	require.NoError(t, err)

	res, err := m.EvaluateBurst(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.BurstID)
	assert.True(t, res.OK, "simulated scores sit well above the floor")
	assert.Equal(t, 12, res.FrameCount)
	assert.GreaterOrEqual(t, res.Median, 0.62)
}

func TestDecideRequiresCompleteFlow(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.Decide(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrIncompleteSession)
}

func TestFullFlowApproves(t *testing.T) {
	m := newTestManager(t)
	s := m.EnsureSession("sess-1", "tl", nil)

	require.Equal(t, capture.StateCapturedFront, driveToCaptured(t, m, "sess-1"))
	_, err := m.Confirm("sess-1")
	require.NoError(t, err)
	require.Equal(t, capture.StateCapturedBack, driveToCaptured(t, m, "sess-1"))
	_, err = m.Confirm("sess-1")
	require.NoError(t, err)

	waitForPipeline(t, s, capture.SideFront, capture.SideBack)

	// Burst still missing.
	_, err = m.Decide(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrIncompleteSession)

	_, err = m.AcceptBurst("sess-1", 12, 3000)
	require.NoError(t, err)
	cres, err := m.EvaluateBurst(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, cres.OK)

	dec, err := m.Decide(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, decision.VerdictApprove, dec.Verdict)
	assert.Contains(t, dec.Timings, "lock_front_ms")
	assert.Contains(t, dec.Timings, "complete_ms")
}

func TestBiometricRunsSynchronouslyWhenUncached(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	_, err := m.Biometric(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrIncompleteSession)

	driveToCaptured(t, m, "sess-1")
	res, err := m.Biometric(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, res.AttackDetected)
	assert.GreaterOrEqual(t, res.PADScore, 0.70)
}

func TestAttackDetectionCancelsCapture(t *testing.T) {
	pad := &vendorhub.ScriptedAdapter{
		AdapterName: "pad-scripted",
		Responses: []vendorhub.ScriptedResponse{{
			Data: map[string]interface{}{
				"pad_score":       0.20,
				"attack_detected": true,
				"attack_type":     "print",
			},
		}},
	}
	m := newTestManagerWith(t, map[vendorhub.Capability][]vendorhub.Adapter{
		vendorhub.CapBiometricPAD: {pad},
	})
	s := m.EnsureSession("sess-1", "tl", nil)

	sub, err := m.Subscribe("sess-1", 0)
	require.NoError(t, err)
	defer m.Unsubscribe(sub)

	require.Equal(t, capture.StateCapturedFront, driveToCaptured(t, m, "sess-1"))

	// The background PAD pass must roll the flow back to searching.
	require.Eventually(t, func() bool {
		return s.State() == capture.StateSearchingFront
	}, 3*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	bio := s.Biometric
	_, hasLock := s.Timings["lock_front_ms"]
	s.mu.Unlock()
	require.NotNil(t, bio)
	assert.True(t, bio.AttackDetected)
	assert.False(t, hasLock, "rollback discards the front milestones")

	// The stream carries the rollback with its reason.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.TypeStateChange && ev.Payload["cancel_reason"] == "attack_detected" {
				assert.Equal(t, "searching_front", ev.Payload["to"])
				return
			}
		case <-deadline:
			t.Fatal("no state_change event with cancel_reason attack_detected")
		}
	}
}

func TestSubscribeEmitsConnected(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	sub, err := m.Subscribe("sess-1", 0)
	require.NoError(t, err)
	defer m.Unsubscribe(sub)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.TypeConnected, ev.Type)
		assert.Equal(t, "searching_front", ev.Payload["state"])
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestCloseRemovesSession(t *testing.T) {
	m := newTestManager(t)
	m.EnsureSession("sess-1", "tl", nil)

	require.NoError(t, m.Close("sess-1"))
	assert.Equal(t, 0, m.Count())
	assert.ErrorIs(t, m.Close("sess-1"), ErrSessionNotFound)

	_, err := m.Get("sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// ====================================================================
// Consensus rule
// ====================================================================

func TestConsensusRule(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		ok     bool
		reason string
	}{
		{
			name:   "clean pass",
			scores: []float64{0.90, 0.85, 0.80, 0.75, 0.70, 0.65},
			ok:     true,
		},
		{
			name:   "median exactly at the bar passes",
			scores: []float64{0.62, 0.62, 0.62},
			ok:     true,
		},
		{
			name:   "median below the bar",
			scores: []float64{0.61, 0.61, 0.61, 0.61, 0.61},
			reason: "median_below_threshold",
		},
		{
			name:   "too few frames above the floor",
			scores: []float64{0.90, 0.90, 0.40},
			reason: "too_few_frames_above_floor",
		},
		{
			name:   "top frame below the floor",
			scores: []float64{0.95, 0.95, 0.95, 0.90, 0.50},
			reason: "top_frame_below_floor",
		},
		{
			name:   "no frames",
			scores: nil,
			reason: "no_frames",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := consensus(tc.scores, 5, 3, 0.62, 0.58)
			assert.Equal(t, tc.ok, res.OK)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestConsensusMedianEvenTopK(t *testing.T) {
	// Four frames, top-K of 5 clamps to 4; median is the mean of the middle
	// pair.
	res := consensus([]float64{0.80, 0.70, 0.60, 0.90}, 5, 3, 0.62, 0.58)
	assert.InDelta(t, 0.75, res.Median, 1e-9)
	assert.True(t, res.OK)
}
