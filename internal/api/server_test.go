package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/biometric"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/decision"
	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/extraction"
	"github.com/kycgate/backend/internal/messages"
	"github.com/kycgate/backend/internal/quality"
	"github.com/kycgate/backend/internal/session"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
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
	hub := vendorhub.NewHub(chains, vendorhub.DefaultBreakerTuning(), nil)
	bus := events.NewBus(events.DefaultConfig(), clk, nil)
	catalog := messages.NewCatalog()

	mgr := session.NewManager(session.Deps{
		Registry:   reg,
		Gate:       quality.NewGate(reg),
		Bus:        bus,
		Hub:        hub,
		Extraction: extraction.NewCoordinator(hub, bus),
		Biometric:  biometric.NewCoordinator(hub, bus, reg),
		Engine:     decision.NewEngine(reg, auditLog, clk, nil),
		Audit:      auditLog,
		Catalog:    catalog,
		Clock:      clk,
	})

	key, err := audit.DeriveSigningKey([]byte("test-master"), "key-1")
	require.NoError(t, err)

	srv := NewServer(Deps{
		Manager:  mgr,
		Hub:      hub,
		Audit:    auditLog,
		Registry: reg,
		Catalog:  catalog,
		Clock:    clk,
		Exporter: &Exporter{
			Log:   auditLog,
			Dir:   t.TempDir(),
			Key:   key,
			KeyID: "key-1",
		},
	})
	return srv, mgr
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func getJSON(t *testing.T, router http.Handler, path string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func goodFrame() map[string]interface{} {
	return map[string]interface{}{
		"focus":      0.90,
		"motion":     0.10,
		"glare":      0.10,
		"corners":    0.95,
		"fill_ratio": 0.70,
	}
}

func TestScanLock(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec, env := postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "lock",
		"frame":      goodFrame(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "sess-1", env.Metadata.SessionID)
	assert.Equal(t, Version, env.Metadata.Version)
	require.NotNil(t, env.Messages)
	assert.Equal(t, "Nakuha na! Huwag gumalaw 🔒", env.Messages.Primary)
	assert.Equal(t, "Locked on! Hold still 🔒", env.Messages.English)

	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "locked_front", data["state"])
}

func TestScanValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	// Missing session_id.
	rec, env := postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"action": "lock",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)

	// Lock without frame metrics.
	rec, env = postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "lock",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", env.Error.Code)

	// Unknown action.
	rec, env = postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "teleport",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error.Message, "teleport")

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/face/scan", strings.NewReader("{nope"))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestScanConfirmIllegalState(t *testing.T) {
	srv, mgr := newTestServer(t)
	router := srv.Router()
	mgr.EnsureSession("sess-1", "tl", nil)

	rec, env := postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "confirm",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)
}

func TestScanUploadLimits(t *testing.T) {
	srv, mgr := newTestServer(t)
	router := srv.Router()
	mgr.EnsureSession("sess-1", "tl", nil)

	rec, env := postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "upload",
		"burst":      map[string]interface{}{"frame_count": 99, "duration_ms": 3000},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "too_many_frames", env.Error.Code)
	require.NotNil(t, env.Messages)
	assert.Equal(t, "Too many frames in burst", env.Messages.English)

	rec, env = postJSON(t, router, "/api/face/scan", map[string]interface{}{
		"session_id": "sess-1",
		"action":     "upload",
		"burst":      map[string]interface{}{"frame_count": 12, "duration_ms": 3000},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["burst_id"])
}

func TestBiometricBeforeCapture(t *testing.T) {
	srv, mgr := newTestServer(t)
	router := srv.Router()
	mgr.EnsureSession("sess-1", "tl", nil)

	rec, env := postJSON(t, router, "/api/face/biometric", map[string]interface{}{
		"session_id": "sess-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "incomplete_session", env.Error.Code)
}

func TestDecisionUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec, env := postJSON(t, router, "/api/face/decision", map[string]interface{}{
		"session_id": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "session_not_found", env.Error.Code)
}

func TestTelemetrySnapshot(t *testing.T) {
	srv, mgr := newTestServer(t)
	router := srv.Router()

	rec, _ := getJSON(t, router, "/api/telemetry/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mgr.EnsureSession("sess-1", "tl", nil)
	_, err := mgr.CheckLock(context.Background(), "sess-1", quality.Vector{
		Focus: 0.90, Motion: 0.10, Glare: 0.10, Corners: 0.95, FillRatio: 0.70,
	})
	require.NoError(t, err)

	rec, env := getJSON(t, router, "/api/telemetry/sess-1")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "locked_front", data["state"])
	require.Contains(t, data, "last_gate")
	gate, ok := data["last_gate"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pass", gate["outcome"])
}

func TestCatalogEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec, env := getJSON(t, router, "/api/messages/catalog?lang=en")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "lock_acquired")
	assert.Contains(t, data, "cancel_glare")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec, env := getJSON(t, router, "/api/system/health")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, false, data["audit_degraded"])

	uptime, ok := data["uptime_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, uptime, 0.0)
}

func TestAuditExportEndpoint(t *testing.T) {
	srv, mgr := newTestServer(t)
	router := srv.Router()
	mgr.EnsureSession("sess-1", "tl", nil)

	rec, env := postJSON(t, router, "/api/audit/export", map[string]interface{}{
		"from_sequence": 0,
		"to_sequence":   0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["bundle_dir"])
	manifest, ok := data["manifest"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "key-1", manifest["signing_key_id"])
}

func TestStreamReplaysAndDelivers(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.EnsureSession("sess-1", "tl", nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/face/stream?session_id=sess-1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var sawConnected bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: connected") {
			sawConnected = true
			break
		}
	}
	assert.True(t, sawConnected)
}

func TestStreamUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec, env := getJSON(t, router, "/api/face/stream?session_id=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "session_not_found", env.Error.Code)

	rec2, env2 := getJSON(t, router, "/api/face/stream")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Equal(t, "invalid_request", env2.Error.Code)
}

func TestCodeForMapping(t *testing.T) {
	assert.Equal(t, "session_not_found", codeFor(session.ErrSessionNotFound))
	assert.Equal(t, "incomplete_session", codeFor(session.ErrIncompleteSession))
	assert.Equal(t, "too_many_frames", codeFor(session.ErrTooManyFrames))
	assert.Equal(t, "burst_too_long", codeFor(session.ErrBurstTooLong))
	assert.Equal(t, "not_ready", codeFor(session.ErrNoBurst))
	assert.Equal(t, "capability_unavailable", codeFor(vendorhub.ErrCapabilityUnavailable))
	assert.Equal(t, "range_empty", codeFor(audit.ErrRangeEmpty))
	assert.Equal(t, "error_generic", codeFor(context.Canceled))

	for code := range errorStatus {
		assert.Positive(t, errorStatus[code])
	}
}
