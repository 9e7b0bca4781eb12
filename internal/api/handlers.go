package api

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/capture"
	"github.com/kycgate/backend/internal/quality"
)

// scanRequest is the body of POST /api/face/scan. Action selects the
// operation; lock is the default.
type scanRequest struct {
	SessionID     string   `json:"session_id"`
	Action        string   `json:"action"`
	Language      string   `json:"language,omitempty"`
	Accessibility []string `json:"accessibility,omitempty"`

	Frame *quality.Vector `json:"frame,omitempty"`

	Burst *struct {
		FrameCount int   `json:"frame_count"`
		DurationMS int64 `json:"duration_ms"`
	} `json:"burst,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/face/scan")

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.badRequest(w, "", "malformed JSON body")
		return
	}
	if req.SessionID == "" {
		resp.badRequest(w, "", "session_id is required")
		return
	}
	action := req.Action
	if action == "" {
		action = "lock"
	}

	switch action {
	case "lock":
		if req.Frame == nil {
			resp.badRequest(w, req.SessionID, "frame metrics are required for lock")
			return
		}
		s.manager.EnsureSession(req.SessionID, req.Language, req.Accessibility)
		res, err := s.manager.CheckLock(r.Context(), req.SessionID, *req.Frame)
		if err != nil {
			resp.fail(w, req.SessionID, err, nil)
			return
		}
		resp.ok(w, req.SessionID, res, &Messages{
			Primary: res.Message.Primary,
			English: res.Message.English,
		})

	case "confirm":
		state, err := s.manager.Confirm(req.SessionID)
		if err != nil {
			resp.fail(w, req.SessionID, err, nil)
			return
		}
		key := "flip_prompt"
		if state == capture.StateComplete {
			key = "complete"
		}
		resp.ok(w, req.SessionID, map[string]interface{}{"state": string(state)}, s.pair(key, req.Language))

	case "upload":
		if req.Burst == nil {
			resp.badRequest(w, req.SessionID, "burst descriptor is required for upload")
			return
		}
		b, err := s.manager.AcceptBurst(req.SessionID, req.Burst.FrameCount, req.Burst.DurationMS)
		if err != nil {
			key := ""
			switch codeFor(err) {
			case "too_many_frames":
				key = "error_too_many_frames"
			case "burst_too_long":
				key = "error_burst_too_long"
			}
			resp.fail(w, req.SessionID, err, s.pair(key, req.Language))
			return
		}
		resp.ok(w, req.SessionID, b, nil)

	case "evaluate":
		res, err := s.manager.EvaluateBurst(r.Context(), req.SessionID)
		if err != nil {
			resp.fail(w, req.SessionID, err, nil)
			return
		}
		resp.ok(w, req.SessionID, res, nil)

	default:
		resp.badRequest(w, req.SessionID, "unknown action: "+action)
	}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language,omitempty"`
}

func (s *Server) handleBiometric(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/face/biometric")

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		resp.badRequest(w, "", "session_id is required")
		return
	}

	res, err := s.manager.Biometric(r.Context(), req.SessionID)
	if err != nil {
		resp.fail(w, req.SessionID, err, nil)
		return
	}
	resp.ok(w, req.SessionID, res, s.pair("biometric_checking", req.Language))
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/face/decision")

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		resp.badRequest(w, "", "session_id is required")
		return
	}

	dec, err := s.manager.Decide(r.Context(), req.SessionID)
	if err != nil {
		key := ""
		if codeFor(err) == "incomplete_session" {
			key = "error_incomplete_session"
		}
		resp.fail(w, req.SessionID, err, s.pair(key, req.Language))
		return
	}

	key := "decision_review"
	switch dec.Verdict {
	case "approve":
		key = "decision_approved"
	case "deny":
		key = "decision_denied"
	}
	resp.ok(w, req.SessionID, dec, s.pair(key, req.Language))
}

// handleTelemetry returns a redacted session status snapshot.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/telemetry/{session_id}")
	sessionID := mux.Vars(r)["session_id"]

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		resp.fail(w, sessionID, err, nil)
		return
	}

	data := map[string]interface{}{
		"state":         string(sess.State()),
		"accessibility": sess.AccessibilityModes(),
		"transitions":   sess.Machine.History(),
		"rejected":      sess.Machine.Rejected(),
	}
	if g := sess.LastGate(); g != nil {
		data["last_gate"] = map[string]interface{}{
			"outcome": string(g.Outcome),
			"score":   g.OverallScore,
			"level":   string(g.Level),
		}
	}
	resp.ok(w, sessionID, data, nil)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/messages/catalog")
	lang := r.URL.Query().Get("lang")
	resp.ok(w, "", s.catalog.All(lang), nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/system/health")

	degraded := s.hub.Degraded()
	status := "ok"
	if len(degraded) > 0 || s.auditor.Degraded() {
		status = "degraded"
	}
	data := map[string]interface{}{
		"status":                status,
		"uptime_seconds":        time.Since(s.started).Seconds(),
		"active_sessions":       s.manager.Count(),
		"adapters":              s.hub.Health(),
		"degraded_capabilities": degraded,
		"audit_degraded":        s.auditor.Degraded(),
		"audit_records":         s.auditor.Len(),
	}
	if s.telemetry != nil {
		data["telemetry"] = s.telemetry.Stats()
	}
	resp.ok(w, "", data, nil)
}

// pair resolves a catalog key; empty keys yield no messages block.
func (s *Server) pair(key, lang string) *Messages {
	if key == "" {
		return nil
	}
	primary, english := s.catalog.Pair(key, lang)
	return &Messages{Primary: primary, English: english}
}

// ====================================================================
// Audit export
// ====================================================================

// Exporter materializes signed audit bundles on request.
type Exporter struct {
	Log   *audit.Log
	Dir   string
	Key   ed25519.PrivateKey
	KeyID string
	PGIdx *audit.PGIndex // optional time-range resolution
}

type exportRequest struct {
	FromSequence uint64 `json:"from_sequence"`
	ToSequence   uint64 `json:"to_sequence"`
	FromTime     string `json:"from_time,omitempty"`
	ToTime       string `json:"to_time,omitempty"`
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	resp := newResponder(s.clock, "/api/audit/export")
	if s.exporter == nil {
		resp.badRequest(w, "", "audit export is not configured")
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.badRequest(w, "", "malformed JSON body")
		return
	}

	from, to := req.FromSequence, req.ToSequence
	if req.FromTime != "" && s.exporter.PGIdx != nil {
		ft, err1 := time.Parse(time.RFC3339, req.FromTime)
		tt, err2 := time.Parse(time.RFC3339, req.ToTime)
		if err1 != nil || err2 != nil {
			resp.badRequest(w, "", "from_time/to_time must be RFC3339")
			return
		}
		from, to, _ = s.exporter.PGIdx.SequenceRange(r.Context(), ft, tt)
	}

	dir := filepath.Join(s.exporter.Dir, "bundle-"+strconv.FormatInt(time.Now().Unix(), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		resp.fail(w, "", err, nil)
		return
	}
	manifest, err := s.exporter.Log.Export(dir, from, to, s.exporter.Key, s.exporter.KeyID)
	if err != nil {
		resp.fail(w, "", err, nil)
		return
	}
	resp.ok(w, "", map[string]interface{}{
		"bundle_dir": dir,
		"manifest":   manifest,
	}, nil)
}
