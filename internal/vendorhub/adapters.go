package vendorhub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// HTTP ADAPTER
// ============================================================================

// HTTPAdapter posts the payload as JSON to a vendor endpoint and decodes the
// JSON response body. This is the production shape; concrete vendor SDKs live
// behind their own endpoints.
type HTTPAdapter struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPAdapter creates an adapter for the given vendor endpoint. The HTTP
// client carries no timeout of its own; the hub's per-capability deadline
// governs every call.
func NewHTTPAdapter(name, url string) *HTTPAdapter {
	return &HTTPAdapter{
		name:   name,
		url:    url,
		client: &http.Client{},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Invoke(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vendor %s returned %d", a.name, resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode vendor response: %w", err)
	}
	return out, nil
}

// ============================================================================
// SIMULATED ADAPTERS
// ============================================================================

// SimulatedAdapter produces deterministic synthetic vendor results, seeded by
// the session id so repeated calls agree. Used for local development and as
// the default secondary when no real vendor is configured.
type SimulatedAdapter struct {
	name       string
	capability Capability
	latency    time.Duration
}

// NewSimulatedAdapter creates a simulated vendor for one capability.
func NewSimulatedAdapter(name string, cap Capability, latency time.Duration) *SimulatedAdapter {
	return &SimulatedAdapter{name: name, capability: cap, latency: latency}
}

func (a *SimulatedAdapter) Name() string { return a.name }

func (a *SimulatedAdapter) Invoke(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	select {
	case <-time.After(a.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seed := seedFrom(payload)
	switch a.capability {
	case CapOCRExtract:
		return a.simulateOCR(seed, payload), nil
	case CapBiometricMatch:
		return a.simulateMatch(seed, payload), nil
	case CapBiometricPAD:
		return map[string]interface{}{
			"pad_score":       0.88 + jitter(seed, 0x11)*0.1,
			"attack_detected": false,
		}, nil
	case CapAMLScreen:
		return map[string]interface{}{"hits": []interface{}{}}, nil
	case CapIssuerVerify:
		return map[string]interface{}{"verified": true, "issuer": "PSA"}, nil
	case CapDeviceFingerprint:
		return map[string]interface{}{"anomaly_score": 0.05 + jitter(seed, 0x22)*0.1}, nil
	default:
		return nil, fmt.Errorf("simulated adapter: unsupported capability %s", a.capability)
	}
}

func (a *SimulatedAdapter) simulateOCR(seed uint64, payload map[string]interface{}) map[string]interface{} {
	side, _ := payload["side"].(string)
	fields := map[string]interface{}{
		"first_name":      field("JUAN", 0.93, seed, 0x01),
		"middle_name":     field("SANTOS", 0.84, seed, 0x02),
		"last_name":       field("DELA CRUZ", 0.94, seed, 0x03),
		"document_number": field("1234-5678-9012-3456", 0.91, seed, 0x04),
		"document_type":   field("philid", 0.97, seed, 0x05),
		"date_of_birth":   field("1990-04-12", 0.90, seed, 0x06),
		"sex":             field("M", 0.95, seed, 0x07),
		"nationality":     field("PHL", 0.96, seed, 0x08),
	}
	if side == "back" {
		fields = map[string]interface{}{
			"address":        field("123 MABINI ST, MAKATI", 0.78, seed, 0x09),
			"place_of_birth": field("MANILA", 0.82, seed, 0x0a),
			"civil_status":   field("SINGLE", 0.88, seed, 0x0b),
			"expiry_date":    field("2032-04-12", 0.92, seed, 0x0c),
		}
	}
	return map[string]interface{}{"fields": fields}
}

func (a *SimulatedAdapter) simulateMatch(seed uint64, payload map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"match_score": 0.86 + jitter(seed, 0x33)*0.08,
	}
	// Per-frame scores for burst consensus requests.
	if n, ok := payload["frame_count"].(float64); ok && n > 0 {
		scores := make([]interface{}, int(n))
		for i := range scores {
			scores[i] = 0.70 + jitter(seed, byte(i))*0.25
		}
		out["frame_scores"] = scores
	} else if n, ok := payload["frame_count"].(int); ok && n > 0 {
		scores := make([]interface{}, n)
		for i := range scores {
			scores[i] = 0.70 + jitter(seed, byte(i))*0.25
		}
		out["frame_scores"] = scores
	}
	return out
}

func field(value string, confidence float64, seed uint64, salt byte) map[string]interface{} {
	c := confidence + jitter(seed, salt)*0.04 - 0.02
	if c > 0.99 {
		c = 0.99
	}
	return map[string]interface{}{"value": value, "confidence": c}
}

// seedFrom derives a stable seed from the session id in the payload so a
// given session always sees the same synthetic vendor output.
func seedFrom(payload map[string]interface{}) uint64 {
	sid, _ := payload["session_id"].(string)
	sum := sha256.Sum256([]byte(sid))
	return binary.BigEndian.Uint64(sum[:8])
}

// jitter maps (seed, salt) to a stable value in [0, 1).
func jitter(seed uint64, salt byte) float64 {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], seed)
	buf[8] = salt
	sum := sha256.Sum256(buf[:])
	v := binary.BigEndian.Uint32(sum[:4])
	return float64(v) / float64(1<<32)
}

// ============================================================================
// SCRIPTED ADAPTER (tests)
// ============================================================================

// ScriptedAdapter returns queued responses in order, then repeats the last.
// Tests drive failover and breaker behavior with it.
type ScriptedAdapter struct {
	AdapterName string
	Responses   []ScriptedResponse
	Calls       int
}

// ScriptedResponse is one step of a scripted adapter.
type ScriptedResponse struct {
	Data  map[string]interface{}
	Err   error
	Delay time.Duration
}

func (a *ScriptedAdapter) Name() string { return a.AdapterName }

func (a *ScriptedAdapter) Invoke(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	idx := a.Calls
	if idx >= len(a.Responses) {
		idx = len(a.Responses) - 1
	}
	a.Calls++
	r := a.Responses[idx]
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Data, r.Err
}

// Fingerprint hashes a payload for logging without exposing its contents.
func Fingerprint(payload map[string]interface{}) string {
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
