package audit

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kycgate/backend/internal/clock"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, clock.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestGenesisRecord(t *testing.T) {
	l, _ := openTestLog(t)

	require.Equal(t, 1, l.Len())
	recs := l.Records(0, 0)
	assert.Equal(t, uint64(0), recs[0].Sequence)
	assert.Equal(t, GenesisHash, recs[0].PreviousHash)
	assert.Contains(t, string(recs[0].Payload), "genesis")
}

func TestChainLinksAndSequences(t *testing.T) {
	l, _ := openTestLog(t)

	var prev string
	for i := 0; i < 5; i++ {
		rec, err := l.Append(map[string]interface{}{
			"kind":  "state_change",
			"state": "locked_front",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), rec.Sequence)
		if prev != "" {
			assert.Equal(t, prev, rec.PreviousHash)
		}
		prev = rec.RecordHash
	}
}

func TestReopenVerifiesChain(t *testing.T) {
	l, path := openTestLog(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]interface{}{"kind": "capture", "side": "front"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(path, clock.New(), nil)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, 4, l2.Len())

	// Appends continue the chain where it left off.
	rec, err := l2.Append(map[string]interface{}{"kind": "capture", "side": "back"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Sequence)
}

func TestReopenRejectsTamperedFile(t *testing.T) {
	l, path := openTestLog(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]interface{}{"kind": "capture", "score": float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Flip a digit inside a payload score.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(nil)
	tampered = append(tampered, raw...)
	for i := range tampered {
		if tampered[i] == '2' {
			tampered[i] = '7'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = Open(path, clock.New(), nil)
	require.Error(t, err)
}

func TestExportAndVerifyPass(t *testing.T) {
	l, _ := openTestLog(t)
	for i := 0; i < 6; i++ {
		_, err := l.Append(map[string]interface{}{"kind": "state_change", "score": float64(i) / 10})
		require.NoError(t, err)
	}

	key, err := DeriveSigningKey([]byte("test-master-secret"), "key-1")
	require.NoError(t, err)

	dir := t.TempDir()
	manifest, err := l.Export(dir, 0, 0, key, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 7, manifest.Count)
	assert.Equal(t, "key-1", manifest.SigningKeyID)

	pub := key.Public().(ed25519.PublicKey)
	report, err := VerifyBundle(dir, pub)
	require.NoError(t, err)
	assert.Equal(t, "PASS", report.Status)
	assert.True(t, report.SignatureOK)
	assert.True(t, report.ChainOK)
	assert.True(t, report.SequenceOK)
	assert.True(t, report.FileHashOK)
	assert.True(t, report.TimestampsOK)
	assert.Equal(t, int64(-1), report.BrokenAt)
	assert.Equal(t, 7, report.RecordCount)
}

func TestVerifyDetectsByteFlip(t *testing.T) {
	l, _ := openTestLog(t)
	for i := 0; i < 6; i++ {
		_, err := l.Append(map[string]interface{}{"kind": "state_change", "score": 0.25})
		require.NoError(t, err)
	}

	key, err := DeriveSigningKey([]byte("test-master-secret"), "key-1")
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = l.Export(dir, 0, 0, key, "key-1")
	require.NoError(t, err)

	// Flip one payload byte in the exported records file.
	recPath := filepath.Join(dir, BundleRecordsFile)
	raw, err := os.ReadFile(recPath)
	require.NoError(t, err)
	for i := range raw {
		if raw[i] == '2' {
			raw[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(recPath, raw, 0o600))

	pub := key.Public().(ed25519.PublicKey)
	report, err := VerifyBundle(dir, pub)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", report.Status)
	assert.False(t, report.FileHashOK)
	assert.False(t, report.ChainOK)
	assert.GreaterOrEqual(t, report.BrokenAt, int64(0))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	l, _ := openTestLog(t)
	_, err := l.Append(map[string]interface{}{"kind": "capture"})
	require.NoError(t, err)

	key, err := DeriveSigningKey([]byte("secret-a"), "key-1")
	require.NoError(t, err)
	otherKey, err := DeriveSigningKey([]byte("secret-b"), "key-1")
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = l.Export(dir, 0, 0, key, "key-1")
	require.NoError(t, err)

	report, err := VerifyBundle(dir, otherKey.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, "FAIL", report.Status)
	assert.False(t, report.SignatureOK)
}

func TestExportEmptyRange(t *testing.T) {
	l, _ := openTestLog(t)
	key, err := DeriveSigningKey([]byte("s"), "key-1")
	require.NoError(t, err)

	_, err = l.Export(t.TempDir(), 500, 600, key, "key-1")
	assert.ErrorIs(t, err, ErrRangeEmpty)
}

func TestDeriveSigningKeyIsStablePerKeyID(t *testing.T) {
	a, err := DeriveSigningKey([]byte("master"), "key-1")
	require.NoError(t, err)
	b, err := DeriveSigningKey([]byte("master"), "key-1")
	require.NoError(t, err)
	c, err := DeriveSigningKey([]byte("master"), "key-2")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

// ====================================================================
// Redaction
// ====================================================================

func TestRedactDropsImageryAndPII(t *testing.T) {
	r := NewRedactor(nil)

	out := r.Redact(map[string]interface{}{
		"kind":            "extraction",
		"score":           0.91,
		"first_name":      "JUAN",
		"document_number": "1234-5678-9012-3456",
		"frame_jpeg":      "base64...",
		"face_crop":       "base64...",
	})

	assert.Equal(t, "extraction", out["kind"])
	assert.Equal(t, 0.91, out["score"])
	assert.NotContains(t, out, "first_name")
	assert.NotContains(t, out, "document_number")
	assert.NotContains(t, out, "frame_jpeg")
	assert.NotContains(t, out, "face_crop")
}

func TestRedactHashesIdentifiers(t *testing.T) {
	r := NewRedactor(nil)

	out := r.Redact(map[string]interface{}{
		"session_id": "sess-abc-123",
		"device_id":  "device-9",
	})

	sid, ok := out["session_id"].(string)
	require.True(t, ok)
	assert.Len(t, sid, 16)
	assert.NotEqual(t, "sess-abc-123", sid)
	assert.Equal(t, HashIdentifier("sess-abc-123"), sid)
	assert.Equal(t, HashIdentifier("device-9"), out["device_id"])
}

func TestRedactDropsFreeFormStrings(t *testing.T) {
	r := NewRedactor(nil)

	out := r.Redact(map[string]interface{}{
		"kind":       "decision",
		"note":       "customer seemed nervous",
		"confidence": 0.8,
		"ok":         true,
	})
	assert.NotContains(t, out, "note")
	assert.Equal(t, 0.8, out["confidence"])
	assert.Equal(t, true, out["ok"])
}

func TestRedactRecursesIntoNestedMaps(t *testing.T) {
	r := NewRedactor(nil)

	out := r.Redact(map[string]interface{}{
		"kind": "decision",
		"timings": map[string]interface{}{
			"lock_front_ms": 420.0,
			"selfie_path":   "/tmp/selfie.png",
		},
	})
	nested, ok := out["timings"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 420.0, nested["lock_front_ms"])
	assert.NotContains(t, nested, "selfie_path")
}

func TestAppendRedactsAtTheBoundary(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.Append(map[string]interface{}{
		"kind":       "extraction",
		"first_name": "JUAN",
		"score":      0.9,
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "JUAN")
	assert.Contains(t, string(raw), "0.9")
}

func TestDegradedModeRejectsWrites(t *testing.T) {
	l, _ := openTestLog(t)

	// Force a write failure by closing the backing file out from under the
	// log.
	l.file.Close()
	_, err := l.Append(map[string]interface{}{"kind": "capture"})
	require.ErrorIs(t, err, ErrDegraded)
	assert.True(t, l.Degraded())

	// Subsequent writes keep failing fast.
	_, err = l.Append(map[string]interface{}{"kind": "capture"})
	assert.ErrorIs(t, err, ErrDegraded)
}

func TestRecordsRange(t *testing.T) {
	l, _ := openTestLog(t)
	for i := 0; i < 9; i++ {
		_, err := l.Append(map[string]interface{}{"kind": "capture"})
		require.NoError(t, err)
	}

	recs := l.Records(3, 5)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), recs[0].Sequence)
	assert.Equal(t, uint64(5), recs[2].Sequence)
}

func TestHashRecordIsCanonical(t *testing.T) {
	// Key order must not affect the hash.
	a := json.RawMessage(`{"b":1,"a":2}`)
	b := json.RawMessage(`{"a":2,"b":1}`)

	ha, err := hashRecord(3, GenesisHash, a)
	require.NoError(t, err)
	hb, err := hashRecord(3, GenesisHash, b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
