package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gowebpki/jcs"
)

// Bundle file names, fixed by the export contract.
const (
	BundleRecordsFile   = "records.jsonl"
	BundleManifestFile  = "manifest.json"
	BundleSignatureFile = "signature.bin"
)

// ErrRangeEmpty is returned when an export range selects no records.
var ErrRangeEmpty = errors.New("range_empty")

// Manifest describes an exported bundle. The detached signature covers the
// canonical JSON of this structure.
type Manifest struct {
	StartSequence uint64 `json:"start_sequence"`
	EndSequence   uint64 `json:"end_sequence"`
	Count         int    `json:"count"`
	FileSHA256    string `json:"file_sha256"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	SigningKeyID  string `json:"signing_key_id"`
}

// Export writes a bundle directory for the records in [fromSeq, toSeq]
// (toSeq 0 meaning the chain head): records.jsonl, manifest.json, and a
// detached ed25519 signature over the canonical manifest.
func (l *Log) Export(dir string, fromSeq, toSeq uint64, key ed25519.PrivateKey, keyID string) (*Manifest, error) {
	records := l.Records(fromSeq, toSeq)
	if len(records) == 0 {
		return nil, ErrRangeEmpty
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: export dir: %w", err)
	}

	recPath := filepath.Join(dir, BundleRecordsFile)
	f, err := os.OpenFile(recPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	hasher := sha256.New()
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return nil, err
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			f.Close()
			return nil, err
		}
		hasher.Write(line)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		StartSequence: records[0].Sequence,
		EndSequence:   records[len(records)-1].Sequence,
		Count:         len(records),
		FileSHA256:    hex.EncodeToString(hasher.Sum(nil)),
		StartTime:     records[0].Timestamp,
		EndTime:       records[len(records)-1].Timestamp,
		SigningKeyID:  keyID,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, BundleManifestFile), manifestJSON, 0o600); err != nil {
		return nil, err
	}

	canonical, err := jcs.Transform(manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize manifest: %w", err)
	}
	sig := ed25519.Sign(key, canonical)
	if err := os.WriteFile(filepath.Join(dir, BundleSignatureFile), sig, 0o600); err != nil {
		return nil, err
	}
	return manifest, nil
}
