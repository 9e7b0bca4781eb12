// Package audit implements the tamper-evident decision log: an append-only,
// hash-chained JSONL store with signed export bundles and an offline
// verifier. Record hashes are computed over RFC 8785 canonical JSON so they
// are reproducible by any verifier.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gowebpki/jcs"

	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/metrics"
)

// GenesisHash is the previous_hash of record 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrDegraded is returned for writes after an audit failure; the
	// service keeps serving reads and health but rejects decisions.
	ErrDegraded = errors.New("audit log degraded")
)

// Record is one link of the chain.
type Record struct {
	Sequence     uint64          `json:"sequence"`
	PreviousHash string          `json:"previous_hash"`
	RecordHash   string          `json:"record_hash"`
	Timestamp    string          `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
	WORMRef      string          `json:"worm_ref,omitempty"`
}

// hashRecord computes sha256 over the canonical JSON of (sequence,
// previous_hash, payload). Canonicalization makes the hash independent of
// key order and whitespace.
func hashRecord(sequence uint64, previousHash string, payload json.RawMessage) (string, error) {
	env, err := json.Marshal(map[string]interface{}{
		"sequence":      sequence,
		"previous_hash": previousHash,
		"payload":       payload,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(env)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Log is the append-only chain. Single writer: Append is serialized by a
// mutex; readers work on copies.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	records  []Record
	lastHash string
	nextSeq  uint64

	degraded atomic.Bool
	clock    *clock.Clock
	met      *metrics.Metrics
	redactor *Redactor
	onAppend func(Record) // optional hook (Postgres index)

	logger *log.Logger
}

// Open loads (or creates) the chain at path and verifies it end to end.
// A broken chain on startup is fatal: the caller must not start taking
// decisions on top of a tampered log.
func Open(path string, clk *clock.Clock, met *metrics.Metrics) (*Log, error) {
	l := &Log{
		path:     path,
		clock:    clk,
		met:      met,
		redactor: NewRedactor(met),
		logger:   log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for append: %w", err)
	}
	l.file = f

	if len(l.records) == 0 {
		if err := l.writeGenesis(); err != nil {
			f.Close()
			return nil, err
		}
	}
	l.logger.Printf("chain loaded: %d records, head %s…", len(l.records), l.lastHash[:12])
	return l, nil
}

func (l *Log) load() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	prev := GenesisHash
	var seq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("audit: corrupt record at sequence %d: %w", seq, err)
		}
		if rec.Sequence != seq {
			return fmt.Errorf("audit: sequence gap: expected %d, found %d", seq, rec.Sequence)
		}
		if rec.PreviousHash != prev {
			return fmt.Errorf("audit: chain broken at sequence %d", rec.Sequence)
		}
		want, err := hashRecord(rec.Sequence, rec.PreviousHash, rec.Payload)
		if err != nil {
			return err
		}
		if rec.RecordHash != want {
			return fmt.Errorf("audit: hash mismatch at sequence %d", rec.Sequence)
		}
		l.records = append(l.records, rec)
		prev = rec.RecordHash
		seq++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan: %w", err)
	}
	l.lastHash = prev
	l.nextSeq = seq
	return nil
}

func (l *Log) writeGenesis() error {
	payload, _ := json.Marshal(map[string]interface{}{"genesis": true})
	_, err := l.appendRaw(payload)
	return err
}

// SetAppendHook installs a post-append callback (used by the Postgres
// read-side index). Must be called before concurrent use.
func (l *Log) SetAppendHook(fn func(Record)) { l.onAppend = fn }

// Append redacts the payload at the privacy boundary and appends it as the
// next chain record. Fails with ErrDegraded once the log has entered
// degraded mode.
func (l *Log) Append(payload map[string]interface{}) (*Record, error) {
	if l.degraded.Load() {
		return nil, ErrDegraded
	}
	redacted := l.redactor.Redact(payload)
	raw, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return l.appendRaw(raw)
}

func (l *Log) appendRaw(payload json.RawMessage) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Sequence:     l.nextSeq,
		PreviousHash: l.lastHash,
		Timestamp:    l.clock.Stamp(),
		Payload:      payload,
	}
	if rec.Sequence == 0 {
		rec.PreviousHash = GenesisHash
	}
	hash, err := hashRecord(rec.Sequence, rec.PreviousHash, rec.Payload)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.enterDegraded(err)
		return nil, ErrDegraded
	}
	if err := l.file.Sync(); err != nil {
		l.enterDegraded(err)
		return nil, ErrDegraded
	}

	l.records = append(l.records, rec)
	l.lastHash = rec.RecordHash
	l.nextSeq++

	if l.met != nil {
		l.met.AuditRecords.Inc()
	}
	if l.onAppend != nil {
		l.onAppend(rec)
	}
	return &rec, nil
}

func (l *Log) enterDegraded(cause error) {
	if l.degraded.CompareAndSwap(false, true) {
		l.logger.Printf("🚨 write failure, entering degraded mode: %v", cause)
		if l.met != nil {
			l.met.AuditDegraded.Set(1)
		}
	}
}

// Degraded reports whether decision writes are being rejected.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// Len returns the number of records in the chain.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a snapshot copy of the chain, optionally bounded by
// [fromSeq, toSeq] inclusive (toSeq 0 means no upper bound).
func (l *Log) Records(fromSeq, toSeq uint64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if r.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && r.Sequence > toSeq {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Close releases the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
