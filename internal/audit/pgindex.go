package audit

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// PGIndex is an optional Postgres read-side index over the chain: sequence,
// hash and timestamp only, for range lookups during export. The JSONL file
// stays the source of truth; the index carries no payloads.
type PGIndex struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPGIndex wraps an existing connection. A nil db disables the index.
func NewPGIndex(db *sql.DB) *PGIndex {
	return &PGIndex{db: db, logger: log.New(log.Writer(), "[AUDIT-IDX] ", log.LstdFlags)}
}

// EnsureSchema creates the index table when missing.
func (x *PGIndex) EnsureSchema(ctx context.Context) error {
	if x.db == nil {
		return nil
	}
	_, err := x.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_index (
			sequence    BIGINT PRIMARY KEY,
			record_hash TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Hook returns an append hook for Log.SetAppendHook. Index writes are
// best-effort: a failed insert is logged, never fails the chain append.
func (x *PGIndex) Hook() func(Record) {
	return func(rec Record) {
		if x.db == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ts, err := time.Parse("2006-01-02T15:04:05.000-07:00", rec.Timestamp)
		if err != nil {
			ts = time.Now()
		}
		if _, err := x.db.ExecContext(ctx,
			`INSERT INTO audit_index (sequence, record_hash, recorded_at)
			 VALUES ($1, $2, $3) ON CONFLICT (sequence) DO NOTHING`,
			int64(rec.Sequence), rec.RecordHash, ts); err != nil {
			x.logger.Printf("index insert failed at %d: %v", rec.Sequence, err)
		}
	}
}

// SequenceRange resolves a wall-clock range to [first, last] sequence
// numbers, for audit.export requests expressed in time.
func (x *PGIndex) SequenceRange(ctx context.Context, from, to time.Time) (uint64, uint64, error) {
	if x.db == nil {
		return 0, 0, sql.ErrConnDone
	}
	var first, last sql.NullInt64
	err := x.db.QueryRowContext(ctx,
		`SELECT MIN(sequence), MAX(sequence) FROM audit_index
		 WHERE recorded_at >= $1 AND recorded_at <= $2`, from, to).Scan(&first, &last)
	if err != nil {
		return 0, 0, err
	}
	if !first.Valid {
		return 0, 0, ErrRangeEmpty
	}
	return uint64(first.Int64), uint64(last.Int64), nil
}
