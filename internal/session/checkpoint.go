package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint is the redacted session snapshot persisted to Redis. It carries
// state and scores only; no imagery, no extracted field values, no raw
// identifiers beyond the session ID used as the key.
type Checkpoint struct {
	SessionID     string   `json:"session_id"`
	State         string   `json:"state"`
	Language      string   `json:"language"`
	Accessibility []string `json:"accessibility,omitempty"`
	FrontCaptured bool     `json:"front_captured"`
	BurstID       string   `json:"burst_id,omitempty"`
	BurstOK       bool     `json:"burst_ok"`
	MatchScore    float64  `json:"match_score"`
	PADScore      float64  `json:"pad_score"`
	Decided       bool     `json:"decided"`
	UpdatedAt     string   `json:"updated_at"`
}

// Checkpoints persists session snapshots so a restarted node can answer
// status reads for in-flight sessions. Snapshots expire with the session TTL.
type Checkpoints struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCheckpoints wraps a Redis client. ttl should match the session TTL.
func NewCheckpoints(rdb *redis.Client, ttl time.Duration) *Checkpoints {
	return &Checkpoints{rdb: rdb, ttl: ttl}
}

func checkpointKey(sessionID string) string {
	return "kyc:session:" + sessionID
}

// Save writes the session's redacted snapshot.
func (c *Checkpoints) Save(ctx context.Context, s *Session) error {
	s.mu.Lock()
	cp := Checkpoint{
		SessionID:     s.ID,
		State:         string(s.Machine.State()),
		Language:      s.Language,
		FrontCaptured: s.Machine.FrontCaptured(),
		Decided:       s.decided,
	}
	for mode := range s.accessibility {
		cp.Accessibility = append(cp.Accessibility, mode)
	}
	if s.Burst != nil {
		cp.BurstID = s.Burst.ID
		cp.BurstOK = s.Burst.OK
	}
	if s.Biometric != nil {
		cp.MatchScore = s.Biometric.MatchScore
		cp.PADScore = s.Biometric.PADScore
	}
	s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}
	return c.rdb.Set(ctx, checkpointKey(s.ID), raw, c.ttl).Err()
}

// Load reads a snapshot; redis.Nil maps to ErrSessionNotFound.
func (c *Checkpoints) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	raw, err := c.rdb.Get(ctx, checkpointKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint decode: %w", err)
	}
	return &cp, nil
}

// Delete removes a snapshot on session close.
func (c *Checkpoints) Delete(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, checkpointKey(sessionID)).Err()
}
