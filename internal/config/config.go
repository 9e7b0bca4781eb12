// Package config loads the server configuration: YAML file first, then
// environment overrides with bounds validation. Out-of-range env values are
// rejected at startup rather than clamped.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Gate      GateConfig         `yaml:"gate"`
	Burst     BurstConfig        `yaml:"burst"`
	Targets   TargetsConfig      `yaml:"targets"`
	Vendors   VendorsConfig      `yaml:"vendors"`
	Audit     AuditConfig        `yaml:"audit"`
	Redis     RedisConfig        `yaml:"redis"`
	Postgres  PostgresConfig     `yaml:"postgres"`
	Messages  MessagesConfig     `yaml:"messages"`
	Overrides map[string]float64 `yaml:"threshold_overrides"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type GateConfig struct {
	MatchThreshold float64 `yaml:"match_threshold"`
	PADMin         float64 `yaml:"pad_min"`
}

type BurstConfig struct {
	MaxFrames     int `yaml:"max_frames"`
	MaxDurationMS int `yaml:"max_duration_ms"`
}

type TargetsConfig struct {
	LockP50MS          int     `yaml:"lock_p50_ms"`
	LockP95MS          int     `yaml:"lock_p95_ms"`
	DecisionP50MS      int     `yaml:"decision_p50_ms"`
	DecisionP95MS      int     `yaml:"decision_p95_ms"`
	AvailabilityTarget float64 `yaml:"availability_target"`
}

// VendorAdapter names one upstream endpoint for a capability chain.
type VendorAdapter struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"` // empty selects the simulated adapter
}

type VendorsConfig struct {
	// Chains maps capability names to their ordered adapter chains.
	Chains map[string][]VendorAdapter `yaml:"chains"`
}

type AuditConfig struct {
	Path         string `yaml:"path"`
	ExportDir    string `yaml:"export_dir"`
	MasterSecret string `yaml:"master_secret"`
	SigningKeyID string `yaml:"signing_key_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables checkpoints
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty disables the audit index
}

type MessagesConfig struct {
	OverlayPath string `yaml:"overlay_path"`
}

// envBound is one numeric environment override with its legal range.
type envBound struct {
	key      string
	min, max float64
	apply    func(*Config, float64)
}

var envBounds = []envBound{
	{"FACE_MATCH_THRESHOLD", 0, 1, func(c *Config, v float64) { c.Gate.MatchThreshold = v }},
	{"PAD_MIN", 0, 1, func(c *Config, v float64) { c.Gate.PADMin = v }},
	{"BURST_MAX_FRAMES", 1, 120, func(c *Config, v float64) { c.Burst.MaxFrames = int(v) }},
	{"BURST_MAX_DURATION_MS", 100, 60000, func(c *Config, v float64) { c.Burst.MaxDurationMS = int(v) }},
	{"LOCK_P50_MS", 1, 60000, func(c *Config, v float64) { c.Targets.LockP50MS = int(v) }},
	{"LOCK_P95_MS", 1, 60000, func(c *Config, v float64) { c.Targets.LockP95MS = int(v) }},
	{"DECISION_P50_MS", 1, 600000, func(c *Config, v float64) { c.Targets.DecisionP50MS = int(v) }},
	{"DECISION_P95_MS", 1, 600000, func(c *Config, v float64) { c.Targets.DecisionP95MS = int(v) }},
	{"AVAILABILITY_TARGET", 0.9, 1, func(c *Config, v float64) { c.Targets.AvailabilityTarget = v }},
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Gate:   GateConfig{MatchThreshold: 0.80, PADMin: 0.70},
		Burst:  BurstConfig{MaxFrames: 24, MaxDurationMS: 3500},
		Targets: TargetsConfig{
			LockP50MS:          120,
			LockP95MS:          350,
			DecisionP50MS:      800,
			DecisionP95MS:      2500,
			AvailabilityTarget: 0.999,
		},
		Audit: AuditConfig{
			Path:         "data/audit.jsonl",
			ExportDir:    "data/exports",
			SigningKeyID: "audit-key-1",
		},
	}
}

// LoadConfig reads the YAML file (optional), then applies environment
// overrides. Missing file falls back to defaults; a malformed file or an
// out-of-bounds override is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("config %s: %w", path, decodeErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, b := range envBounds {
		raw := os.Getenv(b.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not numeric", b.key, raw)
		}
		if v < b.min || v > b.max {
			return fmt.Errorf("config: %s=%v outside [%v, %v]", b.key, v, b.min, b.max)
		}
		b.apply(cfg, v)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("config: PORT=%q invalid", port)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AUDIT_MASTER_SECRET"); v != "" {
		cfg.Audit.MasterSecret = v
	}
	return nil
}

// Validate enforces cross-field sanity.
func (c *Config) Validate() error {
	if c.Gate.MatchThreshold < 0 || c.Gate.MatchThreshold > 1 {
		return fmt.Errorf("config: match_threshold %v outside [0, 1]", c.Gate.MatchThreshold)
	}
	if c.Gate.PADMin < 0 || c.Gate.PADMin > 1 {
		return fmt.Errorf("config: pad_min %v outside [0, 1]", c.Gate.PADMin)
	}
	if c.Burst.MaxFrames < 1 {
		return fmt.Errorf("config: burst max_frames must be positive")
	}
	if c.Targets.LockP50MS > c.Targets.LockP95MS {
		return fmt.Errorf("config: lock p50 exceeds p95")
	}
	if c.Targets.DecisionP50MS > c.Targets.DecisionP95MS {
		return fmt.Errorf("config: decision p50 exceeds p95")
	}
	return nil
}

// ThresholdOverrides merges the config into registry override form.
func (c *Config) ThresholdOverrides() map[string]float64 {
	out := make(map[string]float64, len(c.Overrides)+4)
	for k, v := range c.Overrides {
		out[k] = v
	}
	out["match_threshold"] = c.Gate.MatchThreshold
	out["pad_threshold"] = c.Gate.PADMin
	out["burst_max_frames"] = float64(c.Burst.MaxFrames)
	out["burst_max_duration_ms"] = float64(c.Burst.MaxDurationMS)
	out["lock_p50_ms"] = float64(c.Targets.LockP50MS)
	out["lock_p95_ms"] = float64(c.Targets.LockP95MS)
	out["decision_p50_ms"] = float64(c.Targets.DecisionP50MS)
	out["decision_p95_ms"] = float64(c.Targets.DecisionP95MS)
	out["availability_target"] = c.Targets.AvailabilityTarget
	return out
}
