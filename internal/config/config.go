package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// CurrentSchemaVersion is the current config schema version.
const CurrentSchemaVersion = 1

// Environment variable names for config overrides.
// Priority: Environment > Config File > Default
const (
	EnvPort           = "LIVECAST_PORT"
	EnvLanEnabled     = "LIVECAST_LAN_ENABLED"
	EnvLogLevel       = "LIVECAST_LOG_LEVEL"
	EnvHost           = "LIVECAST_HOST"
	EnvRetentionDays  = "LIVECAST_RETENTION_DAYS"
	EnvIdentityTTLSec = "LIVECAST_IDENTITY_TTL_SEC"
	EnvAllowedOrigins = "LIVECAST_ALLOWED_ORIGINS"
	EnvGiftCatalog    = "LIVECAST_GIFT_CATALOG"
)

// Config holds non-sensitive application configuration.
type Config struct {
	SchemaVersion  int      `json:"schema_version"`
	Port           int      `json:"port"`
	LanEnabled     bool     `json:"lan_enabled"`
	LogLevel       string   `json:"log_level"`
	Host           bool     `json:"host"`
	RetentionDays  int      `json:"retention_days"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	GiftCatalog    string   `json:"gift_catalog,omitempty"`
	Pipeline       Pipeline `json:"pipeline"`
}

// Pipeline holds the per-stream pipeline tunables.
type Pipeline struct {
	ChatDebounceMS int `json:"chat_debounce_ms"`
	DedupWindowMS  int `json:"dedup_window_ms"`
	MaxAgeSec      int `json:"max_age_sec"`
	HistoryLimit   int `json:"history_limit"`
	SendIntervalMS int `json:"send_interval_ms"`
	IdentityTTLSec int `json:"identity_ttl_sec"` // -1 keeps identities for the session
	ComboWindowSec int `json:"combo_window_sec"`
	ViewerWriteSec int `json:"viewer_write_sec"`
	HeartbeatSec   int `json:"heartbeat_sec"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SchemaVersion: CurrentSchemaVersion,
		Port:          8080,
		LanEnabled:    false,
		LogLevel:      "info",
		Host:          true,
		RetentionDays: 30,
		Pipeline:      DefaultPipeline(),
	}
}

// DefaultPipeline returns the default pipeline tunables.
func DefaultPipeline() Pipeline {
	return Pipeline{
		ChatDebounceMS: 100,
		DedupWindowMS:  1000,
		MaxAgeSec:      30,
		HistoryLimit:   50,
		SendIntervalMS: 1000,
		IdentityTTLSec: 120,
		ComboWindowSec: 10,
		ViewerWriteSec: 15,
		HeartbeatSec:   30,
	}
}

// Duration helpers.
func (p Pipeline) ChatDebounce() time.Duration { return ms(p.ChatDebounceMS) }
func (p Pipeline) DedupWindow() time.Duration  { return ms(p.DedupWindowMS) }
func (p Pipeline) MaxAge() time.Duration       { return sec(p.MaxAgeSec) }
func (p Pipeline) SendInterval() time.Duration { return ms(p.SendIntervalMS) }
func (p Pipeline) ComboWindow() time.Duration  { return sec(p.ComboWindowSec) }
func (p Pipeline) ViewerWrite() time.Duration  { return sec(p.ViewerWriteSec) }
func (p Pipeline) Heartbeat() time.Duration    { return sec(p.HeartbeatSec) }

// IdentityTTL returns the identity cache TTL; negative means the session
// lifetime.
func (p Pipeline) IdentityTTL() time.Duration {
	if p.IdentityTTLSec < 0 {
		return -1
	}
	return sec(p.IdentityTTLSec)
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// Retention returns how long chat and gift rows are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// LoadConfig reads config from disk. If the file doesn't exist or is corrupt,
// it returns DefaultConfig with a warning logged (non-fatal).
func LoadConfig() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	return LoadConfigFrom(path)
}

// LoadConfigFrom reads config from the specified path.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		log.Printf("Warning: failed to read config file: %v, using defaults", err)
		return cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		log.Printf("Warning: config file is corrupt: %v, using defaults", err)
		return DefaultConfig(), nil
	}

	if cfg.SchemaVersion != CurrentSchemaVersion {
		log.Printf("Warning: config schema version mismatch (got %d, expected %d), using defaults",
			cfg.SchemaVersion, CurrentSchemaVersion)
		return DefaultConfig(), nil
	}

	return normalizeConfig(cfg), nil
}

// normalizeConfig replaces out-of-range values with their defaults.
func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	cfg.SchemaVersion = CurrentSchemaVersion

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaults.Port
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	default:
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}

	p, d := &cfg.Pipeline, defaults.Pipeline
	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&p.ChatDebounceMS, d.ChatDebounceMS)
	positive(&p.MaxAgeSec, d.MaxAgeSec)
	positive(&p.HistoryLimit, d.HistoryLimit)
	positive(&p.SendIntervalMS, d.SendIntervalMS)
	positive(&p.ComboWindowSec, d.ComboWindowSec)
	positive(&p.ViewerWriteSec, d.ViewerWriteSec)
	positive(&p.HeartbeatSec, d.HeartbeatSec)
	if p.DedupWindowMS < 0 {
		p.DedupWindowMS = d.DedupWindowMS
	}
	if p.IdentityTTLSec < -1 {
		p.IdentityTTLSec = d.IdentityTTLSec
	}

	return cfg
}

// SaveConfig writes config to disk atomically.
func SaveConfig(cfg Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	return SaveConfigTo(cfg, path)
}

// SaveConfigTo writes config to the specified path atomically.
func SaveConfigTo(cfg Config, path string) error {
	cfg.SchemaVersion = CurrentSchemaVersion
	return writeJSONAtomic(path, cfg, 0644)
}

// ApplyEnvOverrides applies environment variable overrides to the config.
// Environment variables take highest priority over config file values.
func ApplyEnvOverrides(cfg Config) Config {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.Port = port
		}
	}

	if v := os.Getenv(EnvLanEnabled); v != "" {
		cfg.LanEnabled = parseBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = parseBool(v)
	}

	if v := os.Getenv(EnvRetentionDays); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RetentionDays = days
		}
	}

	if v := os.Getenv(EnvIdentityTTLSec); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil && ttl >= -1 {
			cfg.Pipeline.IdentityTTLSec = ttl
		}
	}

	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv(EnvGiftCatalog); v != "" {
		cfg.GiftCatalog = v
	}

	return normalizeConfig(cfg)
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBool parses a boolean from various string representations.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// All other values are treated as false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
