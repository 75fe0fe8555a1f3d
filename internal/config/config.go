package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the per-session configuration stored in session.toml.
type Config struct {
	// Backend selects the document store / change feed implementation:
	// "memory" (embedded, volatile) or "redis".
	Backend string `toml:"backend"`

	// RedisAddr is the host:port of the Redis backend. Ignored for memory.
	RedisAddr string `toml:"redis_addr"`

	// MediaEndpoint is the upload URL of the media CDN.
	MediaEndpoint string `toml:"media_endpoint"`
	// MediaPreset is the unsigned upload preset sent with each upload.
	MediaPreset string `toml:"media_preset"`

	// TokenSecret verifies identity tokens (HS256).
	TokenSecret string `toml:"token_secret"`

	Typing   TypingConfig   `toml:"typing"`
	Presence PresenceConfig `toml:"presence"`
	Send     SendConfig     `toml:"send"`
}

// TypingConfig holds the typing indicator windows.
type TypingConfig struct {
	// FreshnessMs is how long a typing timestamp counts as "typing".
	FreshnessMs int64 `toml:"freshness_ms"`
	// IdleMs is the keystroke inactivity window after which the local
	// typing flag is cleared.
	IdleMs int64 `toml:"idle_ms"`
	// QuietMs suppresses repeat typing writes after one was sent.
	QuietMs int64 `toml:"quiet_ms"`
}

// PresenceConfig holds heartbeat tuning.
type PresenceConfig struct {
	// HeartbeatMs is the liveness beat interval.
	HeartbeatMs int64 `toml:"heartbeat_ms"`
	// TTLMs is how long a beat keeps the user online server-side.
	TTLMs int64 `toml:"ttl_ms"`
}

// SendConfig bounds the outbox retry policy.
type SendConfig struct {
	// Attempts is the total number of tries per message.
	Attempts int `toml:"attempts"`
	// BackoffMs is the initial retry delay; it doubles per attempt.
	BackoffMs int64 `toml:"backoff_ms"`
	// MaxBackoffMs caps the delay growth.
	MaxBackoffMs int64 `toml:"max_backoff_ms"`
}

// Default returns the configuration used when session.toml is absent.
func Default() *Config {
	return &Config{
		Backend:  "memory",
		Typing:   TypingConfig{FreshnessMs: 5000, IdleMs: 3000, QuietMs: 1000},
		Presence: PresenceConfig{HeartbeatMs: 15000, TTLMs: 45000},
		Send:     SendConfig{Attempts: 4, BackoffMs: 500, MaxBackoffMs: 4000},
	}
}

// Load reads config from path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("backend %q requires redis_addr", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Typing.FreshnessMs <= 0 || c.Typing.IdleMs <= 0 || c.Typing.QuietMs <= 0 {
		return fmt.Errorf("typing windows must be positive")
	}
	if c.Send.Attempts < 1 {
		return fmt.Errorf("send attempts must be at least 1")
	}
	if c.Presence.TTLMs <= c.Presence.HeartbeatMs {
		return fmt.Errorf("presence ttl_ms must exceed heartbeat_ms")
	}
	return nil
}

// TypingFreshness returns the freshness window as a duration.
func (c *Config) TypingFreshness() time.Duration { return time.Duration(c.Typing.FreshnessMs) * time.Millisecond }

// TypingIdle returns the idle clear window as a duration.
func (c *Config) TypingIdle() time.Duration { return time.Duration(c.Typing.IdleMs) * time.Millisecond }

// TypingQuiet returns the write suppression window as a duration.
func (c *Config) TypingQuiet() time.Duration { return time.Duration(c.Typing.QuietMs) * time.Millisecond }

// HeartbeatInterval returns the presence beat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Presence.HeartbeatMs) * time.Millisecond
}

// HeartbeatTTL returns the presence expiry as a duration.
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.Presence.TTLMs) * time.Millisecond
}
