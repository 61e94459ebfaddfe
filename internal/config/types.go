package config

import (
	"fmt"
	"strings"

	"postpilot/internal/post"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Archive   ArchiveConfig   `json:"archive"`
	Engine    EngineConfig    `json:"engine"`
	Platforms PlatformsConfig `json:"platforms"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects and configures the active-post store.
//
// Driver values: "memory" (default), "sqlite", "redis".
type StoreConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`         // sqlite database file
	BusyTimeout Duration    `json:"busy_timeout,omitempty"` // sqlite only
	Redis       RedisConfig `json:"redis,omitempty"`
}

// RedisConfig carries the shared redis connection knobs. One address is a
// plain client; several plus a master_name selects sentinel, several without
// selects cluster.
type RedisConfig struct {
	Addrs      []string `json:"addrs,omitempty"`
	MasterName string   `json:"master_name,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	DB         int      `json:"db,omitempty"`
	KeyPrefix  string   `json:"key_prefix,omitempty"`
}

// ArchiveConfig selects the terminal-post archive backend.
//
// Driver values: "file" (default), "redis".
type ArchiveConfig struct {
	Driver string      `json:"driver"`
	Root   string      `json:"root,omitempty"` // file driver root directory
	Redis  RedisConfig `json:"redis,omitempty"`
}

// EngineConfig tunes the publish loop. Omitted and zero fields use engine
// defaults.
//
// All durations accept a Go duration string ("30s", "5m") or a plain number
// of seconds.
type EngineConfig struct {
	PollInterval   Duration `json:"poll_interval,omitempty"`
	ConflictWindow Duration `json:"conflict_window,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	BackoffBase    Duration `json:"backoff_base,omitempty"`
	HistorySize    int      `json:"history_size,omitempty"`

	Outbox  OutboxConfig  `json:"outbox,omitempty"`
	Breaker BreakerConfig `json:"breaker,omitempty"`
	Lease   LeaseConfig   `json:"lease,omitempty"`
}

// OutboxConfig tunes the archive hand-off worker.
type OutboxConfig struct {
	Size      int      `json:"size,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
	RetryBase Duration `json:"retry_base,omitempty"`
	RetryMax  Duration `json:"retry_max,omitempty"`
}

// BreakerConfig tunes the per-platform circuit breaker. trip_failures < 0
// disables the breaker entirely; 0 keeps the engine default.
type BreakerConfig struct {
	TripFailures int      `json:"trip_failures,omitempty"`
	BaseDelay    Duration `json:"base_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty"`
	ResetAfter   Duration `json:"reset_after,omitempty"`
}

// LeaseConfig enables the redis-backed dispatch lease for multi-process
// deployments.
type LeaseConfig struct {
	Enabled bool     `json:"enabled"`
	Name    string   `json:"name,omitempty"`
	TTL     Duration `json:"ttl,omitempty"`
}

// PlatformsConfig wires publish destinations. Telegram delivers natively;
// every other platform goes through a per-platform webhook gateway keyed by
// platform name.
type PlatformsConfig struct {
	Telegram TelegramClientConfig           `json:"telegram,omitempty"`
	Webhooks map[string]WebhookClientConfig `json:"webhooks,omitempty"`
}

type TelegramClientConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// Timeout bounds one Bot API call.
	Timeout Duration `json:"timeout,omitempty"`
	// RatePerSec throttles publishes to this destination; 0 means no limit.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type WebhookClientConfig struct {
	Enabled    bool     `json:"enabled"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Token      string   `json:"token,omitempty"` // optional bearer token
	Timeout    Duration `json:"timeout,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	Burst      int      `json:"burst,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so /profile
	// (which can take 30s+) works reliably.
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// Validate checks cross-field coherence. It does not fill defaults; each
// component owns its own (engine withDefaults, store.Open, logx.Apply).
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}

	switch lvl := strings.ToLower(strings.TrimSpace(c.Logging.Level)); lvl {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when the file sink is enabled")
	}

	switch driver := strings.ToLower(strings.TrimSpace(c.Store.Driver)); driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path: required for the sqlite driver")
		}
	case "redis":
		if len(c.Store.Redis.Addrs) == 0 {
			return fmt.Errorf("store.redis.addrs: at least one address required")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}

	switch driver := strings.ToLower(strings.TrimSpace(c.Archive.Driver)); driver {
	case "", "file":
	case "redis":
		if len(c.Archive.Redis.Addrs) == 0 {
			return fmt.Errorf("archive.redis.addrs: at least one address required")
		}
	default:
		return fmt.Errorf("archive.driver: unknown driver %q", c.Archive.Driver)
	}

	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries: must be >= 0")
	}
	if c.Engine.Lease.Enabled && !strings.EqualFold(strings.TrimSpace(c.Store.Driver), "redis") {
		return fmt.Errorf("engine.lease: requires the redis store driver")
	}

	if c.Platforms.Telegram.Enabled {
		if strings.TrimSpace(c.Platforms.Telegram.Token) == "" {
			return fmt.Errorf("platforms.telegram.token: required when enabled")
		}
		if c.Platforms.Telegram.ChatID == 0 {
			return fmt.Errorf("platforms.telegram.chat_id: required when enabled")
		}
	}
	for name, wh := range c.Platforms.Webhooks {
		pf, err := post.ParsePlatform(name)
		if err != nil {
			return fmt.Errorf("platforms.webhooks.%s: %w", name, err)
		}
		if pf == post.PlatformTelegram {
			return fmt.Errorf("platforms.webhooks.%s: telegram uses the native client, not a webhook", name)
		}
		if wh.Enabled && strings.TrimSpace(wh.Endpoint) == "" {
			return fmt.Errorf("platforms.webhooks.%s.endpoint: required when enabled", name)
		}
	}

	return nil
}
