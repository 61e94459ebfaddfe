package engine

import (
	"time"

	"postpilot/internal/post"
)

// Config controls the scheduler engine.
//
// The app layer maps config.engine into this struct. Zero values get
// defaults applied in New/Apply, so a partially filled Config is usable.
type Config struct {
	// PollInterval caps how long the dispatch loop sleeps when the store
	// reports nothing due.
	PollInterval time.Duration

	// ConflictWindow is the span within which two same-platform posts
	// conflict.
	ConflictWindow time.Duration

	// MaxRetries bounds publish attempts per post; it is stamped on each
	// record at SchedulePost time.
	MaxRetries int

	// BackoffBase seeds the exponential retry delay: after the n-th failure
	// the post is rescheduled BackoffBase*2^(n-1) into the future.
	BackoffBase time.Duration

	HistorySize int

	// Archive outbox. Size changes require a restart (Apply handles it).
	OutboxSize      int
	OutboxAttempts  int
	OutboxRetryBase time.Duration
	OutboxRetryMax  time.Duration

	// Per-platform circuit breaker (consecutive publish failures).
	//
	// If BreakerTripFailures < 0, the breaker is disabled.
	// If BreakerTripFailures == 0, a default is applied. The default trip
	// count is deliberately above the default retry budget so a single
	// post's failures cannot blank out its platform.
	BreakerTripFailures int
	BreakerBaseDelay    time.Duration
	BreakerMaxDelay     time.Duration
	BreakerResetAfter   time.Duration

	// Lease gates the dispatch loop when several processes share one store.
	Lease LeaseConfig
}

// LeaseConfig configures the optional multi-process dispatch lease.
// It only takes effect when the store driver supports leases (redis).
type LeaseConfig struct {
	Enabled bool
	Name    string
	TTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = post.DefaultConflictWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 128
	}
	if c.OutboxAttempts <= 0 {
		c.OutboxAttempts = 5
	}
	if c.OutboxRetryBase <= 0 {
		c.OutboxRetryBase = time.Second
	}
	if c.OutboxRetryMax <= 0 {
		c.OutboxRetryMax = 30 * time.Second
	}
	if c.BreakerTripFailures == 0 {
		c.BreakerTripFailures = 8
	}
	if c.BreakerBaseDelay <= 0 {
		c.BreakerBaseDelay = time.Minute
	}
	if c.BreakerMaxDelay <= 0 {
		c.BreakerMaxDelay = 10 * time.Minute
	}
	if c.BreakerResetAfter <= 0 {
		c.BreakerResetAfter = 15 * time.Minute
	}
	if c.Lease.Name == "" {
		c.Lease.Name = "dispatch"
	}
	if c.Lease.TTL <= 0 {
		c.Lease.TTL = 15 * time.Second
	}
	return c
}

// ScheduleRequest is the input to SchedulePost. ViralityScore and
// TrendVelocity must be normalized to [0,1].
type ScheduleRequest struct {
	Platform      string
	Text          string
	MediaURLs     []string
	Metadata      map[string]string
	ScheduledTime time.Time
	Timezone      string
	ViralityScore float64
	TrendVelocity float64
	Recurring     bool
	Rule          string
}

// ScheduleResult reports the assigned id and, when the post collided with
// active same-platform posts, their ids. Conflicts are not an error: the
// post is stored, flagged, and waits for ResolveConflicts.
type ScheduleResult struct {
	PostID    string
	Conflicts []string
}

// PostEvent is emitted on the event bus for post lifecycle events.
type PostEvent struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Status    string    `json:"status,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	NextAt    time.Time `json:"next_at,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Conflicts []string  `json:"conflicts,omitempty"`
	Action    string    `json:"action,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// HistoryItem records one dispatch outcome for the diagnostics ring.
type HistoryItem struct {
	ID       string
	Platform string
	Started  time.Time
	Duration time.Duration
	Attempt  int
	Outcome  string // published, rescheduled, retry, failed
	Error    string
}

// BreakerState is the diagnostic view of one platform's circuit breaker.
type BreakerState struct {
	Platform  post.Platform
	Fails     int
	OpenUntil time.Time
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running bool

	// QueueLen is the active store's record count; -1 when the store could
	// not be queried.
	QueueLen   int
	InFlightID string

	Published uint64
	Retried   uint64
	Failed    uint64
	Archived  uint64

	OutboxLen     int
	OutboxCap     int
	OutboxDropped uint64

	Breakers []BreakerState

	LeaseEnabled bool
	LeaseHeld    bool

	PollInterval   time.Duration
	ConflictWindow time.Duration
	MaxRetries     int

	History []HistoryItem
}
