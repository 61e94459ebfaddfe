package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

var (
	ErrNotFound = errors.New("post not found")
	ErrClosed   = errors.New("store closed")
)

// Mutator transforms a post inside an atomic update. It receives a private
// copy; returning an error aborts the update without writing.
type Mutator func(p *post.Post) error

// Store is the active-post persistence API used by the engine.
//
// Semantics shared by all drivers:
//   - Enqueue inserts or replaces the record keyed by id.
//   - UpdateInPlace is the single mutation entry point: it atomically
//     applies the mutator, recomputes the priority score with the given
//     now, reindexes, and returns the stored result.
//   - DequeueNextReady atomically claims the highest-score record that is
//     due (scheduledTime <= now) and serveable (queued/ready), marking it
//     publishing in the same critical section. It never blocks; a nil post
//     with nil error means no candidate. Platforms listed in exclude are
//     skipped.
//   - Remove deletes unconditionally and is idempotent.
//   - RecoverPublishing returns records stranded in publishing (a crash
//     between claim and outcome) to queued and reports how many. The
//     caller must be the only live dispatcher when it runs.
//   - NextDue reports the earliest future scheduledTime among serveable
//     records, for loop sleep planning.
type Store interface {
	Enqueue(ctx context.Context, p *post.Post) error
	Get(ctx context.Context, id string) (*post.Post, error)
	UpdateInPlace(ctx context.Context, id string, now time.Time, mutate Mutator) (*post.Post, error)
	DequeueNextReady(ctx context.Context, now time.Time, exclude ...post.Platform) (*post.Post, error)
	Remove(ctx context.Context, id string) error
	RecoverPublishing(ctx context.Context, now time.Time) (int, error)
	ListByPlatform(ctx context.Context, platform post.Platform) ([]*post.Post, error)
	NextDue(ctx context.Context, now time.Time) (time.Time, bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Leaser is implemented by drivers that can arbitrate which process owns
// the dispatch loop. Acquire is re-entrant for the same holder; Renew only
// succeeds while the holder still owns the lease.
type Leaser interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Config configures the post store.
//
// Driver values:
//   - "memory": in-process map + sorted index, lost on restart
//   - "sqlite": SQLite database file
//   - "redis": Redis JSON records plus zset/set indexes
type Config struct {
	Driver      string
	Path        string        // sqlite only
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig   // redis only
}

// RedisConfig mirrors the go-redis universal client knobs we actually use.
// One address is a plain client; several plus a MasterName selects
// sentinel/failover, several without selects cluster.
type RedisConfig struct {
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int
	KeyPrefix  string
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
