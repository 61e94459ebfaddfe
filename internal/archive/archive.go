package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"postpilot/internal/post"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// ErrAlreadyArchived reports that the platform/id key already holds a
// record. Callers retrying a crashed handoff treat it as success.
var ErrAlreadyArchived = errors.New("post already archived")

// Store persists terminal posts. Put is write-once per platform/id.
type Store interface {
	Put(ctx context.Context, p *post.Post) error
	Close() error
}

// Record is the immutable archived form: the post's flat wire record plus
// the terminal status copied out for quick filtering.
type Record struct {
	store.Record
	ArchivedStatus string `json:"archivedStatus"`
}

func encodeArchived(p *post.Post) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !p.Terminal() {
		return nil, fmt.Errorf("archive %s: status %q is not terminal", p.ID, p.Status)
	}
	rec := Record{
		Record:         store.ToRecord(p),
		ArchivedStatus: string(p.Status),
	}
	return json.MarshalIndent(rec, "", "  ")
}

// Config configures the archive backend.
//
// Driver values:
//   - "file": one JSON blob per record under Root (default "./archive")
//   - "redis": SET NX records, reusing the store's redis client knobs
type Config struct {
	Driver string
	Root   string            // file only
	Redis  store.RedisConfig // redis only
}

// Open initializes the configured archive.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown archive driver: " + driver)
	}
}
