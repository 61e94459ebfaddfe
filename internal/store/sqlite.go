package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dequeueBatch bounds how many top-priority rows a claim attempt inspects
// before giving up until the next poll (malformed rows are skipped).
const dequeueBatch = 64

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite store path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, p *post.Post) error {
	blob, err := EncodeRecord(p)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, platform, internal_status, priority_score, scheduled_ms, record)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform=excluded.platform,
		   internal_status=excluded.internal_status,
		   priority_score=excluded.priority_score,
		   scheduled_ms=excluded.scheduled_ms,
		   record=excluded.record`,
		p.ID, string(p.Platform), string(p.InternalStatus),
		p.Metrics.PriorityScore, p.Schedule.At.UnixMilli(), string(blob),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*post.Post, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM posts WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := DecodeRecord([]byte(blob))
	if err != nil {
		// A corrupt row is unusable; report absence rather than poisoning callers.
		s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *sqliteStore) UpdateInPlace(ctx context.Context, id string, now time.Time, mutate Mutator) (*post.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var blob string
	err = tx.QueryRowContext(ctx, `SELECT record FROM posts WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cur, err := DecodeRecord([]byte(blob))
	if err != nil {
		s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
		return nil, ErrNotFound
	}

	cp := cur.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	if cp.ID != id {
		return nil, fmt.Errorf("update of %s: mutator changed id to %s", id, cp.ID)
	}
	cp.UpdatedAt = now
	cp.Rescore(now)

	next, err := EncodeRecord(cp)
	if err != nil {
		return nil, fmt.Errorf("update of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE posts SET platform=?, internal_status=?, priority_score=?, scheduled_ms=?, record=? WHERE id=?`,
		string(cp.Platform), string(cp.InternalStatus),
		cp.Metrics.PriorityScore, cp.Schedule.At.UnixMilli(), string(next), id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *sqliteStore) DequeueNextReady(ctx context.Context, now time.Time, exclude ...post.Platform) (*post.Post, error) {
	q := `SELECT id, record FROM posts
	      WHERE internal_status IN ('queued','ready') AND scheduled_ms <= ?`
	args := []any{now.UnixMilli()}
	if len(exclude) > 0 {
		q += ` AND platform NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, p := range exclude {
			args = append(args, string(p))
		}
	}
	q += ` ORDER BY priority_score DESC, scheduled_ms ASC, id ASC LIMIT ?`
	args = append(args, dequeueBatch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var claimed *post.Post
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
			continue
		}
		claimed = p
		break
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if claimed == nil {
		return nil, nil
	}

	claimed.InternalStatus = post.InternalPublishing
	claimed.UpdatedAt = now
	blob, err := EncodeRecord(claimed)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE posts SET internal_status=?, record=? WHERE id=?`,
		string(post.InternalPublishing), string(blob), claimed.ID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *sqliteStore) RecoverPublishing(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, record FROM posts WHERE internal_status = ?`,
		string(post.InternalPublishing),
	)
	if err != nil {
		return 0, err
	}
	// Collect before writing; the shared connection dislikes interleaving.
	var stranded []*post.Post
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			_ = rows.Close()
			return 0, err
		}
		p, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
			continue
		}
		stranded = append(stranded, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, p := range stranded {
		p.InternalStatus = post.InternalQueued
		p.UpdatedAt = now
		blob, err := EncodeRecord(p)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET internal_status=?, record=? WHERE id=?`,
			string(post.InternalQueued), string(blob), p.ID,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stranded), nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListByPlatform(ctx context.Context, platform post.Platform) ([]*post.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM posts WHERE platform = ? ORDER BY scheduled_ms ASC, id ASC`,
		string(platform),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*post.Post
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		p, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NextDue(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_ms) FROM posts
		 WHERE internal_status IN ('queued','ready') AND scheduled_ms > ?`,
		now.UnixMilli(),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n)
	return n, err
}
