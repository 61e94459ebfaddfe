package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// memoryStore keeps active posts in an id-keyed map plus an explicit
// (score, time, id) index ordered best-first. It is the reference for the
// store contract; the durable drivers mirror its semantics.
type memoryStore struct {
	log logx.Logger

	mu     sync.Mutex
	recs   map[string]*post.Post
	index  []indexKey
	closed bool
}

type indexKey struct {
	score float64
	at    int64 // unix nanos; breaks score ties deterministically
	id    string
}

func keyOf(p *post.Post) indexKey {
	return indexKey{score: p.Metrics.PriorityScore, at: p.Schedule.At.UnixNano(), id: p.ID}
}

// keyLess orders the index best-first: higher score, then earlier
// scheduled time, then id.
func keyLess(a, b indexKey) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

// NewMemory returns an empty in-process store.
func NewMemory(log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryStore{log: log, recs: map[string]*post.Post{}}
}

func (s *memoryStore) Enqueue(ctx context.Context, p *post.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if old, ok := s.recs[p.ID]; ok {
		s.indexRemoveLocked(keyOf(old))
	}
	cp := p.Clone()
	s.recs[cp.ID] = cp
	s.indexInsertLocked(keyOf(cp))
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*post.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *memoryStore) UpdateInPlace(ctx context.Context, id string, now time.Time, mutate Mutator) (*post.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	cur, ok := s.recs[id]
	if !ok {
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
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("update of %s: %w", id, err)
	}

	s.indexRemoveLocked(keyOf(cur))
	s.recs[id] = cp
	s.indexInsertLocked(keyOf(cp))
	return cp.Clone(), nil
}

func (s *memoryStore) DequeueNextReady(ctx context.Context, now time.Time, exclude ...post.Platform) (*post.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, k := range s.index {
		p, ok := s.recs[k.id]
		if !ok {
			continue
		}
		if !p.InternalStatus.Serveable() || p.Schedule.At.After(now) {
			continue
		}
		if platformExcluded(p.Platform, exclude) {
			continue
		}
		// Claim inside the same critical section that selected it.
		p.InternalStatus = post.InternalPublishing
		p.UpdatedAt = now
		return p.Clone(), nil
	}
	return nil, nil
}

func (s *memoryStore) RecoverPublishing(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, p := range s.recs {
		if p.InternalStatus != post.InternalPublishing {
			continue
		}
		// Index keys don't include the status, so no reindex needed.
		p.InternalStatus = post.InternalQueued
		p.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *memoryStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.recs[id]
	if !ok {
		return nil
	}
	s.indexRemoveLocked(keyOf(p))
	delete(s.recs, id)
	return nil
}

func (s *memoryStore) ListByPlatform(ctx context.Context, platform post.Platform) ([]*post.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*post.Post
	for _, p := range s.recs {
		if p.Platform == platform {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Schedule.At.Equal(out[j].Schedule.At) {
			return out[i].Schedule.At.Before(out[j].Schedule.At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) NextDue(ctx context.Context, now time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}

	var best time.Time
	for _, p := range s.recs {
		if !p.InternalStatus.Serveable() || !p.Schedule.At.After(now) {
			continue
		}
		if best.IsZero() || p.Schedule.At.Before(best) {
			best = p.Schedule.At
		}
	}
	return best, !best.IsZero(), nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.recs), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.recs = nil
	s.index = nil
	return nil
}

func (s *memoryStore) indexInsertLocked(k indexKey) {
	pos := sort.Search(len(s.index), func(i int) bool { return !keyLess(s.index[i], k) })
	s.index = append(s.index, indexKey{})
	copy(s.index[pos+1:], s.index[pos:])
	s.index[pos] = k
}

func (s *memoryStore) indexRemoveLocked(k indexKey) {
	pos := sort.Search(len(s.index), func(i int) bool { return !keyLess(s.index[i], k) })
	if pos < len(s.index) && s.index[pos].id == k.id {
		s.index = append(s.index[:pos], s.index[pos+1:]...)
	}
}

func platformExcluded(p post.Platform, exclude []post.Platform) bool {
	for _, e := range exclude {
		if e == p {
			return true
		}
	}
	return false
}
