package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// txRetries bounds optimistic retry loops around WATCH transactions.
const txRetries = 16

var errTxContention = errors.New("store: redis transaction retries exhausted")

// errSkipCandidate aborts a claim attempt without failing the dequeue;
// the candidate was taken or changed under us.
var errSkipCandidate = errors.New("store: candidate no longer claimable")

// redisStore keeps each post as a JSON record string plus three small
// indexes: a zset of serveable posts scored by scheduled time, a set of
// ids per platform, and a set of all ids. All keys share one hash-tag
// prefix so multi-key transactions stay on a single cluster slot.
type redisStore struct {
	client goredis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if len(rc.Addrs) == 0 {
		return nil, errors.New("redis store requires at least one address")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      rc.Addrs,
		MasterName: rc.MasterName,
		Username:   rc.Username,
		Password:   rc.Password,
		DB:         rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := rc.KeyPrefix
	if prefix == "" {
		prefix = "postpilot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) keyPost(id string) string {
	return "{" + s.prefix + "}:post:" + id
}

func (s *redisStore) keyDue() string {
	return "{" + s.prefix + "}:due"
}

func (s *redisStore) keyPlatform(p post.Platform) string {
	return "{" + s.prefix + "}:platform:" + string(p)
}

func (s *redisStore) keyIDs() string {
	return "{" + s.prefix + "}:ids"
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// watchRetry runs fn under WATCH on the given keys, retrying a bounded
// number of times when the transaction aborts due to concurrent writes.
func (s *redisStore) watchRetry(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxContention
}

// indexWrites queues the index maintenance for a post's current state.
// oldPlatform, when set and different, is the platform the id moved from.
func (s *redisStore) indexWrites(ctx context.Context, pipe goredis.Pipeliner, p *post.Post, oldPlatform post.Platform) {
	pipe.SAdd(ctx, s.keyIDs(), p.ID)
	if oldPlatform != "" && oldPlatform != p.Platform {
		pipe.SRem(ctx, s.keyPlatform(oldPlatform), p.ID)
	}
	pipe.SAdd(ctx, s.keyPlatform(p.Platform), p.ID)
	if p.InternalStatus.Serveable() {
		pipe.ZAdd(ctx, s.keyDue(), goredis.Z{
			Score:  float64(p.Schedule.At.UnixMilli()),
			Member: p.ID,
		})
	} else {
		pipe.ZRem(ctx, s.keyDue(), p.ID)
	}
}

func (s *redisStore) Enqueue(ctx context.Context, p *post.Post) error {
	blob, err := EncodeRecord(p)
	if err != nil {
		return err
	}
	key := s.keyPost(p.ID)
	return s.watchRetry(ctx, func(tx *goredis.Tx) error {
		var oldPlatform post.Platform
		old, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			if prev, derr := DecodeRecord([]byte(old)); derr == nil {
				oldPlatform = prev.Platform
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			s.indexWrites(ctx, pipe, p, oldPlatform)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) Get(ctx context.Context, id string) (*post.Post, error) {
	blob, err := s.client.Get(ctx, s.keyPost(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := DecodeRecord([]byte(blob))
	if err != nil {
		s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *redisStore) UpdateInPlace(ctx context.Context, id string, now time.Time, mutate Mutator) (*post.Post, error) {
	key := s.keyPost(id)
	var out *post.Post
	err := s.watchRetry(ctx, func(tx *goredis.Tx) error {
		blob, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
			return ErrNotFound
		}

		cp := cur.Clone()
		if err := mutate(cp); err != nil {
			return err
		}
		if cp.ID != id {
			return errors.New("store: mutator changed post id")
		}
		cp.UpdatedAt = now
		cp.Rescore(now)

		next, err := EncodeRecord(cp)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			s.indexWrites(ctx, pipe, cp, cur.Platform)
			return nil
		})
		if err != nil {
			return err
		}
		out = cp
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) DequeueNextReady(ctx context.Context, now time.Time, exclude ...post.Platform) (*post.Post, error) {
	// The due zset orders by scheduled time, but the claim winner is the
	// highest priority score, so every due id must be inspected before
	// choosing. Page in dequeueBatch chunks until the due range runs out.
	max := strconv.FormatInt(now.UnixMilli(), 10)
	var cands []*post.Post
	for offset := int64(0); ; offset += dequeueBatch {
		ids, err := s.client.ZRangeByScore(ctx, s.keyDue(), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: offset,
			Count:  dequeueBatch,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.keyPost(id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, val := range vals {
			blob, ok := val.(string)
			if !ok {
				continue
			}
			p, err := DecodeRecord([]byte(blob))
			if err != nil {
				s.log.Warn("skipping malformed post record", logx.String("id", ids[i]), logx.Err(err))
				continue
			}
			if !p.InternalStatus.Serveable() || p.Schedule.At.After(now) || platformExcluded(p.Platform, exclude) {
				continue
			}
			cands = append(cands, p)
		}
		if int64(len(ids)) < dequeueBatch {
			break
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		return keyLess(keyOf(cands[i]), keyOf(cands[j]))
	})

	for _, cand := range cands {
		p, err := s.tryClaim(ctx, cand.ID, now, exclude)
		if errors.Is(err, errSkipCandidate) || errors.Is(err, errTxContention) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

// tryClaim re-reads one candidate under WATCH, verifies it is still
// claimable, and flips it to publishing if no concurrent writer beat us.
func (s *redisStore) tryClaim(ctx context.Context, id string, now time.Time, exclude []post.Platform) (*post.Post, error) {
	key := s.keyPost(id)
	var claimed *post.Post
	err := s.watchRetry(ctx, func(tx *goredis.Tx) error {
		blob, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return errSkipCandidate
		}
		if err != nil {
			return err
		}
		p, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
			return errSkipCandidate
		}
		if !p.InternalStatus.Serveable() || p.Schedule.At.After(now) || platformExcluded(p.Platform, exclude) {
			return errSkipCandidate
		}

		p.InternalStatus = post.InternalPublishing
		p.UpdatedAt = now
		next, err := EncodeRecord(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.ZRem(ctx, s.keyDue(), id)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = p
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecoverPublishing scans the full id set: publishing records were pulled
// out of the due zset at claim time, so the zset cannot find them.
func (s *redisStore) RecoverPublishing(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.keyIDs()).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		key := s.keyPost(id)
		err := s.watchRetry(ctx, func(tx *goredis.Tx) error {
			blob, err := tx.Get(ctx, key).Result()
			if errors.Is(err, goredis.Nil) {
				return errSkipCandidate
			}
			if err != nil {
				return err
			}
			p, err := DecodeRecord([]byte(blob))
			if err != nil {
				s.log.Warn("skipping malformed post record", logx.String("id", id), logx.Err(err))
				return errSkipCandidate
			}
			if p.InternalStatus != post.InternalPublishing {
				return errSkipCandidate
			}

			p.InternalStatus = post.InternalQueued
			p.UpdatedAt = now
			next, err := EncodeRecord(p)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				pipe.ZAdd(ctx, s.keyDue(), goredis.Z{
					Score:  float64(p.Schedule.At.UnixMilli()),
					Member: p.ID,
				})
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, errSkipCandidate):
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}

func (s *redisStore) Remove(ctx context.Context, id string) error {
	key := s.keyPost(id)
	return s.watchRetry(ctx, func(tx *goredis.Tx) error {
		_, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.keyIDs(), id)
			pipe.ZRem(ctx, s.keyDue(), id)
			// The record may be undecodable, so clear every platform set.
			for _, plat := range post.Platforms() {
				pipe.SRem(ctx, s.keyPlatform(plat), id)
			}
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) ListByPlatform(ctx context.Context, platform post.Platform) ([]*post.Post, error) {
	ids, err := s.client.SMembers(ctx, s.keyPlatform(platform)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyPost(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*post.Post
	for i, val := range vals {
		blob, ok := val.(string)
		if !ok {
			continue
		}
		p, err := DecodeRecord([]byte(blob))
		if err != nil {
			s.log.Warn("skipping malformed post record", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Schedule.At.Equal(out[j].Schedule.At) {
			return out[i].Schedule.At.Before(out[j].Schedule.At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *redisStore) NextDue(ctx context.Context, now time.Time) (time.Time, bool, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.keyDue(), &goredis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

func (s *redisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.keyIDs()).Result()
	return int(n), err
}

// Lease support. SET NX acquires; the Lua scripts make renew and release
// atomic so an expired holder cannot clobber a newer one.

var renewLeaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseLeaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

func (s *redisStore) keyLease(name string) string {
	return "{" + s.prefix + "}:lease:" + name
}

func (s *redisStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	key := s.keyLease(name)
	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant: we may already hold it from a previous cycle.
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == holder, nil
}

func (s *redisStore) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := renewLeaseScript.Run(ctx, s.client, []string{s.keyLease(name)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *redisStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := releaseLeaseScript.Run(ctx, s.client, []string{s.keyLease(name)}, holder).Result()
	return err
}
