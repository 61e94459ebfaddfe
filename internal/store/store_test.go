package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

func testPost(id string, platform post.Platform, at time.Time) *post.Post {
	return &post.Post{
		ID:             id,
		Platform:       platform,
		Status:         post.StatusScheduled,
		InternalStatus: post.InternalQueued,
		Content:        post.Content{Text: "post " + id},
		Schedule:       post.Schedule{At: at},
		MaxRetries:     3,
		CreatedAt:      at.Add(-time.Hour),
		UpdatedAt:      at.Add(-time.Hour),
	}
}

// forEachDriver runs the body against every store driver so they cannot
// drift apart on the shared contract.
func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		st := NewMemory(logx.Nop())
		defer st.Close()
		fn(t, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addrs: []string{mr.Addr()}}}, logx.Nop())
		if err != nil {
			t.Fatalf("open redis store: %v", err)
		}
		defer st.Close()
		fn(t, st)
	})
}

func TestStoreEnqueueGet(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		p := testPost("p1", post.PlatformTikTok, at)
		p.Metrics = post.Metrics{PriorityScore: 0.5, ViralityScore: 0.8, TrendVelocity: 0.9}
		p.Content.MediaURLs = []string{"https://cdn.example.com/v.mp4"}

		if err := st.Enqueue(ctx, p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		got, err := st.Get(ctx, "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Platform != post.PlatformTikTok || !got.Schedule.At.Equal(at) {
			t.Fatalf("unexpected record: %+v", got)
		}
		if got.Metrics.ViralityScore != 0.8 || len(got.Content.MediaURLs) != 1 {
			t.Fatalf("lost fields: %+v", got)
		}
		if n, _ := st.Len(ctx); n != 1 {
			t.Fatalf("expected len 1, got %d", n)
		}

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreDequeueOrdering(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		low := testPost("low", post.PlatformTikTok, now.Add(-2*time.Hour))
		low.Metrics.PriorityScore = 0.3
		high := testPost("high", post.PlatformInstagram, now.Add(-time.Hour))
		high.Metrics.PriorityScore = 0.9
		// Same score as high but scheduled later, so it loses the tie-break.
		later := testPost("later", post.PlatformYouTube, now.Add(-30*time.Minute))
		later.Metrics.PriorityScore = 0.9

		for _, p := range []*post.Post{low, high, later} {
			if err := st.Enqueue(ctx, p); err != nil {
				t.Fatalf("enqueue %s: %v", p.ID, err)
			}
		}

		want := []string{"high", "later", "low"}
		for i, id := range want {
			got, err := st.DequeueNextReady(ctx, now)
			if err != nil {
				t.Fatalf("dequeue %d: %v", i, err)
			}
			if got == nil || got.ID != id {
				t.Fatalf("dequeue %d: expected %s, got %+v", i, id, got)
			}
			if got.InternalStatus != post.InternalPublishing {
				t.Fatalf("claim did not mark publishing: %s", got.InternalStatus)
			}
			stored, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("get claimed %s: %v", id, err)
			}
			if stored.InternalStatus != post.InternalPublishing {
				t.Fatalf("claim not persisted for %s: %s", id, stored.InternalStatus)
			}
		}

		got, err := st.DequeueNextReady(ctx, now)
		if err != nil || got != nil {
			t.Fatalf("expected empty dequeue, got %+v err %v", got, err)
		}
	})
}

func TestStoreDequeueOrderingUnderBacklog(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		// A backlog wider than one scan page, all due earlier than the
		// winner: the highest score must still come out first, regardless
		// of how a driver pages its due index.
		for i := 0; i < dequeueBatch+8; i++ {
			p := testPost(fmt.Sprintf("low-%03d", i), post.PlatformTikTok, now.Add(-2*time.Hour))
			p.Metrics.PriorityScore = 0.1
			if err := st.Enqueue(ctx, p); err != nil {
				t.Fatalf("enqueue %s: %v", p.ID, err)
			}
		}
		vip := testPost("vip", post.PlatformInstagram, now.Add(-time.Minute))
		vip.Metrics.PriorityScore = 0.99
		if err := st.Enqueue(ctx, vip); err != nil {
			t.Fatalf("enqueue vip: %v", err)
		}

		got, err := st.DequeueNextReady(ctx, now)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got == nil || got.ID != "vip" {
			t.Fatalf("expected vip (score 0.99) first, got %+v", got)
		}
	})
}

func TestStoreDequeueSkipsFutureAndExcluded(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		due := testPost("due-tiktok", post.PlatformTikTok, now.Add(-time.Minute))
		due.Metrics.PriorityScore = 0.9
		future := testPost("future", post.PlatformTikTok, now.Add(time.Hour))
		future.Metrics.PriorityScore = 1.0
		other := testPost("due-insta", post.PlatformInstagram, now.Add(-time.Minute))
		other.Metrics.PriorityScore = 0.1

		for _, p := range []*post.Post{due, future, other} {
			if err := st.Enqueue(ctx, p); err != nil {
				t.Fatalf("enqueue %s: %v", p.ID, err)
			}
		}

		got, err := st.DequeueNextReady(ctx, now, post.PlatformTikTok)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got == nil || got.ID != "due-insta" {
			t.Fatalf("expected due-insta, got %+v", got)
		}

		got, err = st.DequeueNextReady(ctx, now, post.PlatformTikTok, post.PlatformInstagram)
		if err != nil || got != nil {
			t.Fatalf("expected nothing with both platforms excluded, got %+v err %v", got, err)
		}

		// The future tiktok post stays untouchable even without exclusions.
		got, err = st.DequeueNextReady(ctx, now)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got == nil || got.ID != "due-tiktok" {
			t.Fatalf("expected due-tiktok, got %+v", got)
		}
	})
}

func TestStoreRecoverPublishing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		if err := st.Enqueue(ctx, testPost("p1", post.PlatformTikTok, now.Add(-time.Minute))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		claimed, err := st.DequeueNextReady(ctx, now)
		if err != nil || claimed == nil || claimed.ID != "p1" {
			t.Fatalf("claim: got %+v err %v", claimed, err)
		}
		// The claim holds: nothing else is serveable.
		if got, _ := st.DequeueNextReady(ctx, now); got != nil {
			t.Fatalf("claimed post served twice: %+v", got)
		}

		// Simulate the claiming process dying: the sweep must return the
		// record to the dequeue path.
		later := now.Add(time.Second)
		n, err := st.RecoverPublishing(ctx, later)
		if err != nil || n != 1 {
			t.Fatalf("recover: n=%d err=%v, want 1", n, err)
		}
		got, err := st.Get(ctx, "p1")
		if err != nil {
			t.Fatalf("get after recover: %v", err)
		}
		if got.InternalStatus != post.InternalQueued {
			t.Fatalf("recovered status = %q, want queued", got.InternalStatus)
		}

		reclaimed, err := st.DequeueNextReady(ctx, later)
		if err != nil || reclaimed == nil || reclaimed.ID != "p1" {
			t.Fatalf("reclaim after recover: got %+v err %v", reclaimed, err)
		}

		// With no stranded records the sweep is a no-op.
		if err := st.Remove(ctx, "p1"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if n, err := st.RecoverPublishing(ctx, later); err != nil || n != 0 {
			t.Fatalf("recover on clean store: n=%d err=%v, want 0", n, err)
		}
	})
}

func TestStoreUpdateInPlace(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		now := at.Add(30 * time.Minute)

		p := testPost("p1", post.PlatformTikTok, at)
		p.Metrics = post.Metrics{ViralityScore: 0.8, TrendVelocity: 0.9}
		if err := st.Enqueue(ctx, p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		updated, err := st.UpdateInPlace(ctx, "p1", now, func(p *post.Post) error {
			p.Content.Text = "edited"
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Content.Text != "edited" {
			t.Fatalf("mutation lost: %+v", updated)
		}
		if !updated.UpdatedAt.Equal(now) {
			t.Fatalf("expected UpdatedAt %v, got %v", now, updated.UpdatedAt)
		}
		want := post.Score(updated.Metrics, at, now)
		if math.Abs(updated.Metrics.PriorityScore-want) > 1e-9 {
			t.Fatalf("expected rescore to %v, got %v", want, updated.Metrics.PriorityScore)
		}

		stored, err := st.Get(ctx, "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Content.Text != "edited" {
			t.Fatalf("update not persisted: %+v", stored)
		}

		// A failing mutator leaves the record untouched.
		boom := errors.New("boom")
		if _, err := st.UpdateInPlace(ctx, "p1", now, func(p *post.Post) error {
			p.Content.Text = "discarded"
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("expected mutator error, got %v", err)
		}
		stored, _ = st.Get(ctx, "p1")
		if stored.Content.Text != "edited" {
			t.Fatalf("aborted update leaked: %+v", stored)
		}

		if _, err := st.UpdateInPlace(ctx, "missing", now, func(p *post.Post) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreRemoveIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		if err := st.Enqueue(ctx, testPost("p1", post.PlatformTikTok, at)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := st.Remove(ctx, "p1"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := st.Remove(ctx, "p1"); err != nil {
			t.Fatalf("second remove: %v", err)
		}
		if _, err := st.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after remove, got %v", err)
		}
		if n, _ := st.Len(ctx); n != 0 {
			t.Fatalf("expected empty store, got %d", n)
		}
		if ps, err := st.ListByPlatform(ctx, post.PlatformTikTok); err != nil || len(ps) != 0 {
			t.Fatalf("expected empty platform list, got %v err %v", ps, err)
		}
	})
}

func TestStoreListByPlatform(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		for _, p := range []*post.Post{
			testPost("b", post.PlatformTikTok, base.Add(time.Hour)),
			testPost("a", post.PlatformTikTok, base.Add(time.Hour)),
			testPost("c", post.PlatformTikTok, base),
			testPost("x", post.PlatformInstagram, base),
		} {
			if err := st.Enqueue(ctx, p); err != nil {
				t.Fatalf("enqueue %s: %v", p.ID, err)
			}
		}

		got, err := st.ListByPlatform(ctx, post.PlatformTikTok)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var ids []string
		for _, p := range got {
			ids = append(ids, p.ID)
		}
		want := []string{"c", "a", "b"}
		if len(ids) != len(want) {
			t.Fatalf("expected %v, got %v", want, ids)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, ids)
			}
		}
	})
}

func TestStoreNextDue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		if _, ok, err := st.NextDue(ctx, now); err != nil || ok {
			t.Fatalf("expected no due time on empty store, got ok=%v err=%v", ok, err)
		}

		near := testPost("near", post.PlatformTikTok, now.Add(10*time.Minute))
		far := testPost("far", post.PlatformInstagram, now.Add(2*time.Hour))
		claimed := testPost("claimed", post.PlatformYouTube, now.Add(5*time.Minute))
		claimed.InternalStatus = post.InternalPublishing

		for _, p := range []*post.Post{near, far, claimed} {
			if err := st.Enqueue(ctx, p); err != nil {
				t.Fatalf("enqueue %s: %v", p.ID, err)
			}
		}

		due, ok, err := st.NextDue(ctx, now)
		if err != nil || !ok {
			t.Fatalf("expected due time, got ok=%v err=%v", ok, err)
		}
		if !due.Equal(now.Add(10 * time.Minute)) {
			t.Fatalf("expected next due at +10m, got %v", due)
		}
	})
}

func TestStoreReplaceReindexes(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		p := testPost("p1", post.PlatformTikTok, now.Add(-time.Minute))
		p.Metrics.PriorityScore = 0.9
		if err := st.Enqueue(ctx, p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		// Replacing the record with a non-serveable state must drop it from
		// the dequeue path and move the platform listing.
		repl := testPost("p1", post.PlatformInstagram, now.Add(-time.Minute))
		repl.InternalStatus = post.InternalPublishing
		if err := st.Enqueue(ctx, repl); err != nil {
			t.Fatalf("replace: %v", err)
		}

		if got, err := st.DequeueNextReady(ctx, now); err != nil || got != nil {
			t.Fatalf("expected nothing dequeueable, got %+v err %v", got, err)
		}
		if ps, _ := st.ListByPlatform(ctx, post.PlatformTikTok); len(ps) != 0 {
			t.Fatalf("stale platform entry: %v", ps)
		}
		if ps, _ := st.ListByPlatform(ctx, post.PlatformInstagram); len(ps) != 1 {
			t.Fatalf("expected replacement under instagram, got %v", ps)
		}
		if n, _ := st.Len(ctx); n != 1 {
			t.Fatalf("replace must not grow the store, got %d", n)
		}
	})
}

func TestRedisLeaseLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addrs: []string{mr.Addr()}}}, logx.Nop())
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	defer st.Close()

	leaser, ok := st.(Leaser)
	if !ok {
		t.Fatal("redis store must implement Leaser")
	}

	ctx := context.Background()
	const ttl = time.Minute

	ok, err = leaser.AcquireLease(ctx, "dispatch", "proc-a", ttl)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	// Re-entrant for the same holder.
	ok, err = leaser.AcquireLease(ctx, "dispatch", "proc-a", ttl)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}
	// A second process is locked out.
	ok, err = leaser.AcquireLease(ctx, "dispatch", "proc-b", ttl)
	if err != nil || ok {
		t.Fatalf("expected proc-b lockout, ok=%v err=%v", ok, err)
	}

	ok, err = leaser.RenewLease(ctx, "dispatch", "proc-a", ttl)
	if err != nil || !ok {
		t.Fatalf("renew by holder: ok=%v err=%v", ok, err)
	}
	ok, err = leaser.RenewLease(ctx, "dispatch", "proc-b", ttl)
	if err != nil || ok {
		t.Fatalf("renew by non-holder must fail, ok=%v err=%v", ok, err)
	}

	if err := leaser.ReleaseLease(ctx, "dispatch", "proc-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	// proc-a still owns it after proc-b's no-op release.
	ok, err = leaser.RenewLease(ctx, "dispatch", "proc-a", ttl)
	if err != nil || !ok {
		t.Fatalf("lease lost to foreign release: ok=%v err=%v", ok, err)
	}

	if err := leaser.ReleaseLease(ctx, "dispatch", "proc-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = leaser.AcquireLease(ctx, "dispatch", "proc-b", ttl)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestStoreSkipsMalformedRecords(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addrs: []string{mr.Addr()}}}, logx.Nop())
		if err != nil {
			t.Fatalf("open redis store: %v", err)
		}
		defer st.Close()

		ctx := context.Background()
		now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

		good := testPost("good", post.PlatformTikTok, now.Add(-time.Minute))
		if err := st.Enqueue(ctx, good); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		// Corrupt the stored record behind the driver's back.
		if err := mr.Set("{postpilot}:post:good", "{not json"); err != nil {
			t.Fatalf("corrupt record: %v", err)
		}

		if _, err := st.Get(ctx, "good"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for corrupt record, got %v", err)
		}
		if got, err := st.DequeueNextReady(ctx, now); err != nil || got != nil {
			t.Fatalf("corrupt record must not be claimable, got %+v err %v", got, err)
		}
	})
}
