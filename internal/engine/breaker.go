package engine

import (
	"sort"
	"sync"
	"time"

	"postpilot/internal/post"
)

// breakerState tracks consecutive publish failures for one platform.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// While a platform's circuit is open the dispatch loop excludes it from
// dequeue, so its posts keep their retry budget and simply wait.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerStore struct {
	mu sync.Mutex
	m  map[post.Platform]*breakerState
}

func (b *breakerStore) get(pf post.Platform) *breakerState {
	if b == nil || pf == "" {
		return nil
	}
	b.mu.Lock()
	if b.m == nil {
		b.m = make(map[post.Platform]*breakerState)
	}
	st := b.m[pf]
	if st == nil {
		st = &breakerState{}
		b.m[pf] = st
	}
	b.mu.Unlock()
	return st
}

// breakerCfg holds effective settings after applying defaults.
type breakerCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveBreakerCfg(cfg Config) breakerCfg {
	trip := cfg.BreakerTripFailures
	if trip == 0 {
		trip = 8
	}
	if trip < 0 {
		return breakerCfg{enabled: false}
	}

	base := cfg.BreakerBaseDelay
	if base <= 0 {
		base = time.Minute
	}
	maxD := cfg.BreakerMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	reset := cfg.BreakerResetAfter
	if reset <= 0 {
		reset = 15 * time.Minute
	}
	return breakerCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

// open returns the platforms whose circuit is currently open, sorted, for
// the dequeue exclusion list.
func (b *breakerStore) open(now time.Time, cc breakerCfg) []post.Platform {
	if !cc.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []post.Platform
	for pf, st := range b.m {
		if st == nil {
			continue
		}
		if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
			st.fails = 0
			st.openUntil = time.Time{}
		}
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out = append(out, pf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *breakerStore) recordResult(now time.Time, pf post.Platform, cc breakerCfg, err error) {
	if !cc.enabled {
		return
	}
	st := b.get(pf)
	if st == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Opportunistic reset if the last failure was long ago.
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - cc.trip
	d := cc.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (b *breakerStore) snapshot(now time.Time, cc breakerCfg) []BreakerState {
	if !cc.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerState, 0, len(b.m))
	for pf, st := range b.m {
		if st == nil || (st.fails == 0 && st.openUntil.IsZero()) {
			continue
		}
		bs := BreakerState{Platform: pf, Fails: st.fails}
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			bs.OpenUntil = st.openUntil
		}
		out = append(out, bs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
