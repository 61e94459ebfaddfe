// Package supervisor runs named goroutines under a shared context with
// panic recovery, per-task stats, and optional restart-on-failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "postpilot/pkg/logx"
)

const (
	defaultMinRestartDelay = 250 * time.Millisecond
	defaultMaxRestartDelay = 30 * time.Second

	// A task that stayed up at least this long before failing gets its
	// restart delay reset, so rare failures don't pay for old ones.
	stableRunThreshold = 30 * time.Second
)

// Supervisor owns a group of goroutines sharing one cancelable context.
// Every task is named, panics are converted to errors, and Wait blocks
// until the whole group has exited.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// started/active count all goroutines launched through this
	// supervisor. Diagnostics only.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type SupervisorOption func(*Supervisor)

// SupervisorCounters is a cheap live count of goroutines. It is a
// diagnostic signal, not a synchronization primitive.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates runs of tasks sharing a name. Two concurrent
// tasks registered under the same name fold into one entry.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// SupervisorSnapshot is a point-in-time view for diagnostics output.
type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

type taskStats struct {
	name         string
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErrAt    time.Time
	lastErr      string
	lastPanicAt  time.Time
	lastPanic    string
	lastRuntime  time.Duration
	totalRuntime time.Duration
}

func (st *taskStats) export() GoroutineStats {
	return GoroutineStats{
		Name:         st.name,
		Active:       st.active,
		Started:      st.started,
		Panics:       st.panics,
		Restarts:     st.restarts,
		LastStartAt:  st.lastStartAt,
		LastStopAt:   st.lastStopAt,
		LastErrAt:    st.lastErrAt,
		LastErr:      st.lastErr,
		LastPanicAt:  st.lastPanicAt,
		LastPanic:    st.lastPanic,
		LastRuntime:  st.lastRuntime,
		TotalRuntime: st.totalRuntime,
	}
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context as soon as any task
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel requests shutdown without waiting for tasks to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by any task, or nil.
func (s *Supervisor) Err() error {
	if v, ok := s.firstErr.Load().(error); ok {
		return v
	}
	return nil
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot copies the per-task stats. Entries are ordered: active tasks
// first, then most recently started, then by name.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	for _, st := range s.tasks {
		if st != nil {
			snap.Goroutines = append(snap.Goroutines, st.export())
		}
	}
	s.mu.Unlock()

	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		if !a.LastStartAt.Equal(b.LastStartAt) {
			return a.LastStartAt.After(b.LastStartAt)
		}
		return a.Name < b.Name
	})
	return snap
}

// statFor returns the entry for name, creating it if needed.
// Caller must hold s.mu.
func (s *Supervisor) statFor(name string) *taskStats {
	if s.tasks == nil {
		s.tasks = map[string]*taskStats{}
	}
	st := s.tasks[name]
	if st == nil {
		st = &taskStats{name: name}
		s.tasks[name] = st
	}
	return st
}

func (s *Supervisor) recordStart(name string, restarted bool) time.Time {
	now := time.Now()
	if s == nil {
		return now
	}
	s.mu.Lock()
	st := s.statFor(name)
	st.started++
	st.active++
	if restarted {
		st.restarts++
	}
	st.lastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) recordStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	if s == nil {
		return
	}
	s.mu.Lock()
	st := s.statFor(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.lastRuntime = now.Sub(startedAt)
	st.totalRuntime += st.lastRuntime
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) recordPanic(name string, p any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	st := s.statFor(name)
	st.panics++
	st.lastPanicAt = time.Now()
	st.lastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}

// fail records err as the group's first error and, when configured,
// cancels the shared context.
func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go starts fn once. A non-nil return (other than context.Canceled) is
// recorded as a task failure; a panic is recovered and treated the same.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		startedAt := s.recordStart(name, false)

		defer func() {
			if r := recover(); r != nil {
				s.recordPanic(name, r)
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !s.log.IsZero() {
					s.log.Error("task panicked",
						logx.String("task", name),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
				s.recordStop(name, startedAt, err)
				s.fail(err)
			}
		}()

		if !s.log.IsZero() {
			s.log.Debug("task started", logx.String("task", name))
		}
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			wrapped := fmt.Errorf("%s: %w", name, err)
			s.recordStop(name, startedAt, wrapped)
			s.fail(wrapped)
		} else {
			s.recordStop(name, startedAt, nil)
		}
		if !s.log.IsZero() {
			s.log.Debug("task stopped", logx.String("task", name))
		}
	}()
}

// Go0 is Go for functions with no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minDelay        time.Duration
	maxDelay        time.Duration
	publishFirstErr bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minDelay = min
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithPublishFirstError records the first failure via Err even though the
// task keeps restarting. Useful when failures should show up in
// diagnostics without stopping the loop.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn in a loop, restarting after errors or panics with
// jittered exponential backoff. A nil return is a clean exit and ends the
// loop, as does context cancellation. Meant for long-lived loops that
// should ride out transient failures.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minDelay: defaultMinRestartDelay, maxDelay: defaultMaxRestartDelay}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.minDelay <= 0 {
		cfg.minDelay = defaultMinRestartDelay
	}
	if cfg.maxDelay < cfg.minDelay {
		cfg.maxDelay = cfg.minDelay
	}

	// The restart loop itself counts as one goroutine; each run of fn is
	// tracked under the logical task name.
	s.Go0(name+".restart", func(ctx context.Context) {
		delay := cfg.minDelay
		runs := 0
		for ctx.Err() == nil {
			startedAt := s.recordStart(name, runs > 0)
			runs++

			err := s.runRecovered(ctx, name, fn)

			// During shutdown any return is a clean stop; errors caused
			// by stopped dependencies are not failures.
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.recordStop(name, startedAt, nil)
				return
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.recordStop(name, startedAt, wrapped)
			if cfg.publishFirstErr {
				s.errOnce.Do(func() { s.firstErr.Store(wrapped) })
			}

			if time.Since(startedAt) >= stableRunThreshold {
				delay = cfg.minDelay
			}
			wait := jitter(clampDelay(delay, cfg.minDelay, cfg.maxDelay))
			if !s.log.IsZero() {
				s.log.Warn("task restarting",
					logx.String("task", name),
					logx.Duration("backoff", wait),
					logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			delay = clampDelay(delay*2, cfg.minDelay, cfg.maxDelay)
		}
	})
}

// runRecovered invokes fn and converts a panic into an error.
func (s *Supervisor) runRecovered(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.recordPanic(name, r)
			if !s.log.IsZero() {
				s.log.Error("task panicked",
					logx.String("task", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func clampDelay(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// jitter stretches d by up to 20% so restarting tasks don't align.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(span+1))
}

// Stop cancels the context and waits for all tasks, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has exited or ctx expires. On a full stop
// it returns the first recorded task error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
