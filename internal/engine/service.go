package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/archive"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// Service is the scheduler engine. It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    store.Store
	arch     archive.Store
	registry *platform.Registry

	// holder identifies this process to the dispatch lease.
	holder string

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while stopping

	// wake interrupts the loop's idle sleep when new work arrives.
	wake chan struct{}

	outbox chan *post.Post

	breakers breakerStore

	imu        sync.Mutex
	inFlightID string

	published     atomic.Uint64
	retried       atomic.Uint64
	failed        atomic.Uint64
	archived      atomic.Uint64
	outboxDropped atomic.Uint64

	leaseHeld atomic.Bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, st store.Store, arch archive.Store, reg *platform.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    st,
		arch:     arch,
		registry: reg,
		holder:   uuid.NewString(),
		wake:     make(chan struct{}, 1),
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. debug snapshots).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply installs new tunables. Loop timing, retry policy, and breaker
// settings take effect on the next iteration; an outbox resize restarts the
// engine's goroutines.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.OutboxSize != cfg.OutboxSize || prev.Lease != cfg.Lease {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			if s.stopCh != nil {
				s.mu.Unlock()
				return
			}
		} else {
			return
		}
	}

	cfg := s.cfg
	s.outbox = make(chan *post.Post, cfg.OutboxSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	outbox := s.outbox

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Loop failures self-heal via restart; they must not kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		s.dispatch(c, stopCh)
		// Clean exits happen only on shutdown.
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	sup.GoRestart("outbox", func(c context.Context) error {
		s.outboxLoop(c, stopCh, outbox)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("outbox worker exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	if cfg.Lease.Enabled {
		if lr, ok := s.store.(store.Leaser); ok {
			lease := cfg.Lease
			sup.GoRestart("lease", func(c context.Context) error {
				s.leaseLoop(c, stopCh, lr, lease)
				select {
				case <-stopCh:
					return context.Canceled
				default:
				}
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("lease loop exited unexpectedly")
			}, rtsup.WithPublishFirstError(true))
		} else {
			s.log.Warn("dispatch lease enabled but store driver does not support leases; running unleased")
			s.leaseHeld.Store(true)
		}
	}

	s.log.Info("engine started",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("conflict_window", cfg.ConflictWindow),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Bool("lease", cfg.Lease.Enabled),
	)
}

// Stop halts the dispatch loop and drains the archive outbox best-effort
// until ctx expires. The store and archive handles stay open; their owner
// closes them after the engine is down.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state. The outbox worker drains pending archives before it
	// exits; a forced Cancel below cuts that short.
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.outbox = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.leaseHeld.Store(false)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	outbox := s.outbox
	s.mu.Unlock()

	qlen := -1
	if s.store != nil {
		lctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if n, err := s.store.Len(lctx); err == nil {
			qlen = n
		}
		cancel()
	}

	obLen, obCap := 0, 0
	if outbox != nil {
		obLen = len(outbox)
		obCap = cap(outbox)
	}

	s.imu.Lock()
	inFlight := s.inFlightID
	s.imu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        running,
		QueueLen:       qlen,
		InFlightID:     inFlight,
		Published:      s.published.Load(),
		Retried:        s.retried.Load(),
		Failed:         s.failed.Load(),
		Archived:       s.archived.Load(),
		OutboxLen:      obLen,
		OutboxCap:      obCap,
		OutboxDropped:  s.outboxDropped.Load(),
		Breakers:       s.breakers.snapshot(time.Now().UTC(), effectiveBreakerCfg(cfg)),
		LeaseEnabled:   cfg.Lease.Enabled,
		LeaseHeld:      s.leaseHeld.Load(),
		PollInterval:   cfg.PollInterval,
		ConflictWindow: cfg.ConflictWindow,
		MaxRetries:     cfg.MaxRetries,
		History:        h,
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// signalWake nudges the dispatch loop out of its idle sleep. Non-blocking;
// one pending token is enough.
func (s *Service) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) setInFlight(id string) {
	s.imu.Lock()
	s.inFlightID = id
	s.imu.Unlock()
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = 200
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, data PostEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now().UTC(), Data: data})
}
