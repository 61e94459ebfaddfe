package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/archive"
	"postpilot/internal/config"
	"postpilot/internal/engine"
	"postpilot/internal/eventbus"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/platform"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// App wires configuration, stores, platform clients, and the scheduler
// engine into one lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	arch  archive.Store
	reg   *platform.Registry

	engine *engine.Service
	pprof  *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	st, err := store.Open(mapStoreConfig(cfg.Store), log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	arch, err := archive.Open(mapArchiveConfig(cfg.Archive), log.With(logx.String("comp", "archive")))
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}

	reg := platform.NewRegistry()
	clients, err := buildClients(cfg.Platforms, log.With(logx.String("comp", "platform")))
	if err != nil {
		_ = arch.Close()
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	applyClients(reg, clients)
	if len(clients) == 0 {
		log.Warn("no platform clients configured; due posts will cycle through retries until one is registered")
	}

	eng := engine.New(mapEngineConfig(cfg.Engine), st, arch, reg, log.With(logx.String("comp", "engine")), bus)
	pprofSvc := pprof.New(mapPprofConfig(cfg.Pprof), log.With(logx.String("comp", "pprof")))

	log.Info("schedulerd configured",
		logx.String("store", driverLabel(cfg.Store.Driver)),
		logx.String("archive", driverLabel(cfg.Archive.Driver)),
		logx.Int("clients", len(clients)),
		logx.Bool("lease", cfg.Engine.Lease.Enabled),
	)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  st,
		arch:   arch,
		reg:    reg,
		engine: eng,
		pprof:  pprofSvc,
	}, nil
}

func driverLabel(driver string) string {
	if d := strings.ToLower(strings.TrimSpace(driver)); d != "" {
		return d
	}
	return "default"
}

// Engine exposes the scheduling surface (SchedulePost, ResolveConflicts,
// AdjustForTrends, Snapshot) for embedders.
func (a *App) Engine() *engine.Service { return a.engine }

// Bus exposes the lifecycle event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.engine.Start(a.sup.Context())
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug visibility into lifecycle events (components subscribe themselves
	// for anything functional).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Periodic engine snapshot at debug level; the cheap stand-in for a
	// metrics endpoint.
	a.sup.Go0("engine.snapshot", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				snap := a.engine.Snapshot()
				var restarts, panics uint64
				for _, sv := range []*supervisor.Supervisor{a.sup, a.engine.Supervisor()} {
					sn := sv.Snapshot()
					for _, g := range sn.Goroutines {
						restarts += g.Restarts
						panics += g.Panics
					}
				}
				a.log.Debug("engine snapshot",
					logx.Int("queue", snap.QueueLen),
					logx.Uint64("published", snap.Published),
					logx.Uint64("retried", snap.Retried),
					logx.Uint64("failed", snap.Failed),
					logx.Uint64("archived", snap.Archived),
					logx.Int("outbox", snap.OutboxLen),
					logx.Uint64("outbox_dropped", snap.OutboxDropped),
					logx.Bool("lease_held", snap.LeaseHeld),
					logx.Int64("goroutines", a.sup.Counters().Active),
					logx.Uint64("restarts", restarts),
					logx.Uint64("panics", panics),
				)
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest snapshot.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if config.Changed(sections, config.SectionLogging) {
		a.logs.Apply(mapLoggingConfig(newCfg.Logging))
	}
	if config.Changed(sections, config.SectionStore) {
		a.log.Warn("store config changed; restart required for changes to take effect")
	}
	if config.Changed(sections, config.SectionArchive) {
		a.log.Warn("archive config changed; restart required for changes to take effect")
	}
	if config.Changed(sections, config.SectionEngine) {
		a.engine.Apply(ctx, mapEngineConfig(newCfg.Engine))
	}
	if config.Changed(sections, config.SectionPlatforms) {
		clients, err := buildClients(newCfg.Platforms, a.log.With(logx.String("comp", "platform")))
		if err != nil {
			a.log.Warn("invalid platform config; keeping previous clients", logx.Err(err))
		} else {
			applyClients(a.reg, clients)
			a.log.Info("platform clients rebuilt", logx.Int("clients", len(clients)))
		}
	}
	if config.Changed(sections, config.SectionPprof) {
		a.pprof.Reconfigure(ctx, mapPprofConfig(newCfg.Pprof))
	}

	a.bus.Publish(eventbus.Event{Type: "config.reload", Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The engine first: it drains the in-flight publish and the archive
	// outbox, so the stores must still be open underneath it.
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})

	// Then the supervised loops (config watch/reload, event log, snapshot).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	// Stores last, once nothing can touch them.
	step("archive", 1*time.Second, func(c context.Context) error { return a.arch.Close() })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
