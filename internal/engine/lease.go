package engine

import (
	"context"
	"time"

	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// leaseLoop arbitrates which process runs the dispatch loop when several
// share one store. Dispatch runs only while the lease is held; a lost lease
// pauses dequeuing until it is reacquired. Renewal is re-entrant, so a
// transient renew failure heals on the next acquire attempt.
func (s *Service) leaseLoop(ctx context.Context, stopCh <-chan struct{}, lr store.Leaser, cfg LeaseConfig) {
	interval := cfg.TTL / 3
	if interval < time.Second {
		interval = time.Second
	}

	defer func() {
		if s.leaseHeld.Swap(false) {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := lr.ReleaseLease(rctx, cfg.Name, s.holder); err != nil {
				s.log.Warn("lease release failed", logx.String("name", cfg.Name), logx.Err(err))
			}
			cancel()
		}
	}()

	for {
		if s.leaseHeld.Load() {
			ok, err := lr.RenewLease(ctx, cfg.Name, s.holder, cfg.TTL)
			if err != nil || !ok {
				s.leaseHeld.Store(false)
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("dispatch lease lost", logx.String("name", cfg.Name), logx.Any("err", err))
			}
		} else {
			ok, err := lr.AcquireLease(ctx, cfg.Name, s.holder, cfg.TTL)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				s.log.Debug("lease acquire failed", logx.String("name", cfg.Name), logx.Err(err))
			case ok:
				s.leaseHeld.Store(true)
				s.log.Info("dispatch lease acquired", logx.String("name", cfg.Name))
				s.signalWake()
			}
		}

		tmr := time.NewTimer(interval)
		select {
		case <-ctx.Done():
		case <-stopCh:
		case <-tmr.C:
			continue
		}
		if !tmr.Stop() {
			<-tmr.C
		}
		return
	}
}
