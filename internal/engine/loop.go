package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/platform"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// dispatch is the single-flight publish loop: claim the highest-priority
// due post, publish it, transition its state, repeat. It only returns on
// shutdown.
func (s *Service) dispatch(ctx context.Context, stopCh <-chan struct{}) {
	// A fresh dispatcher sweeps records stranded in publishing by a crash
	// before claiming new work. The flag resets when the lease is lost so
	// the next takeover sweeps the previous holder's leftovers too.
	swept := false
	for {
		// Fast-exit check so a closed stopCh wins over pending work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		cfg := s.config()
		if cfg.Lease.Enabled && !s.leaseHeld.Load() {
			swept = false
			s.idleWait(ctx, stopCh, cfg.PollInterval)
			continue
		}
		if !swept {
			n, err := s.store.RecoverPublishing(ctx, time.Now().UTC())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("publishing recovery failed", logx.Err(err))
				s.idleWait(ctx, stopCh, cfg.PollInterval)
				continue
			}
			if n > 0 {
				s.log.Info("requeued posts stranded in publishing", logx.Int("count", n))
			}
			swept = true
		}

		now := time.Now().UTC()
		claimed, err := s.store.DequeueNextReady(ctx, now, s.breakers.open(now, effectiveBreakerCfg(cfg))...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("dequeue failed", logx.Err(err))
			s.idleWait(ctx, stopCh, cfg.PollInterval)
			continue
		}
		if claimed == nil {
			s.sleepUntilNext(ctx, stopCh, now, cfg)
			continue
		}
		s.publishOne(ctx, claimed, cfg)
	}
}

// sleepUntilNext parks the loop until the next due instant, capped by the
// poll interval and interruptible by the wake signal.
func (s *Service) sleepUntilNext(ctx context.Context, stopCh <-chan struct{}, now time.Time, cfg Config) {
	d := cfg.PollInterval
	if due, ok, err := s.store.NextDue(ctx, now); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("next due query failed", logx.Err(err))
	} else if ok {
		if until := due.Sub(now); until < d {
			d = until
		}
	}
	if d <= 0 {
		return
	}
	s.idleWait(ctx, stopCh, d)
}

// idleWait sleeps up to d, interruptible by shutdown and the wake signal.
func (s *Service) idleWait(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-s.wake:
	case <-tmr.C:
		return
	}
	if !tmr.Stop() {
		<-tmr.C
	}
}

func (s *Service) publishOne(ctx context.Context, p *post.Post, cfg Config) {
	started := time.Now().UTC()
	s.setInFlight(p.ID)
	defer s.setInFlight("")

	attempt := p.RetryCount + 1
	s.log.Debug("post publishing",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform.String()),
		logx.Int("attempt", attempt),
		logx.Float64("score", p.Metrics.PriorityScore),
	)
	s.publish("post.publishing", PostEvent{ID: p.ID, Platform: p.Platform.String(), Attempt: attempt, Score: p.Metrics.PriorityScore})

	var receipt platform.Receipt
	var err error
	if client, ok := s.registry.Client(p.Platform); ok {
		receipt, err = client.Publish(ctx, p)
	} else {
		// A missing client is an operational gap, not a permanent verdict
		// on the post: it retries on the normal budget.
		err = fmt.Errorf("no client registered for platform %q", p.Platform)
	}

	now := time.Now().UTC()
	s.breakers.recordResult(now, p.Platform, effectiveBreakerCfg(cfg), err)

	if err != nil {
		s.onFailure(ctx, p, err, now, started, cfg)
		return
	}
	s.onSuccess(ctx, p, receipt, now, started)
}

func (s *Service) onSuccess(ctx context.Context, p *post.Post, receipt platform.Receipt, now, started time.Time) {
	attempt := p.RetryCount + 1

	if p.Schedule.Recurring {
		next, rerr := p.Schedule.NextOccurrence(now)
		switch {
		case rerr != nil:
			s.log.Warn("recurrence has no next occurrence; archiving as published",
				logx.String("id", p.ID), logx.Err(rerr))
		case !next.IsZero():
			if _, uerr := s.store.UpdateInPlace(ctx, p.ID, now, func(rec *post.Post) error {
				rec.InternalStatus = post.InternalQueued
				rec.Schedule.At = next
				rec.RetryCount = 0
				rec.LastError = ""
				rec.ConflictsWith = nil
				return nil
			}); uerr != nil {
				s.log.Error("recurring reset failed; archiving as published",
					logx.String("id", p.ID), logx.Err(uerr))
			} else {
				s.published.Add(1)
				s.log.Info("post published, next occurrence queued",
					logx.String("id", p.ID),
					logx.String("platform", p.Platform.String()),
					logx.String("ref", receipt.Ref),
					logx.Time("next", next),
				)
				s.publish("post.rescheduled", PostEvent{ID: p.ID, Platform: p.Platform.String(), Ref: receipt.Ref, Attempt: attempt, NextAt: next})
				s.appendHistory(HistoryItem{ID: p.ID, Platform: p.Platform.String(), Started: started, Duration: now.Sub(started), Attempt: attempt, Outcome: "rescheduled"})
				return
			}
		}
	}

	p.Status = post.StatusPublished
	p.InternalStatus = post.InternalNone
	p.PublishedAt = now
	p.UpdatedAt = now
	p.LastError = ""
	p.ConflictsWith = nil

	s.published.Add(1)
	s.log.Info("post published",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform.String()),
		logx.String("ref", receipt.Ref),
		logx.Int("attempts", attempt),
		logx.Duration("dur", now.Sub(started)),
	)
	s.publish("post.published", PostEvent{ID: p.ID, Platform: p.Platform.String(), Status: string(post.StatusPublished), Ref: receipt.Ref, Attempt: attempt})
	s.finalize(ctx, p)
	s.appendHistory(HistoryItem{ID: p.ID, Platform: p.Platform.String(), Started: started, Duration: now.Sub(started), Attempt: attempt, Outcome: "published"})
}

// onFailure feeds the retry state machine. Every publish error is
// retryable until the budget runs out, auth failures included; only an
// exhausted budget (or a store that refuses the reschedule) makes a post
// terminal.
func (s *Service) onFailure(ctx context.Context, p *post.Post, perr error, now, started time.Time, cfg Config) {
	attempt := p.RetryCount + 1

	if attempt < p.MaxRetries {
		delay := backoffDelay(cfg.BackoffBase, attempt)
		var ra platform.RetryAfterError
		if errors.As(perr, &ra) && ra.RetryAfter() > delay {
			// Server hints may push the retry further out, never closer.
			delay = ra.RetryAfter()
		}
		next := now.Add(delay)

		_, uerr := s.store.UpdateInPlace(ctx, p.ID, now, func(rec *post.Post) error {
			rec.RetryCount = attempt
			rec.LastError = perr.Error()
			rec.InternalStatus = post.InternalQueued
			rec.Schedule.At = next
			return nil
		})
		if uerr == nil {
			s.retried.Add(1)
			s.log.Warn("publish failed, retry scheduled",
				logx.String("id", p.ID),
				logx.String("platform", p.Platform.String()),
				logx.Int("attempt", attempt),
				logx.Duration("delay", delay),
				logx.Any("err", perr),
			)
			s.publish("post.retry", PostEvent{ID: p.ID, Platform: p.Platform.String(), Attempt: attempt, NextAt: next, Error: perr.Error()})
			s.appendHistory(HistoryItem{ID: p.ID, Platform: p.Platform.String(), Started: started, Duration: now.Sub(started), Attempt: attempt, Outcome: "retry", Error: perr.Error()})
			return
		}
		s.log.Error("retry reschedule failed; failing post",
			logx.String("id", p.ID), logx.Err(uerr))
	}

	rc := attempt
	if rc > p.MaxRetries {
		rc = p.MaxRetries
	}
	p.Status = post.StatusFailed
	p.InternalStatus = post.InternalNone
	p.RetryCount = rc
	p.UpdatedAt = now
	p.LastError = perr.Error()
	p.ConflictsWith = nil

	s.failed.Add(1)
	s.log.Warn("post failed",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform.String()),
		logx.Int("attempts", attempt),
		logx.Any("err", perr),
	)
	s.publish("post.failed", PostEvent{ID: p.ID, Platform: p.Platform.String(), Status: string(post.StatusFailed), Attempt: attempt, Error: perr.Error()})
	s.finalize(ctx, p)
	s.appendHistory(HistoryItem{ID: p.ID, Platform: p.Platform.String(), Started: started, Duration: now.Sub(started), Attempt: attempt, Outcome: "failed", Error: perr.Error()})
}

// finalize hands a terminal post to the archive outbox and deletes it from
// the active store. Archival failures are retried by the outbox; deletion
// failures are logged and left to the operator.
func (s *Service) finalize(ctx context.Context, p *post.Post) {
	s.enqueueArchive(p)
	if err := s.store.Remove(ctx, p.ID); err != nil {
		s.log.Error("terminal post removal failed",
			logx.String("id", p.ID), logx.Err(err))
	}
}

// backoffDelay is the retry schedule: base after the first failure, then
// doubling with each one after that.
func backoffDelay(base time.Duration, retryCount int) time.Duration {
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
	}
	return d
}
