package engine

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/archive"
	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// enqueueArchive hands a terminal post to the outbox worker. The channel is
// bounded; when it is full the record is dropped with an error log rather
// than blocking the dispatch loop.
func (s *Service) enqueueArchive(p *post.Post) {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()

	if outbox != nil {
		select {
		case outbox <- p:
			return
		default:
		}
	}
	s.outboxDropped.Add(1)
	s.log.Error("archive outbox unavailable, record dropped",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform.String()),
		logx.String("status", string(p.Status)),
	)
}

// outboxLoop delivers terminal posts to the archive. On shutdown it drains
// whatever is already queued before exiting.
func (s *Service) outboxLoop(ctx context.Context, stopCh <-chan struct{}, outbox <-chan *post.Post) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-outbox:
			s.deliverArchive(ctx, p)
		case <-stopCh:
			for {
				select {
				case p := <-outbox:
					s.deliverArchive(ctx, p)
				default:
					return
				}
			}
		}
	}
}

// deliverArchive writes one terminal post to the archive with bounded
// retries. A record that is already present counts as delivered, so replays
// after a crashed hand-off are harmless.
func (s *Service) deliverArchive(ctx context.Context, p *post.Post) {
	cfg := s.config()

	if p.ArchivedAt.IsZero() {
		p.ArchivedAt = time.Now().UTC()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.OutboxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.arch.Put(cctx, p)
		cancel()
		if err == nil || errors.Is(err, archive.ErrAlreadyArchived) {
			s.archived.Add(1)
			s.log.Debug("post archived",
				logx.String("id", p.ID),
				logx.String("platform", p.Platform.String()),
				logx.String("status", string(p.Status)),
			)
			s.publish("post.archived", PostEvent{ID: p.ID, Platform: p.Platform.String(), Status: string(p.Status)})
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt >= cfg.OutboxAttempts {
			break
		}

		delay := outboxDelay(cfg, attempt)
		s.log.Debug("archive put failed, retrying",
			logx.String("id", p.ID),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Any("err", err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			s.dropArchive(p, lastErr)
			return
		case <-tmr.C:
		}
	}
	s.dropArchive(p, lastErr)
}

func (s *Service) dropArchive(p *post.Post, err error) {
	s.outboxDropped.Add(1)
	s.log.Error("archive delivery failed, record dropped",
		logx.String("id", p.ID),
		logx.String("platform", p.Platform.String()),
		logx.String("status", string(p.Status)),
		logx.Any("err", err),
	)
}

func outboxDelay(cfg Config, attempt int) time.Duration {
	d := cfg.OutboxRetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.OutboxRetryMax {
			return cfg.OutboxRetryMax
		}
	}
	if d > cfg.OutboxRetryMax {
		d = cfg.OutboxRetryMax
	}
	return d
}
