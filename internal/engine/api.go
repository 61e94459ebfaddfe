package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

// SchedulePost validates the request, scores the post, and stores it. When
// the post lands within the conflict window of active same-platform posts it
// is stored flagged as conflicted and their ids are returned; it will not be
// dispatched until ResolveConflicts moves it on.
func (s *Service) SchedulePost(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	pf, err := post.ParsePlatform(req.Platform)
	if err != nil {
		return ScheduleResult{}, err
	}
	if req.ScheduledTime.IsZero() {
		return ScheduleResult{}, fmt.Errorf("scheduled time required")
	}
	if req.ViralityScore < 0 || req.ViralityScore > 1 {
		return ScheduleResult{}, fmt.Errorf("virality score %v outside [0,1]", req.ViralityScore)
	}
	if req.TrendVelocity < 0 || req.TrendVelocity > 1 {
		return ScheduleResult{}, fmt.Errorf("trend velocity %v outside [0,1]", req.TrendVelocity)
	}
	if req.Recurring {
		if _, err := post.ParseRecurrence(req.Rule); err != nil {
			return ScheduleResult{}, err
		}
	}

	cfg := s.config()
	now := time.Now().UTC()

	p := &post.Post{
		ID:             uuid.NewString(),
		Platform:       pf,
		Status:         post.StatusScheduled,
		InternalStatus: post.InternalQueued,
		Content: post.Content{
			Text:      req.Text,
			MediaURLs: append([]string(nil), req.MediaURLs...),
			Metadata:  cloneMetadata(req.Metadata),
		},
		Schedule: post.Schedule{
			At:        req.ScheduledTime.UTC(),
			Timezone:  strings.TrimSpace(req.Timezone),
			Recurring: req.Recurring,
			Rule:      strings.TrimSpace(req.Rule),
		},
		Metrics: post.Metrics{
			ViralityScore: req.ViralityScore,
			TrendVelocity: req.TrendVelocity,
			LastUpdated:   now,
		},
		MaxRetries: cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := p.Schedule.Location(); err != nil {
		return ScheduleResult{}, err
	}
	p.Rescore(now)

	active, err := s.store.ListByPlatform(ctx, pf)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("list %s posts: %w", pf, err)
	}
	conflicts := post.NewDetector(cfg.ConflictWindow).FindConflicts(p, active)
	if len(conflicts) > 0 {
		p.InternalStatus = post.InternalConflict
		p.ConflictsWith = conflicts
	}

	if err := s.store.Enqueue(ctx, p); err != nil {
		return ScheduleResult{}, fmt.Errorf("enqueue post: %w", err)
	}

	if len(conflicts) > 0 {
		s.log.Info("post scheduled with conflicts",
			logx.String("id", p.ID),
			logx.String("platform", pf.String()),
			logx.Time("scheduled", p.Schedule.At),
			logx.Any("conflicts", conflicts),
		)
		s.publish("post.conflict", PostEvent{ID: p.ID, Platform: pf.String(), Score: p.Metrics.PriorityScore, NextAt: p.Schedule.At, Conflicts: conflicts})
		return ScheduleResult{PostID: p.ID, Conflicts: conflicts}, nil
	}

	s.log.Info("post scheduled",
		logx.String("id", p.ID),
		logx.String("platform", pf.String()),
		logx.Time("scheduled", p.Schedule.At),
		logx.Float64("score", p.Metrics.PriorityScore),
	)
	s.publish("post.scheduled", PostEvent{ID: p.ID, Platform: pf.String(), Score: p.Metrics.PriorityScore, NextAt: p.Schedule.At})
	s.signalWake()
	return ScheduleResult{PostID: p.ID}, nil
}

// AdjustForTrends reprioritizes a post in response to an external trend
// signal: a positive velocity boosts virality by 1.2x (capped at 1.0), and
// the score is recomputed either way. Returns ErrNotFound for unknown ids.
func (s *Service) AdjustForTrends(ctx context.Context, id string, trendVelocity float64) error {
	if trendVelocity < 0 || trendVelocity > 1 {
		return fmt.Errorf("trend velocity %v outside [0,1]", trendVelocity)
	}

	now := time.Now().UTC()
	updated, err := s.store.UpdateInPlace(ctx, id, now, func(p *post.Post) error {
		if trendVelocity > 0 {
			v := p.Metrics.ViralityScore * 1.2
			if v > 1 {
				v = 1
			}
			p.Metrics.ViralityScore = v
		}
		p.Metrics.TrendVelocity = trendVelocity
		p.Metrics.LastUpdated = now
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug("post adjusted for trends",
		logx.String("id", id),
		logx.Float64("trend_velocity", trendVelocity),
		logx.Float64("score", updated.Metrics.PriorityScore),
	)
	s.publish("post.adjusted", PostEvent{ID: id, Platform: updated.Platform.String(), Score: updated.Metrics.PriorityScore})
	return nil
}

// Conflict-resolution actions accepted by ResolveConflicts.
const (
	ActionReschedule = "reschedule"
	ActionOverride   = "override"
)

// ResolveConflicts moves a conflicted post to ready. "reschedule" shifts it
// to the next slot that clears the conflict window on its platform;
// "override" keeps the time and accepts the overlap. Returns ErrNotFound
// for unknown ids and ErrInvalidAction for anything else.
func (s *Service) ResolveConflicts(ctx context.Context, id, action string) error {
	switch action {
	case ActionReschedule, ActionOverride:
	default:
		return fmt.Errorf("%w %q", ErrInvalidAction, action)
	}

	now := time.Now().UTC()
	var slot time.Time
	if action == ActionReschedule {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		active, err := s.store.ListByPlatform(ctx, cur.Platform)
		if err != nil {
			return fmt.Errorf("list %s posts: %w", cur.Platform, err)
		}
		// The post vacates its own slot, so it must not block itself.
		others := active[:0]
		for _, p := range active {
			if p.ID != id {
				others = append(others, p)
			}
		}
		slot = post.NewDetector(s.config().ConflictWindow).NextAvailableSlot(others, cur.Schedule.At)
	}

	updated, err := s.store.UpdateInPlace(ctx, id, now, func(p *post.Post) error {
		p.ConflictsWith = nil
		p.InternalStatus = post.InternalReady
		if action == ActionReschedule {
			p.Schedule.At = slot
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("conflict resolved",
		logx.String("id", id),
		logx.String("action", action),
		logx.Time("scheduled", updated.Schedule.At),
	)
	s.publish("post.resolved", PostEvent{ID: id, Platform: updated.Platform.String(), Action: action, NextAt: updated.Schedule.At})
	s.signalWake()
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
