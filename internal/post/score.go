package post

import "time"

// Scoring weights. Virality dominates; trend velocity contributes the rest,
// and a strong trend (>0.7) earns a flat boost.
const (
	viralityWeight = 0.7
	trendWeight    = 0.3

	trendBoostThreshold = 0.7
	trendBoostFactor    = 1.2

	decayPerHour = 0.01
	decayFloor   = 0.9
)

// Score computes the queue priority for a post: higher is more urgent.
//
// The age term decays posts whose scheduled time is in the past (floored at
// 0.9 so stale posts never vanish from the ordering). It is a pure function
// of its inputs; callers pass the same now they stamp on the mutation so a
// recompute on an unchanged record yields an identical value.
func Score(m Metrics, scheduledAt, now time.Time) float64 {
	base := m.ViralityScore*viralityWeight + m.TrendVelocity*trendWeight

	hoursOld := now.Sub(scheduledAt).Hours()
	decay := 1 - hoursOld*decayPerHour
	if decay < decayFloor {
		decay = decayFloor
	}

	boost := 1.0
	if m.TrendVelocity > trendBoostThreshold {
		boost = trendBoostFactor
	}

	return base * decay * boost
}

// Rescore recomputes the derived priority from the post's current metrics
// and schedule. Call it after every metrics or schedule mutation.
func (p *Post) Rescore(now time.Time) {
	p.Metrics.PriorityScore = Score(p.Metrics, p.Schedule.At, now)
}
