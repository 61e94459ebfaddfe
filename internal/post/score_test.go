package post

import (
	"math"
	"testing"
	"time"
)

func TestScore(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		virality  float64
		trend     float64
		scheduled time.Time
		want      float64
	}{
		{
			// base=0.8*0.7+0.9*0.3=0.83, decay=1, boost=1.2 (trend>0.7)
			name:      "boosted fresh post",
			virality:  0.8,
			trend:     0.9,
			scheduled: now,
			want:      0.996,
		},
		{
			name:      "no boost at threshold",
			virality:  0.8,
			trend:     0.7,
			scheduled: now,
			want:      0.8*0.7 + 0.7*0.3,
		},
		{
			// 5h old: decay = 1 - 0.05
			name:      "linear decay",
			virality:  1.0,
			trend:     0.0,
			scheduled: now.Add(-5 * time.Hour),
			want:      0.7 * 0.95,
		},
		{
			// 20h old would give 0.8; floor holds at 0.9
			name:      "decay floor",
			virality:  1.0,
			trend:     0.0,
			scheduled: now.Add(-20 * time.Hour),
			want:      0.7 * 0.9,
		},
		{
			// future posts age negatively, so the decay term exceeds 1
			name:      "future post",
			virality:  0.5,
			trend:     0.0,
			scheduled: now.Add(10 * time.Hour),
			want:      0.5 * 0.7 * 1.1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := Metrics{ViralityScore: tt.virality, TrendVelocity: tt.trend}
			got := Score(m, tt.scheduled, now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Post{
		Schedule: Schedule{At: now.Add(-90 * time.Minute)},
		Metrics:  Metrics{ViralityScore: 0.42, TrendVelocity: 0.77, EngagementRate: 0.1},
	}

	p.Rescore(now)
	first := p.Metrics.PriorityScore
	p.Rescore(now)
	second := p.Metrics.PriorityScore

	if first != second {
		t.Fatalf("rescore not idempotent: %v then %v", first, second)
	}
	if direct := Score(p.Metrics, p.Schedule.At, now); direct != first {
		t.Fatalf("Score = %v, Rescore stored %v", direct, first)
	}
}
