package post

import (
	"reflect"
	"testing"
	"time"
)

func mkPost(id string, platform Platform, at time.Time) *Post {
	return &Post{
		ID:             id,
		Platform:       platform,
		Status:         StatusScheduled,
		InternalStatus: InternalQueued,
		Schedule:       Schedule{At: at},
	}
}

func TestFindConflictsSymmetry(t *testing.T) {
	t.Parallel()

	d := NewDetector(30 * time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		gap      time.Duration
		conflict bool
	}{
		{name: "10min apart", gap: 10 * time.Minute, conflict: true},
		{name: "exactly window apart", gap: 30 * time.Minute, conflict: false},
		{name: "40min apart", gap: 40 * time.Minute, conflict: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			a := mkPost("a", PlatformTikTok, base)
			b := mkPost("b", PlatformTikTok, base.Add(tt.gap))

			gotAB := d.FindConflicts(a, []*Post{b})
			gotBA := d.FindConflicts(b, []*Post{a})

			if tt.conflict {
				if !reflect.DeepEqual(gotAB, []string{"b"}) {
					t.Fatalf("a vs b = %v, want [b]", gotAB)
				}
				if !reflect.DeepEqual(gotBA, []string{"a"}) {
					t.Fatalf("b vs a = %v, want [a]", gotBA)
				}
				return
			}
			if len(gotAB) != 0 || len(gotBA) != 0 {
				t.Fatalf("unexpected conflicts: a=%v b=%v", gotAB, gotBA)
			}
		})
	}
}

func TestFindConflictsScoping(t *testing.T) {
	t.Parallel()

	d := NewDetector(0) // default window
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cand := mkPost("cand", PlatformInstagram, base)

	active := []*Post{
		mkPost("cand", PlatformInstagram, base),                     // self, ignored
		mkPost("other-platform", PlatformTikTok, base),              // platform-scoped
		mkPost("late", PlatformInstagram, base.Add(25*time.Minute)), // hit
		mkPost("early", PlatformInstagram, base.Add(-5*time.Minute)), // hit
	}

	got := d.FindConflicts(cand, active)
	want := []string{"early", "late"} // ordered by scheduled time
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FindConflicts = %v, want %v", got, want)
	}
}

func TestNextAvailableSlot(t *testing.T) {
	t.Parallel()

	d := NewDetector(30 * time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		posts []*Post
		after time.Time
		want  time.Time
	}{
		{
			name:  "empty schedule returns after unchanged",
			posts: nil,
			after: base,
			want:  base,
		},
		{
			name:  "bumped past single occupant",
			posts: []*Post{mkPost("a", PlatformTikTok, base)},
			after: base.Add(5 * time.Minute),
			want:  base.Add(30 * time.Minute),
		},
		{
			name: "chained occupants",
			posts: []*Post{
				mkPost("a", PlatformTikTok, base),
				mkPost("b", PlatformTikTok, base.Add(30*time.Minute)),
			},
			after: base,
			want:  base.Add(60 * time.Minute),
		},
		{
			name:  "far occupant leaves slot alone",
			posts: []*Post{mkPost("a", PlatformTikTok, base.Add(2 * time.Hour))},
			after: base,
			want:  base,
		},
		{
			name: "non-scheduled records ignored",
			posts: []*Post{
				func() *Post {
					p := mkPost("done", PlatformTikTok, base)
					p.Status = StatusPublished
					return p
				}(),
			},
			after: base,
			want:  base,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := d.NextAvailableSlot(tt.posts, tt.after)
			if !got.Equal(tt.want) {
				t.Fatalf("NextAvailableSlot = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectorDefaultWindow(t *testing.T) {
	t.Parallel()
	if w := NewDetector(0).Window(); w != DefaultConflictWindow {
		t.Fatalf("Window = %v, want %v", w, DefaultConflictWindow)
	}
}
