package post

import (
	"sort"
	"time"
)

// DefaultConflictWindow is the span within which two same-platform posts
// are considered mutually conflicting.
const DefaultConflictWindow = 30 * time.Minute

// Detector flags same-platform posts scheduled too close together and
// computes free slots. Stateless; safe for concurrent use.
type Detector struct {
	window time.Duration
}

func NewDetector(window time.Duration) Detector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return Detector{window: window}
}

func (d Detector) Window() time.Duration { return d.window }

// FindConflicts returns the IDs of active posts whose scheduled time lies
// strictly within the conflict window of the candidate's. The check is
// symmetric and platform-scoped; the candidate itself and posts on other
// platforms are ignored. Result is ordered by scheduled time, then ID.
func (d Detector) FindConflicts(candidate *Post, active []*Post) []string {
	if candidate == nil {
		return nil
	}

	type hit struct {
		id string
		at time.Time
	}
	var hits []hit
	for _, other := range active {
		if other == nil || other.ID == candidate.ID {
			continue
		}
		if other.Platform != candidate.Platform {
			continue
		}
		if absDuration(other.Schedule.At.Sub(candidate.Schedule.At)) < d.window {
			hits = append(hits, hit{id: other.ID, at: other.Schedule.At})
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].at.Equal(hits[j].at) {
			return hits[i].at.Before(hits[j].at)
		}
		return hits[i].id < hits[j].id
	})
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// NextAvailableSlot finds the earliest time at or after `after` that keeps
// a gap larger than the conflict window to every scheduled post in the
// list. Greedy single pass over the posts sorted by time: whenever a post
// sits within the window of the current candidate, the candidate jumps to
// that post's time plus the window. Callers resolving an existing post
// must exclude it from the list (its old slot is being vacated).
func (d Detector) NextAvailableSlot(scheduled []*Post, after time.Time) time.Time {
	times := make([]time.Time, 0, len(scheduled))
	for _, p := range scheduled {
		if p == nil || p.Status != StatusScheduled {
			continue
		}
		times = append(times, p.Schedule.At)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	slot := after
	for _, at := range times {
		if absDuration(at.Sub(slot)) <= d.window {
			slot = at.Add(d.window)
		}
	}
	return slot
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
