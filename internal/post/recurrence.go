package post

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// recurrenceParser accepts both 5-field and 6-field (with seconds) cron
// specs plus descriptors like "@hourly" and "@every 4h".
var recurrenceParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRecurrence validates a recurrence rule and returns its schedule.
func ParseRecurrence(rule string) (cron.Schedule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, fmt.Errorf("recurrence rule required")
	}
	sched, err := recurrenceParser.Parse(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return sched, nil
}

// Location resolves the schedule's IANA timezone, defaulting to UTC.
func (s Schedule) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// NextOccurrence computes the first activation of the post's recurrence
// rule strictly after the given time, evaluated in the post's timezone.
// Posts without a recurrence configured return a zero time and no error.
func (s Schedule) NextOccurrence(after time.Time) (time.Time, error) {
	if !s.Recurring || strings.TrimSpace(s.Rule) == "" {
		return time.Time{}, nil
	}
	sched, err := ParseRecurrence(s.Rule)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence rule %q has no future activation", s.Rule)
	}
	return next, nil
}
