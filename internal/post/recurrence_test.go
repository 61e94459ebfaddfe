package post

import (
	"testing"
	"time"
)

func TestParseRecurrence(t *testing.T) {
	t.Parallel()

	valid := []string{"0 9 * * *", "30 0 9 * * *", "@hourly", "@every 2h"}
	for _, rule := range valid {
		if _, err := ParseRecurrence(rule); err != nil {
			t.Fatalf("ParseRecurrence(%q) error: %v", rule, err)
		}
	}

	invalid := []string{"", "not-a-rule", "* * *"}
	for _, rule := range invalid {
		if _, err := ParseRecurrence(rule); err == nil {
			t.Fatalf("ParseRecurrence(%q): expected error", rule)
		}
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule Schedule
		want     time.Time
	}{
		{
			name:     "daily cron rolls to next day",
			schedule: Schedule{Recurring: true, Rule: "0 9 * * *"},
			want:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "interval",
			schedule: Schedule{Recurring: true, Rule: "@every 2h"},
			want:     after.Add(2 * time.Hour),
		},
		{
			name:     "timezone aware",
			schedule: Schedule{Recurring: true, Rule: "0 9 * * *", Timezone: "America/New_York"},
			// 10:00 UTC is 05:00 in New York; same-day 09:00 EST is 14:00 UTC.
			want: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.schedule.NextOccurrence(after)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceNonRecurring(t *testing.T) {
	t.Parallel()

	got, err := (Schedule{}).NextOccurrence(time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}

func TestNextOccurrenceInvalid(t *testing.T) {
	t.Parallel()

	if _, err := (Schedule{Recurring: true, Rule: "bogus"}).NextOccurrence(time.Now()); err == nil {
		t.Fatal("expected error for invalid rule")
	}
	if _, err := (Schedule{Recurring: true, Rule: "0 9 * * *", Timezone: "Mars/Olympus"}).NextOccurrence(time.Now()); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestScheduleLocation(t *testing.T) {
	t.Parallel()

	loc, err := (Schedule{}).Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("default Location = %v, %v; want UTC", loc, err)
	}
	if _, err := (Schedule{Timezone: "Not/AZone"}).Location(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
