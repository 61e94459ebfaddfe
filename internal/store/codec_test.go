package store

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"postpilot/internal/post"
)

func TestEncodeRecordWireShape(t *testing.T) {
	p := testPost("wire-1", post.PlatformLinkedIn, time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC))
	p.Schedule.Timezone = "America/New_York"
	p.Schedule.Recurring = true
	p.Schedule.Rule = "0 9 * * *"
	p.Metrics = post.Metrics{
		PriorityScore: 0.996,
		ViralityScore: 0.8,
		TrendVelocity: 0.9,
		LastUpdated:   time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC),
	}
	p.RetryCount = 1
	p.LastError = "tiktok: 500"

	b, err := EncodeRecord(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	for _, key := range []string{
		"id", "platform", "status", "internalStatus", "scheduledTime",
		"timezone", "isRecurring", "recurrenceRule", "priorityScore",
		"viralityScore", "trendVelocity", "retryCount", "maxRetries", "lastError",
	} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("wire form missing %q: %s", key, b)
		}
	}
	if got := raw["scheduledTime"]; got != "2026-06-01T12:30:00Z" {
		t.Fatalf("unexpected scheduledTime encoding: %v", got)
	}
	if _, ok := raw["publishedAt"]; ok {
		t.Fatalf("zero timestamps must be omitted: %s", b)
	}

	back, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.ID != p.ID || back.Platform != p.Platform || !back.Schedule.At.Equal(p.Schedule.At) {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Metrics.PriorityScore != p.Metrics.PriorityScore || back.Schedule.Rule != p.Schedule.Rule {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.LastError != p.LastError || back.RetryCount != 1 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       "{oops",
		"bad time":       `{"id":"x","platform":"tiktok","status":"scheduled","internalStatus":"queued","scheduledTime":"yesterday"}`,
		"missing time":   `{"id":"x","platform":"tiktok","status":"scheduled","internalStatus":"queued"}`,
		"bad platform":   `{"id":"x","platform":"myspace","status":"scheduled","internalStatus":"queued","scheduledTime":"2026-06-01T12:30:00Z"}`,
		"negative retry": `{"id":"x","platform":"tiktok","status":"scheduled","internalStatus":"queued","scheduledTime":"2026-06-01T12:30:00Z","retryCount":-1}`,
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord([]byte(blob))
			if err == nil {
				t.Fatal("expected decode error")
			}
			if !strings.Contains(err.Error(), "malformed record") {
				t.Fatalf("expected malformed record error, got %v", err)
			}
		})
	}
}
