package store

import (
	"encoding/json"
	"fmt"
	"time"

	"postpilot/internal/post"
)

// Record is the flat persisted form of a post. All timestamps are RFC 3339
// strings so the stored bytes stay readable and portable across drivers.
type Record struct {
	ID             string            `json:"id"`
	Platform       string            `json:"platform"`
	Status         string            `json:"status"`
	InternalStatus string            `json:"internalStatus"`
	Text           string            `json:"text,omitempty"`
	MediaURLs      []string          `json:"mediaUrls,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ScheduledTime  string            `json:"scheduledTime"`
	Timezone       string            `json:"timezone,omitempty"`
	IsRecurring    bool              `json:"isRecurring,omitempty"`
	RecurrenceRule string            `json:"recurrenceRule,omitempty"`
	PriorityScore  float64           `json:"priorityScore"`
	ViralityScore  float64           `json:"viralityScore"`
	TrendVelocity  float64           `json:"trendVelocity"`
	EngagementRate float64           `json:"engagementRate"`
	LastUpdated    string            `json:"lastUpdated,omitempty"`
	ConflictsWith  []string          `json:"conflictsWith,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	CreatedAt      string            `json:"createdAt,omitempty"`
	UpdatedAt      string            `json:"updatedAt,omitempty"`
	PublishedAt    string            `json:"publishedAt,omitempty"`
	ArchivedAt     string            `json:"archivedAt,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
}

// ToRecord flattens a post into its wire form.
func ToRecord(p *post.Post) Record {
	return Record{
		ID:             p.ID,
		Platform:       string(p.Platform),
		Status:         string(p.Status),
		InternalStatus: string(p.InternalStatus),
		Text:           p.Content.Text,
		MediaURLs:      p.Content.MediaURLs,
		Metadata:       p.Content.Metadata,
		ScheduledTime:  encodeTime(p.Schedule.At),
		Timezone:       p.Schedule.Timezone,
		IsRecurring:    p.Schedule.Recurring,
		RecurrenceRule: p.Schedule.Rule,
		PriorityScore:  p.Metrics.PriorityScore,
		ViralityScore:  p.Metrics.ViralityScore,
		TrendVelocity:  p.Metrics.TrendVelocity,
		EngagementRate: p.Metrics.EngagementRate,
		LastUpdated:    encodeTime(p.Metrics.LastUpdated),
		ConflictsWith:  p.ConflictsWith,
		RetryCount:     p.RetryCount,
		MaxRetries:     p.MaxRetries,
		CreatedAt:      encodeTime(p.CreatedAt),
		UpdatedAt:      encodeTime(p.UpdatedAt),
		PublishedAt:    encodeTime(p.PublishedAt),
		ArchivedAt:     encodeTime(p.ArchivedAt),
		LastError:      p.LastError,
	}
}

// ToPost parses the wire form back into a post and validates it.
func (r Record) ToPost() (*post.Post, error) {
	scheduledAt, err := decodeTime(r.ScheduledTime)
	if err != nil {
		return nil, fmt.Errorf("scheduledTime: %w", err)
	}
	lastUpdated, err := decodeTime(r.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("lastUpdated: %w", err)
	}
	createdAt, err := decodeTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	updatedAt, err := decodeTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updatedAt: %w", err)
	}
	publishedAt, err := decodeTime(r.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("publishedAt: %w", err)
	}
	archivedAt, err := decodeTime(r.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("archivedAt: %w", err)
	}

	p := &post.Post{
		ID:             r.ID,
		Platform:       post.Platform(r.Platform),
		Status:         post.Status(r.Status),
		InternalStatus: post.InternalStatus(r.InternalStatus),
		Content: post.Content{
			Text:      r.Text,
			MediaURLs: r.MediaURLs,
			Metadata:  r.Metadata,
		},
		Schedule: post.Schedule{
			At:        scheduledAt,
			Timezone:  r.Timezone,
			Recurring: r.IsRecurring,
			Rule:      r.RecurrenceRule,
		},
		Metrics: post.Metrics{
			PriorityScore:  r.PriorityScore,
			ViralityScore:  r.ViralityScore,
			TrendVelocity:  r.TrendVelocity,
			EngagementRate: r.EngagementRate,
			LastUpdated:    lastUpdated,
		},
		ConflictsWith: r.ConflictsWith,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
		PublishedAt:   publishedAt,
		ArchivedAt:    archivedAt,
		LastError:     r.LastError,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeRecord serializes a post to its flat JSON wire form.
func EncodeRecord(p *post.Post) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ToRecord(p))
}

// DecodeRecord parses and validates a flat JSON wire record. Errors from
// here mark the stored bytes as malformed; callers skip and log.
func DecodeRecord(b []byte) (*post.Post, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	p, err := r.ToPost()
	if err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	return p, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
