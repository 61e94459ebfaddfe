package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform is a publish destination.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformFacebook  Platform = "facebook"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTelegram  Platform = "telegram"
)

// Platforms returns all supported destinations in a stable order.
func Platforms() []Platform {
	return []Platform{
		PlatformTikTok,
		PlatformInstagram,
		PlatformYouTube,
		PlatformFacebook,
		PlatformLinkedIn,
		PlatformTelegram,
	}
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformTikTok, PlatformInstagram, PlatformYouTube, PlatformFacebook, PlatformLinkedIn, PlatformTelegram:
		return true
	}
	return false
}

func (p Platform) String() string { return string(p) }

// ParsePlatform normalizes a user-supplied platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// Status is the external lifecycle of a post.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status permanently removes a post from the
// active store.
func (s Status) Terminal() bool { return s == StatusPublished || s == StatusFailed }

// InternalStatus is the execution lifecycle driving the publish state machine.
type InternalStatus string

const (
	InternalQueued     InternalStatus = "queued"
	InternalConflict   InternalStatus = "conflict"
	InternalReady      InternalStatus = "ready"
	InternalPublishing InternalStatus = "publishing"
	InternalNone       InternalStatus = "none"
)

func (s InternalStatus) Valid() bool {
	switch s {
	case InternalQueued, InternalConflict, InternalReady, InternalPublishing, InternalNone:
		return true
	}
	return false
}

// Serveable reports whether the publish loop may claim a post in this state.
func (s InternalStatus) Serveable() bool { return s == InternalQueued || s == InternalReady }

// Content is what gets delivered. The scheduler treats it as opaque.
type Content struct {
	Text      string
	MediaURLs []string
	Metadata  map[string]string
}

// Schedule describes when (and how often) a post should go out.
type Schedule struct {
	At        time.Time
	Timezone  string
	Recurring bool
	Rule      string
}

// Metrics feed the priority scorer.
//
// ViralityScore and TrendVelocity are normalized to [0,1] by the caller;
// PriorityScore is always derived (see Score) and never set directly.
type Metrics struct {
	PriorityScore  float64
	ViralityScore  float64
	TrendVelocity  float64
	EngagementRate float64
	LastUpdated    time.Time
}

// Post is the schedulable unit.
//
// A post lives in exactly one place: the active store while
// Status==StatusScheduled, the archive once Status is terminal.
type Post struct {
	ID             string
	Platform       Platform
	Status         Status
	InternalStatus InternalStatus

	Content  Content
	Schedule Schedule
	Metrics  Metrics

	// ConflictsWith holds the IDs this post collides with; non-empty only
	// while InternalStatus==InternalConflict.
	ConflictsWith []string

	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt time.Time
	ArchivedAt  time.Time
	LastError   string
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Content.MediaURLs != nil {
		cp.Content.MediaURLs = append([]string(nil), p.Content.MediaURLs...)
	}
	if p.Content.Metadata != nil {
		cp.Content.Metadata = make(map[string]string, len(p.Content.Metadata))
		for k, v := range p.Content.Metadata {
			cp.Content.Metadata[k] = v
		}
	}
	if p.ConflictsWith != nil {
		cp.ConflictsWith = append([]string(nil), p.ConflictsWith...)
	}
	return &cp
}

// Terminal reports whether the post reached its final state.
func (p *Post) Terminal() bool { return p.Status.Terminal() }

// Validate checks the structural invariants every stored record must satisfy.
// Records failing this are treated as malformed and skipped by scans.
func (p *Post) Validate() error {
	if p == nil {
		return errors.New("nil post")
	}
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("post id required")
	}
	if !p.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", p.Platform)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if !p.InternalStatus.Valid() {
		return fmt.Errorf("unknown internal status %q", p.InternalStatus)
	}
	if p.Schedule.At.IsZero() {
		return errors.New("scheduled time required")
	}
	if p.MaxRetries < 0 || p.RetryCount < 0 {
		return errors.New("negative retry counter")
	}
	if len(p.ConflictsWith) > 0 && p.InternalStatus != InternalConflict {
		return fmt.Errorf("conflictsWith set while internal status is %q", p.InternalStatus)
	}
	return nil
}
