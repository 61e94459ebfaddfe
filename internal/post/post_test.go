package post

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	good := func() *Post {
		return &Post{
			ID:             "p1",
			Platform:       PlatformTikTok,
			Status:         StatusScheduled,
			InternalStatus: InternalQueued,
			Schedule:       Schedule{At: now},
			MaxRetries:     3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Post)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *Post) {}},
		{name: "missing id", mutate: func(p *Post) { p.ID = " " }, wantErr: true},
		{name: "unknown platform", mutate: func(p *Post) { p.Platform = "myspace" }, wantErr: true},
		{name: "unknown status", mutate: func(p *Post) { p.Status = "done" }, wantErr: true},
		{name: "unknown internal status", mutate: func(p *Post) { p.InternalStatus = "paused" }, wantErr: true},
		{name: "zero scheduled time", mutate: func(p *Post) { p.Schedule.At = time.Time{} }, wantErr: true},
		{name: "negative retries", mutate: func(p *Post) { p.RetryCount = -1 }, wantErr: true},
		{
			name:    "conflict ids outside conflict state",
			mutate:  func(p *Post) { p.ConflictsWith = []string{"x"} },
			wantErr: true,
		},
		{
			name: "conflict ids in conflict state",
			mutate: func(p *Post) {
				p.InternalStatus = InternalConflict
				p.ConflictsWith = []string{"x"}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := good()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &Post{
		ID:             "p1",
		Platform:       PlatformInstagram,
		Status:         StatusScheduled,
		InternalStatus: InternalConflict,
		Content: Content{
			Text:      "hello",
			MediaURLs: []string{"https://cdn.example/a.jpg"},
			Metadata:  map[string]string{"campaign": "spring"},
		},
		ConflictsWith: []string{"p2"},
	}

	cp := orig.Clone()
	cp.Content.MediaURLs[0] = "mutated"
	cp.Content.Metadata["campaign"] = "mutated"
	cp.ConflictsWith[0] = "mutated"

	if orig.Content.MediaURLs[0] != "https://cdn.example/a.jpg" {
		t.Fatal("media urls shared between clone and original")
	}
	if orig.Content.Metadata["campaign"] != "spring" {
		t.Fatal("metadata shared between clone and original")
	}
	if orig.ConflictsWith[0] != "p2" {
		t.Fatal("conflictsWith shared between clone and original")
	}
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	got, err := ParsePlatform("  TikTok ")
	if err != nil {
		t.Fatalf("ParsePlatform error: %v", err)
	}
	if got != PlatformTikTok {
		t.Fatalf("ParsePlatform = %q, want %q", got, PlatformTikTok)
	}

	if _, err := ParsePlatform("friendster"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}
