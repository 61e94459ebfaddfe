package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /tmp/schedulerd.log
store:
  driver: sqlite
  path: ./posts.db
  busy_timeout: 5s
archive:
  driver: file
  root: ./archive
engine:
  poll_interval: 2s
  conflict_window: 30m
  max_retries: 2
  backoff_base: 1m
  history_size: 50
  outbox:
    size: 64
    attempts: 3
    retry_base: 500ms
    retry_max: 10s
  breaker:
    trip_failures: 5
    base_delay: 30s
  lease:
    enabled: false
platforms:
  telegram:
    enabled: true
    token: ${PP_TEST_TG_TOKEN}
    chat_id: -100123
    rate_per_sec: 0.5
    burst: 1
  webhooks:
    tiktok:
      enabled: true
      endpoint: https://gateway.example.com/tiktok
      token: ${PP_TEST_WH_TOKEN}
      timeout: 10
pprof:
  enabled: true
  addr: 127.0.0.1:6060
`

func TestParseYAML(t *testing.T) {
	t.Setenv("PP_TEST_TG_TOKEN", "tg-secret")
	t.Setenv("PP_TEST_WH_TOKEN", "wh-secret")

	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console || cfg.Logging.File.Path != "/tmp/schedulerd.log" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.BusyTimeout.Std() != 5*time.Second {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Engine.PollInterval.Std() != 2*time.Second || cfg.Engine.ConflictWindow.Std() != 30*time.Minute {
		t.Errorf("engine timing = %+v", cfg.Engine)
	}
	if cfg.Engine.MaxRetries != 2 {
		t.Errorf("max retries = %d, want 2", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.Outbox.RetryBase.Std() != 500*time.Millisecond {
		t.Errorf("outbox retry base = %v", cfg.Engine.Outbox.RetryBase)
	}
	if cfg.Platforms.Telegram.Token != "tg-secret" {
		t.Errorf("telegram token = %q, want expanded env value", cfg.Platforms.Telegram.Token)
	}
	if cfg.Platforms.Telegram.ChatID != -100123 || cfg.Platforms.Telegram.RatePerSec != 0.5 {
		t.Errorf("telegram = %+v", cfg.Platforms.Telegram)
	}
	wh, ok := cfg.Platforms.Webhooks["tiktok"]
	if !ok {
		t.Fatalf("webhooks = %+v, want tiktok entry", cfg.Platforms.Webhooks)
	}
	if wh.Token != "wh-secret" {
		t.Errorf("webhook token = %q, want expanded env value", wh.Token)
	}
	// Numeric durations are seconds.
	if wh.Timeout.Std() != 10*time.Second {
		t.Errorf("webhook timeout = %v, want 10s", wh.Timeout)
	}
	if got := m.Get(); got != cfg {
		t.Errorf("Get returned a different snapshot")
	}
}

func TestParseJSON(t *testing.T) {
	content := `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "store": {"driver": "memory"},
  "archive": {"driver": "file", "root": "./archive"},
  "engine": {"poll_interval": "5s"},
  "platforms": {}
}`
	path := writeFile(t, t.TempDir(), "config.json", content)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Engine.PollInterval.Std() != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		name    string
		content string
		wantErr string
	}{
		"unknown field": {
			name:    "a.yaml",
			content: "logging:\n  level: info\nspeed: 5\n",
			wantErr: "unknown field",
		},
		"unknown nested field": {
			name:    "b.yaml",
			content: "engine:\n  workers: 4\n",
			wantErr: "unknown field",
		},
		"trailing data": {
			name:    "c.json",
			content: `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}} {"extra": 1}`,
			wantErr: "trailing data",
		},
		"bad yaml": {
			name:    "d.yaml",
			content: "logging: [\n",
			wantErr: "yaml",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, tc.name, tc.content)
			_, err := NewManager(path).Parse()
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(strings.ToLower(err.Error()), tc.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: `"90s"`, want: 90 * time.Second},
		{raw: `"5m"`, want: 5 * time.Minute},
		{raw: `"500ms"`, want: 500 * time.Millisecond},
		{raw: `""`, want: 0},
		{raw: `30`, want: 30 * time.Second},
		{raw: `1.5`, want: 1500 * time.Millisecond},
		{raw: `0`, want: 0},
		{raw: `"-5s"`, wantErr: true},
		{raw: `-3`, wantErr: true},
		{raw: `"fast"`, wantErr: true},
		{raw: `true`, wantErr: true},
	}
	for _, tc := range cases {
		var d Duration
		err := json.Unmarshal([]byte(tc.raw), &d)
		if tc.wantErr {
			if err == nil {
				t.Errorf("unmarshal %s succeeded, want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("unmarshal %s: %v", tc.raw, err)
			continue
		}
		if d.Std() != tc.want {
			t.Errorf("unmarshal %s = %v, want %v", tc.raw, d.Std(), tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"bad level":            {Logging: LoggingConfig{Level: "loud"}},
		"file sink no path":    {Logging: LoggingConfig{File: LoggingFile{Enabled: true}}},
		"bad store driver":     {Store: StoreConfig{Driver: "etcd"}},
		"sqlite without path":  {Store: StoreConfig{Driver: "sqlite"}},
		"redis without addrs":  {Store: StoreConfig{Driver: "redis"}},
		"bad archive driver":   {Archive: ArchiveConfig{Driver: "s3"}},
		"negative max retries": {Engine: EngineConfig{MaxRetries: -1}},
		"lease without redis":  {Engine: EngineConfig{Lease: LeaseConfig{Enabled: true}}},
		"telegram no token":    {Platforms: PlatformsConfig{Telegram: TelegramClientConfig{Enabled: true, ChatID: 1}}},
		"telegram no chat":     {Platforms: PlatformsConfig{Telegram: TelegramClientConfig{Enabled: true, Token: "t"}}},
		"webhook bad platform": {Platforms: PlatformsConfig{Webhooks: map[string]WebhookClientConfig{"myspace": {}}}},
		"webhook for telegram": {Platforms: PlatformsConfig{Webhooks: map[string]WebhookClientConfig{"telegram": {}}}},
		"webhook no endpoint":  {Platforms: PlatformsConfig{Webhooks: map[string]WebhookClientConfig{"tiktok": {Enabled: true}}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate(%+v) succeeded, want error", cfg)
			}
		})
	}

	ok := Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Store:   StoreConfig{Driver: "redis", Redis: RedisConfig{Addrs: []string{"127.0.0.1:6379"}}},
		Archive: ArchiveConfig{Driver: "file", Root: "./archive"},
		Platforms: PlatformsConfig{
			Telegram: TelegramClientConfig{Enabled: true, Token: "t", ChatID: 1},
			Webhooks: map[string]WebhookClientConfig{"instagram": {Enabled: true, Endpoint: "https://gw/ig"}},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Store:   StoreConfig{Driver: "memory"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Store:   StoreConfig{Driver: "sqlite", Path: "./posts.db"},
		Engine:  EngineConfig{PollInterval: Duration(2 * time.Second)},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{SectionEngine, SectionLogging, SectionStore}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Errorf("no attrs for a changed config")
	}
	if !Changed(changed, SectionStore) || Changed(changed, SectionPprof) {
		t.Errorf("Changed() misreported: %v", changed)
	}

	if c, _ := SummarizeChange(newCfg, newCfg); len(c) != 0 {
		t.Errorf("identical configs reported changes: %v", c)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("subscriber got %+v, want the newest snapshot", got.Logging)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "logging:\n  level: info\n  console: true\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// The watcher needs a moment to arm; rewrite until the change lands.
	updated := "logging:\n  level: warn\n  console: true\n"
	deadline := time.After(10 * time.Second)
	var got *Config
wait:
	for {
		writeFile(t, dir, "config.yaml", updated)
		select {
		case got = <-sub:
			break wait
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no config published after file change")
		}
	}
	if got.Logging.Level != "warn" {
		t.Fatalf("published level = %q, want warn", got.Logging.Level)
	}

	// A broken rewrite is rejected and keeps the last good snapshot.
	writeFile(t, dir, "config.yaml", "logging: [\n")
	select {
	case bad := <-sub:
		t.Fatalf("invalid config published: %+v", bad)
	case <-time.After(700 * time.Millisecond):
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatalf("committed config changed after invalid rewrite")
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not stop on context cancel")
	}
}
