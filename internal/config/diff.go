package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// Sections reported by SummarizeChange. The app routes on these: store,
// archive, and platforms are structural (rebuild required); the rest
// hot-apply.
const (
	SectionLogging   = "logging"
	SectionStore     = "store"
	SectionArchive   = "archive"
	SectionEngine    = "engine"
	SectionPlatforms = "platforms"
	SectionPprof     = "pprof"
)

// SummarizeChange returns a compact sorted list of changed sections and
// safe structured attrs for logging. Secrets (tokens, passwords) are never
// included; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", strings.TrimSpace(newCfg.Logging.Level)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, SectionStore)
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.Int("store.redis_addrs", len(newCfg.Store.Redis.Addrs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Archive, newCfg.Archive) {
		changed = append(changed, SectionArchive)
		attrs = append(attrs,
			logx.String("archive.driver", strings.TrimSpace(newCfg.Archive.Driver)),
			logx.Bool("archive.root_set", strings.TrimSpace(newCfg.Archive.Root) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, SectionEngine)
		attrs = append(attrs,
			logx.String("engine.poll_interval", newCfg.Engine.PollInterval.String()),
			logx.String("engine.conflict_window", newCfg.Engine.ConflictWindow.String()),
			logx.Int("engine.max_retries", newCfg.Engine.MaxRetries),
			logx.Bool("engine.lease_enabled", newCfg.Engine.Lease.Enabled),
			logx.Int("engine.breaker_trip", newCfg.Engine.Breaker.TripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, SectionPlatforms)
		attrs = append(attrs,
			logx.Bool("platforms.telegram_enabled", newCfg.Platforms.Telegram.Enabled),
			logx.Bool("platforms.telegram_token_set", strings.TrimSpace(newCfg.Platforms.Telegram.Token) != ""),
			logx.Int("platforms.webhooks_enabled", countEnabledWebhooks(newCfg.Platforms.Webhooks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, SectionPprof)
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// Changed reports whether section appears in a SummarizeChange result.
func Changed(sections []string, section string) bool {
	for _, s := range sections {
		if s == section {
			return true
		}
	}
	return false
}

func countEnabledWebhooks(m map[string]WebhookClientConfig) int {
	n := 0
	for _, wh := range m {
		if wh.Enabled {
			n++
		}
	}
	return n
}
