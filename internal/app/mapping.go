package app

import (
	"fmt"

	"golang.org/x/time/rate"

	"postpilot/internal/archive"
	"postpilot/internal/config"
	"postpilot/internal/engine"
	"postpilot/internal/observability/pprof"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

// The app layer owns the translation from the config file schema to each
// component's Config struct. Zero values pass through untouched; every
// component applies its own defaults.

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapRedisConfig(c config.RedisConfig) store.RedisConfig {
	return store.RedisConfig{
		Addrs:      append([]string(nil), c.Addrs...),
		MasterName: c.MasterName,
		Username:   c.Username,
		Password:   c.Password,
		DB:         c.DB,
		KeyPrefix:  c.KeyPrefix,
	}
}

func mapStoreConfig(c config.StoreConfig) store.Config {
	return store.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: c.BusyTimeout.Std(),
		Redis:       mapRedisConfig(c.Redis),
	}
}

func mapArchiveConfig(c config.ArchiveConfig) archive.Config {
	return archive.Config{
		Driver: c.Driver,
		Root:   c.Root,
		Redis:  mapRedisConfig(c.Redis),
	}
}

func mapEngineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		PollInterval:   c.PollInterval.Std(),
		ConflictWindow: c.ConflictWindow.Std(),
		MaxRetries:     c.MaxRetries,
		BackoffBase:    c.BackoffBase.Std(),
		HistorySize:    c.HistorySize,

		OutboxSize:      c.Outbox.Size,
		OutboxAttempts:  c.Outbox.Attempts,
		OutboxRetryBase: c.Outbox.RetryBase.Std(),
		OutboxRetryMax:  c.Outbox.RetryMax.Std(),

		BreakerTripFailures: c.Breaker.TripFailures,
		BreakerBaseDelay:    c.Breaker.BaseDelay.Std(),
		BreakerMaxDelay:     c.Breaker.MaxDelay.Std(),
		BreakerResetAfter:   c.Breaker.ResetAfter.Std(),

		Lease: engine.LeaseConfig{
			Enabled: c.Lease.Enabled,
			Name:    c.Lease.Name,
			TTL:     c.Lease.TTL.Std(),
		},
	}
}

func mapPprofConfig(c config.PprofConfig) pprof.Config {
	return pprof.Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Prefix:        c.Prefix,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,

		ReadTimeout:  c.ReadTimeout.Std(),
		WriteTimeout: c.WriteTimeout.Std(),
		IdleTimeout:  c.IdleTimeout.Std(),

		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}
}

// buildClients constructs one publish client per enabled destination,
// wrapped with a rate limiter when rate_per_sec is set.
func buildClients(c config.PlatformsConfig, log logx.Logger) (map[post.Platform]platform.Client, error) {
	clients := make(map[post.Platform]platform.Client)

	if c.Telegram.Enabled {
		tg, err := platform.NewTelegram(platform.TelegramConfig{
			Token:   c.Telegram.Token,
			ChatID:  c.Telegram.ChatID,
			Timeout: c.Telegram.Timeout.Std(),
		}, log.With(logx.String("client", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("platforms.telegram: %w", err)
		}
		clients[post.PlatformTelegram] = platform.Throttled(tg, rate.Limit(c.Telegram.RatePerSec), c.Telegram.Burst)
	}

	for name, wc := range c.Webhooks {
		if !wc.Enabled {
			continue
		}
		pf, err := post.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("platforms.webhooks.%s: %w", name, err)
		}
		wh, err := platform.NewWebhook(pf, platform.WebhookConfig{
			Endpoint: wc.Endpoint,
			Token:    wc.Token,
			Timeout:  wc.Timeout.Std(),
		}, log.With(logx.String("client", name)))
		if err != nil {
			return nil, fmt.Errorf("platforms.webhooks.%s: %w", name, err)
		}
		clients[pf] = platform.Throttled(wh, rate.Limit(wc.RatePerSec), wc.Burst)
	}

	return clients, nil
}

// applyClients swaps the registry to exactly the given client set. Platforms
// missing from the map are deregistered, so a hot-reload that drops a
// destination takes effect immediately.
func applyClients(reg *platform.Registry, clients map[post.Platform]platform.Client) {
	for _, pf := range post.Platforms() {
		reg.Register(pf, clients[pf])
	}
}
