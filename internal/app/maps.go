package app

import (
	"fmt"
	"strings"
	"time"

	"heraldbot/internal/campaign"
	"heraldbot/internal/config"
	"heraldbot/internal/notifier"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCampaignConfig(cfg *config.Config) (campaign.Config, error) {
	cc := cfg.Campaigns
	retention, err := config.ParseDurationOrDefault("campaigns.retention", cc.Retention, 720*time.Hour)
	if err != nil {
		return campaign.Config{}, err
	}
	if tz := strings.TrimSpace(cc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return campaign.Config{}, fmt.Errorf("campaigns.timezone: invalid %q: %w", tz, err)
		}
	}
	return campaign.Config{
		Enabled:     cc.Enabled,
		Workers:     cc.Workers,
		QueueSize:   cc.QueueSize,
		RatePerSec:  cc.RatePerSec,
		FireOverdue: cc.FireOverdue,
		Retention:   retention,
		DigestAt:    cc.DigestAt,
		Timezone:    cc.Timezone,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// Omitted section means enabled with defaults: operators always get
	// completion reports unless they opt out.
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func campaignLocation(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Campaigns.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
