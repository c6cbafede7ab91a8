package app

import (
	"fmt"
	"time"

	"biliradar/internal/bili"
	"biliradar/internal/config"
	"biliradar/internal/notify"
	"biliradar/internal/observability/httpserv"
	"biliradar/internal/radar"
	"biliradar/internal/storage"
	"biliradar/internal/watch"
	logx "biliradar/pkg/logx"
)

// The map* helpers translate the raw config file into the typed component
// configs. Each one fully validates its slice of the file, so the reload
// validator can reuse them to reject a bad config before it is committed.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage.Path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("storage.delivery_retention", cfg.Storage.DeliveryRetention, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:              cfg.Storage.Path,
		BusyTimeout:       busy,
		DeliveryRetention: retention,
	}, nil
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	interval, err := config.ParseDurationOrDefault("watch.interval", cfg.Watch.Interval, 2*time.Minute)
	if err != nil {
		return watch.Config{}, err
	}
	if interval < 10*time.Second {
		return watch.Config{}, fmt.Errorf("watch.interval must be at least 10s")
	}
	if cfg.Watch.MaxConcurrent < 0 {
		return watch.Config{}, fmt.Errorf("watch.max_concurrent must be >= 0")
	}
	return watch.Config{
		Interval:      interval,
		MaxConcurrent: cfg.Watch.MaxConcurrent,
	}, nil
}

func mapSignerConfig(cfg *config.Config) (bili.SignerConfig, error) {
	ttl, err := config.ParseDurationOrDefault("bili.key_refresh_interval", cfg.Bili.KeyRefreshInterval, 12*time.Hour)
	if err != nil {
		return bili.SignerConfig{}, err
	}
	timeout, err := config.ParseDurationOrDefault("bili.request_timeout", cfg.Bili.RequestTimeout, 10*time.Second)
	if err != nil {
		return bili.SignerConfig{}, err
	}
	return bili.SignerConfig{
		TTL:       ttl,
		Timeout:   timeout,
		UserAgent: cfg.Bili.UserAgent,
		Referer:   cfg.Bili.Referer,
	}, nil
}

func mapClientConfig(cfg *config.Config) (bili.ClientConfig, error) {
	timeout, err := config.ParseDurationOrDefault("bili.request_timeout", cfg.Bili.RequestTimeout, 10*time.Second)
	if err != nil {
		return bili.ClientConfig{}, err
	}
	return bili.ClientConfig{
		Timeout:   timeout,
		UserAgent: cfg.Bili.UserAgent,
		Referer:   cfg.Bili.Referer,
		SessData:  cfg.Bili.SessData,
		Buvid3:    cfg.Bili.Buvid3,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Push.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("push.rate_per_sec must be >= 0")
	}
	return notify.Config{
		Template:   cfg.Push.Template,
		RatePerSec: cfg.Push.RatePerSec,
	}, nil
}

func mapPermissions(cfg *config.Config) radar.Permissions {
	return radar.Permissions{
		AdminOnly: cfg.Push.AdminOnly,
		Owners:    cfg.Telegram.OwnerUserIDs,
		Allowlist: cfg.Push.Allowlist,
	}
}

func mapStatusConfig(cfg *config.Config) httpserv.Config {
	return httpserv.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    cfg.Status.Addr,
	}
}
