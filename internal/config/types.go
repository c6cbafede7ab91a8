package config

// Config is the whole biliradar configuration.
//
// It decodes strictly (unknown fields are rejected) from JSON or YAML.
// All durations are Go duration strings (e.g. "10s", "2m", "12h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Watch    WatchConfig    `json:"watch"`
	Bili     BiliConfig     `json:"bili"`
	Push     PushConfig     `json:"push"`
	Status   StatusConfig   `json:"status,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite ledgers. Path is required.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// DeliveryRetention prunes delivery records older than this window.
	// "0s" (the default) disables pruning; records are only needed for
	// dedup, so pruning is a space optimization, not a correctness one.
	DeliveryRetention string `json:"delivery_retention,omitempty"`
}

// WatchConfig controls the polling cycle.
type WatchConfig struct {
	// Interval between cycles. Default "120s"; values under 60s risk
	// upstream rate limiting.
	Interval string `json:"interval,omitempty"`
	// MaxConcurrent bounds simultaneous in-flight uploader fetches.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// BiliConfig controls the upstream API client. The anti-bot heuristics
// upstream are sensitive to these, so none of them are hard-coded.
type BiliConfig struct {
	RequestTimeout     string `json:"request_timeout,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
	Referer            string `json:"referer,omitempty"`
	SessData           string `json:"sessdata,omitempty"`
	Buvid3             string `json:"buvid3,omitempty"`
	KeyRefreshInterval string `json:"key_refresh_interval,omitempty"`
}

// PushConfig controls message rendering and who may mutate subscriptions.
type PushConfig struct {
	// Template supports {title}, {author}, {bvid} and {url} placeholders.
	Template string `json:"template,omitempty"`
	// AdminOnly restricts mutating commands to chat admins, owners and
	// the allowlist. When false anyone in the chat may mutate.
	AdminOnly bool    `json:"admin_only"`
	Allowlist []int64 `json:"allowlist,omitempty"`
	// RatePerSec caps outbound pushes (token bucket).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StatusConfig controls the optional operational HTTP server.
// Prefer binding to localhost.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
}
