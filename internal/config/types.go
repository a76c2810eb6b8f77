package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Campaigns CampaignsConfig `json:"campaigns"`

	// Notifier controls the async admin notification pipeline.
	// If the whole section is omitted, the notifier defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserIDs receive campaign completion reports and may run
	// administrative commands.
	AdminUserIDs []int64 `json:"admin_user_ids"`

	// GroupLog is an optional chat id (as string) that receives mirrored
	// warn/error log lines.
	GroupLog string `json:"group_log,omitempty"`

	// PollTimeout is a Go duration string (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": process-local, lost on restart (testing / throwaway runs)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CampaignsConfig controls the scheduling and delivery engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 16
//   - rate_per_sec: 20
//   - retention: "720h" (sent campaigns pruned after 30 days; "0s" disables)
type CampaignsConfig struct {
	Enabled bool `json:"enabled"`

	// Workers is the number of campaigns that may be in delivery at once.
	// Within one campaign the fan-out is always sequential.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// RatePerSec caps outbound recipient sends across all running deliveries.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// FireOverdue makes recovery enqueue campaigns whose schedule elapsed
	// while the process was down. Default is to skip them.
	FireOverdue bool `json:"fire_overdue,omitempty"`

	// Retention is how long sent campaigns are kept before the hourly
	// prune removes them. Go duration string.
	Retention string `json:"retention,omitempty"`

	// DigestAt is an optional HH:MM for a daily pending-campaign digest to
	// admins. Empty disables the digest.
	DigestAt string `json:"digest_at,omitempty"`

	// Timezone is the IANA zone used for the digest schedule, e.g. "Europe/Berlin".
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async admin notification pipeline.
// Durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}
