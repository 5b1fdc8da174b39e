package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Tasks declares task templates whose executors are bound by the
	// embedding application (by name). Durations are Go duration strings.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string for long-poll requests.
	// Empty means the transport default.
	PollTimeout string `json:"poll_timeout,omitempty"`

	OwnerUserID int64 `json:"owner_user_id,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Notify  NotifyConfig  `json:"notify"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// NotifyConfig forwards high-level log lines to the embedding bot.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the record store backing restart-safe state.
// Driver: "memory" (default), "file", or "sqlite".
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TaskConfig declares one task template.
//
// Either interval (Go duration string) or cron (5-field expression or
// descriptor like "@hourly") must be set. Policy is one of curr-ignore,
// curr-restart, curr-redo, next-ignore, next-restart.
type TaskConfig struct {
	Name          string `json:"name"`
	Interval      string `json:"interval,omitempty"`
	Cron          string `json:"cron,omitempty"`
	MaxExecutions int    `json:"max_executions,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	Policy        string `json:"policy,omitempty"`
}
