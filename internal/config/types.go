package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Workers   WorkerConfig    `json:"workers"`
	Health    HealthConfig    `json:"health"`

	// RateLimits maps external services to fixed-window budgets and bot types
	// to the service they consume. If omitted, all admissions pass.
	RateLimits *RateLimitsConfig `json:"rate_limits,omitempty"`

	// Notifier controls the async alert pipeline. If the whole section is
	// omitted, the notifier defaults to enabled=true with a log-only sink.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// HTTP controls the operator API server. Nil means disabled.
	HTTP *HTTPConfig `json:"http,omitempty"`

	Retention RetentionConfig `json:"retention"`
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

type StorageConfig struct {
	// Path to the sqlite database file. Empty means "./botherd.db".
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QueueConfig controls enqueue/requeue behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	// DefaultMaxAttempts is applied to jobs enqueued without an explicit
	// attempt budget. Default: 3.
	DefaultMaxAttempts int `json:"default_max_attempts,omitempty"`

	// RateLimitDelay is how long a worker sleeps before retrying after a
	// rate-limit denial. Default: "5s".
	RateLimitDelay string `json:"rate_limit_delay,omitempty"`
}

// SchedulerConfig controls the trigger loop and the declared schedules.
//
// Schedules declared here are reconciled into the store at startup and on
// reload: new entries are created, existing ones (matched by name) updated.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for cron triggers (IANA name). Default: "Local".
	Timezone string `json:"timezone,omitempty"`

	// TickInterval is how often due schedules are evaluated. Default: "10s".
	TickInterval string `json:"tick_interval,omitempty"`

	// MaintenanceInterval is how often retention pruning runs. Default: "1h".
	MaintenanceInterval string `json:"maintenance_interval,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type ScheduleConfig struct {
	Name    string `json:"name"`
	BotType string `json:"bot_type"`

	// Trigger is either a cron spec ("0 9 * * *") or an interval form
	// ("every:30m" or a bare Go duration like "45m").
	Trigger string `json:"trigger"`

	// Priority is one of "hot", "high", "normal", "low". Default: "normal".
	Priority string `json:"priority,omitempty"`

	// Enabled is a pointer so "omitted" (default true) is distinguishable
	// from an explicit false.
	Enabled *bool `json:"enabled,omitempty"`

	// DailyCap skips firing once the bot type's saved-leads counter for the
	// current day reaches this value. 0 disables the cap.
	DailyCap int `json:"daily_cap,omitempty"`

	// Payload is passed opaquely to the runner.
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WorkerConfig struct {
	// Count is the number of worker loops. Default: 2.
	Count int `json:"count,omitempty"`

	// DefaultTimeout bounds a single job run. "0s" disables. Default: "10m".
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// HeartbeatInterval is how often a busy worker refreshes its heartbeat.
	// Default: "15s".
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`

	// IdlePoll is the sleep between dequeue attempts when the queue is empty.
	// Default: "2s".
	IdlePoll string `json:"idle_poll,omitempty"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	// Default: "30s".
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type HealthConfig struct {
	// CheckInterval is the monitor tick. Default: "30s".
	CheckInterval string `json:"check_interval,omitempty"`

	// HeartbeatTimeout is how stale a heartbeat may be before the worker is
	// suspected. Default: "2m".
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`

	// MaxRecoveryAttempts bounds automatic job reclaims before the job is
	// failed and escalated. Default: 3.
	MaxRecoveryAttempts int `json:"max_recovery_attempts,omitempty"`
}

type RateLimitsConfig struct {
	// Services maps bot_type -> service name. Bot types without a mapping
	// use their own name as the service.
	Services map[string]string `json:"services,omitempty"`

	// Budgets maps service name -> fixed-window budget.
	Budgets map[string]RateBudgetConfig `json:"budgets,omitempty"`
}

type RateBudgetConfig struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"` // Go duration string, e.g. "1h"
}

// NotifierConfig controls the async alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	// Telegram enables the telegram delivery adapter. Nil falls back to the
	// log-only adapter.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8700"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type RetentionConfig struct {
	// JobTTL is how long terminal jobs are kept. Default: "168h" (7 days).
	JobTTL string `json:"job_ttl,omitempty"`

	// EventTTL is how long event-log rows are kept. Default: "336h" (14 days).
	EventTTL string `json:"event_ttl,omitempty"`
}
