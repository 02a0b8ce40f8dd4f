package config

// Config is the on-disk configuration. YAML and JSON are both accepted;
// unknown keys are rejected so a typo fails at load instead of silently
// doing nothing.
type Config struct {
	App     AppConfig     `json:"app"`
	Logging LoggingConfig `json:"logging"`

	// Discord and Telegram select the delivery platform; enabling both
	// is a config error. With neither enabled, reminders go to the
	// console sender (log-only; useful for dry runs and tests).
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Report posts job failures to a webhook. Omitted means disabled.
	Report *ReportConfig `json:"report,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`

	// Maintenance controls background housekeeping (store vacuum,
	// idle-runtime close, legacy audit). Omitted keeps the built-in
	// schedules; "enabled: false" turns housekeeping off.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	// Migration imports jobs from a legacy single-file database once at
	// startup. Omitted means no migration.
	Migration *MigrationConfig `json:"migration,omitempty"`

	// Pprof exposes the runtime profiling endpoints over HTTP. Omitted
	// means off.
	Pprof *PprofConfig `json:"pprof,omitempty"`
}

// AppConfig holds process-wide paths and defaults.
type AppConfig struct {
	// DataDir receives one sqlite file per workspace plus the settings
	// store. Open handles pin it, so changing it requires a restart.
	DataDir string `json:"data_dir"`

	// DefaultTimezone applies to workspaces with no stored timezone
	// setting. Empty means UTC.
	DefaultTimezone string `json:"default_timezone,omitempty"`
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

// DiscordConfig configures the Discord sender. The session is opened at
// startup, so token changes require a restart.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // bot token (never logged)

	// RatePerSec paces outbound sends below Discord's REST limit.
	// 0 means the adapter default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the Telegram sender (send-only).
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // bot token (never logged)
}

// ReportConfig configures the failure-report webhook sink.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ReportConfig struct {
	// WebhookURL receives POSTs of {"content": "..."}. Empty keeps the
	// sink subscribed but posting disabled, so a reload can turn it on.
	WebhookURL string `json:"webhook_url"`

	// MinInterval is the floor between posts; reports arriving faster
	// are dropped. Omitted means the built-in default.
	MinInterval string `json:"min_interval,omitempty"`

	// Timeout bounds one webhook delivery.
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig tunes the per-workspace tick loops.
//
// All durations are Go duration strings. Omitted fields fall back to the
// built-in defaults: tick 1s, misfire grace 1m, coalesce on, catch-up
// cap 3, send timeout 30s.
//
// Coalesce is a pointer so "omitted" (defaults to true) is
// distinguishable from an explicit false.
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
	Coalesce     *bool  `json:"coalesce,omitempty"`
	MaxCatchUp   int    `json:"max_catch_up,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`

	// MaxConcurrentSends caps parallel deliveries per workspace. The
	// cap is sized when a workspace runtime is built; a reload applies
	// it to runtimes built after the change.
	MaxConcurrentSends int `json:"max_concurrent_sends,omitempty"`
}

// MaintenanceConfig controls background housekeeping.
//
// Schedules are crontab expressions (descriptors like "@hourly" are
// accepted). An empty schedule turns that one task off; an omitted
// section keeps the defaults.
//
// Enabled is a pointer so "omitted" (defaults to true) is
// distinguishable from an explicit false.
type MaintenanceConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone for schedule evaluation; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	VacuumSchedule    string `json:"vacuum_schedule,omitempty"`
	CloseIdleSchedule string `json:"close_idle_schedule,omitempty"`
	AuditSchedule     string `json:"audit_schedule,omitempty"`

	// IdleAge is a Go duration string: how long a workspace runtime may
	// go untouched before the close-idle task tears it down.
	IdleAge string `json:"idle_age,omitempty"`
}

// MigrationConfig points the startup import at a legacy single-file job
// database. The import is idempotent and a missing file is a no-op, so
// the section can stay in place after it has run.
type MigrationConfig struct {
	LegacyPath string `json:"legacy_path"`

	// FallbackWorkspace receives records that name no workspace of
	// their own. Empty means "legacy".
	FallbackWorkspace string `json:"fallback_workspace,omitempty"`
}

// PprofConfig controls the debug HTTP listener. Binding anywhere other
// than loopback requires a token so the profiler is never open by
// accident.
type PprofConfig struct {
	Enabled bool `json:"enabled"`

	// Addr is the listen address. Empty means "127.0.0.1:6060".
	Addr string `json:"addr,omitempty"`

	// Token, when set, is required as a bearer token or ?token= query
	// parameter on every request (never logged).
	Token string `json:"token,omitempty"`

	// ReadTimeout and IdleTimeout are Go duration strings. There is no
	// write timeout: CPU profiles hold the response open for their whole
	// sample window.
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
