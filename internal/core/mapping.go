package core

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/maintenance"
	"remindbot/internal/migrate"
	"remindbot/internal/observability/pprof"
	"remindbot/internal/report"
	"remindbot/internal/scheduler"
	"remindbot/internal/workspace"
	logx "remindbot/pkg/logx"
)

// The map*Config functions convert the on-disk config into each
// component's own config type, validating as they go. validateConfig
// runs all of them, which makes it both the startup gate and the
// hot-reload validator: a reload that fails here never commits.

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

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.DefaultConfig()

	tick, err := config.ParseDurationField("scheduler.tick_interval", sc.TickInterval)
	if err != nil {
		return out, err
	}
	if tick > 0 {
		out.TickInterval = tick
	}

	grace, err := config.ParseDurationField("scheduler.misfire_grace", sc.MisfireGrace)
	if err != nil {
		return out, err
	}
	if grace > 0 {
		out.MisfireGrace = grace
	}

	if sc.Coalesce != nil {
		out.Coalesce = *sc.Coalesce
	}

	if sc.MaxCatchUp < 0 {
		return out, fmt.Errorf("scheduler.max_catch_up must be >= 0")
	}
	if sc.MaxCatchUp > 0 {
		out.MaxCatchUp = sc.MaxCatchUp
	}

	sendTimeout, err := config.ParseDurationField("scheduler.send_timeout", sc.SendTimeout)
	if err != nil {
		return out, err
	}
	if sendTimeout > 0 {
		out.SendTimeout = sendTimeout
	}

	if sc.MaxConcurrentSends < 0 {
		return out, fmt.Errorf("scheduler.max_concurrent_sends must be >= 0")
	}
	if sc.MaxConcurrentSends > 0 {
		out.MaxConcurrentSends = sc.MaxConcurrentSends
	}

	return out, nil
}

func mapWorkspaceConfig(cfg *config.Config) (workspace.Config, error) {
	sched, err := mapSchedulerConfig(cfg)
	if err != nil {
		return workspace.Config{}, err
	}

	dir := strings.TrimSpace(cfg.App.DataDir)
	if dir == "" {
		return workspace.Config{}, fmt.Errorf("app.data_dir is required")
	}

	tz := strings.TrimSpace(cfg.App.DefaultTimezone)
	if _, err := config.ParseLocationField("app.default_timezone", tz); err != nil {
		return workspace.Config{}, err
	}

	return workspace.Config{
		DataDir:         dir,
		DefaultTimezone: tz,
		Scheduler:       sched,
	}, nil
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	rc := cfg.Report
	if rc == nil {
		return report.Config{}, nil
	}

	out := report.Config{WebhookURL: strings.TrimSpace(rc.WebhookURL)}
	if out.WebhookURL != "" {
		u, err := url.Parse(out.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return out, fmt.Errorf("report.webhook_url: invalid %q", out.WebhookURL)
		}
	}

	minInterval, err := config.ParseDurationField("report.min_interval", rc.MinInterval)
	if err != nil {
		return out, err
	}
	out.MinInterval = minInterval

	timeout, err := config.ParseDurationField("report.timeout", rc.Timeout)
	if err != nil {
		return out, err
	}
	out.Timeout = timeout

	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	if mc == nil {
		return maintenance.DefaultConfig(), nil
	}

	// Once the section is present, the schedules are taken literally: an
	// empty one turns that task off.
	out := maintenance.Config{Enabled: true}
	if mc.Enabled != nil {
		out.Enabled = *mc.Enabled
	}

	out.Timezone = strings.TrimSpace(mc.Timezone)
	if _, err := config.ParseLocationField("maintenance.timezone", out.Timezone); err != nil {
		return out, err
	}

	schedules := []struct {
		key string
		raw string
		dst *string
	}{
		{"maintenance.vacuum_schedule", mc.VacuumSchedule, &out.VacuumSchedule},
		{"maintenance.close_idle_schedule", mc.CloseIdleSchedule, &out.CloseIdleSchedule},
		{"maintenance.audit_schedule", mc.AuditSchedule, &out.AuditSchedule},
	}
	for _, s := range schedules {
		expr := strings.TrimSpace(s.raw)
		if expr != "" {
			if err := maintenance.ValidateSchedule(expr); err != nil {
				return out, fmt.Errorf("%s: invalid %q: %w", s.key, expr, err)
			}
		}
		*s.dst = expr
	}

	idle, err := config.ParseDurationField("maintenance.idle_age", mc.IdleAge)
	if err != nil {
		return out, err
	}
	out.IdleAge = idle

	return out, nil
}

// mapMigrateConfig reports false when no migration is configured.
func mapMigrateConfig(cfg *config.Config) (migrate.Config, bool) {
	mg := cfg.Migration
	if mg == nil || strings.TrimSpace(mg.LegacyPath) == "" {
		return migrate.Config{}, false
	}
	return migrate.Config{
		LegacyPath:        strings.TrimSpace(mg.LegacyPath),
		DataDir:           strings.TrimSpace(cfg.App.DataDir),
		FallbackWorkspace: strings.TrimSpace(mg.FallbackWorkspace),
	}, true
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	if pc == nil {
		return pprof.Config{}, nil
	}

	out := pprof.Config{
		Enabled: pc.Enabled,
		Addr:    strings.TrimSpace(pc.Addr),
		Token:   strings.TrimSpace(pc.Token),
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}

	readTO, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO

	idleTO, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return out, err
	}
	out.IdleTimeout = idleTO

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if out.Token == "" && !pprof.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof.addr: non-loopback bind requires pprof.token")
		}
	}

	return out, nil
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapWorkspaceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}

	discordOn := cfg.Discord != nil && cfg.Discord.Enabled
	telegramOn := cfg.Telegram != nil && cfg.Telegram.Enabled
	if discordOn && telegramOn {
		return fmt.Errorf("discord and telegram cannot both be enabled")
	}
	if discordOn {
		if strings.TrimSpace(cfg.Discord.Token) == "" {
			return fmt.Errorf("discord.token is required when discord is enabled")
		}
		if cfg.Discord.RatePerSec < 0 {
			return fmt.Errorf("discord.rate_per_sec must be >= 0")
		}
	}
	if telegramOn && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	return nil
}
