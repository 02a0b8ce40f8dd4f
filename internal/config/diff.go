package config

import (
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or the
// webhook URL), and (3) the changed keys that only take effect after a
// restart: open sqlite handles pin the data dir, platform sessions are
// built once from their token, and migration runs at startup.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	restart := make([]string, 0, 2)

	// App
	dirChanged := strings.TrimSpace(oldCfg.App.DataDir) != strings.TrimSpace(newCfg.App.DataDir)
	tzChanged := strings.TrimSpace(oldCfg.App.DefaultTimezone) != strings.TrimSpace(newCfg.App.DefaultTimezone)
	if dirChanged || tzChanged {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.data_dir", strings.TrimSpace(newCfg.App.DataDir)),
			logx.String("app.default_timezone", strings.TrimSpace(newCfg.App.DefaultTimezone)),
		)
		if dirChanged {
			restart = append(restart, "app.data_dir")
		}
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Discord (never log the token)
	oD := derefDiscord(oldCfg.Discord)
	nD := derefDiscord(newCfg.Discord)
	if oD != nD {
		changed = append(changed, "discord")
		restart = append(restart, "discord")
		attrs = append(attrs,
			logx.Bool("discord.enabled", nD.Enabled),
			logx.Bool("discord.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Int("discord.rate_per_sec", nD.RatePerSec),
		)
	}

	// Telegram (never log the token)
	oT := derefTelegram(oldCfg.Telegram)
	nT := derefTelegram(newCfg.Telegram)
	if oT != nT {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
		)
	}

	// Report (the URL embeds a secret; log only whether it is set)
	oR := derefReport(oldCfg.Report)
	nR := derefReport(newCfg.Report)
	if oR != nR {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.webhook_set", strings.TrimSpace(nR.WebhookURL) != ""),
			logx.String("report.min_interval", strings.TrimSpace(nR.MinInterval)),
			logx.String("report.timeout", strings.TrimSpace(nR.Timeout)),
		)
	}

	// Scheduler
	oS, nS := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(oS.TickInterval) != strings.TrimSpace(nS.TickInterval) ||
		strings.TrimSpace(oS.MisfireGrace) != strings.TrimSpace(nS.MisfireGrace) ||
		boolOr(oS.Coalesce, true) != boolOr(nS.Coalesce, true) ||
		oS.MaxCatchUp != nS.MaxCatchUp ||
		strings.TrimSpace(oS.SendTimeout) != strings.TrimSpace(nS.SendTimeout) ||
		oS.MaxConcurrentSends != nS.MaxConcurrentSends {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(nS.TickInterval)),
			logx.String("scheduler.misfire_grace", strings.TrimSpace(nS.MisfireGrace)),
			logx.Bool("scheduler.coalesce", boolOr(nS.Coalesce, true)),
			logx.Int("scheduler.max_catch_up", nS.MaxCatchUp),
			logx.String("scheduler.send_timeout", strings.TrimSpace(nS.SendTimeout)),
			logx.Int("scheduler.max_concurrent_sends", nS.MaxConcurrentSends),
		)
	}

	// Maintenance
	if !maintEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		nM := derefMaintenance(newCfg.Maintenance)
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", boolOr(nM.Enabled, true)),
			logx.String("maintenance.timezone", strings.TrimSpace(nM.Timezone)),
			logx.String("maintenance.vacuum_schedule", strings.TrimSpace(nM.VacuumSchedule)),
			logx.String("maintenance.close_idle_schedule", strings.TrimSpace(nM.CloseIdleSchedule)),
			logx.String("maintenance.audit_schedule", strings.TrimSpace(nM.AuditSchedule)),
			logx.String("maintenance.idle_age", strings.TrimSpace(nM.IdleAge)),
		)
	}

	// Migration (startup-only)
	oG := derefMigration(oldCfg.Migration)
	nG := derefMigration(newCfg.Migration)
	if oG != nG {
		changed = append(changed, "migration")
		restart = append(restart, "migration")
		attrs = append(attrs,
			logx.Bool("migration.legacy_path_set", strings.TrimSpace(nG.LegacyPath) != ""),
			logx.String("migration.fallback_workspace", strings.TrimSpace(nG.FallbackWorkspace)),
		)
	}

	// Pprof (never log the token)
	oP := derefPprof(oldCfg.Pprof)
	nP := derefPprof(newCfg.Pprof)
	if oP != nP {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func derefDiscord(c *DiscordConfig) DiscordConfig {
	if c == nil {
		return DiscordConfig{}
	}
	return *c
}

func derefTelegram(c *TelegramConfig) TelegramConfig {
	if c == nil {
		return TelegramConfig{}
	}
	return *c
}

func derefReport(c *ReportConfig) ReportConfig {
	if c == nil {
		return ReportConfig{}
	}
	return *c
}

func derefMaintenance(c *MaintenanceConfig) MaintenanceConfig {
	if c == nil {
		return MaintenanceConfig{}
	}
	return *c
}

func derefMigration(c *MigrationConfig) MigrationConfig {
	if c == nil {
		return MigrationConfig{}
	}
	return *c
}

func derefPprof(c *PprofConfig) PprofConfig {
	if c == nil {
		return PprofConfig{}
	}
	return *c
}

// maintEqual compares maintenance sections by value: the Enabled pointer
// is resolved against its default so "omitted" and "true" do not read
// as a change.
func maintEqual(a, b *MaintenanceConfig) bool {
	av := derefMaintenance(a)
	bv := derefMaintenance(b)
	return boolOr(av.Enabled, true) == boolOr(bv.Enabled, true) &&
		strings.TrimSpace(av.Timezone) == strings.TrimSpace(bv.Timezone) &&
		strings.TrimSpace(av.VacuumSchedule) == strings.TrimSpace(bv.VacuumSchedule) &&
		strings.TrimSpace(av.CloseIdleSchedule) == strings.TrimSpace(bv.CloseIdleSchedule) &&
		strings.TrimSpace(av.AuditSchedule) == strings.TrimSpace(bv.AuditSchedule) &&
		strings.TrimSpace(av.IdleAge) == strings.TrimSpace(bv.IdleAge)
}
