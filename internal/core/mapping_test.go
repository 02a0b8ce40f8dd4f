package core

import (
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
)

func boolp(v bool) *bool { return &v }

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults when omitted", func(t *testing.T) {
		t.Parallel()
		got, err := mapSchedulerConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapSchedulerConfig: %v", err)
		}
		if got.TickInterval != time.Second || got.MisfireGrace != time.Minute || !got.Coalesce {
			t.Fatalf("defaults not applied: %+v", got)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Scheduler: config.SchedulerConfig{
			TickInterval: "250ms",
			MisfireGrace: "5m",
			Coalesce:     boolp(false),
			MaxCatchUp:   7,
			SendTimeout:  "10s",
		}}
		got, err := mapSchedulerConfig(cfg)
		if err != nil {
			t.Fatalf("mapSchedulerConfig: %v", err)
		}
		if got.TickInterval != 250*time.Millisecond {
			t.Fatalf("TickInterval = %v", got.TickInterval)
		}
		if got.MisfireGrace != 5*time.Minute {
			t.Fatalf("MisfireGrace = %v", got.MisfireGrace)
		}
		if got.Coalesce {
			t.Fatal("Coalesce should be off")
		}
		if got.MaxCatchUp != 7 {
			t.Fatalf("MaxCatchUp = %d", got.MaxCatchUp)
		}
		if got.SendTimeout != 10*time.Second {
			t.Fatalf("SendTimeout = %v", got.SendTimeout)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Scheduler: config.SchedulerConfig{TickInterval: "soon"}}
		if _, err := mapSchedulerConfig(cfg); err == nil {
			t.Fatal("want error for unparsable tick_interval")
		}
	})

	t.Run("negative cap", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Scheduler: config.SchedulerConfig{MaxConcurrentSends: -1}}
		if _, err := mapSchedulerConfig(cfg); err == nil {
			t.Fatal("want error for negative max_concurrent_sends")
		}
	})
}

func TestMapMaintenanceConfig(t *testing.T) {
	t.Parallel()

	t.Run("omitted section keeps defaults", func(t *testing.T) {
		t.Parallel()
		got, err := mapMaintenanceConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapMaintenanceConfig: %v", err)
		}
		if !got.Enabled || got.VacuumSchedule == "" || got.CloseIdleSchedule == "" {
			t.Fatalf("defaults not applied: %+v", got)
		}
	})

	t.Run("present section takes schedules literally", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Maintenance: &config.MaintenanceConfig{
			VacuumSchedule: "0 3 * * *",
			IdleAge:        "30m",
		}}
		got, err := mapMaintenanceConfig(cfg)
		if err != nil {
			t.Fatalf("mapMaintenanceConfig: %v", err)
		}
		if got.VacuumSchedule != "0 3 * * *" {
			t.Fatalf("VacuumSchedule = %q", got.VacuumSchedule)
		}
		// Unset schedules turn those tasks off.
		if got.CloseIdleSchedule != "" || got.AuditSchedule != "" {
			t.Fatalf("omitted schedules should be empty: %+v", got)
		}
		if got.IdleAge != 30*time.Minute {
			t.Fatalf("IdleAge = %v", got.IdleAge)
		}
	})

	t.Run("bad schedule", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Maintenance: &config.MaintenanceConfig{VacuumSchedule: "every tuesday"}}
		_, err := mapMaintenanceConfig(cfg)
		if err == nil || !strings.Contains(err.Error(), "maintenance.vacuum_schedule") {
			t.Fatalf("err = %v, want vacuum_schedule error", err)
		}
	})

	t.Run("bad timezone", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Maintenance: &config.MaintenanceConfig{Timezone: "Mars/Olympus"}}
		if _, err := mapMaintenanceConfig(cfg); err == nil {
			t.Fatal("want error for unknown timezone")
		}
	})
}

func TestMapReportConfig(t *testing.T) {
	t.Parallel()

	t.Run("omitted", func(t *testing.T) {
		t.Parallel()
		got, err := mapReportConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapReportConfig: %v", err)
		}
		if got.WebhookURL != "" {
			t.Fatalf("WebhookURL = %q, want empty", got.WebhookURL)
		}
	})

	t.Run("full", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Report: &config.ReportConfig{
			WebhookURL:  "https://example.com/hook",
			MinInterval: "5s",
			Timeout:     "3s",
		}}
		got, err := mapReportConfig(cfg)
		if err != nil {
			t.Fatalf("mapReportConfig: %v", err)
		}
		if got.MinInterval != 5*time.Second || got.Timeout != 3*time.Second {
			t.Fatalf("durations = %v/%v", got.MinInterval, got.Timeout)
		}
	})

	t.Run("bad scheme", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Report: &config.ReportConfig{WebhookURL: "ftp://example.com"}}
		if _, err := mapReportConfig(cfg); err == nil {
			t.Fatal("want error for non-http webhook url")
		}
	})
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Pprof: &config.PprofConfig{Enabled: true}}
		got, err := mapPprofConfig(cfg)
		if err != nil {
			t.Fatalf("mapPprofConfig: %v", err)
		}
		if got.Addr != "127.0.0.1:6060" {
			t.Fatalf("Addr = %q", got.Addr)
		}
		if got.ReadTimeout != 5*time.Second || got.IdleTimeout != 2*time.Minute {
			t.Fatalf("timeouts = %v/%v", got.ReadTimeout, got.IdleTimeout)
		}
	})

	t.Run("non-loopback needs token", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Pprof: &config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}}
		if _, err := mapPprofConfig(cfg); err == nil {
			t.Fatal("want error for tokenless public bind")
		}
		cfg.Pprof.Token = "s3cret"
		if _, err := mapPprofConfig(cfg); err != nil {
			t.Fatalf("with token: %v", err)
		}
	})

	t.Run("disabled skips bind checks", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Pprof: &config.PprofConfig{Enabled: false, Addr: "0.0.0.0:6060"}}
		if _, err := mapPprofConfig(cfg); err != nil {
			t.Fatalf("mapPprofConfig: %v", err)
		}
	})
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		return &config.Config{App: config.AppConfig{DataDir: "/tmp/data"}}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "minimal ok", mutate: func(*config.Config) {}},
		{
			name:    "missing data dir",
			mutate:  func(c *config.Config) { c.App.DataDir = " " },
			wantErr: "app.data_dir",
		},
		{
			name: "both platforms enabled",
			mutate: func(c *config.Config) {
				c.Discord = &config.DiscordConfig{Enabled: true, Token: "d"}
				c.Telegram = &config.TelegramConfig{Enabled: true, Token: "t"}
			},
			wantErr: "cannot both be enabled",
		},
		{
			name:    "discord without token",
			mutate:  func(c *config.Config) { c.Discord = &config.DiscordConfig{Enabled: true} },
			wantErr: "discord.token",
		},
		{
			name:    "telegram without token",
			mutate:  func(c *config.Config) { c.Telegram = &config.TelegramConfig{Enabled: true} },
			wantErr: "telegram.token",
		},
		{
			name:   "disabled platform needs no token",
			mutate: func(c *config.Config) { c.Discord = &config.DiscordConfig{Enabled: false} },
		},
		{
			name:    "bad default timezone",
			mutate:  func(c *config.Config) { c.App.DefaultTimezone = "Nowhere/Here" },
			wantErr: "app.default_timezone",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
