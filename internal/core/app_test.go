package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remindbot/internal/job"
)

func writeAppConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := `
app:
  data_dir: ` + filepath.Join(dir, "data") + `
logging:
  level: error
  console: false
scheduler:
  tick_interval: 20ms
maintenance:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// End to end: build from a config file, start, schedule a reminder
// through the public registry surface, stop.
func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()

	app, err := New(writeAppConfig(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	rt, err := app.Workspaces().Get(ctx, "guild-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec, err := rt.ScheduleText(ctx, "in 1h", job.Payload{
		Target:  job.Target{ChannelID: "c1"},
		Message: "standup",
	})
	if err != nil {
		t.Fatalf("ScheduleText: %v", err)
	}
	if rec.NextFireAt == nil {
		t.Fatal("scheduled job has no next fire")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-app.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestAppNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "app:\n  data_dir: " + filepath.Join(dir, "data") + "\ndiscord:\n  enabled: true\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(cfgPath); err == nil {
		t.Fatal("want error for enabled discord without token")
	}
}

// A reload must reach runtimes that are already open and shape the ones
// built afterwards.
func TestApplyReloadFansOut(t *testing.T) {
	dir := t.TempDir()

	app, err := New(writeAppConfig(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx, StopAppStop)
	}()

	ctx := context.Background()
	before, err := app.Workspaces().Get(ctx, "g-before")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	old := app.cfgm.Get()
	next := *old
	next.App.DefaultTimezone = "Europe/Berlin"
	next.Scheduler.MisfireGrace = "2h"
	app.applyReload(ctx, old, &next)

	if got := before.Scheduler().Config().MisfireGrace; got != 2*time.Hour {
		t.Fatalf("open runtime MisfireGrace = %v, want 2h", got)
	}
	after, err := app.Workspaces().Get(ctx, "g-after")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Location().String() != "Europe/Berlin" {
		t.Fatalf("new runtime timezone = %v", after.Location())
	}
}
