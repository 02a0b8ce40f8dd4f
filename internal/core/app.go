// Package core assembles the reminder engine: config manager, logging,
// event bus, the workspace registry with its per-workspace schedulers,
// the delivery sender, and the housekeeping services. It owns startup
// order, config hot-reload fan-out, and bounded shutdown.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/maintenance"
	"remindbot/internal/migrate"
	"remindbot/internal/observability/pprof"
	"remindbot/internal/report"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/transport"
	"remindbot/internal/transport/discord"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/workspace"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	settings *workspace.SettingsStore
	registry *workspace.Registry
	sender   transport.Sender
	report   *report.Sink
	maint    *maintenance.Service
	pprof    *pprof.Service
}

// New loads and validates the config, runs the one-shot legacy
// migration if one is configured, and builds every component in its
// stopped state. Start wires them to a supervisor context.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// The legacy import runs before anything opens the per-workspace
	// stores, so migrated rows are visible to the first scheduler tick.
	if mcfg, ok := mapMigrateConfig(cfg); ok {
		rep, err := migrate.Run(context.Background(), mcfg, log.With(logx.String("comp", "migrate")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if rep.Scanned > 0 {
			log.Info("legacy migration finished",
				logx.Int("scanned", rep.Scanned),
				logx.Int("migrated", rep.Migrated),
				logx.Int("already_present", rep.AlreadyPresent),
				logx.Int("bad", len(rep.Bad)))
		}
	}

	wcfg, err := mapWorkspaceConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	settings, err := workspace.OpenSettings(workspace.SettingsPath(wcfg.DataDir), log.With(logx.String("comp", "settings")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}

	var sender transport.Sender
	switch {
	case cfg.Discord != nil && cfg.Discord.Enabled:
		sender, err = discord.New(discord.Config{
			Token:      cfg.Discord.Token,
			RatePerSec: cfg.Discord.RatePerSec,
		}, log.With(logx.String("comp", "discord")))
	case cfg.Telegram != nil && cfg.Telegram.Enabled:
		sender, err = telegram.New(telegram.Config{
			Token: cfg.Telegram.Token,
		}, log.With(logx.String("comp", "telegram")))
	default:
		log.Warn("no delivery platform configured; reminders go to the log")
		sender = transport.NewConsole(log.With(logx.String("comp", "console")))
	}
	if err != nil {
		settings.Close()
		logSvc.Close()
		return nil, err
	}

	registry := workspace.NewRegistry(wcfg, settings, sender, bus, log.With(logx.String("comp", "workspace")))

	rcfg, err := mapReportConfig(cfg)
	if err != nil {
		settings.Close()
		logSvc.Close()
		return nil, err
	}
	sink := report.New(rcfg, bus, log.With(logx.String("comp", "report")))

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		settings.Close()
		logSvc.Close()
		return nil, err
	}
	tasks := maintenance.Tasks{
		VacuumStores: registry.VacuumOpen,
		CloseIdle:    registry.CloseIdle,
	}
	if mg, ok := mapMigrateConfig(cfg); ok {
		auditLog := log.With(logx.String("comp", "maintenance"))
		tasks.AuditLegacy = func(context.Context) (int, error) {
			return migrate.AuditRetired(mg.LegacyPath, auditLog)
		}
	}
	maint := maintenance.New(mcfg, tasks, log.With(logx.String("comp", "maintenance")))

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		settings.Close()
		logSvc.Close()
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		settings: settings,
		registry: registry,
		sender:   sender,
		report:   sink,
		maint:    maint,
		pprof:    pprofSvc,
	}, nil
}

// Workspaces exposes the registry so a command layer or an embedding
// bot can schedule, list, and modify reminders.
func (a *App) Workspaces() *workspace.Registry { return a.registry }

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.sender.Start(a.sup.Context()); err != nil {
		return err
	}
	a.registry.Start(a.sup.Context())
	a.report.Start(a.sup.Context())
	a.maint.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// Job events at debug level; the report sink subscribes on its own.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("started",
		logx.String("sender", a.sender.Name()),
		logx.Int("open_workspaces", a.registry.Open()))
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	for _, key := range restart {
		a.log.Warn("config change takes effect after restart", logx.String("key", key))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// The validator vetted newCfg before publish, so mapper errors here
	// mean a validator/mapper drift; keep running on the old settings.
	if sched, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.registry.Apply(sched, strings.TrimSpace(newCfg.App.DefaultTimezone))
	}

	if rcfg, err := mapReportConfig(newCfg); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	} else {
		a.report.Apply(rcfg)
	}

	if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(mcfg)
	}

	if pcfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, pcfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a stuck
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx. If it didn't, watch for a
			// late finish and log it as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Consumers of the registry go first, then the registry itself,
	// then the sender its schedulers deliver through.
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("workspaces", 5*time.Second, func(c context.Context) error { a.registry.Shutdown(c); return nil })
	step("sender", 2*time.Second, func(c context.Context) error { return a.sender.Stop(c) })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("settings", time.Second, func(c context.Context) error { return a.settings.Close() })

	// Finally the supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
