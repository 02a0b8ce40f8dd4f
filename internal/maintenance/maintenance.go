// Package maintenance runs housekeeping on crontab schedules: job-store
// compaction, idle workspace teardown, and the retired-legacy-file audit.
// The reminder triggers themselves do not live here; this is purely the
// operational background work around them.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) specs;
// Descriptor allows @daily and friends.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is an acceptable task schedule.
// Config validation uses it so a typo fails at load, not at 4am.
func ValidateSchedule(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

type Config struct {
	Enabled bool
	// Timezone for schedule evaluation; empty means UTC.
	Timezone string

	// Task schedules in crontab syntax (descriptors allowed). An empty
	// schedule turns that task off.
	VacuumSchedule    string
	CloseIdleSchedule string
	AuditSchedule     string

	// IdleAge is how long a workspace runtime must go untouched before
	// the close-idle task may tear it down.
	IdleAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		VacuumSchedule:    "0 4 * * *",
		CloseIdleSchedule: "@hourly",
		AuditSchedule:     "@weekly",
		IdleAge:           6 * time.Hour,
	}
}

// Tasks are the hooks the schedules drive. A nil hook turns its task off.
type Tasks struct {
	VacuumStores func(ctx context.Context) (int, error)
	CloseIdle    func(ctx context.Context, age time.Duration) int
	AuditLegacy  func(ctx context.Context) (int, error)
}

// Service owns the cron runner. Start/Stop are idempotent; Apply restarts
// the runner when the schedules or timezone change.
type Service struct {
	log   logx.Logger
	tasks Tasks

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	started bool
}

func New(cfg Config, tasks Tasks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("comp", "maintenance")),
		tasks: tasks,
		cfg:   withDefaults(cfg),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.IdleAge <= 0 {
		cfg.IdleAge = 6 * time.Hour
	}
	return cfg
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
}

// Apply swaps the schedules. A running service restarts its cron runner; an
// enabled flag flipped at runtime starts or stops the tasks accordingly.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return
	}
	s.cfg = cfg
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.started && s.cfg.Enabled {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	scheduled := 0
	add := func(name, spec string, task func(ctx context.Context)) {
		if strings.TrimSpace(spec) == "" || task == nil {
			return
		}
		_, err := c.AddFunc(spec, func() { s.runTask(name, task) })
		if err != nil {
			s.log.Warn("schedule rejected", logx.String("task", name), logx.String("schedule", spec), logx.Err(err))
			return
		}
		scheduled++
	}

	if hook := s.tasks.VacuumStores; hook != nil {
		add("vacuum", s.cfg.VacuumSchedule, func(ctx context.Context) {
			n, err := hook(ctx)
			if err != nil {
				s.log.Warn("vacuum pass incomplete", logx.Int("vacuumed", n), logx.Err(err))
				return
			}
			s.log.Info("stores vacuumed", logx.Int("count", n))
		})
	}
	if hook := s.tasks.CloseIdle; hook != nil {
		age := s.cfg.IdleAge
		add("close_idle", s.cfg.CloseIdleSchedule, func(ctx context.Context) {
			if n := hook(ctx, age); n > 0 {
				s.log.Info("idle workspaces closed", logx.Int("count", n))
			}
		})
	}
	if hook := s.tasks.AuditLegacy; hook != nil {
		add("legacy_audit", s.cfg.AuditSchedule, func(ctx context.Context) {
			if _, err := hook(ctx); err != nil {
				s.log.Warn("legacy audit failed", logx.Err(err))
			}
		})
	}

	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("tasks", scheduled))
}

// runTask bounds one task run. Housekeeping must never hang the runner.
func (s *Service) runTask(name string, task func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	task(ctx)
	s.log.Debug("task finished", logx.String("task", name), logx.Duration("took", time.Since(start)))
}
