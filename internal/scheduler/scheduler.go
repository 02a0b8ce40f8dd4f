// Package scheduler drives reminder firing for one workspace.
//
// A Scheduler owns a tick loop that scans the workspace store for due jobs.
// The schedule is advanced in the store before delivery is attempted, so a
// crash mid-send can duplicate a reminder but never stall the schedule. The
// advance is conditional on the fire instant it read; a concurrent pause,
// reschedule or remove wins and the delivery is dropped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/job"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/store"
	"remindbot/internal/transport"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// TickInterval is how often the store is scanned for due jobs.
	TickInterval time.Duration
	// MisfireGrace bounds how late a fire may be and still get delivered.
	// Anything older is published as a missed fire and skipped.
	MisfireGrace time.Duration
	// Coalesce folds a backlog of missed-but-in-grace fires into a single
	// delivery. Off, each is delivered individually.
	Coalesce bool
	// MaxCatchUp caps per-job deliveries within one tick when Coalesce is
	// off, so a long backlog drains over several ticks instead of bursting.
	MaxCatchUp int
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// MaxConcurrentSends bounds parallel deliveries per workspace.
	MaxConcurrentSends int
}

// DefaultConfig returns the production defaults. Coalesce defaults on:
// after downtime one late reminder reads better than a burst of stale ones.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		MisfireGrace:       time.Minute,
		Coalesce:           true,
		MaxCatchUp:         3,
		SendTimeout:        30 * time.Second,
		MaxConcurrentSends: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = d.MisfireGrace
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = d.MaxCatchUp
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = d.MaxConcurrentSends
	}
	return c
}

// Scheduler fires due jobs from one workspace store. Safe for concurrent
// use; Start and Stop are idempotent.
type Scheduler struct {
	store  store.Store
	sender transport.Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	sem      chan struct{}
	inflight sync.WaitGroup

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, st store.Store, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("workspace", st.WorkspaceID())),
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrentSends),
	}
}

// Start launches the tick loop. The loop self-heals: a failing scan restarts
// with backoff instead of taking the workspace down.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("tick", s.loop,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	cfg := s.Config()
	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.TickInterval),
		logx.Duration("misfire_grace", cfg.MisfireGrace),
		logx.Bool("coalesce", cfg.Coalesce),
	)
}

// Stop halts the tick loop and waits for in-flight deliveries until ctx
// expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop", logx.Err(err))
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop left deliveries in flight", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the tunables used from the next tick on. The concurrent-send
// cap sizes the semaphore at construction and keeps its value here.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	cfg.MaxConcurrentSends = s.cfg.MaxConcurrentSends
	changed := cfg != s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()
	if changed {
		s.log.Info("scheduler config applied",
			logx.Duration("tick", cfg.TickInterval),
			logx.Duration("misfire_grace", cfg.MisfireGrace),
			logx.Bool("coalesce", cfg.Coalesce),
			logx.Int("max_catch_up", cfg.MaxCatchUp),
			logx.Duration("send_timeout", cfg.SendTimeout),
		)
	}
}

// Config reports the effective tunables. (Thread-safe; Apply may run
// concurrently.)
func (s *Scheduler) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) loop(ctx context.Context) error {
	interval := s.Config().TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if want := s.Config().TickInterval; want != interval {
				interval = want
				ticker.Reset(interval)
			}
		}
	}
}

// tick scans once and processes everything due at scan time.
func (s *Scheduler) tick(ctx context.Context) error {
	cfg := s.Config()
	now := s.now()
	recs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, rec := range recs {
		if rec.NextFireAt == nil || rec.NextFireAt.After(now) {
			continue
		}
		s.processDue(ctx, cfg, rec, now)
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// processDue advances one due job and dispatches the deliveries it is owed.
// Fires older than the grace window are dropped as missed; within it,
// coalescing decides between one delivery and a per-occurrence walk capped
// at MaxCatchUp.
func (s *Scheduler) processDue(ctx context.Context, cfg Config, rec job.Record, now time.Time) {
	fires := 0
	next := rec.NextFireAt
	for next != nil && !next.After(now) {
		scheduledAt := *next
		lateness := now.Sub(scheduledAt)
		missed := lateness > cfg.MisfireGrace

		var to *time.Time
		if missed || cfg.Coalesce {
			to = rec.Trigger.Next(now)
		} else {
			to = rec.Trigger.Next(scheduledAt)
		}

		moved, err := s.store.Advance(ctx, rec.ID, scheduledAt, to)
		if err != nil {
			s.log.Warn("advance failed", logx.String("job", rec.ID), logx.Err(err))
			return
		}
		if !moved {
			// A pause, reschedule or remove got there first.
			return
		}

		if missed {
			s.log.Warn("fire missed",
				logx.String("job", rec.ID),
				logx.Time("scheduled_at", scheduledAt),
				logx.Duration("late_by", lateness),
			)
			eventbus.PublishJob(s.bus, eventbus.TypeJobMissed, s.store.WorkspaceID(), rec.ID, scheduledAt, nil)
		} else {
			s.dispatch(ctx, cfg, rec, scheduledAt)
			fires++
		}

		if to == nil {
			if rec.Trigger.Kind() != trigger.KindOneShot {
				s.log.Info("trigger exhausted, job removed", logx.String("job", rec.ID))
				eventbus.PublishJob(s.bus, eventbus.TypeJobExhausted, s.store.WorkspaceID(), rec.ID, scheduledAt, nil)
			}
			return
		}
		next = to
		if fires >= cfg.MaxCatchUp {
			// Leave the rest of the backlog for the next tick.
			return
		}
	}
}

// dispatch hands one delivery to the send pool. Blocks while all send slots
// are busy so a slow platform applies backpressure to the tick loop.
func (s *Scheduler) dispatch(ctx context.Context, cfg Config, rec job.Record, scheduledAt time.Time) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	s.inflight.Add(1)
	go func() {
		defer func() {
			<-s.sem
			s.inflight.Done()
		}()

		cctx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
		defer cancel()

		to := transport.Target{
			ChannelID: rec.Payload.Target.ChannelID,
			UserID:    rec.Payload.Target.UserID,
		}
		if err := s.sender.SendText(cctx, to, rec.Payload.Message); err != nil {
			s.log.Warn("delivery failed",
				logx.String("job", rec.ID),
				logx.String("sender", s.sender.Name()),
				logx.Err(err),
			)
			eventbus.PublishJob(s.bus, eventbus.TypeJobErrored, s.store.WorkspaceID(), rec.ID, scheduledAt, err)
			return
		}
		s.log.Debug("reminder delivered",
			logx.String("job", rec.ID),
			logx.Time("scheduled_at", scheduledAt),
		)
		eventbus.PublishJob(s.bus, eventbus.TypeJobFired, s.store.WorkspaceID(), rec.ID, scheduledAt, nil)
	}()
}
