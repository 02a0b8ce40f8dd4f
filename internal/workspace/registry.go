// Package workspace builds and tracks per-workspace reminder runtimes.
//
// Each workspace (a Discord guild, a Telegram group) gets its own sqlite
// store and scheduler, constructed on first use and reused afterwards.
// Workspaces never share locks: a slow import in one cannot stall firing
// in another.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/countdown"
	"remindbot/internal/eventbus"
	"remindbot/internal/scheduler"
	"remindbot/internal/store"
	"remindbot/internal/timeparse"
	"remindbot/internal/transport"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

var (
	ErrWorkspaceDisabled = errors.New("workspace disabled")
	ErrNotStarted        = errors.New("registry not started")
	ErrRegistryClosed    = errors.New("registry closed")
)

// ScheduleParser turns user schedule text into a trigger, interpreted in
// the workspace timezone. timeparse.Parser is the default.
type ScheduleParser interface {
	ParseSchedule(text string, loc *time.Location, now time.Time) (trigger.Trigger, error)
}

type Config struct {
	// DataDir holds one sqlite file per workspace plus settings.sqlite.
	DataDir string
	// DefaultTimezone applies to workspaces with no stored settings.
	// Empty means UTC.
	DefaultTimezone string
	Scheduler       scheduler.Config
	// Parser overrides schedule-text parsing; nil means timeparse.
	Parser ScheduleParser
}

// Registry hands out workspace runtimes, constructing each at most once.
type Registry struct {
	cfg      Config
	settings *SettingsStore
	sender   transport.Sender
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	closed   bool
	runtimes map[string]*Runtime
}

func NewRegistry(cfg Config, settings *SettingsStore, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Parser == nil {
		cfg.Parser = timeparse.Parser{}
	}
	return &Registry{
		cfg:      cfg,
		settings: settings,
		sender:   sender,
		bus:      bus,
		log:      log,
		now:      time.Now,
		runtimes: map[string]*Runtime{},
	}
}

// Start pins the context that owns every workspace scheduler. Runtimes
// cannot be constructed before it.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		r.ctx = ctx
	}
}

// Get returns the runtime for workspaceID, constructing it on first use.
// Construction reads the workspace settings, resolves the timezone, opens
// the job store and starts the scheduler; repeated calls are cheap.
func (r *Registry) Get(ctx context.Context, workspaceID string) (*Runtime, error) {
	if err := ValidateID(workspaceID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.ctx == nil {
		return nil, ErrNotStarted
	}
	if rt, ok := r.runtimes[workspaceID]; ok {
		rt.touch(r.now())
		return rt, nil
	}

	rt, err := r.buildLocked(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	r.runtimes[workspaceID] = rt
	return rt, nil
}

func (r *Registry) buildLocked(ctx context.Context, workspaceID string) (*Runtime, error) {
	set, found, err := r.settings.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !found {
		set = Settings{
			WorkspaceID: workspaceID,
			Timezone:    r.cfg.DefaultTimezone,
			Enabled:     true,
		}
	}
	if !set.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceDisabled, workspaceID)
	}

	tz := strings.TrimSpace(set.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Do not limp along in the wrong zone; every trigger in this
		// workspace would fire at the wrong wall-clock time.
		return nil, fmt.Errorf("%w %q for workspace %s", trigger.ErrInvalidTimezone, tz, workspaceID)
	}

	log := r.log.With(logx.String("workspace", workspaceID))
	st, err := store.OpenSQLite(StorePath(r.cfg.DataDir, workspaceID), workspaceID, log, store.Options{Now: r.now})
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", workspaceID, err)
	}

	sched := scheduler.New(r.cfg.Scheduler, st, r.sender, r.bus, log)
	sched.Start(r.ctx)

	rt := &Runtime{
		id:       workspaceID,
		loc:      loc,
		store:    st,
		sched:    sched,
		parser:   r.cfg.Parser,
		describe: countdown.New(log),
		bus:      r.bus,
		log:      log,
		now:      r.now,
		lastUsed: r.now(),
	}
	r.log.Info("workspace runtime built",
		logx.String("workspace", workspaceID),
		logx.String("timezone", loc.String()),
	)
	return rt, nil
}

// Apply updates the scheduler defaults and the fallback timezone used for
// runtimes built from now on, and fans the scheduler change out to every
// open runtime. The data dir and the schedule parser are fixed at
// construction.
func (r *Registry) Apply(sched scheduler.Config, defaultTimezone string) {
	r.mu.Lock()
	r.cfg.Scheduler = sched
	r.cfg.DefaultTimezone = defaultTimezone
	open := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		open = append(open, rt)
	}
	r.mu.Unlock()

	for _, rt := range open {
		rt.sched.Apply(sched)
	}
}

// StorePath is where one workspace's job database lives under dataDir.
func StorePath(dataDir, workspaceID string) string {
	return filepath.Join(dataDir, workspaceID+".sqlite")
}

// ValidateID rejects workspace ids that cannot safely name a file under
// the data dir.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("workspace id is required")
	}
	// The id names a file under the data dir; never let it traverse out.
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid workspace id %q", id)
	}
	return nil
}

// CloseIdle tears down runtimes that have not been touched for at least age
// and have nothing armed. Workspaces with armed jobs stay up no matter how
// idle, since closing them would stop firing. Returns how many were closed.
func (r *Registry) CloseIdle(ctx context.Context, age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}

	now := r.now()
	closed := 0
	for id, rt := range r.runtimes {
		if now.Sub(rt.lastTouched()) < age {
			continue
		}
		recs, err := rt.store.List(ctx)
		if err != nil {
			r.log.Warn("idle check failed", logx.String("workspace", id), logx.Err(err))
			continue
		}
		armed := false
		for _, rec := range recs {
			if rec.NextFireAt != nil {
				armed = true
				break
			}
		}
		if armed {
			continue
		}
		rt.close(ctx)
		delete(r.runtimes, id)
		closed++
		r.log.Info("idle workspace closed", logx.String("workspace", id))
	}
	return closed
}

// VacuumOpen compacts the store of every constructed runtime. Stores of
// workspaces not currently open are left alone; they get compacted the next
// time they are built. Returns how many stores were vacuumed.
func (r *Registry) VacuumOpen(ctx context.Context) (int, error) {
	r.mu.Lock()
	stores := make(map[string]store.Store, len(r.runtimes))
	for id, rt := range r.runtimes {
		stores[id] = rt.store
	}
	r.mu.Unlock()

	var firstErr error
	done := 0
	for id, st := range stores {
		if err := st.Vacuum(ctx); err != nil {
			r.log.Warn("vacuum failed", logx.String("workspace", id), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
	}
	return done, firstErr
}

// Open reports how many runtimes are currently constructed.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runtimes)
}

// Shutdown stops every scheduler and closes every store. The registry
// cannot be used afterwards.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	runtimes := r.runtimes
	r.runtimes = map[string]*Runtime{}
	r.mu.Unlock()

	for id, rt := range runtimes {
		rt.close(ctx)
		r.log.Debug("workspace runtime closed", logx.String("workspace", id))
	}
}
