package workspace

import (
	"context"
	"io"
	"sync"
	"time"

	"remindbot/internal/countdown"
	"remindbot/internal/eventbus"
	"remindbot/internal/job"
	"remindbot/internal/scheduler"
	"remindbot/internal/store"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

// Runtime is one workspace's live engine: its store, its scheduler and the
// timezone its schedule text is read in. All methods are safe for
// concurrent use.
type Runtime struct {
	id       string
	loc      *time.Location
	store    store.Store
	sched    *scheduler.Scheduler
	parser   ScheduleParser
	describe countdown.Formatter
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

func (r *Runtime) WorkspaceID() string      { return r.id }
func (r *Runtime) Location() *time.Location { return r.loc }
func (r *Runtime) Store() store.Store       { return r.store }

// begin marks the runtime used and rejects calls after close.
func (r *Runtime) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.lastUsed = r.now()
	return nil
}

func (r *Runtime) touch(t time.Time) {
	r.mu.Lock()
	r.lastUsed = t
	r.mu.Unlock()
}

func (r *Runtime) lastTouched() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

func (r *Runtime) close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.sched.Stop(ctx)
	if err := r.store.Close(); err != nil {
		r.log.Warn("store close", logx.Err(err))
	}
}

// ScheduleText parses schedule text in the workspace timezone and adds the
// job. "every:10m", "cron:0 9 * * mon-fri" and "at:2026-03-11 09:30" all
// land here.
func (r *Runtime) ScheduleText(ctx context.Context, text string, p job.Payload) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	tr, err := r.parser.ParseSchedule(text, r.loc, r.now())
	if err != nil {
		return job.Record{}, err
	}
	return r.add(ctx, tr, p)
}

// Add registers a pre-built trigger, for callers that construct their own.
func (r *Runtime) Add(ctx context.Context, tr trigger.Trigger, p job.Payload) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	return r.add(ctx, tr, p)
}

func (r *Runtime) add(ctx context.Context, tr trigger.Trigger, p job.Payload) (job.Record, error) {
	rec, err := r.store.Add(ctx, tr, p)
	if err != nil {
		return job.Record{}, err
	}
	eventbus.PublishJob(r.bus, eventbus.TypeJobAdded, r.id, rec.ID, derefTime(rec.NextFireAt), nil)
	return rec, nil
}

func (r *Runtime) Get(ctx context.Context, id string) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	return r.store.Get(ctx, id)
}

func (r *Runtime) List(ctx context.Context) ([]job.Record, error) {
	if err := r.begin(); err != nil {
		return nil, err
	}
	return r.store.List(ctx)
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.begin(); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, id); err != nil {
		return err
	}
	eventbus.PublishJob(r.bus, eventbus.TypeJobRemoved, r.id, id, time.Time{}, nil)
	return nil
}

func (r *Runtime) Pause(ctx context.Context, id string) error {
	if err := r.begin(); err != nil {
		return err
	}
	if err := r.store.Pause(ctx, id); err != nil {
		return err
	}
	eventbus.PublishJob(r.bus, eventbus.TypeJobPaused, r.id, id, time.Time{}, nil)
	return nil
}

func (r *Runtime) Resume(ctx context.Context, id string) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	rec, err := r.store.Resume(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	eventbus.PublishJob(r.bus, eventbus.TypeJobResumed, r.id, rec.ID, derefTime(rec.NextFireAt), nil)
	return rec, nil
}

// Reschedule swaps the job's trigger for one parsed from text. Payload and
// id stay put.
func (r *Runtime) Reschedule(ctx context.Context, id, text string) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	tr, err := r.parser.ParseSchedule(text, r.loc, r.now())
	if err != nil {
		return job.Record{}, err
	}
	return r.store.Reschedule(ctx, id, tr)
}

func (r *Runtime) ModifyPayload(ctx context.Context, id string, patch job.PayloadPatch) (job.Record, error) {
	if err := r.begin(); err != nil {
		return job.Record{}, err
	}
	return r.store.ModifyPayload(ctx, id, patch)
}

// Describe renders the time until the job's next fire, "1 day, 2 minutes"
// style, or "Paused".
func (r *Runtime) Describe(ctx context.Context, id string) (string, error) {
	if err := r.begin(); err != nil {
		return "", err
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.describe.Until(rec, r.now()), nil
}

// DescribeRelative renders the platform-native relative timestamp token
// for the next fire, or "Paused".
func (r *Runtime) DescribeRelative(ctx context.Context, id string) (string, error) {
	if err := r.begin(); err != nil {
		return "", err
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.describe.Relative(rec, r.now()), nil
}

func (r *Runtime) Export(ctx context.Context, w io.Writer) error {
	if err := r.begin(); err != nil {
		return err
	}
	return r.store.Export(ctx, w)
}

func (r *Runtime) Import(ctx context.Context, rd io.Reader, skipExisting bool) (store.ImportReport, error) {
	if err := r.begin(); err != nil {
		return store.ImportReport{}, err
	}
	report, err := r.store.Import(ctx, rd, skipExisting)
	if err != nil {
		return report, err
	}
	for _, id := range report.Added {
		eventbus.PublishJob(r.bus, eventbus.TypeJobAdded, r.id, id, time.Time{}, nil)
	}
	return report, nil
}

// Scheduler exposes the runtime's scheduler for lifecycle checks.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}
