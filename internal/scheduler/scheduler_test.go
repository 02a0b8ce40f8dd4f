package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/job"
	"remindbot/internal/store"
	"remindbot/internal/transport"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturedSend struct {
	to   transport.Target
	text string
}

type captureSender struct {
	mu   sync.Mutex
	fail error
	ch   chan capturedSend
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan capturedSend, 16)}
}

func (s *captureSender) Name() string                { return "capture" }
func (s *captureSender) Start(context.Context) error { return nil }
func (s *captureSender) Stop(context.Context) error  { return nil }

func (s *captureSender) SendText(ctx context.Context, to transport.Target, text string) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	s.ch <- capturedSend{to: to, text: text}
	return nil
}

func (s *captureSender) waitSend(t *testing.T) capturedSend {
	t.Helper()
	select {
	case got := <-s.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return capturedSend{}
	}
}

func (s *captureSender) expectNoSend(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.ch:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.JobEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				continue
			}
			je, ok := ev.Data.(eventbus.JobEvent)
			if !ok {
				t.Fatalf("event data type = %T", ev.Data)
			}
			return je
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func testRig(t *testing.T, cfg Config) (*Scheduler, store.Store, *captureSender, *fakeClock, <-chan eventbus.Event) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory("ws1", clock.Now)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, cancel := bus.Subscribe(32)
	t.Cleanup(cancel)

	sender := newCaptureSender()
	s := New(cfg, st, sender, bus, logx.Nop())
	s.now = clock.Now
	return s, st, sender, clock, events
}

func payload(msg string) job.Payload {
	return job.Payload{
		Target:  job.Target{ChannelID: "chan-1"},
		Message: msg,
	}
}

func TestDueOneShotFiresOnceAndIsRemoved(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, events := testRig(t, Config{})
	ctx := context.Background()

	tr, err := trigger.NewOneShot(clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("stand-up in 5"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := sender.waitSend(t)
	if got.text != "stand-up in 5" || got.to.ChannelID != "chan-1" {
		t.Fatalf("delivery = %+v", got)
	}
	ev := waitEvent(t, events, eventbus.TypeJobFired)
	if ev.JobID != rec.ID || ev.WorkspaceID != "ws1" {
		t.Fatalf("fired event = %+v", ev)
	}

	if _, err := st.Get(ctx, rec.ID); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("one-shot not removed after firing: %v", err)
	}

	// A later tick must not fire it again.
	clock.Advance(time.Minute)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	sender.expectNoSend(t)
}

func TestFireBeyondGraceIsMissedNotDelivered(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, events := testRig(t, Config{MisfireGrace: time.Minute})
	ctx := context.Background()
	t0 := clock.Now()

	tr, err := trigger.NewInterval(time.Minute, trigger.IntervalOptions{Start: t0})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("every minute"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// First fire was due at t0+1m; ten minutes later it is far past grace.
	clock.Advance(10 * time.Minute)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sender.expectNoSend(t)
	ev := waitEvent(t, events, eventbus.TypeJobMissed)
	if !ev.ScheduledAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("missed event scheduled_at = %v, want %v", ev.ScheduledAt, t0.Add(time.Minute))
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := t0.Add(11 * time.Minute)
	if got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want advanced past the backlog to %v", got.NextFireAt, want)
	}
}

func TestCoalesceFoldsBacklogIntoOneDelivery(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, _ := testRig(t, Config{Coalesce: true, MisfireGrace: 10 * time.Minute})
	ctx := context.Background()
	t0 := clock.Now()

	tr, err := trigger.NewInterval(time.Minute, trigger.IntervalOptions{Start: t0})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("coalesced"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Three fires are overdue (t0+1m..t0+3m), all within grace.
	clock.Advance(3*time.Minute + 30*time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sender.waitSend(t)
	sender.expectNoSend(t)

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := t0.Add(4 * time.Minute)
	if got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}

func TestCatchUpDeliversEachMissedFire(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, _ := testRig(t, Config{Coalesce: false, MisfireGrace: 10 * time.Minute, MaxCatchUp: 3})
	ctx := context.Background()
	t0 := clock.Now()

	tr, err := trigger.NewInterval(time.Minute, trigger.IntervalOptions{Start: t0})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("each one"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(3*time.Minute + 30*time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for i := 0; i < 3; i++ {
		sender.waitSend(t)
	}
	sender.expectNoSend(t)

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := t0.Add(4 * time.Minute)
	if got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}

func TestStaleSnapshotLosesToConcurrentPause(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, _ := testRig(t, Config{})
	ctx := context.Background()

	tr, err := trigger.NewOneShot(clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("racy"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The job is paused between the scan and the advance; the stale
	// snapshot must not fire it.
	if err := st.Pause(ctx, rec.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(2 * time.Second)
	s.processDue(ctx, s.Config(), rec, clock.Now())

	sender.expectNoSend(t)
	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NextFireAt != nil {
		t.Fatalf("pause was overridden: NextFireAt = %v", got.NextFireAt)
	}
}

func TestDeliveryFailureStillAdvancesSchedule(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, events := testRig(t, Config{})
	ctx := context.Background()

	sender.mu.Lock()
	sender.fail = errors.New("gateway down")
	sender.mu.Unlock()

	tr, err := trigger.NewOneShot(clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("doomed"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	ev := waitEvent(t, events, eventbus.TypeJobErrored)
	if ev.JobID != rec.ID || ev.Err == "" {
		t.Fatalf("errored event = %+v", ev)
	}
	if _, err := st.Get(ctx, rec.ID); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("failed one-shot should still be consumed: %v", err)
	}
}

func TestApplyChangesNextTick(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, events := testRig(t, Config{MisfireGrace: time.Minute})
	ctx := context.Background()
	t0 := clock.Now()

	tr, err := trigger.NewInterval(time.Minute, trigger.IntervalOptions{Start: t0})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	if _, err := st.Add(ctx, tr, payload("tunable")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Widen the grace window so a fire ten minutes late is delivered
	// instead of reported as missed.
	s.Apply(Config{MisfireGrace: time.Hour})
	if got := s.Config().MisfireGrace; got != time.Hour {
		t.Fatalf("MisfireGrace = %v after Apply, want 1h", got)
	}
	if got := s.Config().TickInterval; got != DefaultConfig().TickInterval {
		t.Fatalf("Apply should fill defaults, TickInterval = %v", got)
	}

	clock.Advance(10 * time.Minute)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	sender.waitSend(t)

	// Missed fires are published synchronously during the tick, so the
	// bus already holds everything the tick classified.
drain:
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeJobMissed {
				t.Fatal("fire inside the widened grace window was reported missed")
			}
		default:
			break drain
		}
	}
}

func TestApplyKeepsConcurrencyCap(t *testing.T) {
	t.Parallel()
	s, _, _, _, _ := testRig(t, Config{MaxConcurrentSends: 2})

	s.Apply(Config{MaxConcurrentSends: 64})
	if got := s.Config().MaxConcurrentSends; got != 2 {
		t.Fatalf("MaxConcurrentSends = %d after Apply, want the constructed cap 2", got)
	}
}

func TestRecurringEndBoundRemovesJob(t *testing.T) {
	t.Parallel()
	s, st, sender, clock, events := testRig(t, Config{})
	ctx := context.Background()
	t0 := clock.Now()

	// One fire fits before the end bound.
	tr, err := trigger.NewInterval(time.Minute, trigger.IntervalOptions{Start: t0, End: t0.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	rec, err := st.Add(ctx, tr, payload("last call"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(61 * time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sender.waitSend(t)
	ev := waitEvent(t, events, eventbus.TypeJobExhausted)
	if ev.JobID != rec.ID {
		t.Fatalf("exhausted event = %+v", ev)
	}
	if _, err := st.Get(ctx, rec.ID); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("exhausted job should be removed: %v", err)
	}
}
