package trigger

import (
	"errors"
	"testing"
	"time"
)

func TestOneShotNext(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tr, err := NewOneShot(at)
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}

	if got := tr.Next(at.Add(-time.Second)); got == nil || !got.Equal(at) {
		t.Fatalf("Next before fire = %v, want %v", got, at)
	}
	if got := tr.Next(at); got != nil {
		t.Fatalf("Next at the fire instant = %v, want nil (strictly after)", got)
	}
	if got := tr.Next(at.Add(time.Hour)); got != nil {
		t.Fatalf("Next after fire = %v, want nil", got)
	}

	if _, err := NewOneShot(time.Time{}); err == nil {
		t.Fatal("expected error for zero fire_at")
	}
}

func TestIntervalLatticeIsStable(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	period := 10 * time.Minute
	tr, err := NewInterval(period, IntervalOptions{Start: start})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	// However late the evaluation, results stay on start + k*period.
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{start.Add(-time.Hour), start},
		{start, start.Add(period)},
		{start.Add(time.Second), start.Add(period)},
		{start.Add(period), start.Add(2 * period)},
		{start.Add(25 * time.Minute), start.Add(3 * period)},
		{start.Add(24*time.Hour + 3*time.Minute), start.Add(24*time.Hour + period)},
	}
	for _, tt := range tests {
		got := tr.Next(tt.now)
		if got == nil || !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}

	// Three successive fires are exactly one period apart.
	now := start.Add(3 * time.Second)
	var fires []time.Time
	for i := 0; i < 3; i++ {
		next := tr.Next(now)
		if next == nil {
			t.Fatal("lattice ended unexpectedly")
		}
		fires = append(fires, *next)
		now = *next
	}
	for i := 1; i < len(fires); i++ {
		if d := fires[i].Sub(fires[i-1]); d != period {
			t.Fatalf("fire spacing = %v, want %v", d, period)
		}
	}
}

func TestIntervalEndClips(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tr, err := NewInterval(time.Hour, IntervalOptions{Start: start, End: start.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	if got := tr.Next(start); got == nil || !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Next = %v, want the one fire inside the bound", got)
	}
	if got := tr.Next(start.Add(time.Hour)); got != nil {
		t.Fatalf("Next past the end bound = %v, want nil", got)
	}
}

func TestIntervalJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	jitter := 30 * time.Second
	tr, err := NewInterval(10*time.Minute, IntervalOptions{Start: start, Jitter: jitter})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	base := start.Add(10 * time.Minute)
	for i := 0; i < 200; i++ {
		got := tr.Next(start)
		if got == nil {
			t.Fatal("Next = nil")
		}
		if got.Before(base) || got.After(base.Add(jitter)) {
			t.Fatalf("jittered fire %v outside [%v, %v]", got, base, base.Add(jitter))
		}
	}
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	if _, err := NewInterval(0, IntervalOptions{}); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("zero period: %v", err)
	}
	if _, err := NewInterval(time.Minute, IntervalOptions{Jitter: -time.Second}); !errors.Is(err, ErrInvalidJitter) {
		t.Errorf("negative jitter: %v", err)
	}
	if _, err := NewInterval(time.Minute, IntervalOptions{Start: start, End: start.Add(-time.Hour)}); !errors.Is(err, ErrInvalidBounds) {
		t.Errorf("end before start: %v", err)
	}
	if _, err := NewCron(CronSpec{Timezone: "Mars/Olympus"}); !errors.Is(err, ErrInvalidTimezone) {
		t.Errorf("bad timezone: %v", err)
	}
	if _, err := NewCron(CronSpec{Fields: CronFields{Minute: "61"}}); !errors.Is(err, ErrInvalidCronExpr) {
		t.Errorf("out of range minute: %v", err)
	}
	if _, err := NewCron(CronSpec{Fields: CronFields{DayOfWeek: "funday"}}); !errors.Is(err, ErrInvalidCronExpr) {
		t.Errorf("unknown weekday name: %v", err)
	}
	if _, err := NewCron(CronSpec{Fields: CronFields{Hour: "5-2"}}); !errors.Is(err, ErrInvalidCronExpr) {
		t.Errorf("inverted range: %v", err)
	}
}

func TestCronMinuteBoundary(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(CronSpec{Fields: CronFields{Second: "0", Minute: "*/5"}})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	now := time.Date(2026, 5, 1, 9, 3, 17, 0, time.UTC)
	for i := 0; i < 10; i++ {
		next := tr.Next(now)
		if next == nil {
			t.Fatal("Next = nil")
		}
		if !next.After(now) {
			t.Fatalf("Next(%v) = %v, not strictly after", now, next)
		}
		if next.Minute()%5 != 0 || next.Second() != 0 {
			t.Fatalf("fire %v not on a 5-minute boundary", next)
		}
		if next.Sub(now) > 5*time.Minute {
			t.Fatalf("Next(%v) = %v skipped a boundary", now, next)
		}
		now = *next
	}
}

func TestCronDayAndWeekdayBothMustMatch(t *testing.T) {
	t.Parallel()
	// Friday the 13th, not day-13-or-Friday.
	tr, err := NewCron(CronSpec{Fields: CronFields{
		Second: "0", Minute: "0", Hour: "12", Day: "13", DayOfWeek: "fri",
	}})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := tr.Next(now)
	if first == nil {
		t.Fatal("Next = nil")
	}
	want := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}

	second := tr.Next(*first)
	want = time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC)
	if second == nil || !second.Equal(want) {
		t.Fatalf("second = %v, want %v", second, want)
	}
}

func TestCronSundayAsSeven(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(CronSpec{Fields: CronFields{
		Second: "0", Minute: "0", Hour: "10", DayOfWeek: "7",
	}})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	// 2026-04-04 is a Saturday; the next match is Sunday the 5th.
	now := time.Date(2026, 4, 4, 0, 0, 0, 0, time.UTC)
	got := tr.Next(now)
	want := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestCronEvaluatesInItsTimezone(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(CronSpec{
		Fields:   CronFields{Second: "0", Minute: "0", Hour: "9"},
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	// Mid-January: New York is UTC-5, so 9am there is 14:00 UTC.
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	got := tr.Next(now)
	if got == nil {
		t.Fatal("Next = nil")
	}
	want := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestCronNeverMatchingYieldsNil(t *testing.T) {
	t.Parallel()
	// February 31st is valid to construct and never fires.
	tr, err := NewCron(CronSpec{Fields: CronFields{Day: "31", Month: "feb"}})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	if got := tr.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); got != nil {
		t.Fatalf("Next = %v, want nil", got)
	}
}

func TestCronYearFieldExhausts(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(CronSpec{Fields: CronFields{
		Second: "0", Minute: "0", Hour: "0", Day: "1", Month: "1", Year: "2027",
	}})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got := tr.Next(now)
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if after := tr.Next(want); after != nil {
		t.Fatalf("Next past the only year = %v, want nil", after)
	}
}

func TestCronStartEndBounds(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC)
	tr, err := NewCron(CronSpec{
		Fields: CronFields{Second: "0", Minute: "0", Hour: "6"},
		Start:  start,
		End:    end,
	})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	// Before the window, the first fire is the first match at or after Start.
	got := tr.Next(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	// Past the window nothing fires.
	if got := tr.Next(time.Date(2026, 5, 11, 7, 0, 0, 0, time.UTC)); got != nil {
		t.Fatalf("Next past End = %v, want nil", got)
	}
}

func TestMarshalRoundTripPreservesSemantics(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 9, 3, 0, 0, time.UTC)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	oneShot, err := NewOneShot(start.Add(time.Hour))
	if err != nil {
		t.Fatalf("NewOneShot: %v", err)
	}
	interval, err := NewInterval(10*time.Minute, IntervalOptions{Start: start, End: start.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	cron, err := NewCron(CronSpec{
		Fields:   CronFields{Second: "0", Minute: "30", Hour: "9", DayOfWeek: "mon-fri"},
		Timezone: "Europe/Berlin",
	})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}

	for _, tr := range []Trigger{oneShot, interval, cron} {
		data, err := Marshal(tr)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", tr.Kind(), err)
		}
		back, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%v): %v", tr.Kind(), err)
		}
		if back.Kind() != tr.Kind() {
			t.Fatalf("Kind = %v, want %v", back.Kind(), tr.Kind())
		}
		wantNext := tr.Next(now)
		gotNext := back.Next(now)
		switch {
		case wantNext == nil && gotNext == nil:
		case wantNext == nil || gotNext == nil || !wantNext.Equal(*gotNext):
			t.Fatalf("%v: Next after round trip = %v, want %v", tr.Kind(), gotNext, wantNext)
		}
	}
}

func TestUnmarshalRejectsBadEnvelopes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data string
	}{
		{name: "unknown kind", data: `{"type":"lunar"}`},
		{name: "one_shot without fire_at", data: `{"type":"one_shot"}`},
		{name: "interval without period", data: `{"type":"interval"}`},
		{name: "interval bad period", data: `{"type":"interval","period":"fast"}`},
		{name: "cron bad timezone", data: `{"type":"cron","timezone":"Mars/Olympus"}`},
		{name: "cron bad field", data: `{"type":"cron","minute":"61"}`},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := Unmarshal([]byte(`{"type":"lunar"}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind error = %v", err)
	}
	if _, err := Unmarshal([]byte(`{"type":"cron","timezone":"Mars/Olympus"}`)); !errors.Is(err, ErrInvalidTimezone) {
		t.Errorf("timezone error = %v", err)
	}
}
