package trigger

import "time"

// Interval fires every Period starting from Start. Candidates are the exact
// lattice Start + k*Period; a fire that happens late does not shift the
// lattice.
type Interval struct {
	Period time.Duration
	Start  time.Time
	End    time.Time // zero = open-ended
	Jitter time.Duration
}

// IntervalOptions carries the optional Interval fields.
type IntervalOptions struct {
	Start  time.Time // zero = now
	End    time.Time
	Jitter time.Duration
}

func NewInterval(period time.Duration, opts IntervalOptions) (Interval, error) {
	if period <= 0 {
		return Interval{}, ErrInvalidPeriod
	}
	if opts.Jitter < 0 {
		return Interval{}, ErrInvalidJitter
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Now()
	}
	if !opts.End.IsZero() && opts.End.Before(start) {
		return Interval{}, ErrInvalidBounds
	}
	return Interval{Period: period, Start: start, End: opts.End, Jitter: opts.Jitter}, nil
}

func (Interval) Kind() Kind { return KindInterval }

// Next returns Start + k*Period for the smallest k >= 0 with a result
// strictly after now. The result is clipped to End before jitter is added,
// so the base lattice never drifts.
func (t Interval) Next(now time.Time) *time.Time {
	var base time.Time
	if now.Before(t.Start) {
		base = t.Start
	} else {
		elapsed := now.Sub(t.Start)
		k := elapsed/t.Period + 1
		base = t.Start.Add(k * t.Period)
	}
	if !t.End.IsZero() && base.After(t.End) {
		return nil
	}
	base = base.Add(randDuration(t.Jitter))
	return &base
}
