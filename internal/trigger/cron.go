package trigger

import (
	"fmt"
	"time"
)

// CronFields are the per-unit match expressions. An empty string (or "*")
// matches anything. Expressions support numbers, 3-letter month/weekday
// names, lists "a,b", ranges "a-b" and steps "*/n", "a-b/n", "a/n".
//
// All specified fields must match at once. Day and DayOfWeek combine with
// AND like every other pair; there is no classic crontab day-or-weekday
// special case.
type CronFields struct {
	Second    string
	Minute    string
	Hour      string
	Day       string
	Month     string
	DayOfWeek string
	Year      string
}

// CronSpec is the constructor input for a Cron trigger.
type CronSpec struct {
	Fields   CronFields
	Timezone string // IANA name; empty means UTC
	Start    time.Time
	End      time.Time
	Jitter   time.Duration
}

// Cron fires at wall-clock instants matching Fields, evaluated in Timezone.
type Cron struct {
	Fields   CronFields
	Timezone string
	Start    time.Time
	End      time.Time
	Jitter   time.Duration

	prog *cronProgram
}

func NewCron(spec CronSpec) (Cron, error) {
	loc := time.UTC
	if spec.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return Cron{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, spec.Timezone)
		}
	}
	if spec.Jitter < 0 {
		return Cron{}, ErrInvalidJitter
	}
	if !spec.Start.IsZero() && !spec.End.IsZero() && spec.End.Before(spec.Start) {
		return Cron{}, ErrInvalidBounds
	}
	prog, err := compileCron(spec.Fields, loc)
	if err != nil {
		return Cron{}, err
	}
	return Cron{
		Fields:   spec.Fields,
		Timezone: spec.Timezone,
		Start:    spec.Start,
		End:      spec.End,
		Jitter:   spec.Jitter,
		prog:     prog,
	}, nil
}

func (Cron) Kind() Kind { return KindCron }

// Location returns the resolved evaluation timezone.
func (t Cron) Location() *time.Location { return t.prog.loc }

// Next finds the smallest whole second strictly after now that matches every
// specified field, clipped to [Start, End]. The search gives up five years
// past now (or past the largest specified year), so an impossible field
// combination yields nil instead of spinning.
func (t Cron) Next(now time.Time) *time.Time {
	after := now
	if !t.Start.IsZero() && now.Before(t.Start) {
		// Make Start itself a valid candidate.
		after = t.Start.Add(-time.Second)
	}
	got := t.prog.next(after)
	if got == nil {
		return nil
	}
	if !t.End.IsZero() && got.After(t.End) {
		return nil
	}
	res := got.Add(randDuration(t.Jitter))
	return &res
}
