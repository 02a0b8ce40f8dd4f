// Package trigger implements the schedule rules a reminder can carry:
// a one-shot instant, a fixed interval, or a cron-style field match.
//
// A Trigger is an immutable value. Next is side-effect free: until a fire
// actually happens (and the caller re-arms), repeated calls return the same
// instant, except for the optional random jitter, which is sampled at each
// evaluation and never stored.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type Kind string

const (
	KindOneShot  Kind = "one_shot"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
)

var (
	ErrInvalidPeriod   = errors.New("interval period must be positive")
	ErrInvalidJitter   = errors.New("jitter must not be negative")
	ErrInvalidBounds   = errors.New("trigger end precedes start")
	ErrInvalidTimezone = errors.New("unknown timezone")
	ErrInvalidCronExpr = errors.New("invalid cron expression")
	ErrUnknownKind     = errors.New("unknown trigger kind")
)

// Trigger computes fire instants. Exactly three implementations exist:
// OneShot, Interval and Cron. The set is closed; persistence and migration
// switch over Kind.
type Trigger interface {
	Kind() Kind

	// Next returns the next fire instant strictly after now, or nil when
	// the trigger will never fire again. It never returns an error: a
	// trigger that cannot match (for example day 31 constrained to
	// February) simply yields nil.
	Next(now time.Time) *time.Time
}

// envelope is the wire form of the tagged union. One struct covers all
// variants; omitempty keeps each variant's JSON minimal.
type envelope struct {
	Type string `json:"type"`

	FireAt *time.Time `json:"fire_at,omitempty"`

	Period string     `json:"period,omitempty"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
	Jitter string     `json:"jitter,omitempty"`

	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Year      string `json:"year,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// Marshal encodes a trigger for storage or export.
func Marshal(t Trigger) ([]byte, error) {
	var env envelope
	switch tr := t.(type) {
	case OneShot:
		env.Type = string(KindOneShot)
		at := tr.FireAt
		env.FireAt = &at
	case Interval:
		env.Type = string(KindInterval)
		env.Period = tr.Period.String()
		env.Start = timePtr(tr.Start)
		env.End = timePtr(tr.End)
		if tr.Jitter > 0 {
			env.Jitter = tr.Jitter.String()
		}
	case Cron:
		env.Type = string(KindCron)
		env.Second = tr.Fields.Second
		env.Minute = tr.Fields.Minute
		env.Hour = tr.Fields.Hour
		env.Day = tr.Fields.Day
		env.Month = tr.Fields.Month
		env.DayOfWeek = tr.Fields.DayOfWeek
		env.Year = tr.Fields.Year
		env.Timezone = tr.Timezone
		env.Start = timePtr(tr.Start)
		env.End = timePtr(tr.End)
		if tr.Jitter > 0 {
			env.Jitter = tr.Jitter.String()
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, t)
	}
	return json.Marshal(env)
}

// Unmarshal decodes a trigger produced by Marshal, revalidating it so the
// result is ready to evaluate (cron fields compiled, timezone resolved).
func Unmarshal(data []byte) (Trigger, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	switch Kind(env.Type) {
	case KindOneShot:
		if env.FireAt == nil {
			return nil, errors.New("one_shot trigger missing fire_at")
		}
		return NewOneShot(*env.FireAt)
	case KindInterval:
		period, err := parseOptDuration(env.Period)
		if err != nil {
			return nil, fmt.Errorf("interval period: %w", err)
		}
		jitter, err := parseOptDuration(env.Jitter)
		if err != nil {
			return nil, fmt.Errorf("interval jitter: %w", err)
		}
		return NewInterval(period, IntervalOptions{
			Start:  timeVal(env.Start),
			End:    timeVal(env.End),
			Jitter: jitter,
		})
	case KindCron:
		jitter, err := parseOptDuration(env.Jitter)
		if err != nil {
			return nil, fmt.Errorf("cron jitter: %w", err)
		}
		return NewCron(CronSpec{
			Fields: CronFields{
				Second:    env.Second,
				Minute:    env.Minute,
				Hour:      env.Hour,
				Day:       env.Day,
				Month:     env.Month,
				DayOfWeek: env.DayOfWeek,
				Year:      env.Year,
			},
			Timezone: env.Timezone,
			Start:    timeVal(env.Start),
			End:      timeVal(env.End),
			Jitter:   jitter,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func parseOptDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	cp := t
	return &cp
}

func timeVal(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// ---- OneShot ----

// OneShot fires exactly once, at FireAt.
type OneShot struct {
	FireAt time.Time
}

func NewOneShot(fireAt time.Time) (OneShot, error) {
	if fireAt.IsZero() {
		return OneShot{}, errors.New("one_shot fire_at not set")
	}
	return OneShot{FireAt: fireAt}, nil
}

func (OneShot) Kind() Kind { return KindOneShot }

// Next returns FireAt while it is still in the future. Once now has reached
// it the trigger is spent.
func (t OneShot) Next(now time.Time) *time.Time {
	if t.FireAt.After(now) {
		at := t.FireAt
		return &at
	}
	return nil
}

// ---- jitter rng ----

var (
	rngOnce sync.Once
	rngMu   sync.Mutex
	rng     *rand.Rand
)

// randDuration returns a random duration in [0, max]. max <= 0 yields 0.
func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	rngOnce.Do(func() { rng = rand.New(rand.NewSource(time.Now().UnixNano())) })
	rngMu.Lock()
	defer rngMu.Unlock()
	return time.Duration(rng.Int63n(int64(max) + 1))
}
