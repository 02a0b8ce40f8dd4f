// Package timeparse turns user-supplied schedule text into triggers and
// one-shot fire instants.
//
// It is the default implementation of the engine's time-parser collaborator.
// The grammar is deliberately layout-based; a deployment that wants
// natural-language dates can plug its own parser into the workspace runtime.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"remindbot/internal/trigger"
)

var ErrUnparsable = errors.New("unparsable time input")

// Parser adapts the package functions to the workspace runtime's
// collaborator interfaces.
type Parser struct{}

func (Parser) ParseWhen(text string, loc *time.Location, now time.Time) (time.Time, error) {
	return ParseWhen(text, loc, now)
}

func (Parser) ParseSchedule(text string, loc *time.Location, now time.Time) (trigger.Trigger, error) {
	return ParseSchedule(text, loc, now)
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::(\d{2}))?\s*$`)

// Absolute layouts tried in order, with ParseInLocation.
var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseWhen resolves one-shot time text to an instant in loc:
//   - RFC3339 ("2026-01-02T15:04:05Z") and "2006-01-02 15:04[:05]" layouts
//   - bare dates ("2026-01-02", midnight)
//   - wall-clock "HH:MM[:SS]" meaning the next such time in loc
//   - durations from now: "in 45m", "45m", "2h30m"
//
// A result that is not strictly in the future is rejected, so a stale
// absolute time cannot create a job that never fires.
func ParseWhen(text string, loc *time.Location, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnparsable)
	}
	if loc == nil {
		loc = time.UTC
	}

	if at, ok := parseAbsolute(s, loc); ok {
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("time %q is in the past", s)
		}
		return at, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, mm, ss := atoi2(m[1]), atoi2(m[2]), 0
		if m[3] != "" {
			ss = atoi2(m[3])
		}
		if hh > 23 || mm > 59 || ss > 59 {
			return time.Time{}, fmt.Errorf("%w: %q is not a wall-clock time", ErrUnparsable, s)
		}
		return nextWallClock(hh, mm, ss, loc, now), nil
	}

	ds := s
	if cut, ok := strings.CutPrefix(strings.ToLower(s), "in "); ok {
		ds = cut
	}
	if d, err := time.ParseDuration(strings.TrimSpace(ds)); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration must be > 0")
		}
		return now.Add(d).In(loc), nil
	}

	return time.Time{}, fmt.Errorf(
		"%w: %q (use RFC3339, '2006-01-02 15:04', 'HH:MM', or a duration like 'in 45m')",
		ErrUnparsable, text,
	)
}

func parseAbsolute(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range whenLayouts {
		if at, err := time.ParseInLocation(layout, s, loc); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// nextWallClock maps HH:MM[:SS] to the next such wall-clock time in loc,
// today if still ahead, otherwise tomorrow.
func nextWallClock(hh, mm, ss int, loc *time.Location, now time.Time) time.Time {
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, ss, 0, loc)
	if !at.After(now) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hh, mm, ss, 0, loc)
	}
	return at
}

func atoi2(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// Cron descriptor shorthands, classic crontab names.
var descriptors = map[string]trigger.CronFields{
	"@yearly":   {Second: "0", Minute: "0", Hour: "0", Day: "1", Month: "1"},
	"@annually": {Second: "0", Minute: "0", Hour: "0", Day: "1", Month: "1"},
	"@monthly":  {Second: "0", Minute: "0", Hour: "0", Day: "1"},
	"@weekly":   {Second: "0", Minute: "0", Hour: "0", DayOfWeek: "0"},
	"@daily":    {Second: "0", Minute: "0", Hour: "0"},
	"@midnight": {Second: "0", Minute: "0", Hour: "0"},
	"@hourly":   {Second: "0", Minute: "0"},
}

// ParseSchedule parses schedule text into a trigger.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 9 * * mon-fri",
//     "@daily", "@every 55m"; 6 fields add seconds, 7 add a year
//   - Interval: "55m", "2h30m", HH:MM read as hours:minutes
//   - One-shot: anything ParseWhen accepts, e.g. "at:2026-01-02 15:04"
//
// Optional prefixes force a reading: "cron:", "interval:" or "every:",
// "at:". Without one, whitespace or a leading '@' means cron, a bare
// duration or HH:MM means interval, and anything else is tried as a
// one-shot instant.
func ParseSchedule(raw string, loc *time.Location, now time.Time) (trigger.Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.UTC
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronTrigger(expr, loc)
	case strings.HasPrefix(low, "interval:"):
		return intervalTrigger(s[len("interval:"):], now)
	case strings.HasPrefix(low, "every:"):
		return intervalTrigger(s[len("every:"):], now)
	case strings.HasPrefix(low, "at:"):
		at, err := ParseWhen(s[len("at:"):], loc, now)
		if err != nil {
			return nil, err
		}
		return trigger.NewOneShot(at)
	}

	// Heuristics:
	// - "@every <dur>" is an interval despite the '@'
	if rest, ok := strings.CutPrefix(low, "@every "); ok {
		return intervalTrigger(rest, now)
	}
	// - any other whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronTrigger(s, loc)
	}
	// - HH:MM => interval duration (hours:minutes)
	if reHHMM.MatchString(s) {
		return intervalTrigger(s, now)
	}
	// - Go duration => interval
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return trigger.NewInterval(d, trigger.IntervalOptions{Start: now})
	}
	// - last resort: a one-shot instant
	if at, err := ParseWhen(s, loc, now); err == nil {
		return trigger.NewOneShot(at)
	}

	return nil, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a duration like '55m', or a time like '2026-01-02 15:04')",
		raw,
	)
}

// cronTrigger maps a crontab-style expression onto the trigger's fields.
// 5 fields are minute..day_of_week with second pinned to 0; 6 prepend
// seconds; 7 append a year.
func cronTrigger(expr string, loc *time.Location) (trigger.Trigger, error) {
	if fields, ok := descriptors[strings.ToLower(expr)]; ok {
		return trigger.NewCron(trigger.CronSpec{Fields: fields, Timezone: loc.String()})
	}

	parts := strings.Fields(expr)
	var f trigger.CronFields
	switch len(parts) {
	case 5:
		f = trigger.CronFields{
			Second: "0",
			Minute: parts[0], Hour: parts[1], Day: parts[2], Month: parts[3], DayOfWeek: parts[4],
		}
	case 6:
		f = trigger.CronFields{
			Second: parts[0], Minute: parts[1], Hour: parts[2], Day: parts[3], Month: parts[4], DayOfWeek: parts[5],
		}
	case 7:
		f = trigger.CronFields{
			Second: parts[0], Minute: parts[1], Hour: parts[2], Day: parts[3], Month: parts[4], DayOfWeek: parts[5], Year: parts[6],
		}
	default:
		return nil, fmt.Errorf("invalid cron %q: want 5-7 fields, got %d", expr, len(parts))
	}
	return trigger.NewCron(trigger.CronSpec{Fields: f, Timezone: loc.String()})
}

func intervalTrigger(v string, now time.Time) (trigger.Trigger, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		d := time.Duration(atoi2(m[1]))*time.Hour + time.Duration(atoi2(m[2]))*time.Minute
		if m[3] != "" {
			d += time.Duration(atoi2(m[3])) * time.Second
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return trigger.NewInterval(d, trigger.IntervalOptions{Start: now})
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return trigger.NewInterval(d, trigger.IntervalOptions{Start: now})
}
