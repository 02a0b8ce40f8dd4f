// Package countdown renders the time remaining until a job fires.
//
// Two renderings exist: Relative emits the chat platform's client-side
// token (<t:unix:R>, which Discord shows as "in 2 hours"), Until builds a
// plain decomposed string for contexts that cannot resolve the token.
package countdown

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/job"
	logx "remindbot/pkg/logx"
)

const paused = "Paused"

type Formatter struct {
	log logx.Logger
}

func New(log logx.Logger) Formatter {
	return Formatter{log: log}
}

// Relative returns the platform-relative token for the job's next fire,
// or "Paused".
func (f Formatter) Relative(rec job.Record, now time.Time) string {
	at := f.instant(rec, now)
	if at == nil {
		return paused
	}
	return fmt.Sprintf("<t:%d:R>", at.Unix())
}

// Until returns the remaining time decomposed into days, hours and minutes,
// or "Paused". Zero components are dropped; when all three are zero the
// seconds remainder is used instead.
func (f Formatter) Until(rec job.Record, now time.Time) string {
	at := f.instant(rec, now)
	if at == nil {
		return paused
	}
	return FormatDuration(at.Sub(now))
}

// instant picks the fire instant to display. A stored instant that already
// passed (the scheduler has not swept it yet) falls back to a fresh trigger
// evaluation; a job that is not paused yet has no computable instant is an
// inconsistency worth logging, rendered as "Paused" rather than surfaced.
func (f Formatter) instant(rec job.Record, now time.Time) *time.Time {
	if rec.NextFireAt == nil {
		return nil
	}
	if rec.NextFireAt.After(now) {
		return rec.NextFireAt
	}
	if rec.Trigger != nil {
		if next := rec.Trigger.Next(now); next != nil {
			return next
		}
	}
	f.log.Error("job has no computable next fire",
		logx.String("job_id", rec.ID),
		logx.Time("stored_next", *rec.NextFireAt))
	return nil
}

// FormatDuration renders d as "N days, N hours, N minutes" with zero
// components dropped, falling back to "N seconds" when under a minute.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 {
		return plural(int(d%time.Minute/time.Second), "second")
	}
	return strings.Join(parts, ", ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
