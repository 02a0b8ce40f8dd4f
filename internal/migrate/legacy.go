// Package migrate imports job records from the previous bot generation's
// database into per-workspace stores.
//
// Legacy records are versioned JSON blobs in a single sqlite table. The
// decoder is strict per version: a record it cannot prove valid is skipped
// and reported, never guessed at. Job ids are preserved so re-running a
// migration cannot duplicate reminders.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/job"
	"remindbot/internal/trigger"
)

// legacyEnvelope is the decoded form of one legacy record blob. Version
// picks which fields must be present.
type legacyEnvelope struct {
	Version     int           `json:"version"`
	ID          string        `json:"id"`
	Func        string        `json:"func,omitempty"`
	Kwargs      legacyKwargs  `json:"kwargs"`
	Trigger     legacyTrigger `json:"trigger"`
	NextRunTime *time.Time    `json:"next_run_time,omitempty"`
}

type legacyKwargs struct {
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	Message   string `json:"message"`
	AuthorID  string `json:"author_id,omitempty"`
}

// legacyFunc is the callback reference the old scheduler stored on reminder
// jobs. The legacy table also held jobs for other subsystems; those cannot
// be carried over as reminders and are skipped.
const legacyFunc = "reminders:send_reminder"

// legacyTrigger mirrors the old scheduler's trigger serialization: a kind
// tag plus that kind's fields. Durations are stored as seconds.
type legacyTrigger struct {
	Kind string `json:"kind"`

	RunDate *time.Time `json:"run_date,omitempty"`

	Seconds   float64    `json:"seconds,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Jitter    float64    `json:"jitter,omitempty"`

	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Year      string `json:"year,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// decodeRecord turns one legacy row into a record plus the workspace it
// belongs to. now anchors recomputed schedules; records whose trigger has
// nothing left to fire come back paused rather than dropped.
func decodeRecord(rowID string, blob []byte, fallbackWorkspace string, now time.Time) (job.Record, string, error) {
	var env legacyEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return job.Record{}, "", fmt.Errorf("decode blob: %w", err)
	}

	switch env.Version {
	case 1:
		if env.Kwargs.ChannelID == "" {
			return job.Record{}, "", errors.New("v1 record missing channel_id")
		}
		// v1 predates DM reminders.
		env.Kwargs.UserID = ""
	case 2:
	default:
		return job.Record{}, "", fmt.Errorf("unsupported record version %d", env.Version)
	}

	if env.ID != "" && env.ID != rowID {
		return job.Record{}, "", fmt.Errorf("blob id %q does not match row id", env.ID)
	}
	if env.Func != "" && env.Func != legacyFunc {
		return job.Record{}, "", fmt.Errorf("not a reminder job: func %q", env.Func)
	}

	workspace := env.Kwargs.GuildID
	if workspace == "" {
		workspace = fallbackWorkspace
	}

	tr, err := decodeTrigger(env.Trigger)
	if err != nil {
		return job.Record{}, "", err
	}

	p := job.Payload{
		Target: job.Target{
			ChannelID: env.Kwargs.ChannelID,
			UserID:    env.Kwargs.UserID,
		},
		Message:     env.Kwargs.Message,
		AuthorID:    env.Kwargs.AuthorID,
		WorkspaceID: workspace,
	}
	if err := p.Validate(); err != nil {
		return job.Record{}, "", err
	}

	rec := job.Record{
		ID:         rowID,
		Trigger:    tr,
		NextFireAt: tr.Next(now),
		Payload:    p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return rec, workspace, nil
}

func decodeTrigger(lt legacyTrigger) (trigger.Trigger, error) {
	switch lt.Kind {
	case "date":
		if lt.RunDate == nil {
			return nil, errors.New("date trigger missing run_date")
		}
		return trigger.NewOneShot(*lt.RunDate)

	case "interval":
		period := secondsDuration(lt.Seconds)
		if period <= 0 {
			return nil, fmt.Errorf("interval trigger has period %v", lt.Seconds)
		}
		opts := trigger.IntervalOptions{Jitter: secondsDuration(lt.Jitter)}
		if lt.StartDate != nil {
			opts.Start = *lt.StartDate
		}
		if lt.EndDate != nil {
			opts.End = *lt.EndDate
		}
		return trigger.NewInterval(period, opts)

	case "cron":
		spec := trigger.CronSpec{
			Fields: trigger.CronFields{
				Second:    lt.Second,
				Minute:    lt.Minute,
				Hour:      lt.Hour,
				Day:       lt.Day,
				Month:     lt.Month,
				DayOfWeek: lt.DayOfWeek,
				Year:      lt.Year,
			},
			Timezone: lt.Timezone,
			Jitter:   secondsDuration(lt.Jitter),
		}
		if lt.StartDate != nil {
			spec.Start = *lt.StartDate
		}
		if lt.EndDate != nil {
			spec.End = *lt.EndDate
		}
		return trigger.NewCron(spec)

	default:
		return nil, fmt.Errorf("unknown trigger kind %q", lt.Kind)
	}
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// readLegacy streams every row of the legacy table through fn.
func readLegacy(ctx context.Context, db *sql.DB, fn func(id string, blob []byte)) error {
	rows, err := db.QueryContext(ctx, `SELECT id, record FROM legacy_jobs ORDER BY id`)
	if err != nil {
		return fmt.Errorf("read legacy_jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		fn(id, blob)
	}
	return rows.Err()
}
