// Package store persists job records, one database per workspace.
//
// A Store is the unit of mutual exclusion: mutating calls on one store are
// serialized, different workspaces' stores are fully independent. The sqlite
// backend is the durable one; NewMemory backs scheduler tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"remindbot/internal/job"
	"remindbot/internal/trigger"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDuplicateJobID   = errors.New("duplicate job id")
	ErrTriggerExhausted = errors.New("trigger yields no next fire")
	ErrClosed           = errors.New("store closed")
)

// Store is the durable collection of job records for one workspace.
type Store interface {
	WorkspaceID() string

	Get(ctx context.Context, id string) (job.Record, error)
	// List returns all records, paused included, in no particular order.
	List(ctx context.Context) ([]job.Record, error)

	// Add assigns a fresh id and arms the trigger. A trigger that cannot
	// produce a next fire is rejected with ErrTriggerExhausted.
	Add(ctx context.Context, tr trigger.Trigger, p job.Payload) (job.Record, error)
	Remove(ctx context.Context, id string) error

	// Pause clears next_fire_at and keeps the trigger. Pausing a paused
	// job succeeds.
	Pause(ctx context.Context, id string) error
	// Resume recomputes next_fire_at from the retained trigger at now:
	// instants that fell inside the pause are skipped, not replayed, and
	// an interval resumes on its original start+k*period lattice. A
	// trigger that expired while paused removes the job and reports
	// ErrTriggerExhausted.
	Resume(ctx context.Context, id string) (job.Record, error)
	// Reschedule swaps the trigger and re-arms.
	Reschedule(ctx context.Context, id string, tr trigger.Trigger) (job.Record, error)
	// ModifyPayload merges the patch; the trigger and schedule stay put.
	ModifyPayload(ctx context.Context, id string, patch job.PayloadPatch) (job.Record, error)

	// Advance moves a fired job forward: to == nil removes it (consumed
	// one-shot or exhausted recurring), otherwise next_fire_at becomes
	// to. The move only happens while next_fire_at still equals from, so
	// a concurrent pause or reschedule wins; the return reports whether
	// the move happened.
	Advance(ctx context.Context, id string, from time.Time, to *time.Time) (bool, error)

	// Export writes the blob; Import adds records from one. Import never
	// overwrites: with skipExisting, conflicting ids are reported in the
	// ImportReport, without it the first conflict rolls everything back.
	Export(ctx context.Context, w io.Writer) error
	Import(ctx context.Context, r io.Reader, skipExisting bool) (ImportReport, error)

	// Vacuum compacts the backing file. Housekeeping hook; a no-op for
	// backends with nothing to compact.
	Vacuum(ctx context.Context) error

	Close() error
}

// ImportReport says which ids an Import added and which it skipped.
type ImportReport struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
}

const blobVersion = 1

type exportBlob struct {
	Version    int           `json:"version"`
	ExportedAt time.Time     `json:"exported_at"`
	Jobs       []exportedJob `json:"jobs"`
}

type exportedJob struct {
	ID         string          `json:"id"`
	Trigger    json.RawMessage `json:"trigger"`
	NextFireAt *time.Time      `json:"next_fire_at,omitempty"`
	Payload    job.Payload     `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WriteBlob encodes records in the export/import format. Migration uses it
// to feed Import with reconstructed legacy records.
func WriteBlob(w io.Writer, recs []job.Record) error {
	blob := exportBlob{Version: blobVersion, ExportedAt: time.Now(), Jobs: make([]exportedJob, 0, len(recs))}
	for _, rec := range recs {
		trJSON, err := trigger.Marshal(rec.Trigger)
		if err != nil {
			return fmt.Errorf("job %s: %w", rec.ID, err)
		}
		blob.Jobs = append(blob.Jobs, exportedJob{
			ID:         rec.ID,
			Trigger:    trJSON,
			NextFireAt: rec.NextFireAt,
			Payload:    rec.Payload,
			CreatedAt:  rec.CreatedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(blob)
}

func readBlob(r io.Reader) (exportBlob, error) {
	var blob exportBlob
	if err := json.NewDecoder(r).Decode(&blob); err != nil {
		return exportBlob{}, fmt.Errorf("decode export blob: %w", err)
	}
	if blob.Version != blobVersion {
		return exportBlob{}, fmt.Errorf("unsupported export blob version %d", blob.Version)
	}
	return blob, nil
}

// decodeBlobJob validates one blob entry and rebuilds the record.
func decodeBlobJob(ej exportedJob) (job.Record, error) {
	if ej.ID == "" {
		return job.Record{}, errors.New("blob entry missing id")
	}
	tr, err := trigger.Unmarshal(ej.Trigger)
	if err != nil {
		return job.Record{}, fmt.Errorf("job %s: %w", ej.ID, err)
	}
	if err := ej.Payload.Validate(); err != nil {
		return job.Record{}, fmt.Errorf("job %s: %w", ej.ID, err)
	}
	return job.Record{
		ID:         ej.ID,
		Trigger:    tr,
		NextFireAt: ej.NextFireAt,
		Payload:    ej.Payload,
		CreatedAt:  ej.CreatedAt,
	}, nil
}
