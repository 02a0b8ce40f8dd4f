package store

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"remindbot/internal/job"
	"remindbot/internal/trigger"
)

// memStore keeps records in a map. It backs scheduler and registry tests;
// nothing survives a restart.
type memStore struct {
	ws  string
	now func() time.Time

	mu     sync.RWMutex
	jobs   map[string]job.Record
	closed bool
}

// NewMemory returns an in-memory Store. now == nil means time.Now.
func NewMemory(workspaceID string, now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memStore{ws: workspaceID, now: now, jobs: map[string]job.Record{}}
}

func (m *memStore) WorkspaceID() string { return m.ws }

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshot copies a record so callers cannot alias the stored NextFireAt.
func snapshot(rec job.Record) job.Record {
	if rec.NextFireAt != nil {
		t := *rec.NextFireAt
		rec.NextFireAt = &t
	}
	return rec
}

func (m *memStore) Get(_ context.Context, id string) (job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok {
		return job.Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return snapshot(rec), nil
}

func (m *memStore) List(_ context.Context) ([]job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]job.Record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, snapshot(rec))
	}
	return out, nil
}

func (m *memStore) Add(_ context.Context, tr trigger.Trigger, p job.Payload) (job.Record, error) {
	if err := p.Validate(); err != nil {
		return job.Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}

	now := m.now()
	next := tr.Next(now)
	if next == nil {
		return job.Record{}, ErrTriggerExhausted
	}
	rec := job.Record{
		ID:         job.NewID(),
		Trigger:    tr,
		NextFireAt: next,
		Payload:    p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[rec.ID] = rec
	return snapshot(rec), nil
}

func (m *memStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Pause(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	rec.NextFireAt = nil
	rec.UpdatedAt = m.now()
	m.jobs[id] = rec
	return nil
}

func (m *memStore) Resume(_ context.Context, id string) (job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok {
		return job.Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	now := m.now()
	next := rec.Trigger.Next(now)
	if next == nil {
		delete(m.jobs, id)
		return job.Record{}, fmt.Errorf("job %s: %w", id, ErrTriggerExhausted)
	}
	rec.NextFireAt = next
	rec.UpdatedAt = now
	m.jobs[id] = rec
	return snapshot(rec), nil
}

func (m *memStore) Reschedule(_ context.Context, id string, tr trigger.Trigger) (job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok {
		return job.Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	now := m.now()
	next := tr.Next(now)
	if next == nil {
		return job.Record{}, ErrTriggerExhausted
	}
	rec.Trigger = tr
	rec.NextFireAt = next
	rec.UpdatedAt = now
	m.jobs[id] = rec
	return snapshot(rec), nil
}

func (m *memStore) ModifyPayload(_ context.Context, id string, patch job.PayloadPatch) (job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok {
		return job.Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	p := rec.Payload.Apply(patch)
	if err := p.Validate(); err != nil {
		return job.Record{}, err
	}
	rec.Payload = p
	rec.UpdatedAt = m.now()
	m.jobs[id] = rec
	return snapshot(rec), nil
}

func (m *memStore) Advance(_ context.Context, id string, from time.Time, to *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	rec, ok := m.jobs[id]
	if !ok || rec.NextFireAt == nil || !rec.NextFireAt.Equal(from) {
		return false, nil
	}
	if to == nil {
		delete(m.jobs, id)
		return true, nil
	}
	t := *to
	rec.NextFireAt = &t
	rec.UpdatedAt = m.now()
	m.jobs[id] = rec
	return true, nil
}

func (m *memStore) Vacuum(context.Context) error { return nil }

func (m *memStore) Export(ctx context.Context, w io.Writer) error {
	recs, err := m.List(ctx)
	if err != nil {
		return err
	}
	return WriteBlob(w, recs)
}

func (m *memStore) Import(_ context.Context, r io.Reader, skipExisting bool) (ImportReport, error) {
	blob, err := readBlob(r)
	if err != nil {
		return ImportReport{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ImportReport{}, ErrClosed
	}

	// Stage first so a conflict without skipExisting leaves the map alone.
	staged := make([]job.Record, 0, len(blob.Jobs))
	seen := make(map[string]bool, len(blob.Jobs))
	var report ImportReport
	now := m.now()
	for _, ej := range blob.Jobs {
		rec, err := decodeBlobJob(ej)
		if err != nil {
			return ImportReport{}, err
		}
		if seen[rec.ID] {
			return ImportReport{}, fmt.Errorf("%w: %s repeated in blob", ErrDuplicateJobID, rec.ID)
		}
		seen[rec.ID] = true
		if _, exists := m.jobs[rec.ID]; exists {
			if !skipExisting {
				return ImportReport{}, fmt.Errorf("%w: %s", ErrDuplicateJobID, rec.ID)
			}
			report.Skipped = append(report.Skipped, rec.ID)
			continue
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		staged = append(staged, rec)
		report.Added = append(report.Added, rec.ID)
	}
	for _, rec := range staged {
		m.jobs[rec.ID] = rec
	}
	return report, nil
}
