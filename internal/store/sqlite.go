package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/job"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Options tune the sqlite backend.
type Options struct {
	BusyTimeout time.Duration    // default 5s
	Now         func() time.Time // default time.Now
}

type sqliteStore struct {
	ws  string
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	// Serializes mutating calls so read-modify-write sequences (resume,
	// reschedule, import) are atomic with respect to each other.
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) one workspace's job database.
func OpenSQLite(path, workspaceID string, log logx.Logger, opts Options) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	st := &sqliteStore{ws: workspaceID, db: db, log: log, now: nowFn}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) WorkspaceID() string { return s.ws }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, trigger, next_fire_at, channel_id, user_id, message, author_id, workspace_id, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (job.Record, error) {
	var (
		id, trJSON, message   string
		next                  sql.NullInt64
		channelID, userID     sql.NullString
		authorID, workspaceID sql.NullString
		createdMS, updatedMS  int64
	)
	err := row.Scan(&id, &trJSON, &next, &channelID, &userID, &message, &authorID, &workspaceID, &createdMS, &updatedMS)
	if err != nil {
		return job.Record{}, err
	}
	tr, err := trigger.Unmarshal([]byte(trJSON))
	if err != nil {
		return job.Record{}, fmt.Errorf("job %s: %w", id, err)
	}
	rec := job.Record{
		ID:      id,
		Trigger: tr,
		Payload: job.Payload{
			Target:      job.Target{ChannelID: channelID.String, UserID: userID.String},
			Message:     message,
			AuthorID:    authorID.String,
			WorkspaceID: workspaceID.String,
		},
		CreatedAt: time.UnixMilli(createdMS),
		UpdatedAt: time.UnixMilli(updatedMS),
	}
	if next.Valid {
		t := time.UnixMilli(next.Int64)
		rec.NextFireAt = &t
	}
	return rec, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (job.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec, err
}

func (s *sqliteStore) List(ctx context.Context) ([]job.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Add(ctx context.Context, tr trigger.Trigger, p job.Payload) (job.Record, error) {
	if err := p.Validate(); err != nil {
		return job.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
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
	if err := s.insert(ctx, s.db, rec); err != nil {
		return job.Record{}, err
	}
	s.log.Debug("job added",
		logx.String("job_id", rec.ID),
		logx.String("trigger", string(tr.Kind())),
		logx.Time("next_fire_at", *next))
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) insert(ctx context.Context, db execer, rec job.Record) error {
	trJSON, err := trigger.Marshal(rec.Trigger)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(trJSON), nullMilli(rec.NextFireAt),
		nullStr(rec.Payload.Target.ChannelID), nullStr(rec.Payload.Target.UserID),
		rec.Payload.Message, nullStr(rec.Payload.AuthorID), nullStr(rec.Payload.WorkspaceID),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (s *sqliteStore) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_fire_at = NULL, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (s *sqliteStore) Resume(ctx context.Context, id string) (job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	now := s.now()
	next := rec.Trigger.Next(now)
	if next == nil {
		// Expired while paused. Nothing left to schedule.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		s.log.Warn("job removed on resume, trigger expired", logx.String("job_id", id))
		return job.Record{}, fmt.Errorf("job %s: %w", id, ErrTriggerExhausted)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		next.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return job.Record{}, err
	}
	rec.NextFireAt = next
	rec.UpdatedAt = now
	return rec, nil
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, tr trigger.Trigger) (job.Record, error) {
	trJSON, err := trigger.Marshal(tr)
	if err != nil {
		return job.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	now := s.now()
	next := tr.Next(now)
	if next == nil {
		return job.Record{}, ErrTriggerExhausted
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET trigger = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`,
		string(trJSON), next.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return job.Record{}, err
	}
	rec.Trigger = tr
	rec.NextFireAt = next
	rec.UpdatedAt = now
	return rec, nil
}

func (s *sqliteStore) ModifyPayload(ctx context.Context, id string, patch job.PayloadPatch) (job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	p := rec.Payload.Apply(patch)
	if err := p.Validate(); err != nil {
		return job.Record{}, err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET channel_id = ?, user_id = ?, message = ?, author_id = ?, updated_at = ? WHERE id = ?`,
		nullStr(p.Target.ChannelID), nullStr(p.Target.UserID), p.Message, nullStr(p.AuthorID),
		now.UnixMilli(), id)
	if err != nil {
		return job.Record{}, err
	}
	rec.Payload = p
	rec.UpdatedAt = now
	return rec, nil
}

func (s *sqliteStore) Advance(ctx context.Context, id string, from time.Time, to *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if to == nil {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE id = ? AND next_fire_at = ?`,
			id, from.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET next_fire_at = ?, updated_at = ? WHERE id = ? AND next_fire_at = ?`,
			to.UnixMilli(), s.now().UnixMilli(), id, from.UnixMilli())
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Vacuum compacts the database file and truncates the WAL. Runs under the
// writer lock so it never interleaves with a mutation.
func (s *sqliteStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return nil
}

func (s *sqliteStore) Export(ctx context.Context, w io.Writer) error {
	recs, err := s.List(ctx)
	if err != nil {
		return err
	}
	return WriteBlob(w, recs)
}

func (s *sqliteStore) Import(ctx context.Context, r io.Reader, skipExisting bool) (ImportReport, error) {
	blob, err := readBlob(r)
	if err != nil {
		return ImportReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ImportReport{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var report ImportReport
	now := s.now()
	for _, ej := range blob.Jobs {
		rec, err := decodeBlobJob(ej)
		if err != nil {
			return ImportReport{}, err
		}

		var exists bool
		err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, rec.ID).Scan(&exists)
		if err != nil {
			return ImportReport{}, err
		}
		if exists {
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
		if err := s.insert(ctx, tx, rec); err != nil {
			return ImportReport{}, err
		}
		report.Added = append(report.Added, rec.ID)
	}
	if err := tx.Commit(); err != nil {
		return ImportReport{}, err
	}

	s.log.Info("import finished",
		logx.String("workspace_id", s.ws),
		logx.Int("added", len(report.Added)),
		logx.Int("skipped", len(report.Skipped)))
	return report, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
