package migrate

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"remindbot/internal/job"
	"remindbot/internal/store"
	"remindbot/internal/workspace"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// LegacyPath is the old database file. A missing file is a no-op, so
	// the migration can stay configured after it has run.
	LegacyPath string
	// DataDir receives the per-workspace stores.
	DataDir string
	// FallbackWorkspace takes records with no workspace of their own.
	// Empty means "legacy".
	FallbackWorkspace string
	Now               func() time.Time
}

type SkippedRecord struct {
	ID     string
	Reason string
}

type Report struct {
	Scanned int
	// Migrated counts records newly written to a workspace store.
	Migrated int
	// AlreadyPresent counts ids that were migrated by an earlier run.
	AlreadyPresent int
	// Bad lists records the decoder refused, left behind in the renamed file.
	Bad        []SkippedRecord
	Workspaces []string
	RenamedTo  string
}

// Run migrates every record in the legacy database into per-workspace
// stores, then renames the legacy file out of the way and drops an audit
// note beside it. The legacy file is never deleted, and ids carry over, so
// running twice adds nothing.
func Run(ctx context.Context, cfg Config, log logx.Logger) (Report, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FallbackWorkspace == "" {
		cfg.FallbackWorkspace = "legacy"
	}

	var rep Report
	if strings.TrimSpace(cfg.LegacyPath) == "" {
		return rep, nil
	}
	if _, err := os.Stat(cfg.LegacyPath); os.IsNotExist(err) {
		log.Debug("no legacy database, skipping migration", logx.String("path", cfg.LegacyPath))
		return rep, nil
	} else if err != nil {
		return rep, err
	}

	now := cfg.Now()
	groups, rep2, err := readAndDecode(ctx, cfg, now)
	rep = rep2
	if err != nil {
		return rep, err
	}

	for _, ws := range sortedKeys(groups) {
		added, present, err := importWorkspace(ctx, cfg, log, ws, groups[ws])
		if err != nil {
			return rep, fmt.Errorf("import into workspace %s: %w", ws, err)
		}
		rep.Migrated += added
		rep.AlreadyPresent += present
		rep.Workspaces = append(rep.Workspaces, ws)
	}

	renamed := fmt.Sprintf("%s.migrated-%s", cfg.LegacyPath, now.Format("20060102-150405"))
	if err := os.Rename(cfg.LegacyPath, renamed); err != nil {
		return rep, fmt.Errorf("rename legacy database: %w", err)
	}
	rep.RenamedTo = renamed
	writeReadme(cfg, rep, now, log)

	log.Info("legacy migration finished",
		logx.Int("scanned", rep.Scanned),
		logx.Int("migrated", rep.Migrated),
		logx.Int("already_present", rep.AlreadyPresent),
		logx.Int("bad", len(rep.Bad)),
		logx.String("renamed_to", renamed),
	)
	return rep, nil
}

// readAndDecode loads the whole legacy table and closes the file again, so
// the later rename never races an open handle.
func readAndDecode(ctx context.Context, cfg Config, now time.Time) (map[string][]job.Record, Report, error) {
	var rep Report

	db, err := sql.Open("sqlite", cfg.LegacyPath)
	if err != nil {
		return nil, rep, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	groups := map[string][]job.Record{}
	err = readLegacy(ctx, db, func(id string, blob []byte) {
		rep.Scanned++
		rec, ws, err := decodeRecord(id, blob, cfg.FallbackWorkspace, now)
		if err != nil {
			rep.Bad = append(rep.Bad, SkippedRecord{ID: id, Reason: err.Error()})
			return
		}
		if err := workspace.ValidateID(ws); err != nil {
			rep.Bad = append(rep.Bad, SkippedRecord{ID: id, Reason: err.Error()})
			return
		}
		groups[ws] = append(groups[ws], rec)
	})
	if err != nil {
		return nil, rep, err
	}
	return groups, rep, nil
}

func importWorkspace(ctx context.Context, cfg Config, log logx.Logger, ws string, recs []job.Record) (added, present int, err error) {
	st, err := store.OpenSQLite(workspace.StorePath(cfg.DataDir, ws), ws, log, store.Options{Now: cfg.Now})
	if err != nil {
		return 0, 0, err
	}
	defer st.Close()

	var buf bytes.Buffer
	if err := store.WriteBlob(&buf, recs); err != nil {
		return 0, 0, err
	}
	report, err := st.Import(ctx, &buf, true)
	if err != nil {
		return 0, 0, err
	}
	return len(report.Added), len(report.Skipped), nil
}

func writeReadme(cfg Config, rep Report, now time.Time, log logx.Logger) {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder data migration, %s\n\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "  scanned:                   %d records\n", rep.Scanned)
	fmt.Fprintf(&b, "  migrated:                  %d\n", rep.Migrated)
	fmt.Fprintf(&b, "  skipped (already present): %d\n", rep.AlreadyPresent)
	fmt.Fprintf(&b, "  skipped (undecodable):     %d\n", len(rep.Bad))
	fmt.Fprintf(&b, "  workspaces:                %s\n\n", strings.Join(rep.Workspaces, ", "))
	for _, bad := range rep.Bad {
		fmt.Fprintf(&b, "  undecodable record %s: %s\n", bad.ID, bad.Reason)
	}
	if len(rep.Bad) > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "The old database was renamed to %s and never deleted.\n", filepath.Base(rep.RenamedTo))
	fmt.Fprintf(&b, "The new stores live in %s, one sqlite file per workspace.\n", cfg.DataDir)
	fmt.Fprintf(&b, "Undecodable records remain in the renamed file.\n")

	path := filepath.Join(filepath.Dir(cfg.LegacyPath), "MIGRATION_README.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		log.Warn("could not write migration readme", logx.Err(err))
	}
}

func sortedKeys(m map[string][]job.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AuditRetired reports retired legacy databases still sitting next to
// legacyPath. Retired files are kept forever unless an operator archives
// them; this logs what is there so they are not forgotten. Returns the
// number of retired files found.
func AuditRetired(legacyPath string, log logx.Logger) (int, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(legacyPath) == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(legacyPath + ".migrated-*")
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}

	var total int64
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil {
			total += fi.Size()
		}
	}
	log.Info("retired legacy databases on disk",
		logx.Int("files", len(matches)),
		logx.Int("total_bytes", int(total)),
		logx.String("dir", filepath.Dir(legacyPath)),
	)
	return len(matches), nil
}
