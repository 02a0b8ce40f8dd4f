package workspace

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed settings.sql
var settingsFS embed.FS

// Settings holds the per-workspace knobs that live outside the job store:
// the timezone trigger text is interpreted in, whether the workspace may be
// constructed at all, and who may administer it.
type Settings struct {
	WorkspaceID string
	Timezone    string
	Enabled     bool
	Admins      []string
	UpdatedAt   time.Time
}

// IsAdmin reports whether userID may administer this workspace. An empty
// admin list means anyone may.
func (s Settings) IsAdmin(userID string) bool {
	if len(s.Admins) == 0 {
		return true
	}
	for _, a := range s.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

// SettingsStore keeps workspace settings in one shared sqlite database,
// separate from the per-workspace job stores.
type SettingsStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	mu sync.Mutex
}

// SettingsPath returns the settings database file under dataDir.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.sqlite")
}

func OpenSettings(path string, log logx.Logger) (*SettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SettingsStore{db: db, log: log, now: time.Now}

	b, err := settingsFS.ReadFile("settings.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate settings: %w", err)
	}
	return s, nil
}

func (s *SettingsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads one workspace's settings. The found flag is false when the
// workspace has never been configured; callers fall back to defaults.
func (s *SettingsStore) Get(ctx context.Context, workspaceID string) (Settings, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, enabled, admins, updated_at FROM workspaces WHERE id = ?`, workspaceID)

	var (
		got     Settings
		enabled int64
		admins  sql.NullString
		updated int64
	)
	err := row.Scan(&got.WorkspaceID, &got.Timezone, &enabled, &admins, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("load settings for %s: %w", workspaceID, err)
	}
	got.Enabled = enabled != 0
	got.UpdatedAt = time.UnixMilli(updated)
	if admins.Valid && admins.String != "" {
		if err := json.Unmarshal([]byte(admins.String), &got.Admins); err != nil {
			return Settings{}, false, fmt.Errorf("decode admins for %s: %w", workspaceID, err)
		}
	}
	return got, true, nil
}

// Put inserts or replaces one workspace's settings.
func (s *SettingsStore) Put(ctx context.Context, set Settings) error {
	if strings.TrimSpace(set.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	tz := strings.TrimSpace(set.Timezone)
	if tz == "" {
		tz = "UTC"
	}

	var admins any
	if len(set.Admins) > 0 {
		b, err := json.Marshal(set.Admins)
		if err != nil {
			return err
		}
		admins = string(b)
	}

	enabled := 0
	if set.Enabled {
		enabled = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, timezone, enabled, admins, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			admins = excluded.admins,
			updated_at = excluded.updated_at`,
		set.WorkspaceID, tz, enabled, admins, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", set.WorkspaceID, err)
	}
	s.log.Debug("workspace settings saved",
		logx.String("workspace", set.WorkspaceID),
		logx.String("timezone", tz),
		logx.Bool("enabled", set.Enabled),
	)
	return nil
}
