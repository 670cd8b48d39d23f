package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
	"github.com/huangzesen/claude-telegram-bridge/internal/statedb"
)

var storeLog = logging.ForComponent(logging.CompStore)

// Metadata keys written by the SQLite backend.
const (
	MetaJSONImportedFrom = "json_imported_from"
	MetaJSONImportedAt   = "json_imported_at"
)

// SQLiteBackend persists sessions in state.db inside a profile directory.
type SQLiteBackend struct {
	db     *statedb.StateDB
	dbPath string
}

// OpenSQLiteBackend opens (creating if needed) dir/state.db.
// When the database has no sessions and dir/sessions.json exists, the JSON
// records are imported and the file is renamed to sessions.json.migrated.
func OpenSQLiteBackend(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: mkdir: %w", err)
	}

	dbPath := filepath.Join(dir, StateDBFileName)
	db, err := statedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("session: open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		if errors.Is(err, statedb.ErrSchema) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
		}
		return nil, fmt.Errorf("session: migrate state database: %w", err)
	}

	b := &SQLiteBackend{db: db, dbPath: dbPath}
	if err := b.importSiblingJSON(filepath.Join(dir, SessionsFileName)); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) importSiblingJSON(jsonPath string) error {
	if _, err := os.Stat(jsonPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	empty, err := b.db.IsEmpty()
	if err != nil {
		return fmt.Errorf("session: check empty: %w", err)
	}
	if !empty {
		return nil
	}

	n, err := b.ImportJSON(jsonPath)
	if err != nil {
		return err
	}
	storeLog.Info("migrated_from_json", slog.String("path", jsonPath), slog.Int("sessions", n))

	migratedPath := jsonPath + ".migrated"
	if err := os.Rename(jsonPath, migratedPath); err != nil {
		storeLog.Warn("json_rename_failed", slog.String("error", err.Error()))
	}
	return nil
}

// ImportJSON upserts every record from a sessions.json file and records the
// source in metadata. Existing rows for other users are kept.
func (b *SQLiteBackend) ImportJSON(jsonPath string) (int, error) {
	sessions, err := ReadJSONFile(jsonPath)
	if err != nil {
		return 0, err
	}
	rows := make([]*statedb.SessionRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, toRow(s))
	}
	if err := b.db.SaveSessions(rows); err != nil {
		return 0, fmt.Errorf("session: import %s: %w", jsonPath, err)
	}
	_ = b.db.SetMeta(MetaJSONImportedFrom, jsonPath)
	_ = b.db.SetMeta(MetaJSONImportedAt, time.Now().UTC().Format(time.RFC3339))
	return len(rows), nil
}

// DB exposes the state database for heartbeat and primary election.
func (b *SQLiteBackend) DB() *statedb.StateDB { return b.db }

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.dbPath }

func (b *SQLiteBackend) Load() ([]*Session, error) {
	rows, err := b.db.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	out := make([]*Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (b *SQLiteBackend) Put(s *Session) error {
	return b.db.SaveSession(toRow(s))
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func toRow(s *Session) *statedb.SessionRow {
	return &statedb.SessionRow{
		UserID:            s.UserID,
		ContinuationToken: s.ContinuationToken,
		Model:             s.Model,
		CumulativeCost:    s.CumulativeCost,
		MessageCount:      s.MessageCount,
		CreatedAt:         s.CreatedAt,
		LastActive:        s.LastActive,
	}
}

func fromRow(r *statedb.SessionRow) *Session {
	return &Session{
		UserID:            r.UserID,
		ContinuationToken: r.ContinuationToken,
		Model:             r.Model,
		CumulativeCost:    r.CumulativeCost,
		MessageCount:      r.MessageCount,
		CreatedAt:         r.CreatedAt,
		LastActive:        r.LastActive,
	}
}
