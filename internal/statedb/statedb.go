package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding per-user session records.
// Safe for concurrent use from multiple goroutines; other processes can read
// the same file thanks to WAL mode and the busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// SessionRow is one persisted conversation record.
type SessionRow struct {
	UserID            int64
	ContinuationToken string
	Model             string
	CumulativeCost    float64
	MessageCount      int
	CreatedAt         time.Time
	LastActive        time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout: wait up to 5s if another process (the sessions subcommand) holds a lock.
	// synchronous=FULL: an acknowledged save survives power loss.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for tests and ad-hoc queries.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
// A database written by a newer build is refused rather than silently downgraded.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	var current string
	err = tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("statedb: read schema version: %w", err)
	default:
		v, convErr := strconv.Atoi(current)
		if convErr != nil {
			return fmt.Errorf("statedb: %w: schema_version %q", ErrSchema, current)
		}
		if v > SchemaVersion {
			return fmt.Errorf("statedb: %w: database is v%d, this build supports v%d", ErrSchema, v, SchemaVersion)
		}
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			user_id            INTEGER PRIMARY KEY,
			continuation_token TEXT NOT NULL DEFAULT '',
			model              TEXT NOT NULL DEFAULT '',
			cumulative_cost    REAL NOT NULL DEFAULT 0,
			message_count      INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			last_active        INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS instance_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// ErrSchema reports a schema_version this build cannot read.
var ErrSchema = errors.New("unsupported schema")

// IsEmpty returns true if the sessions table has no rows.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// --- Session CRUD ---

const upsertSession = `
	INSERT INTO sessions (
		user_id, continuation_token, model, cumulative_cost,
		message_count, created_at, last_active
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		continuation_token = excluded.continuation_token,
		model              = excluded.model,
		cumulative_cost    = excluded.cumulative_cost,
		message_count      = excluded.message_count,
		created_at         = excluded.created_at,
		last_active        = excluded.last_active
`

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func sessionArgs(r *SessionRow) []any {
	return []any{
		r.UserID, r.ContinuationToken, r.Model, r.CumulativeCost,
		r.MessageCount, unixOrZero(r.CreatedAt), unixOrZero(r.LastActive),
	}
}

// SaveSession inserts or updates a single session row.
func (s *StateDB) SaveSession(r *SessionRow) error {
	if _, err := s.db.Exec(upsertSession, sessionArgs(r)...); err != nil {
		return fmt.Errorf("statedb: save session %d: %w", r.UserID, err)
	}
	return nil
}

// SaveSessions upserts many rows in one transaction. Rows not in the list are kept.
func (s *StateDB) SaveSessions(rows []*SessionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertSession)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(sessionArgs(r)...); err != nil {
			return fmt.Errorf("statedb: save session %d: %w", r.UserID, err)
		}
	}
	return tx.Commit()
}

// LoadSessions returns all sessions ordered by user id.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT user_id, continuation_token, model, cumulative_cost,
			message_count, created_at, last_active
		FROM sessions ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		r := &SessionRow{}
		var created, active int64
		if err := rows.Scan(
			&r.UserID, &r.ContinuationToken, &r.Model, &r.CumulativeCost,
			&r.MessageCount, &created, &active,
		); err != nil {
			return nil, err
		}
		r.CreatedAt = timeOrZero(created)
		r.LastActive = timeOrZero(active)
		result = append(result, r)
	}
	return result, rows.Err()
}

// DeleteSession removes a session by user id.
func (s *StateDB) DeleteSession(userID int64) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE user_id = ?", userID)
	return err
}

// --- Heartbeat ---

// RegisterInstance records this process as a running bridge.
func (s *StateDB) RegisterInstance(isPrimary bool) error {
	now := time.Now().Unix()
	primary := 0
	if isPrimary {
		primary = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instance_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, ?)
	`, s.pid, now, now, primary)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterInstance removes this process from the heartbeat table.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM instance_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveInstanceCount returns how many bridges have a heartbeat newer than timeout.
func (s *StateDB) AliveInstanceCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM instance_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// --- Primary Election ---

// ElectPrimary attempts to make this process the one that polls the bot.
// Returns true if this process is now (or already was) the primary.
// Stale primaries (no heartbeat within timeout) are demoted first.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM instance_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: query primary: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE instance_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE instance_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
