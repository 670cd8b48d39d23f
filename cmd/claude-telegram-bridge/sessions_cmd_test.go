package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

func TestRenderSessionsTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := renderSessionsTable([]*session.Session{
		{UserID: 111, ContinuationToken: "abcdef123456", Model: "opus", MessageCount: 4, CumulativeCost: 0.5, LastActive: now.Add(-2 * time.Hour)},
		{UserID: 222, MessageCount: 0},
	}, now)

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Contains(t, lines[0], "USER ID")
	assert.Contains(t, lines[0], "LAST ACTIVE")
	assert.Contains(t, lines[2], "111")
	assert.Contains(t, lines[2], "opus")
	assert.Contains(t, lines[2], "$0.5000")
	assert.Contains(t, lines[2], "2h ago")
	assert.Contains(t, lines[2], "abcdef12...")
	assert.Contains(t, lines[3], "never")
	assert.Contains(t, lines[3], "(new)")
	assert.Contains(t, out, "Total: 2 sessions, $0.5000")
}

func writeSessionsJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const exportJSON = `{
  "111": {"continuation_token": "tok-a", "model": "haiku", "message_count": 2, "cumulative_cost": 0.1},
  "222": {"session_id": "legacy-b", "message_count": 1}
}`

func TestImportFileJSONBackend(t *testing.T) {
	backend, err := session.NewJSONBackend(filepath.Join(t.TempDir(), session.SessionsFileName))
	require.NoError(t, err)
	store, err := session.NewStore(backend)
	require.NoError(t, err)

	n, err := importFile(store, writeSessionsJSON(t, exportJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s, ok := store.Get(222)
	require.True(t, ok)
	assert.Equal(t, "legacy-b", s.ContinuationToken)
}

func TestImportFileSQLiteBackend(t *testing.T) {
	backend, err := session.OpenSQLiteBackend(t.TempDir())
	require.NoError(t, err)
	store, err := session.NewStore(backend)
	require.NoError(t, err)
	defer store.Close()

	path := writeSessionsJSON(t, exportJSON)
	n, err := importFile(store, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	loaded, err := backend.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	from, err := backend.DB().GetMeta(session.MetaJSONImportedFrom)
	require.NoError(t, err)
	assert.Equal(t, path, from)
}

func TestImportFileCorrupt(t *testing.T) {
	store, err := session.NewStore(session.NewMemoryBackend())
	require.NoError(t, err)

	_, err = importFile(store, writeSessionsJSON(t, "{not json"))
	assert.ErrorIs(t, err, session.ErrCorruptStore)
}

func TestEnsureNotRunning(t *testing.T) {
	mem, err := session.NewStore(session.NewMemoryBackend())
	require.NoError(t, err)
	assert.NoError(t, ensureNotRunning(mem, t.TempDir()))

	dir := t.TempDir()
	backend, err := session.OpenSQLiteBackend(dir)
	require.NoError(t, err)
	store, err := session.NewStore(backend)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, ensureNotRunning(store, dir))

	require.NoError(t, backend.DB().RegisterInstance(true))
	assert.ErrorIs(t, ensureNotRunning(store, dir), session.ErrBridgeRunning)

	require.NoError(t, backend.DB().UnregisterInstance())
	assert.NoError(t, ensureNotRunning(store, dir))
}

func TestEnsureNotRunningJSONBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := session.OpenBackend("json", dir)
	require.NoError(t, err)
	store, err := session.NewStore(backend)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, ensureNotRunning(store, dir))

	lock, err := session.AcquireRunLock(dir)
	require.NoError(t, err)
	assert.ErrorIs(t, ensureNotRunning(store, dir), session.ErrBridgeRunning)

	require.NoError(t, lock.Release())
	assert.NoError(t, ensureNotRunning(store, dir))
}

func TestClaimPrimary(t *testing.T) {
	backend, err := session.OpenSQLiteBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	primary, err := claimPrimary(backend.DB())
	require.NoError(t, err)
	assert.True(t, primary)

	// Claiming again from the same process keeps the role
	primary, err = claimPrimary(backend.DB())
	require.NoError(t, err)
	assert.True(t, primary)
}
