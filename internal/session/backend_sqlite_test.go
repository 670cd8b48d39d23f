package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1_760_000_000, 0)

	b, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	store, err := NewStore(b)
	require.NoError(t, err)
	require.NoError(t, store.Save(&Session{
		UserID:            42,
		ContinuationToken: "t1",
		Model:             "haiku",
		CumulativeCost:    0.01,
		MessageCount:      1,
		CreatedAt:         now,
		LastActive:        now,
	}))
	require.NoError(t, store.Close())

	b2, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	defer b2.Close()
	store2, err := NewStore(b2)
	require.NoError(t, err)

	got, ok := store2.Get(42)
	require.True(t, ok)
	assert.Equal(t, "t1", got.ContinuationToken)
	assert.Equal(t, "haiku", got.Model)
	assert.InDelta(t, 0.01, got.CumulativeCost, 1e-9)
	assert.True(t, now.Equal(got.LastActive))
}

func TestSQLiteBackend_ImportsSiblingJSON(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, SessionsFileName)
	legacy := `{"42": {"session_id": "aaaa-1111", "model": "opus", "message_count": 2}}`
	require.NoError(t, os.WriteFile(jsonPath, []byte(legacy), 0o600))

	b, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	defer b.Close()

	sessions, err := b.Load()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "aaaa-1111", sessions[0].ContinuationToken)

	_, err = os.Stat(jsonPath)
	assert.True(t, os.IsNotExist(err), "sessions.json should be renamed")
	_, err = os.Stat(jsonPath + ".migrated")
	assert.NoError(t, err)

	from, err := b.DB().GetMeta(MetaJSONImportedFrom)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, from)
}

func TestSQLiteBackend_SkipsImportWhenPopulated(t *testing.T) {
	dir := t.TempDir()

	b, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b.Put(&Session{UserID: 1, ContinuationToken: "db"}))
	require.NoError(t, b.Close())

	jsonPath := filepath.Join(dir, SessionsFileName)
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"2": {"continuation_token": "json"}}`), 0o600))

	b2, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	defer b2.Close()

	sessions, err := b2.Load()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].UserID)

	_, err = os.Stat(jsonPath)
	assert.NoError(t, err, "sessions.json must be left alone")
}

func TestSQLiteBackend_CorruptSiblingJSONFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SessionsFileName), []byte("not json"), 0o600))

	_, err := OpenSQLiteBackend(dir)
	assert.ErrorIs(t, err, ErrCorruptStore)
}

func TestSQLiteBackend_NewerSchemaIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b.DB().SetMeta("schema_version", "99"))
	require.NoError(t, b.Close())

	_, err = OpenSQLiteBackend(dir)
	assert.ErrorIs(t, err, ErrCorruptStore)
}

func TestSQLiteBackend_ImportJSONMerges(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenSQLiteBackend(dir)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Put(&Session{UserID: 1, ContinuationToken: "keep"}))

	src := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"2": {"session_id": "s2", "message_count": 1}}`), 0o600))

	n, err := b.ImportJSON(src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sessions, err := b.Load()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "keep", sessions[0].ContinuationToken)
	assert.Equal(t, "s2", sessions[1].ContinuationToken)
}
