package chatsync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(TokenKey, []byte("tok-1")))
	got, ok, err := s.Get(TokenKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", string(got))

	require.NoError(t, s.Set(TokenKey, []byte("tok-2")))
	got, _, err = s.Get(TokenKey)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", string(got))

	require.NoError(t, s.Delete(TokenKey))
	_, ok, err = s.Get(TokenKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete("never-set"))
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	exerciseStorage(t, s)

	buf := []byte("abc")
	require.NoError(t, s.Set("k", buf))
	buf[0] = 'x'
	got, _, _ := s.Get("k")
	assert.Equal(t, "abc", string(got))
	require.NoError(t, s.Close())
}

func TestSQLiteStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLiteStorage(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	exerciseStorage(t, s)
	require.NoError(t, s.Close())
}

func TestSQLiteStorageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultDBFileName)

	s, err := OpenSQLiteStoragePath(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(MessageCacheKey, []byte(`{"conversations":{}}`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStoragePath(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(MessageCacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversations":{}}`, string(got))
}
