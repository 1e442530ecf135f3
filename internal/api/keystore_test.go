package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)

	k, err := ks.Generate("ops", 30, []string{"gemini-2.5-pro"})
	require.NoError(t, err)
	require.True(t, ks.Validate(k.Key))
	require.False(t, ks.Validate(""))

	info, err := os.Stat(filepath.Join(dir, apiKeysFilename))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := NewKeyStore(dir)
	require.NoError(t, err)
	got := reopened.Get(k.Key)
	require.NotNil(t, got)
	require.Equal(t, 30, got.RateLimit)
	require.Equal(t, []string{"gemini-2.5-pro"}, got.AllowedModels)

	got.AllowedModels[0] = "mutated"
	require.Equal(t, "gemini-2.5-pro", reopened.Get(k.Key).AllowedModels[0])

	require.NoError(t, reopened.Revoke(k.Key))
	require.ErrorIs(t, reopened.Revoke(k.Key), errKeyNotFound)
	require.Empty(t, reopened.List())
}

func TestKeyStore_RejectsEmptyDir(t *testing.T) {
	_, err := NewKeyStore("")
	require.Error(t, err)
}
