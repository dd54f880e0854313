package keys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitGeneratesKeyOnce(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir, zap.NewNop())
	require.NoError(t, m.Init())
	require.NotNil(t, m.Signer())
	assert.True(t, strings.HasPrefix(m.KeyName(), "yakey"))
	assert.True(t, strings.HasPrefix(m.PublicKey(), "ssh-rsa "))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := os.Stat(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a second manager reuses the same key
	m2 := NewManager(dir, zap.NewNop())
	require.NoError(t, m2.Init())
	assert.Equal(t, m.KeyName(), m2.KeyName())
	assert.Equal(t, m.PublicKey(), m2.PublicKey())

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInitSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))

	m := NewManager(dir, zap.NewNop())
	require.NoError(t, m.Init())
	assert.True(t, strings.HasPrefix(m.KeyName(), "yakey"))
}
