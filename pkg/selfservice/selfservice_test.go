package selfservice

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func writeOrigin(t *testing.T, path string, m *Manifest) {
	t.Helper()
	data, err := plist.Marshal(m, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o666))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "origin.plist"), filepath.Join(dir, "manifests"))
}

func TestImportOriginMovesFile(t *testing.T) {
	m := newTestManager(t)
	writeOrigin(t, m.OriginPath, &Manifest{ManagedInstalls: []string{"Slack"}})

	m.ImportOrigin()

	_, err := os.Stat(m.OriginPath)
	assert.True(t, os.IsNotExist(err), "origin is deleted after import")

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Slack"}, got.ManagedInstalls)
}

func TestImportOriginRefusesSymlink(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(filepath.Dir(m.OriginPath), "target.plist")
	writeOrigin(t, target, &Manifest{ManagedInstalls: []string{"Evil"}})
	require.NoError(t, os.Symlink(target, m.OriginPath))

	m.ImportOrigin()

	_, err := os.Lstat(m.OriginPath)
	assert.True(t, os.IsNotExist(err), "symlink is removed")
	got, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, got.ManagedInstalls, "symlinked content is not imported")
}

func TestImportOriginRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(m.OriginPath, []byte("not a plist"), 0o666))

	m.ImportOrigin()

	_, err := os.Stat(m.OriginPath)
	assert.True(t, os.IsNotExist(err))
	got, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, got.ManagedInstalls)
}

func TestLoadMissingIsEmpty(t *testing.T) {
	m := newTestManager(t)
	got, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, got.ManagedInstalls)
	assert.Empty(t, got.ManagedUninstalls)
}

func TestNoteDefaultInstall(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.NoteDefaultInstall("Chrome"))
	require.NoError(t, m.NoteDefaultInstall("Chrome"))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Chrome"}, got.DefaultInstalls)
	assert.Equal(t, []string{"Chrome"}, got.ManagedInstalls)
}

func TestNoteDefaultInstallKeepsExistingRequest(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Save(&Manifest{ManagedInstalls: []string{"chrome"}}))

	require.NoError(t, m.NoteDefaultInstall("Chrome"))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome"}, got.ManagedInstalls, "case-insensitive match avoids duplicates")
	assert.Equal(t, []string{"Chrome"}, got.DefaultInstalls)
}

func TestRemoveFromInstalls(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Save(&Manifest{ManagedInstalls: []string{"Slack", "Chrome"}}))

	require.NoError(t, m.RemoveFromInstalls("slack"))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Chrome"}, got.ManagedInstalls)
}

func TestPruneUninstalls(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Save(&Manifest{ManagedUninstalls: []string{"Gone", "StillHere"}}))

	require.NoError(t, m.PruneUninstalls(func(name string) bool { return name == "StillHere" }))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"StillHere"}, got.ManagedUninstalls)
}
