package report

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	r := New("auto")
	r.SetMachineInfo(map[string]interface{}{"hostname": "studio-12"})
	r.SetPlan([]string{"Firefox"}, []string{"OldTool"})
	r.Warn("manifest %q skipped", "broken")
	r.Error("could not fetch %s", "Firefox.pkg")
	r.RecordInstall(InstallResult{
		Name: "Firefox", Version: "115.0", Status: 0,
		Time: time.Now(), DurationSeconds: 4.2, Unattended: true, Applied: true,
	})
	require.NoError(t, r.Save(dir))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var doc document
	_, err = plist.Unmarshal(data, &doc)
	require.NoError(t, err)

	assert.Equal(t, "auto", doc.RunType)
	assert.Equal(t, []string{"Firefox"}, doc.ItemsToInstall)
	assert.Equal(t, []string{"OldTool"}, doc.ItemsToRemove)
	assert.Len(t, doc.Warnings, 1)
	assert.Len(t, doc.Errors, 1)
	require.Len(t, doc.InstallResults, 1)
	assert.Equal(t, "Firefox", doc.InstallResults[0].Name)
	assert.True(t, doc.InstallResults[0].Applied)
	assert.False(t, doc.EndTime.IsZero())
}

func TestArchivePreviousMovesReport(t *testing.T) {
	dir := t.TempDir()
	r := New("auto")
	require.NoError(t, r.Save(dir))

	ArchivePrevious(dir)

	_, err := os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Join(dir, "Archives"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchivePrune(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "Archives")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	for i := 0; i < ArchiveCap+10; i++ {
		name := fmt.Sprintf("ManagedInstallReport-2026-01-01-%06d.plist", i)
		require.NoError(t, os.WriteFile(filepath.Join(archiveDir, name), []byte("x"), 0o644))
	}

	r := New("auto")
	require.NoError(t, r.Save(dir))
	ArchivePrevious(dir)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Equal(t, ArchiveCap, len(entries))
}

func TestArchiveNoPreviousReportIsQuiet(t *testing.T) {
	dir := t.TempDir()
	ArchivePrevious(dir)
	_, err := os.Stat(filepath.Join(dir, "Archives"))
	assert.True(t, os.IsNotExist(err))
}
