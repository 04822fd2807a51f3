package precache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/planner"
)

type recordingDownloader struct {
	downloaded []string
	failFor    map[string]bool
}

func (d *recordingDownloader) DownloadInstaller(ctx context.Context, item *catalog.PkgInfo) error {
	if d.failFor[item.Name] {
		return assert.AnError
	}
	d.downloaded = append(d.downloaded, item.Name)
	return nil
}

func (d *recordingDownloader) DownloadUninstaller(ctx context.Context, item *catalog.PkgInfo) error {
	return nil
}

func savePlan(t *testing.T, info *planner.InstallInfo) string {
	t.Helper()
	dir := t.TempDir()
	_, err := planner.SaveInstallInfo(dir, info)
	require.NoError(t, err)
	return dir
}

func TestRunDownloadsPrecacheItemsInOrder(t *testing.T) {
	dir := savePlan(t, &planner.InstallInfo{
		OptionalInstalls: []planner.OptionalItem{
			{Name: "First", Precache: true, InstallerLocation: "apps/first.dmg"},
			{Name: "NotFlagged", InstallerLocation: "apps/other.dmg"},
			{Name: "Second", Precache: true, InstallerLocation: "apps/second.pkg"},
		},
	})

	dl := &recordingDownloader{}
	agent := &Agent{Dir: dir, Download: dl}
	require.NoError(t, agent.Run(context.Background()))
	assert.Equal(t, []string{"First", "Second"}, dl.downloaded)
}

func TestRunSkipsInstalledCurrentItems(t *testing.T) {
	dir := savePlan(t, &planner.InstallInfo{
		OptionalInstalls: []planner.OptionalItem{
			{Name: "Current", Precache: true, InstallerLocation: "apps/a.dmg", Installed: true},
			{Name: "Stale", Precache: true, InstallerLocation: "apps/b.dmg", Installed: true, NeedsUpdate: true},
		},
	})

	dl := &recordingDownloader{}
	agent := &Agent{Dir: dir, Download: dl}
	require.NoError(t, agent.Run(context.Background()))
	assert.Equal(t, []string{"Stale"}, dl.downloaded)
}

func TestRunContinuesPastFailedDownload(t *testing.T) {
	dir := savePlan(t, &planner.InstallInfo{
		OptionalInstalls: []planner.OptionalItem{
			{Name: "Broken", Precache: true, InstallerLocation: "apps/broken.dmg"},
			{Name: "Fine", Precache: true, InstallerLocation: "apps/fine.dmg"},
		},
	})

	dl := &recordingDownloader{failFor: map[string]bool{"Broken": true}}
	agent := &Agent{Dir: dir, Download: dl}
	require.NoError(t, agent.Run(context.Background()))
	assert.Equal(t, []string{"Fine"}, dl.downloaded)
}

func TestHasWork(t *testing.T) {
	empty := savePlan(t, &planner.InstallInfo{})
	assert.False(t, HasWork(empty))
	assert.False(t, HasWork(t.TempDir()))

	busy := savePlan(t, &planner.InstallInfo{
		OptionalInstalls: []planner.OptionalItem{
			{Name: "App", Precache: true, InstallerLocation: "apps/app.dmg"},
		},
	})
	assert.True(t, HasWork(busy))
}
