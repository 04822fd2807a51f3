package installstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/orchard/pkg/catalog"
)

type fakeReceipts map[string]string

func (f fakeReceipts) InstalledVersion(pkgID string) (string, bool) {
	v, ok := f[pkgID]
	return v, ok
}

type fakeProfiles map[string]bool

func (f fakeProfiles) ProfileInstalled(id string) bool { return f[id] }

type fakeScripts map[string]int

func (f fakeScripts) RunEmbedded(ctx context.Context, name, script string) (int, error) {
	return f[script], nil
}

func newTestOracle(receipts fakeReceipts) *Oracle {
	o := New("14.5", receipts, fakeProfiles{}, fakeScripts{})
	o.ApplicationDirs = nil
	return o
}

func writeAppBundle(t *testing.T, dir, name, bundleID, version string) string {
	t.Helper()
	appDir := filepath.Join(dir, name+".app", "Contents")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	info := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict>
<key>CFBundleIdentifier</key><string>` + bundleID + `</string>
<key>CFBundleShortVersionString</key><string>` + version + `</string>
</dict></plist>`
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "Info.plist"), []byte(info), 0o644))
	return filepath.Join(dir, name+".app")
}

func TestOnDemandAlwaysNotInstalled(t *testing.T) {
	o := newTestOracle(fakeReceipts{"com.acme.tool": "2.0"})
	item := &catalog.PkgInfo{
		Name:     "Tool",
		Version:  "2.0",
		OnDemand: true,
		Receipts: []catalog.Receipt{{PackageID: "com.acme.tool", Version: "2.0"}},
	}
	assert.Equal(t, NotInstalled, o.InstalledState(context.Background(), item))
	assert.False(t, o.SomeVersionInstalled(context.Background(), item))
	assert.True(t, o.EvidenceThisIsInstalled(context.Background(), item))
}

func TestInstallCheckScriptWins(t *testing.T) {
	ctx := context.Background()
	item := &catalog.PkgInfo{
		Name:               "Scripted",
		Version:            "1.0",
		InstallCheckScript: "#!/bin/sh\ncheck",
		Receipts:           []catalog.Receipt{{PackageID: "com.acme.scripted", Version: "1.0"}},
	}

	needsInstall := New("14.5", fakeReceipts{"com.acme.scripted": "1.0"}, nil,
		fakeScripts{"#!/bin/sh\ncheck": 0})
	assert.Equal(t, NotInstalled, needsInstall.InstalledState(ctx, item))

	installed := New("14.5", fakeReceipts{}, nil, fakeScripts{"#!/bin/sh\ncheck": 1})
	assert.Equal(t, SameVersionInstalled, installed.InstalledState(ctx, item))
	assert.True(t, installed.SomeVersionInstalled(ctx, item))
}

func TestOSInstallerComparesAgainstRunningOS(t *testing.T) {
	ctx := context.Background()
	o := newTestOracle(fakeReceipts{})

	newer := &catalog.PkgInfo{Name: "macOS", Version: "15.0", InstallerType: catalog.TypeStartOSInstall}
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, newer))

	same := &catalog.PkgInfo{Name: "macOS", Version: "14.5", InstallerType: catalog.TypeStartOSInstall}
	assert.Equal(t, SameVersionInstalled, o.InstalledState(ctx, same))

	older := &catalog.PkgInfo{Name: "macOS", Version: "13.0", InstallerType: catalog.TypeStartOSInstall}
	assert.Equal(t, NewerVersionInstalled, o.InstalledState(ctx, older))
}

func TestConfigurationProfileDelegates(t *testing.T) {
	ctx := context.Background()
	item := &catalog.PkgInfo{
		Name:          "WiFiProfile",
		Version:       "1.0",
		InstallerType: catalog.TypeConfigurationProfile,
		Receipts:      []catalog.Receipt{{PackageID: "com.acme.wifi", Version: "1.0"}},
	}

	o := New("14.5", fakeReceipts{}, fakeProfiles{"com.acme.wifi": true}, nil)
	assert.Equal(t, SameVersionInstalled, o.InstalledState(ctx, item))

	o = New("14.5", fakeReceipts{}, fakeProfiles{}, nil)
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, item))
}

func TestReceiptAggregation(t *testing.T) {
	ctx := context.Background()
	item := &catalog.PkgInfo{
		Name:    "Suite",
		Version: "3.0",
		Receipts: []catalog.Receipt{
			{PackageID: "com.acme.core", Version: "3.0"},
			{PackageID: "com.acme.extras", Version: "3.0", Optional: true},
		},
	}

	// both current
	o := newTestOracle(fakeReceipts{"com.acme.core": "3.0", "com.acme.extras": "3.0"})
	assert.Equal(t, SameVersionInstalled, o.InstalledState(ctx, item))

	// required receipt missing
	o = newTestOracle(fakeReceipts{"com.acme.extras": "3.0"})
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, item))

	// optional receipt missing does not force install
	o = newTestOracle(fakeReceipts{"com.acme.core": "3.0"})
	assert.Equal(t, SameVersionInstalled, o.InstalledState(ctx, item))

	// required receipt older
	o = newTestOracle(fakeReceipts{"com.acme.core": "2.0", "com.acme.extras": "3.0"})
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, item))

	// required receipt newer
	o = newTestOracle(fakeReceipts{"com.acme.core": "3.5", "com.acme.extras": "3.0"})
	assert.Equal(t, NewerVersionInstalled, o.InstalledState(ctx, item))
}

func TestApplicationProbe(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeAppBundle(t, dir, "Firefox", "org.mozilla.firefox", "115.0")

	o := newTestOracle(fakeReceipts{})
	o.ApplicationDirs = []string{dir}

	item := func(version string) *catalog.PkgInfo {
		return &catalog.PkgInfo{
			Name:    "Firefox",
			Version: version,
			Installs: []catalog.InstallsItem{{
				Type:             "application",
				BundleIdentifier: "org.mozilla.firefox",
				ShortVersion:     version,
			}},
		}
	}

	assert.Equal(t, SameVersionInstalled, o.InstalledState(ctx, item("115.0")))
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, item("116.0")))
	assert.Equal(t, NewerVersionInstalled, o.InstalledState(ctx, item("114.0")))
	assert.True(t, o.SomeVersionInstalled(ctx, item("116.0")))
	assert.True(t, o.EvidenceThisIsInstalled(ctx, item("116.0")))
}

func TestProbeAggregationAnyMissingWins(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	o := newTestOracle(fakeReceipts{})
	item := &catalog.PkgInfo{
		Name:    "TwoFiles",
		Version: "1.0",
		Installs: []catalog.InstallsItem{
			{Type: "file", Path: present},
			{Type: "file", Path: filepath.Join(dir, "missing.txt")},
		},
	}
	assert.Equal(t, NotInstalled, o.InstalledState(ctx, item))
	assert.False(t, o.SomeVersionInstalled(ctx, item))
	assert.True(t, o.EvidenceThisIsInstalled(ctx, item))
}

func TestFileProbeMD5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.conf")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	// md5 of "hello\n"
	good := &catalog.InstallsItem{Type: "file", Path: path, MD5Checksum: "b1946ac92492d2347c6235b4d2611184"}
	bad := &catalog.InstallsItem{Type: "file", Path: path, MD5Checksum: "deadbeefdeadbeefdeadbeefdeadbeef"}

	assert.Equal(t, SameVersionInstalled, fileProbe(good))
	assert.Equal(t, NotInstalled, fileProbe(bad))
}

func TestUninstallCheckScriptControlsEvidence(t *testing.T) {
	ctx := context.Background()
	item := &catalog.PkgInfo{
		Name:                "Scripted",
		Version:             "1.0",
		UninstallCheckScript: "#!/bin/sh\nuncheck",
	}

	// exit 0 means the item should be uninstalled, so it is present
	o := New("14.5", fakeReceipts{}, nil, fakeScripts{"#!/bin/sh\nuncheck": 0})
	assert.True(t, o.EvidenceThisIsInstalled(ctx, item))

	o = New("14.5", fakeReceipts{}, nil, fakeScripts{"#!/bin/sh\nuncheck": 1})
	assert.False(t, o.EvidenceThisIsInstalled(ctx, item))
}
