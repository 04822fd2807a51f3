package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequirements() Requirements {
	return Requirements{
		EngineVersion: "6.0.0",
		OSVersion:     "14.5",
		Arch:          "arm64",
		X8664Capable:  true,
	}
}

func dbWith(req Requirements, items ...PkgInfo) *DB {
	return NewFromItems([]string{"testing"}, map[string][]PkgInfo{"testing": items}, req)
}

func TestItemDetailPicksNewestForLatest(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Firefox", Version: "114.0"},
		PkgInfo{Name: "Firefox", Version: "115.2"},
		PkgInfo{Name: "Firefox", Version: "115.0"},
	)

	item, err := db.ItemDetail("Firefox", []string{"testing"}, "", false)
	require.NoError(t, err)
	assert.Equal(t, "115.2", item.Version)
}

func TestItemDetailExactVersion(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Firefox", Version: "114.0"},
		PkgInfo{Name: "Firefox", Version: "115.0"},
	)

	item, err := db.ItemDetail("Firefox", []string{"testing"}, "114.0", false)
	require.NoError(t, err)
	assert.Equal(t, "114.0", item.Version)
}

func TestItemDetailVersionSuffixOnName(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Firefox", Version: "114.0"},
		PkgInfo{Name: "Firefox", Version: "115.0"},
	)

	item, err := db.ItemDetail("Firefox--114.0", []string{"testing"}, "", false)
	require.NoError(t, err)
	assert.Equal(t, "114.0", item.Version)
}

func TestItemDetailTrimmedVersionKeysCollide(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Thing", Version: "10.6.0.0"},
	)

	item, err := db.ItemDetail("Thing", []string{"testing"}, "10.6", false)
	require.NoError(t, err)
	assert.Equal(t, "10.6.0.0", item.Version)
}

func TestItemDetailRejectsOnMinimumOS(t *testing.T) {
	req := testRequirements()
	req.OSVersion = "13.0"
	db := dbWith(req,
		PkgInfo{Name: "NewApp", Version: "2.0", MinimumOSVersion: "14.0"},
		PkgInfo{Name: "NewApp", Version: "1.0"},
	)

	item, err := db.ItemDetail("NewApp", []string{"testing"}, "", false)
	require.NoError(t, err)
	assert.Equal(t, "1.0", item.Version)

	// skipMinOSCheck lets the optional-display path see the newer build
	item, err = db.ItemDetail("NewApp", []string{"testing"}, "", true)
	require.NoError(t, err)
	assert.Equal(t, "2.0", item.Version)
}

func TestItemDetailRejectsOnMaximumOS(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Legacy", Version: "1.0", MaximumOSVersion: "12.7"},
	)

	_, err := db.ItemDetail("Legacy", []string{"testing"}, "", false)
	var noMatch *ErrNoMatchingItem
	require.ErrorAs(t, err, &noMatch)
	assert.NotEmpty(t, noMatch.Rejections)
}

func TestItemDetailArchFiltering(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "IntelOnly", Version: "1.0", SupportedArch: []string{"x86_64"}},
		PkgInfo{Name: "ArmOnly", Version: "1.0", SupportedArch: []string{"arm64"}},
	)

	// x86_64 candidates pass on a 64-bit capable machine via Rosetta
	_, err := db.ItemDetail("IntelOnly", []string{"testing"}, "", false)
	assert.NoError(t, err)
	_, err = db.ItemDetail("ArmOnly", []string{"testing"}, "", false)
	assert.NoError(t, err)
}

type staticCondition bool

func (s staticCondition) Evaluate(string) (bool, error) { return bool(s), nil }

func TestItemDetailInstallableCondition(t *testing.T) {
	req := testRequirements()
	req.Conditions = staticCondition(false)
	db := dbWith(req,
		PkgInfo{Name: "Gated", Version: "1.0", InstallableCondition: `machine_type == "laptop"`},
	)

	_, err := db.ItemDetail("Gated", []string{"testing"}, "", false)
	assert.Error(t, err)

	req.Conditions = staticCondition(true)
	db = dbWith(req,
		PkgInfo{Name: "Gated", Version: "1.0", InstallableCondition: `machine_type == "laptop"`},
	)
	_, err = db.ItemDetail("Gated", []string{"testing"}, "", false)
	assert.NoError(t, err)
}

func TestItemDetailRespectsCatalogOrder(t *testing.T) {
	db := NewFromItems([]string{"production", "testing"}, map[string][]PkgInfo{
		"production": {{Name: "App", Version: "1.0"}},
		"testing":    {{Name: "App", Version: "2.0"}},
	}, testRequirements())

	item, err := db.ItemDetail("App", []string{"testing", "production"}, "", false)
	require.NoError(t, err)
	assert.Equal(t, "2.0", item.Version)

	item, err = db.ItemDetail("App", []string{"production"}, "", false)
	require.NoError(t, err)
	assert.Equal(t, "1.0", item.Version)
}

func TestItemDetailUnknownName(t *testing.T) {
	db := dbWith(testRequirements(), PkgInfo{Name: "App", Version: "1.0"})
	_, err := db.ItemDetail("Nope", []string{"testing"}, "", false)
	var noMatch *ErrNoMatchingItem
	require.ErrorAs(t, err, &noMatch)
	assert.Empty(t, noMatch.Rejections)
}

func TestLookForUpdates(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "App", Version: "1.0"},
		PkgInfo{Name: "AppSecurityPatch", Version: "1.0.1", UpdateFor: []string{"App"}},
		PkgInfo{Name: "OtherPatch", Version: "9", UpdateFor: []string{"Other"}},
	)

	updates := db.LookForUpdates("App", []string{"testing"})
	assert.Equal(t, []string{"AppSecurityPatch"}, updates)
}

func TestLookForUpdatesForVersionMatchesBothForms(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Patch1", Version: "1", UpdateFor: []string{"App-2.0"}},
		PkgInfo{Name: "Patch2", Version: "1", UpdateFor: []string{"App--2.0"}},
	)

	updates := db.LookForUpdatesForVersion("App", "2.0", []string{"testing"})
	assert.ElementsMatch(t, []string{"Patch1", "Patch2"}, updates)
}

func TestDependents(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "SharedLib", Version: "1.0"},
		PkgInfo{Name: "AppA", Version: "1.0", Requires: []string{"SharedLib"}},
		PkgInfo{Name: "AppB", Version: "1.0", Requires: []string{"SharedLib-1.0"}},
		PkgInfo{Name: "AppC", Version: "1.0"},
	)

	deps := db.Dependents("SharedLib", []string{"testing"})
	assert.ElementsMatch(t, []string{"AppA", "AppB"}, deps)
}

func TestAutoRemoveNames(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Banned", Version: "1.0", AutoRemove: true},
		PkgInfo{Name: "Banned", Version: "2.0", AutoRemove: true},
		PkgInfo{Name: "Fine", Version: "1.0"},
	)
	assert.Equal(t, []string{"Banned"}, db.AutoRemoveNames())
}

func TestAnalyzeInstalledPkgs(t *testing.T) {
	db := dbWith(testRequirements(),
		PkgInfo{Name: "Suite", Version: "1.0", Receipts: []Receipt{
			{PackageID: "com.example.suite.core", Version: "1.0"},
			{PackageID: "com.example.suite.extras", Version: "1.0", Optional: true},
		}},
		PkgInfo{Name: "Partial", Version: "1.0", Receipts: []Receipt{
			{PackageID: "com.example.partial.a", Version: "1.0"},
			{PackageID: "com.example.partial.b", Version: "1.0"},
		}},
		PkgInfo{Name: "AlsoCore", Version: "2.0", Receipts: []Receipt{
			{PackageID: "com.example.suite.core", Version: "2.0"},
		}},
	)

	installed := map[string]string{
		"com.example.suite.core": "1.0",
		"com.example.partial.a":  "1.0",
	}
	a := db.AnalyzeInstalledPkgs(installed)

	// Suite: required receipt present, optional missing -> installed
	assert.Contains(t, a.InstalledNames, "Suite")
	// Partial: one required receipt missing -> not installed
	assert.NotContains(t, a.InstalledNames, "Partial")
	// shared pkgid is referenced by both items carrying it
	assert.ElementsMatch(t, []string{"Suite", "AlsoCore"},
		a.PkgReferences["com.example.suite.core"])
}

func TestSplitNameAndVersion(t *testing.T) {
	cases := []struct {
		ref, name, vers string
	}{
		{"Firefox", "Firefox", ""},
		{"Firefox-115.0", "Firefox", "115.0"},
		{"Firefox--115.0", "Firefox", "115.0"},
		{"AdobeAcrobatDC-23.008.20470", "AdobeAcrobatDC", "23.008.20470"},
		{"office-365", "office", "365"},
		{"well-behaved-app", "well-behaved-app", ""},
		{"x-code", "x-code", ""},
	}
	for _, c := range cases {
		name, vers := SplitNameAndVersion(c.ref)
		assert.Equal(t, c.name, name, c.ref)
		assert.Equal(t, c.vers, vers, c.ref)
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.0", "1.0.0"))
	assert.Equal(t, 0, CompareVersions("10.6", "10.6.0.0"))
	assert.Equal(t, -1, CompareVersions("1.9", "1.10"))
	assert.Equal(t, 1, CompareVersions("2.0", "2.0b1"))
	assert.Equal(t, -1, CompareVersions("2.0a2", "2.0b1"))
	assert.True(t, VersionAtLeast("14.5", "14.0"))
	assert.False(t, VersionAtLeast("13.6", "14.0"))
}

func TestTrimVersion(t *testing.T) {
	assert.Equal(t, "10.6", TrimVersion("10.6.0.0"))
	assert.Equal(t, "10.6", TrimVersion("10.6"))
	assert.Equal(t, "1.2.3", TrimVersion("1.2.3"))
	assert.Equal(t, "1", TrimVersion("1.0"))
}

func TestNormalizeNameUnicode(t *testing.T) {
	// decomposed and precomposed spellings index to the same key
	decomposed := "Cafe\u0301"
	precomposed := "Caf\u00e9"
	db := dbWith(testRequirements(), PkgInfo{Name: decomposed, Version: "1.0"})

	_, err := db.ItemDetail(precomposed, []string{"testing"}, "", false)
	assert.NoError(t, err)
}
