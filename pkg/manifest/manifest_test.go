package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/orchard/pkg/fetch"
)

const sampleManifest = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>catalogs</key>
	<array>
		<string>testing</string>
		<string>production</string>
	</array>
	<key>included_manifests</key>
	<array>
		<string>site_default</string>
	</array>
	<key>managed_installs</key>
	<array>
		<string>Firefox</string>
		<string>TextMate</string>
	</array>
	<key>managed_uninstalls</key>
	<array>
		<string>OldTool</string>
	</array>
	<key>optional_installs</key>
	<array>
		<string>VLC</string>
	</array>
	<key>conditional_items</key>
	<array>
		<dict>
			<key>condition</key>
			<string>machine_type == "laptop"</string>
			<key>managed_installs</key>
			<array>
				<string>BatteryTool</string>
			</array>
		</dict>
	</array>
</dict>
</plist>`

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "client", sampleManifest)

	m, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"testing", "production"}, m.Catalogs)
	assert.Equal(t, []string{"site_default"}, m.IncludedManifests)
	assert.Equal(t, []string{"Firefox", "TextMate"}, m.ManagedInstalls)
	assert.Equal(t, []string{"OldTool"}, m.ManagedUninstalls)
	require.Len(t, m.ConditionalItems, 1)
	assert.Equal(t, `machine_type == "laptop"`, m.ConditionalItems[0].Condition)
	assert.Equal(t, []string{"BatteryTool"}, m.ConditionalItems[0].ManagedInstalls)
}

func TestParseFileRejectsGarbage(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "client", "this is not a plist")
	_, err := ParseFile(path)
	assert.Error(t, err)
}

func TestSectionItems(t *testing.T) {
	m := &Manifest{
		ManagedInstalls:   []string{"A"},
		ManagedUninstalls: []string{"B"},
		ManagedUpdates:    []string{"C"},
		OptionalInstalls:  []string{"D"},
		FeaturedItems:     []string{"E"},
		DefaultInstalls:   []string{"F"},
	}

	assert.Equal(t, []string{"A"}, m.SectionItems("managed_installs"))
	assert.Equal(t, []string{"B"}, m.SectionItems("managed_uninstalls"))
	assert.Equal(t, []string{"C"}, m.SectionItems("managed_updates"))
	assert.Equal(t, []string{"D"}, m.SectionItems("optional_installs"))
	assert.Equal(t, []string{"E"}, m.SectionItems("featured_items"))
	assert.Equal(t, []string{"F"}, m.SectionItems("default_installs"))
	assert.Nil(t, m.SectionItems("catalogs"))
}

func TestConditionalBranchInheritsParentCatalogs(t *testing.T) {
	c := &ConditionalItem{
		Condition:       "true",
		ManagedInstalls: []string{"Nested"},
		ConditionalItems: []ConditionalItem{
			{Condition: "false", ManagedUpdates: []string{"Deeper"}},
		},
	}

	inline := c.AsManifest()
	assert.Empty(t, inline.Catalogs)
	assert.Equal(t, []string{"Nested"}, inline.ManagedInstalls)
	require.Len(t, inline.ConditionalItems, 1)
	assert.Equal(t, []string{"Deeper"}, inline.ConditionalItems[0].ManagedUpdates)
}

func newTestStore(t *testing.T, handler http.Handler) (*Store, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := fetch.New(fetch.Config{VerificationMode: fetch.VerifyNone})
	require.NoError(t, err)

	dir := t.TempDir()
	return NewStore(f, srv.URL, dir), dir
}

func TestStoreGetFetchesAndRecordsUse(t *testing.T) {
	store, dir := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/client" {
			w.Write([]byte(sampleManifest))
			return
		}
		http.NotFound(w, r)
	}))

	m, err := store.Get(context.Background(), "client")
	require.NoError(t, err)
	assert.Equal(t, []string{"Firefox", "TextMate"}, m.ManagedInstalls)
	assert.Equal(t, []string{"client"}, store.InUse())

	// the fetched copy lands in the cache directory
	_, err = os.Stat(filepath.Join(dir, "client"))
	assert.NoError(t, err)
}

func TestStoreGetFallsBackToCachedCopy(t *testing.T) {
	store, dir := newTestStore(t, http.NotFoundHandler())
	writeManifest(t, dir, "client", sampleManifest)

	m, err := store.Get(context.Background(), "client")
	require.NoError(t, err)
	assert.Equal(t, []string{"Firefox", "TextMate"}, m.ManagedInstalls)
	assert.Equal(t, []string{"client"}, store.InUse())
}

func TestStoreGetNotFound(t *testing.T) {
	store, _ := newTestStore(t, http.NotFoundHandler())

	_, err := store.Get(context.Background(), "missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Name)
	assert.Empty(t, store.InUse())
}

func TestStoreGetInvalidManifest(t *testing.T) {
	store, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a plist at all"))
	}))

	_, err := store.Get(context.Background(), "client")
	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "client", invalid.Name)
}

func TestCleanUnusedRemovesStaleManifests(t *testing.T) {
	store, dir := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleManifest))
	}))
	writeManifest(t, dir, "stale", sampleManifest)

	_, err := store.Get(context.Background(), "client")
	require.NoError(t, err)

	store.CleanUnused()

	_, err = os.Stat(filepath.Join(dir, "client"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "stale"))
	assert.True(t, os.IsNotExist(err))
}
