// pkg/icons/icons.go - keeping the local icon directory in sync with the
// repository for every item the UI may show.

package icons

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

const hashesFile = "_icon_hashes.plist"

// Syncer downloads item icons and prunes ones no longer referenced.
type Syncer struct {
	fetcher *fetch.Fetcher
	baseURL string
	dir     string

	hashes map[string]string
}

// NewSyncer returns a Syncer caching under dir (normally
// <ManagedInstallDir>/icons).
func NewSyncer(f *fetch.Fetcher, baseURL, dir string) *Syncer {
	return &Syncer{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		dir:     dir,
		hashes:  map[string]string{},
	}
}

// LoadHashes fetches the repository's icon hash index. Missing or broken
// indexes are tolerated; icons are then fetched unconditionally.
func (s *Syncer) LoadHashes(ctx context.Context) {
	dest := filepath.Join(s.dir, hashesFile)
	if _, err := s.fetcher.Fetch(ctx, s.baseURL+"/"+hashesFile, dest, fetch.Options{}); err != nil {
		logging.Debug("No icon hash index available", "error", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return
	}
	if _, err := plist.Unmarshal(data, &s.hashes); err != nil {
		logging.Warn("Icon hash index is unreadable", "error", err)
	}
}

// IconName returns the icon filename for an item: its icon_name, or its
// item name with a png suffix.
func IconName(item *catalog.PkgInfo) string {
	name := item.IconName
	if name == "" {
		name = item.Name + ".png"
	}
	if filepath.Ext(name) == "" {
		name += ".png"
	}
	return name
}

// Sync ensures local icons exist for every item, then deletes icons none of
// them reference.
func (s *Syncer) Sync(ctx context.Context, items []*catalog.PkgInfo) {
	referenced := map[string]bool{hashesFile: true}
	for _, item := range items {
		name := IconName(item)
		referenced[name] = true
		s.syncOne(ctx, item, name)
	}
	s.prune(referenced)
}

func (s *Syncer) syncOne(ctx context.Context, item *catalog.PkgInfo, name string) {
	expected := item.IconHash
	if expected == "" {
		expected = s.hashes[name]
	}
	dest := filepath.Join(s.dir, name)

	if expected != "" {
		if local, err := fetch.FileSHA256(dest); err == nil && local == expected {
			return
		}
	} else if _, err := os.Stat(dest); err == nil {
		// no hash to compare; an existing icon is good enough
		return
	}

	url := s.baseURL + "/" + strings.ReplaceAll(name, " ", "%20")
	opts := fetch.Options{ExpectedHash: expected, Message: "Retrieving icon " + name}
	if _, err := s.fetcher.Fetch(ctx, url, dest, opts); err != nil {
		logging.Debug("Could not retrieve icon", "icon", name, "error", err)
	}
}

func (s *Syncer) prune(referenced map[string]bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || referenced[e.Name()] {
			continue
		}
		logging.Debug("Removing unreferenced icon", "icon", e.Name())
		os.Remove(filepath.Join(s.dir, e.Name()))
	}
}
