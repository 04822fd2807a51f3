// pkg/planner/download.go - the concrete artifact downloader: fetcher plus
// cache with the disk-space policy enforced before each transfer.

package planner

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/macadmins/orchard/pkg/cache"
	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// ArtifactDownloader retrieves installer and uninstaller artifacts into
// the cache.
type ArtifactDownloader struct {
	Fetcher *fetch.Fetcher
	Cache   *cache.Cache
	BaseURL string // the pkgs root

	// Evictable marks cache basenames holding precached optional items;
	// the disk-space policy may remove them.
	Evictable map[string]bool

	lastKBPS int64
}

// DownloadInstaller fetches the item's installer artifact. A cached copy
// with a matching hash short-circuits; one with a wrong hash is treated as
// absent and redownloaded.
func (d *ArtifactDownloader) DownloadInstaller(ctx context.Context, item *catalog.PkgInfo) error {
	return d.download(ctx, item, item.InstallerItemLocation, item.InstallerItemHash)
}

// DownloadUninstaller fetches the item's uninstaller artifact.
func (d *ArtifactDownloader) DownloadUninstaller(ctx context.Context, item *catalog.PkgInfo) error {
	return d.download(ctx, item, item.UninstallerItemLocation, "")
}

func (d *ArtifactDownloader) download(ctx context.Context, item *catalog.PkgInfo, location, expectedHash string) error {
	if location == "" {
		// script-only installs carry no artifact
		return nil
	}

	dest := d.Cache.Path(location)
	if expectedHash != "" && fetch.Verify(dest, expectedHash) {
		logging.Debug("Using verified cached artifact", "item", item.Name)
		d.lastKBPS = 0
		return nil
	}

	required := d.Cache.RequiredBytes(location, item.InstallerItemSize, item.InstalledSize)
	if err := d.Cache.EnsureSpace(required, d.Evictable); err != nil {
		return err
	}

	url := strings.TrimRight(d.BaseURL, "/") + "/" + strings.TrimLeft(location, "/")
	start := time.Now()
	status, err := d.Fetcher.Fetch(ctx, url, dest, fetch.Options{
		Resume:       true,
		ExpectedHash: expectedHash,
		Message:      "Downloading " + displayName(item),
		IsPackage:    true,
	})
	if err != nil {
		return err
	}
	d.lastKBPS = 0
	if status != fetch.NotModified {
		d.lastKBPS = transferRate(dest, time.Since(start))
	}
	return nil
}

// LastDownloadKBPS reports the transfer rate of the most recent download,
// in kilobytes per second. Zero when the last call was a cache hit.
func (d *ArtifactDownloader) LastDownloadKBPS() int64 {
	return d.lastKBPS
}

// CanFit reports whether the item's download and install would fit on disk
// without evicting anything. Used to annotate optional items before any
// transfer starts.
func (d *ArtifactDownloader) CanFit(item *catalog.PkgInfo) bool {
	required := d.Cache.RequiredBytes(item.InstallerItemLocation, item.InstallerItemSize, item.InstalledSize)
	return d.Cache.HasSpace(required)
}

func transferRate(path string, elapsed time.Duration) int64 {
	info, err := os.Stat(path)
	if err != nil || elapsed <= 0 {
		return 0
	}
	secs := elapsed.Seconds()
	if secs < 0.001 {
		secs = 0.001
	}
	return int64(float64(info.Size()) / 1024 / secs)
}

func displayName(item *catalog.PkgInfo) string {
	if item.DisplayName != "" {
		return item.DisplayName
	}
	return item.Name
}
