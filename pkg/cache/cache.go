// pkg/cache/cache.go - retention and disk-space policy for the installer
// artifact cache.
//
// The cache directory holds installer artifacts keyed by URL basename.
// Retention runs at end of planning against the set of filenames the plan
// still references; the disk-space policy runs before a download and may
// evict precached optional items.

package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// safetyMargin is added to every space computation so a download never
// fills the disk completely.
const safetyMargin = 100 * 1024 * 1024

// InsufficientSpace reports a download refused because the disk cannot
// hold it even after evicting precached items.
type InsufficientSpace struct {
	Required int64
	Free     uint64
}

func (e *InsufficientSpace) Error() string {
	return fmt.Sprintf("insufficient disk space: need %d bytes, %d free", e.Required, e.Free)
}

// Cache manages one artifact directory.
type Cache struct {
	Dir string

	// freeSpace is swappable for tests.
	freeSpace func(path string) (uint64, error)
}

// New returns a Cache over dir.
func New(dir string) *Cache {
	return &Cache{
		Dir: dir,
		freeSpace: func(path string) (uint64, error) {
			u, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return u.Free, nil
		},
	}
}

// Path returns the cache path for an installer item location.
func (c *Cache) Path(itemLocation string) string {
	return filepath.Join(c.Dir, filepath.Base(itemLocation))
}

// Contains reports whether the artifact for itemLocation is fully cached.
func (c *Cache) Contains(itemLocation string) bool {
	_, err := os.Stat(c.Path(itemLocation))
	return err == nil
}

// Clean removes every cached file whose basename is not in referenced,
// including orphaned partial downloads.
func (c *Cache) Clean(referenced map[string]bool) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		keep := referenced[name]
		if strings.HasSuffix(name, fetch.DownloadSuffix) {
			keep = referenced[strings.TrimSuffix(name, fetch.DownloadSuffix)]
		}
		if keep {
			continue
		}
		logging.Debug("Removing unreferenced cached item", "item", name)
		if err := os.Remove(filepath.Join(c.Dir, name)); err != nil {
			logging.Warn("Could not remove cached item", "item", name, "error", err)
		}
	}
}

// EnsureSpace verifies the disk can hold a download needing requiredBytes
// beyond what is already downloaded. When space is short it evicts precached
// items, smallest first, but only if evicting them all would actually free
// enough; partial eviction that still fails the download is avoided.
// precached maps cache basenames eligible for eviction.
func (c *Cache) EnsureSpace(requiredBytes int64, precached map[string]bool) error {
	required := requiredBytes + safetyMargin
	free, err := c.freeSpace(c.Dir)
	if err != nil {
		logging.Warn("Could not determine free disk space", "error", err)
		return nil
	}
	if int64(free) >= required {
		return nil
	}

	type candidate struct {
		name string
		size int64
	}
	var candidates []candidate
	var evictable int64
	entries, _ := os.ReadDir(c.Dir)
	for _, e := range entries {
		if e.IsDir() || !precached[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{e.Name(), info.Size()})
		evictable += info.Size()
	}

	deficit := required - int64(free)
	if evictable < deficit {
		return &InsufficientSpace{Required: required, Free: free}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })
	var freed int64
	for _, cand := range candidates {
		if freed >= deficit {
			break
		}
		logging.Info("Evicting precached item for disk space", "item", cand.name, "size", cand.size)
		if err := os.Remove(filepath.Join(c.Dir, cand.name)); err != nil {
			logging.Warn("Could not evict precached item", "item", cand.name, "error", err)
			continue
		}
		freed += cand.size
	}
	if freed < deficit {
		return &InsufficientSpace{Required: required, Free: free + uint64(freed)}
	}
	return nil
}

// HasSpace reports whether the disk can hold requiredBytes without
// evicting anything. Unknown free space counts as available, matching
// EnsureSpace.
func (c *Cache) HasSpace(requiredBytes int64) bool {
	free, err := c.freeSpace(c.Dir)
	if err != nil {
		return true
	}
	return int64(free) >= requiredBytes+safetyMargin
}

// RequiredBytes computes the download space requirement for an item:
// installed size plus installer size, minus what a partial download already
// holds. Sizes are in kilobytes as catalogs record them.
func (c *Cache) RequiredBytes(itemLocation string, installerKB, installedKB int64) int64 {
	required := (installerKB + installedKB) * 1024
	if info, err := os.Stat(c.Path(itemLocation) + fetch.DownloadSuffix); err == nil {
		required -= info.Size()
	}
	if required < 0 {
		required = 0
	}
	return required
}
