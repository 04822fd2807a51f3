package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, freeBytes uint64) *Cache {
	t.Helper()
	c := New(t.TempDir())
	c.freeSpace = func(string) (uint64, error) { return freeBytes, nil }
	return c
}

func writeCached(t *testing.T, c *Cache, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, name), make([]byte, size), 0o644))
}

func TestCleanKeepsReferenced(t *testing.T) {
	c := newTestCache(t, 1<<40)
	writeCached(t, c, "Firefox.pkg", 10)
	writeCached(t, c, "Stale.pkg", 10)
	writeCached(t, c, "InFlight.pkg.download", 10)
	writeCached(t, c, "Orphan.pkg.download", 10)

	c.Clean(map[string]bool{"Firefox.pkg": true, "InFlight.pkg": true})

	assert.True(t, c.Contains("apps/Firefox.pkg"))
	assert.False(t, c.Contains("apps/Stale.pkg"))
	_, err := os.Stat(filepath.Join(c.Dir, "InFlight.pkg.download"))
	assert.NoError(t, err, "partial download for a referenced item survives")
	_, err = os.Stat(filepath.Join(c.Dir, "Orphan.pkg.download"))
	assert.True(t, os.IsNotExist(err), "orphaned partial download is removed")
}

func TestEnsureSpaceEnoughFree(t *testing.T) {
	c := newTestCache(t, 1<<40)
	assert.NoError(t, c.EnsureSpace(5000, nil))
}

func TestEnsureSpaceEvictsSmallestFirst(t *testing.T) {
	// free space covers the margin but not the payload; deficit = 1000
	c := newTestCache(t, safetyMargin+500)
	writeCached(t, c, "big.pkg", 5000)
	writeCached(t, c, "small.pkg", 1500)
	precached := map[string]bool{"big.pkg": true, "small.pkg": true}

	require.NoError(t, c.EnsureSpace(1500, precached))

	_, err := os.Stat(filepath.Join(c.Dir, "small.pkg"))
	assert.True(t, os.IsNotExist(err), "smallest item is evicted first")
	_, err = os.Stat(filepath.Join(c.Dir, "big.pkg"))
	assert.NoError(t, err, "larger item kept once deficit is covered")
}

func TestHasSpaceNeverEvicts(t *testing.T) {
	c := newTestCache(t, safetyMargin+500)
	writeCached(t, c, "precached.pkg", 5000)

	assert.True(t, c.HasSpace(400))
	assert.False(t, c.HasSpace(1500))

	_, err := os.Stat(filepath.Join(c.Dir, "precached.pkg"))
	assert.NoError(t, err, "dry-run check leaves the cache alone")
}

func TestEnsureSpaceRefusesWhenEvictionWouldNotHelp(t *testing.T) {
	c := newTestCache(t, safetyMargin)
	writeCached(t, c, "tiny.pkg", 100)
	precached := map[string]bool{"tiny.pkg": true}

	err := c.EnsureSpace(1_000_000, precached)
	var insufficient *InsufficientSpace
	require.ErrorAs(t, err, &insufficient)

	_, statErr := os.Stat(filepath.Join(c.Dir, "tiny.pkg"))
	assert.NoError(t, statErr, "no eviction when the full set cannot free enough")
}

func TestEnsureSpaceIgnoresNonPrecachedFiles(t *testing.T) {
	c := newTestCache(t, safetyMargin)
	writeCached(t, c, "planned.pkg", 10_000)

	err := c.EnsureSpace(5000, map[string]bool{})
	var insufficient *InsufficientSpace
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, c.Contains("planned.pkg"))
}

func TestRequiredBytesSubtractsPartial(t *testing.T) {
	c := newTestCache(t, 1<<40)
	writeCached(t, c, "App.pkg.download", 2048)

	// 4 KB installer + 8 KB installed, minus the 2 KB partial
	assert.Equal(t, int64(4*1024+8*1024-2048), c.RequiredBytes("apps/App.pkg", 4, 8))
	assert.Equal(t, int64(12*1024), c.RequiredBytes("apps/Other.pkg", 4, 8))
}
