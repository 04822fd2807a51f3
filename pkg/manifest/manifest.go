// pkg/manifest/manifest.go - fetching and caching named manifests from the
// repository.

package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// ConditionalItem is one predicate-gated branch inside a manifest. When its
// condition evaluates true the branch is processed as an inline manifest.
type ConditionalItem struct {
	Condition         string            `plist:"condition"`
	ManagedInstalls   []string          `plist:"managed_installs,omitempty"`
	ManagedUninstalls []string          `plist:"managed_uninstalls,omitempty"`
	ManagedUpdates    []string          `plist:"managed_updates,omitempty"`
	OptionalInstalls  []string          `plist:"optional_installs,omitempty"`
	FeaturedItems     []string          `plist:"featured_items,omitempty"`
	DefaultInstalls   []string          `plist:"default_installs,omitempty"`
	IncludedManifests []string          `plist:"included_manifests,omitempty"`
	ConditionalItems  []ConditionalItem `plist:"conditional_items,omitempty"`
}

// AsManifest returns the branch content as an inline manifest with no
// catalogs of its own, so it inherits the parent's catalog list.
func (c *ConditionalItem) AsManifest() *Manifest {
	return &Manifest{
		ManagedInstalls:   c.ManagedInstalls,
		ManagedUninstalls: c.ManagedUninstalls,
		ManagedUpdates:    c.ManagedUpdates,
		OptionalInstalls:  c.OptionalInstalls,
		FeaturedItems:     c.FeaturedItems,
		DefaultInstalls:   c.DefaultInstalls,
		IncludedManifests: c.IncludedManifests,
		ConditionalItems:  c.ConditionalItems,
	}
}

// Manifest is one repository manifest document.
type Manifest struct {
	Catalogs          []string          `plist:"catalogs,omitempty"`
	IncludedManifests []string          `plist:"included_manifests,omitempty"`
	ManagedInstalls   []string          `plist:"managed_installs,omitempty"`
	ManagedUninstalls []string          `plist:"managed_uninstalls,omitempty"`
	ManagedUpdates    []string          `plist:"managed_updates,omitempty"`
	OptionalInstalls  []string          `plist:"optional_installs,omitempty"`
	FeaturedItems     []string          `plist:"featured_items,omitempty"`
	DefaultInstalls   []string          `plist:"default_installs,omitempty"`
	ConditionalItems  []ConditionalItem `plist:"conditional_items,omitempty"`
}

// SectionItems returns the manifest's item list for a section key.
func (m *Manifest) SectionItems(key string) []string {
	switch key {
	case "managed_installs":
		return m.ManagedInstalls
	case "managed_uninstalls":
		return m.ManagedUninstalls
	case "managed_updates":
		return m.ManagedUpdates
	case "optional_installs":
		return m.OptionalInstalls
	case "featured_items":
		return m.FeaturedItems
	case "default_installs":
		return m.DefaultInstalls
	default:
		return nil
	}
}

// NotFoundError reports a manifest the repository does not serve and the
// cache does not hold.
type NotFoundError struct {
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("manifest %q not found: %v", e.Name, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// InvalidError reports a manifest that fetched but failed to parse.
type InvalidError struct {
	Name string
	Err  error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("manifest %q is invalid: %v", e.Name, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Store fetches manifests and remembers which names this run consulted so
// stale cached manifests can be cleaned afterwards.
type Store struct {
	fetcher *fetch.Fetcher
	baseURL string
	dir     string

	mu    sync.Mutex
	inUse map[string]bool
}

// NewStore returns a Store caching under dir (normally
// <ManagedInstallDir>/manifests).
func NewStore(f *fetch.Fetcher, baseURL, dir string) *Store {
	return &Store{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		dir:     dir,
		inUse:   make(map[string]bool),
	}
}

// Get fetches the named manifest, falling back to the cached copy when the
// server is unreachable. The name is recorded in the in-use set either way.
func (s *Store) Get(ctx context.Context, name string) (*Manifest, error) {
	dest := filepath.Join(s.dir, filepath.FromSlash(name))
	url := s.baseURL + "/" + name

	_, err := s.fetcher.Fetch(ctx, url, dest, fetch.Options{Message: "Retrieving manifest " + name})
	if err != nil {
		if _, statErr := os.Stat(dest); statErr != nil {
			return nil, &NotFoundError{Name: name, Err: err}
		}
		logging.Warn("Using cached manifest after fetch failure", "manifest", name, "error", err)
	}

	m, err := ParseFile(dest)
	if err != nil {
		return nil, &InvalidError{Name: name, Err: err}
	}

	s.mu.Lock()
	s.inUse[name] = true
	s.mu.Unlock()
	return m, nil
}

// InUse returns the manifest names consulted through this store.
func (s *Store) InUse() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.inUse))
	for n := range s.inUse {
		names = append(names, n)
	}
	return names
}

// CleanUnused removes cached manifests the current run never consulted.
func (s *Store) CleanUnused() {
	s.mu.Lock()
	inUse := make(map[string]bool, len(s.inUse))
	for n := range s.inUse {
		inUse[filepath.FromSlash(n)] = true
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || inUse[e.Name()] {
			continue
		}
		logging.Debug("Removing unused cached manifest", "manifest", e.Name())
		os.Remove(filepath.Join(s.dir, e.Name()))
	}
}

// ParseFile reads and parses a manifest plist from disk.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if _, err := plist.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
