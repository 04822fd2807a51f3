// pkg/selfservice/selfservice.go - the user-writable self-serve manifest.
//
// Users request optional software by writing to a shared, world-writable
// origin file. Each run imports that file into the managed manifest
// directory (refusing symlinks) and merges its contents into planning.

package selfservice

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/logging"
)

// ManifestName is the filename of the managed copy.
const ManifestName = "SelfServeManifest"

// DefaultOriginPath is the world-writable drop location users and the
// self-service UI write to.
const DefaultOriginPath = "/Users/Shared/.com.macadmins.orchard.selfservice.plist"

// Manifest is the self-serve manifest document.
type Manifest struct {
	ManagedInstalls   []string `plist:"managed_installs"`
	ManagedUninstalls []string `plist:"managed_uninstalls"`
	DefaultInstalls   []string `plist:"default_installs,omitempty"`
}

// Manager owns the managed copy of the self-serve manifest.
type Manager struct {
	OriginPath string
	Path       string
}

// NewManager returns a Manager storing the managed copy under manifestDir.
func NewManager(originPath, manifestDir string) *Manager {
	if originPath == "" {
		originPath = DefaultOriginPath
	}
	return &Manager{
		OriginPath: originPath,
		Path:       filepath.Join(manifestDir, ManifestName),
	}
}

// ImportOrigin moves a user-written manifest from the shared origin path
// into the managed directory. The origin file is deleted either way; a
// symlink at the origin is removed without copying.
func (m *Manager) ImportOrigin() {
	info, err := os.Lstat(m.OriginPath)
	if err != nil {
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		logging.Warn("Refusing symlink at self-serve origin", "path", m.OriginPath)
		os.Remove(m.OriginPath)
		return
	}

	data, err := os.ReadFile(m.OriginPath)
	if err != nil {
		logging.Warn("Could not read self-serve manifest origin", "error", err)
		os.Remove(m.OriginPath)
		return
	}

	// validate before accepting
	var manifest Manifest
	if _, err := plist.Unmarshal(data, &manifest); err != nil {
		logging.Warn("Self-serve manifest origin is unreadable", "error", err)
		os.Remove(m.OriginPath)
		return
	}

	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err == nil {
		if err := os.WriteFile(m.Path, data, 0o644); err != nil {
			logging.Warn("Could not store self-serve manifest", "error", err)
		} else {
			logging.Info("Imported self-serve manifest",
				"installs", len(manifest.ManagedInstalls),
				"uninstalls", len(manifest.ManagedUninstalls))
		}
	}
	os.Remove(m.OriginPath)
}

// Load reads the managed self-serve manifest. A missing file yields an
// empty manifest.
func (m *Manager) Load() (*Manifest, error) {
	data, err := os.ReadFile(m.Path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading self-serve manifest: %w", err)
	}
	var manifest Manifest
	if _, err := plist.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing self-serve manifest: %w", err)
	}
	return &manifest, nil
}

// Save writes the managed self-serve manifest.
func (m *Manager) Save(manifest *Manifest) error {
	data, err := plist.MarshalIndent(manifest, plist.XMLFormat, "\t")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.Path, data, 0o644)
}

// NoteDefaultInstall records a default-installs item: it joins the
// self-serve default_installs list and, if not already requested, the
// managed_installs list.
func (m *Manager) NoteDefaultInstall(name string) error {
	manifest, err := m.Load()
	if err != nil {
		return err
	}
	changed := false
	if !containsFold(manifest.DefaultInstalls, name) {
		manifest.DefaultInstalls = append(manifest.DefaultInstalls, name)
		changed = true
	}
	if !containsFold(manifest.ManagedInstalls, name) {
		manifest.ManagedInstalls = append(manifest.ManagedInstalls, name)
		changed = true
	}
	if !changed {
		return nil
	}
	return m.Save(manifest)
}

// RemoveFromInstalls drops name from managed_installs, used after an
// on-demand self-serve item ran successfully.
func (m *Manager) RemoveFromInstalls(name string) error {
	manifest, err := m.Load()
	if err != nil {
		return err
	}
	trimmed := removeFold(manifest.ManagedInstalls, name)
	if len(trimmed) == len(manifest.ManagedInstalls) {
		return nil
	}
	manifest.ManagedInstalls = trimmed
	logging.Info("Removed completed item from self-serve manifest", "item", name)
	return m.Save(manifest)
}

// PruneUninstalls drops managed_uninstalls entries whose items are no
// longer installed. Called after removals complete.
func (m *Manager) PruneUninstalls(stillInstalled func(name string) bool) error {
	manifest, err := m.Load()
	if err != nil {
		return err
	}
	kept := manifest.ManagedUninstalls[:0]
	for _, name := range manifest.ManagedUninstalls {
		if stillInstalled(name) {
			kept = append(kept, name)
		} else {
			logging.Debug("Pruning completed self-serve removal", "item", name)
		}
	}
	if len(kept) == len(manifest.ManagedUninstalls) {
		return nil
	}
	manifest.ManagedUninstalls = kept
	return m.Save(manifest)
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func removeFold(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !strings.EqualFold(s, name) {
			out = append(out, s)
		}
	}
	return out
}
