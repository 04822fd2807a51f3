// pkg/planner/installinfo.go - the persisted plan, the sole durable
// artifact between planner and executor.

package planner

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/catalog"
)

// InstallInfoName is the plan's filename under ManagedInstallDir.
const InstallInfoName = "InstallInfo.plist"

// InstallItem is one planned install or removal with every key the
// executor needs forwarded from the PkgInfo.
type InstallItem struct {
	Name        string `plist:"name"`
	DisplayName string `plist:"display_name,omitempty"`
	Description string `plist:"description,omitempty"`

	VersionToInstall string `plist:"version_to_install,omitempty"`
	InstalledVersion string `plist:"installed_version,omitempty"`

	InstallerItem     string `plist:"installer_item,omitempty"` // cache basename
	InstallerItemHash string `plist:"installer_item_hash,omitempty"`
	InstallerItemSize int64  `plist:"installer_item_size,omitempty"`
	InstalledSize     int64  `plist:"installed_size,omitempty"`
	InstallerType     string `plist:"installer_type,omitempty"`

	UninstallMethod string   `plist:"uninstall_method,omitempty"`
	UninstallerItem string   `plist:"uninstaller_item,omitempty"`
	UninstallScript string   `plist:"uninstall_script,omitempty"`
	Packages        []string `plist:"packages,omitempty"` // receipt pkgids to forget

	RestartAction        string    `plist:"RestartAction,omitempty"`
	Requires             []string  `plist:"requires,omitempty"`
	UpdateFor            []string  `plist:"update_for,omitempty"`
	BlockingApplications []string  `plist:"blocking_applications,omitempty"`
	UnattendedInstall    bool      `plist:"unattended_install,omitempty"`
	UnattendedUninstall  bool      `plist:"unattended_uninstall,omitempty"`
	ForceInstallAfter    time.Time `plist:"force_install_after_date,omitempty"`
	OnDemand             bool      `plist:"OnDemand,omitempty"`

	Installs    []catalog.InstallsItem `plist:"installs,omitempty"`
	Receipts    []catalog.Receipt      `plist:"receipts,omitempty"`
	ItemsToCopy []catalog.CopyItem     `plist:"items_to_copy,omitempty"`

	PreinstallScript    string `plist:"preinstall_script,omitempty"`
	PostinstallScript   string `plist:"postinstall_script,omitempty"`
	PreuninstallScript  string `plist:"preuninstall_script,omitempty"`
	PostuninstallScript string `plist:"postuninstall_script,omitempty"`

	InstallerEnvironment map[string]string        `plist:"installer_environment,omitempty"`
	InstallerChoicesXML  []map[string]interface{} `plist:"installer_choices_xml,omitempty"`

	// DownloadKBPS is the transfer rate of this item's artifact download,
	// zero when it came from cache.
	DownloadKBPS int64 `plist:"download_kbytes_per_sec,omitempty"`

	// Note carries the human-readable reason this item cannot proceed.
	Note string `plist:"note,omitempty"`
}

// OptionalItem is one entry of the UI-facing optional-installs surface.
type OptionalItem struct {
	Name        string `plist:"name"`
	DisplayName string `plist:"display_name,omitempty"`
	Description string `plist:"description,omitempty"`
	Version     string `plist:"version_to_install,omitempty"`
	Category    string `plist:"category,omitempty"`
	Developer   string `plist:"developer,omitempty"`
	IconName    string `plist:"icon_name,omitempty"`
	Size        int64  `plist:"installer_item_size,omitempty"`

	// Artifact keys kept so the precaching agent can download without
	// re-resolving catalogs.
	InstallerLocation string `plist:"installer_item_location,omitempty"`
	InstallerItemHash string `plist:"installer_item_hash,omitempty"`
	InstalledSize     int64  `plist:"installed_size,omitempty"`
	Precache          bool   `plist:"precache,omitempty"`

	Installed       bool `plist:"installed"`
	NeedsUpdate     bool `plist:"needs_update"`
	UpdateAvailable bool `plist:"update_available"`
	Uninstallable   bool `plist:"uninstallable"`
	WillBeInstalled bool `plist:"will_be_installed"`
	WillBeRemoved   bool `plist:"will_be_removed"`
	InstallError    bool `plist:"install_error,omitempty"`
	RemovalError    bool `plist:"removal_error,omitempty"`
	Featured        bool `plist:"featured,omitempty"`

	LicensedSeatInfoAvailable bool `plist:"licensed_seat_info_available,omitempty"`

	Note string `plist:"note,omitempty"`
}

// InstallInfo is the plan.
type InstallInfo struct {
	ManagedInstalls  []InstallItem  `plist:"managed_installs"`
	Removals         []InstallItem  `plist:"removals"`
	OptionalInstalls []OptionalItem `plist:"optional_installs,omitempty"`
	ManagedUpdates   []string       `plist:"managed_updates,omitempty"`
	FeaturedItems    []string       `plist:"featured_items,omitempty"`
	ProblemItems     []InstallItem  `plist:"problem_items,omitempty"`

	ProcessedInstalls   []string `plist:"processed_installs,omitempty"`
	ProcessedUninstalls []string `plist:"processed_uninstalls,omitempty"`
}

// InstallNames returns the planned install item names in order.
func (ii *InstallInfo) InstallNames() []string {
	names := make([]string, 0, len(ii.ManagedInstalls))
	for _, it := range ii.ManagedInstalls {
		names = append(names, it.Name)
	}
	return names
}

// RemovalNames returns the planned removal item names in order.
func (ii *InstallInfo) RemovalNames() []string {
	names := make([]string, 0, len(ii.Removals))
	for _, it := range ii.Removals {
		names = append(names, it.Name)
	}
	return names
}

// ReferencedCacheNames returns the cache basenames this plan still needs:
// planned installers and uninstallers, partial downloads of problem items,
// and precacheable optional artifacts. Everything else in the cache is
// eligible for cleanup.
func (ii *InstallInfo) ReferencedCacheNames() map[string]bool {
	refs := map[string]bool{}
	add := func(name string) {
		if name != "" {
			refs[filepath.Base(name)] = true
		}
	}
	for _, it := range ii.ManagedInstalls {
		add(it.InstallerItem)
		add(it.UninstallerItem)
	}
	for _, it := range ii.Removals {
		add(it.UninstallerItem)
	}
	for _, it := range ii.ProblemItems {
		add(it.InstallerItem)
	}
	for _, opt := range ii.OptionalInstalls {
		if opt.Precache {
			add(opt.InstallerLocation)
		}
	}
	return refs
}

// PrecacheItems returns the optional items eligible for background
// download, in plan order.
func (ii *InstallInfo) PrecacheItems() []OptionalItem {
	var items []OptionalItem
	for _, opt := range ii.OptionalInstalls {
		if !opt.Precache || opt.InstallerLocation == "" {
			continue
		}
		if opt.Installed && !opt.NeedsUpdate {
			continue
		}
		items = append(items, opt)
	}
	return items
}

// HasWork reports whether the plan contains installs or removals.
func (ii *InstallInfo) HasWork() bool {
	return len(ii.ManagedInstalls) > 0 || len(ii.Removals) > 0
}

// LoadInstallInfo reads the plan from dir. A missing file is an error; the
// executor has nothing to do without a plan.
func LoadInstallInfo(dir string) (*InstallInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, InstallInfoName))
	if err != nil {
		return nil, err
	}
	var ii InstallInfo
	if _, err := plist.Unmarshal(data, &ii); err != nil {
		return nil, err
	}
	return &ii, nil
}

// SaveInstallInfo writes the plan under dir, but only when it differs from
// what is already on disk. Reports whether the file changed.
func SaveInstallInfo(dir string, ii *InstallInfo) (changed bool, err error) {
	data, err := plist.MarshalIndent(ii, plist.XMLFormat, "\t")
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, InstallInfoName)
	if existing, readErr := os.ReadFile(path); readErr == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, data, 0o644)
}
