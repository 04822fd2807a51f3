// pkg/catalog/pkginfo.go - the canonical catalog record.

package catalog

import (
	"strings"
	"time"
)

// Installer types.
const (
	TypeFlatPackage          = "pkg"
	TypeBundlePackage        = "bundle_pkg"
	TypeCopyItems            = "copy_from_dmg"
	TypeNoPkg                = "nopkg"
	TypeAdobe                = "AdobeCCPInstaller"
	TypeConfigurationProfile = "configuration_profile"
	TypeStartOSInstall       = "startosinstall"
	TypeStageOSInstaller     = "stage_os_installer"
	TypeScriptUninstaller    = "uninstall_script"
)

// Restart actions, ordered by weight.
const (
	RestartNone      = "None"
	RequireLogout    = "RequireLogout"
	RecommendRestart = "RecommendRestart"
	RequireRestart   = "RequireRestart"
	RequireShutdown  = "RequireShutdown"
)

// Receipt records a package id a PkgInfo installs.
type Receipt struct {
	PackageID string `plist:"packageid"`
	Version   string `plist:"version"`
	Optional  bool   `plist:"optional,omitempty"`
	Name      string `plist:"name,omitempty"`
}

// InstallsItem is one install-evidence probe from a PkgInfo's installs list.
type InstallsItem struct {
	Type             string `plist:"type"`
	Path             string `plist:"path,omitempty"`
	MD5Checksum      string `plist:"md5checksum,omitempty"`
	BundleIdentifier string `plist:"CFBundleIdentifier,omitempty"`
	BundleName       string `plist:"CFBundleName,omitempty"`
	ShortVersion     string `plist:"CFBundleShortVersionString,omitempty"`
	VersionKey       string `plist:"version_comparison_key,omitempty"`
	PlistKey         string `plist:"plist_key,omitempty"`
	PlistValue       string `plist:"plist_value,omitempty"`
}

// UnusedRemovalInfo configures the remove-if-unused policy for an optional
// install.
type UnusedRemovalInfo struct {
	RemovalDays int      `plist:"removal_days"`
	BundleIDs   []string `plist:"bundle_ids,omitempty"`
}

// PkgInfo is one software-item record from a catalog.
type PkgInfo struct {
	Name        string `plist:"name"`
	Version     string `plist:"version"`
	DisplayName string `plist:"display_name,omitempty"`
	Description string `plist:"description,omitempty"`

	Catalogs []string  `plist:"catalogs,omitempty"`
	Receipts []Receipt `plist:"receipts,omitempty"`

	Installs  []InstallsItem `plist:"installs,omitempty"`
	Requires  []string       `plist:"requires,omitempty"`
	UpdateFor []string       `plist:"update_for,omitempty"`

	InstallerType         string `plist:"installer_type,omitempty"`
	InstallerItemLocation string `plist:"installer_item_location,omitempty"`
	InstallerItemHash     string `plist:"installer_item_hash,omitempty"`
	InstallerItemSize     int64  `plist:"installer_item_size,omitempty"` // kilobytes
	InstalledSize         int64  `plist:"installed_size,omitempty"`      // kilobytes

	UninstallMethod         string   `plist:"uninstall_method,omitempty"`
	UninstallerItemLocation string   `plist:"uninstaller_item_location,omitempty"`
	UninstallScript         string   `plist:"uninstall_script,omitempty"`
	Uninstallable           bool     `plist:"uninstallable,omitempty"`
	ItemsToCopy             []CopyItem `plist:"items_to_copy,omitempty"`

	RestartAction        string    `plist:"RestartAction,omitempty"`
	BlockingApplications []string  `plist:"blocking_applications,omitempty"`
	UnattendedInstall    bool      `plist:"unattended_install,omitempty"`
	UnattendedUninstall  bool      `plist:"unattended_uninstall,omitempty"`
	ForceInstallAfter    time.Time `plist:"force_install_after_date,omitempty"`

	OnDemand   bool               `plist:"OnDemand,omitempty"`
	AutoRemove bool               `plist:"autoremove,omitempty"`
	UnusedInfo *UnusedRemovalInfo `plist:"unused_software_removal_info,omitempty"`

	LicensedSeatInfoAvailable bool `plist:"licensed_seat_info_available,omitempty"`

	MinimumOSVersion     string   `plist:"minimum_os_version,omitempty"`
	MaximumOSVersion     string   `plist:"maximum_os_version,omitempty"`
	MinimumEngineVersion string   `plist:"minimum_munki_version,omitempty"`
	SupportedArch        []string `plist:"supported_architectures,omitempty"`
	InstallableCondition string   `plist:"installable_condition,omitempty"`

	PreinstallScript    string `plist:"preinstall_script,omitempty"`
	PostinstallScript   string `plist:"postinstall_script,omitempty"`
	PreuninstallScript  string `plist:"preuninstall_script,omitempty"`
	PostuninstallScript string `plist:"postuninstall_script,omitempty"`
	InstallCheckScript   string `plist:"installcheck_script,omitempty"`
	UninstallCheckScript string `plist:"uninstallcheck_script,omitempty"`

	PreinstallAlert   map[string]string `plist:"preinstall_alert,omitempty"`
	PreuninstallAlert map[string]string `plist:"preuninstall_alert,omitempty"`

	IconName string `plist:"icon_name,omitempty"`
	IconHash string `plist:"icon_hash,omitempty"`
	Category string `plist:"category,omitempty"`
	Developer string `plist:"developer,omitempty"`
	Featured bool   `plist:"featured,omitempty"`
	Precache bool   `plist:"precache,omitempty"`

	InstallerEnvironment map[string]string `plist:"installer_environment,omitempty"`
	InstallerChoicesXML  []map[string]interface{} `plist:"installer_choices_xml,omitempty"`
}

// CopyItem describes one item copied from a mounted disk image by a
// copy_from_dmg install.
type CopyItem struct {
	SourceItem      string `plist:"source_item"`
	DestinationPath string `plist:"destination_path"`
	DestinationItem string `plist:"destination_item,omitempty"`
	User            string `plist:"user,omitempty"`
	Group           string `plist:"group,omitempty"`
	Mode            string `plist:"mode,omitempty"`
}

// IsOSInstaller reports whether this item stages or runs an OS install,
// which the planner always moves to the end of the install list.
func (p *PkgInfo) IsOSInstaller() bool {
	return p.InstallerType == TypeStartOSInstall || p.InstallerType == TypeStageOSInstaller
}

// RestartWeight orders restart actions so the executor can take the
// maximum across a run.
func RestartWeight(action string) int {
	switch action {
	case RequireShutdown:
		return 3
	case RequireRestart, RecommendRestart:
		return 2
	case RequireLogout:
		return 1
	default:
		return 0
	}
}

// SplitNameAndVersion splits a manifest item reference into its bare name
// and optional version suffix. Both "Firefox-115.0" and "Firefox--115.0"
// forms are recognized; a dash segment is only treated as a version when it
// looks like one.
func SplitNameAndVersion(ref string) (name, vers string) {
	if i := strings.Index(ref, "--"); i > 0 {
		return strings.TrimSpace(ref[:i]), strings.TrimSpace(ref[i+2:])
	}
	if i := strings.LastIndex(ref, "-"); i > 0 {
		candidate := ref[i+1:]
		if strings.ContainsAny(candidate, "0123456789") &&
			!strings.ContainsAny(candidate, " ") &&
			(strings.Contains(candidate, ".") || allDigits(candidate)) {
			return strings.TrimSpace(ref[:i]), strings.TrimSpace(candidate)
		}
	}
	return strings.TrimSpace(ref), ""
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
