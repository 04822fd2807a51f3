// pkg/installstate/installstate.go - deciding whether a catalog item is
// already installed.
//
// Evidence precedence: OnDemand, installcheck script, OS-installer version
// compare, configuration-profile delegation, installs probes, receipts.

package installstate

import (
	"context"
	"fmt"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/logging"
)

// State is the oracle's three-way answer.
type State int

const (
	NotInstalled State = iota
	SameVersionInstalled
	NewerVersionInstalled
)

func (s State) String() string {
	switch s {
	case SameVersionInstalled:
		return "same version installed"
	case NewerVersionInstalled:
		return "newer version installed"
	default:
		return "not installed"
	}
}

// ScriptRunner executes an embedded check script and reports its exit code.
type ScriptRunner interface {
	RunEmbedded(ctx context.Context, name, script string) (exitCode int, err error)
}

// ReceiptStore answers installed-version queries against the platform
// package receipt database.
type ReceiptStore interface {
	InstalledVersion(pkgID string) (version string, found bool)
}

// ProfileChecker answers whether a configuration profile is installed.
type ProfileChecker interface {
	ProfileInstalled(identifier string) bool
}

// Oracle evaluates installation state for catalog items.
type Oracle struct {
	OSVersion string
	Receipts  ReceiptStore
	Profiles  ProfileChecker
	Scripts   ScriptRunner

	// ApplicationDirs are scanned by application probes that carry no
	// explicit path. Defaults to the standard system locations.
	ApplicationDirs []string
}

// New returns an Oracle with default application search paths.
func New(osVersion string, receipts ReceiptStore, profiles ProfileChecker, scripts ScriptRunner) *Oracle {
	return &Oracle{
		OSVersion:       osVersion,
		Receipts:        receipts,
		Profiles:        profiles,
		Scripts:         scripts,
		ApplicationDirs: []string{"/Applications", "/System/Applications"},
	}
}

// InstalledState reports whether item needs installing.
func (o *Oracle) InstalledState(ctx context.Context, item *catalog.PkgInfo) State {
	if item.OnDemand {
		return NotInstalled
	}

	if item.InstallCheckScript != "" {
		code, err := o.runCheck(ctx, item.Name+"_installcheck", item.InstallCheckScript)
		if err == nil {
			// exit 0 means the item needs installing
			if code == 0 {
				return NotInstalled
			}
			return SameVersionInstalled
		}
		logging.Warn("Install check script did not run", "item", item.Name, "error", err)
	}

	if item.IsOSInstaller() {
		cmp := catalog.CompareVersions(o.OSVersion, item.Version)
		switch {
		case cmp < 0:
			return NotInstalled
		case cmp == 0:
			return SameVersionInstalled
		default:
			return NewerVersionInstalled
		}
	}

	if item.InstallerType == catalog.TypeConfigurationProfile {
		if o.Profiles != nil && o.Profiles.ProfileInstalled(profileIdentifier(item)) {
			return SameVersionInstalled
		}
		return NotInstalled
	}

	if len(item.Installs) > 0 {
		return o.aggregateProbes(item)
	}

	if len(item.Receipts) > 0 {
		return o.aggregateReceipts(item)
	}

	// no evidence sources at all; assume it needs installing once
	logging.Debug("Item carries no install evidence", "item", item.Name)
	return NotInstalled
}

// SomeVersionInstalled reports whether any version of item is present. Used
// to decide whether an optional item should be offered as an update.
func (o *Oracle) SomeVersionInstalled(ctx context.Context, item *catalog.PkgInfo) bool {
	if item.OnDemand {
		return false
	}

	if item.InstallCheckScript != "" {
		code, err := o.runCheck(ctx, item.Name+"_installcheck", item.InstallCheckScript)
		if err == nil {
			return code != 0
		}
	}

	if item.IsOSInstaller() {
		return catalog.CompareVersions(o.OSVersion, item.Version) >= 0
	}

	if item.InstallerType == catalog.TypeConfigurationProfile {
		return o.Profiles != nil && o.Profiles.ProfileInstalled(profileIdentifier(item))
	}

	if len(item.Installs) > 0 {
		for i := range item.Installs {
			if !o.probePresent(&item.Installs[i]) {
				return false
			}
		}
		return true
	}

	if len(item.Receipts) > 0 {
		for _, r := range item.Receipts {
			if r.Optional {
				continue
			}
			if _, found := o.Receipts.InstalledVersion(r.PackageID); !found {
				return false
			}
		}
		return true
	}
	return false
}

// EvidenceThisIsInstalled is consulted before a removal. It favors the
// uninstallcheck script and otherwise returns true when any probe or receipt
// finds the item, so removals do not silently skip.
func (o *Oracle) EvidenceThisIsInstalled(ctx context.Context, item *catalog.PkgInfo) bool {
	if item.OnDemand {
		return true
	}

	if item.UninstallCheckScript != "" {
		code, err := o.runCheck(ctx, item.Name+"_uninstallcheck", item.UninstallCheckScript)
		if err == nil {
			// exit 0 means the item should be uninstalled, so it is present
			return code == 0
		}
		logging.Warn("Uninstall check script did not run", "item", item.Name, "error", err)
	}

	if item.InstallCheckScript != "" {
		code, err := o.runCheck(ctx, item.Name+"_installcheck", item.InstallCheckScript)
		if err == nil {
			return code != 0
		}
	}

	if item.InstallerType == catalog.TypeConfigurationProfile {
		return o.Profiles != nil && o.Profiles.ProfileInstalled(profileIdentifier(item))
	}

	if len(item.Installs) > 0 {
		for i := range item.Installs {
			if o.probePresent(&item.Installs[i]) {
				return true
			}
		}
		return false
	}

	if len(item.Receipts) > 0 {
		for _, r := range item.Receipts {
			if _, found := o.Receipts.InstalledVersion(r.PackageID); found {
				return true
			}
		}
		return false
	}
	return false
}

func (o *Oracle) runCheck(ctx context.Context, name, script string) (int, error) {
	if o.Scripts == nil {
		return 0, fmt.Errorf("no script runner configured")
	}
	return o.Scripts.RunEmbedded(ctx, name, script)
}

// aggregateProbes folds per-probe results: any not-installed wins, then any
// newer, otherwise same.
func (o *Oracle) aggregateProbes(item *catalog.PkgInfo) State {
	sawNewer := false
	for i := range item.Installs {
		switch o.probeState(&item.Installs[i]) {
		case NotInstalled:
			return NotInstalled
		case NewerVersionInstalled:
			sawNewer = true
		}
	}
	if sawNewer {
		return NewerVersionInstalled
	}
	return SameVersionInstalled
}

func (o *Oracle) aggregateReceipts(item *catalog.PkgInfo) State {
	sawNewer := false
	for _, r := range item.Receipts {
		installed, found := o.Receipts.InstalledVersion(r.PackageID)
		if !found {
			if r.Optional {
				continue
			}
			return NotInstalled
		}
		switch cmp := catalog.CompareVersions(installed, r.Version); {
		case cmp < 0:
			return NotInstalled
		case cmp > 0:
			sawNewer = true
		}
	}
	if sawNewer {
		return NewerVersionInstalled
	}
	return SameVersionInstalled
}

func profileIdentifier(item *catalog.PkgInfo) string {
	for _, r := range item.Receipts {
		if r.PackageID != "" {
			return r.PackageID
		}
	}
	return item.Name
}
