// pkg/planner/planner.go - the resolver. Walks manifests and conditional
// branches, consults the installation-state oracle, enforces dependency
// order, and produces the InstallInfo plan.

package planner

import (
	"context"
	"fmt"
	"os"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/installstate"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/manifest"
	"github.com/macadmins/orchard/pkg/predicates"
	"github.com/macadmins/orchard/pkg/report"
	"github.com/macadmins/orchard/pkg/selfservice"
	"github.com/macadmins/orchard/pkg/ui"
	"github.com/macadmins/orchard/pkg/usage"
)

// Exit codes Plan returns alongside the InstallInfo.
const (
	ExitNoUpdates       = 0
	ExitUpdatesPlanned  = 1
	ExitManifestMissing = -1
)

// ManifestSource fetches named manifests; normally a manifest.Store.
type ManifestSource interface {
	Get(ctx context.Context, name string) (*manifest.Manifest, error)
}

// CatalogSource loads catalog databases; normally wraps catalog.Load.
type CatalogSource interface {
	Load(ctx context.Context, names []string) (*catalog.DB, error)
}

// StateOracle answers installation-state queries; normally an
// installstate.Oracle.
type StateOracle interface {
	InstalledState(ctx context.Context, item *catalog.PkgInfo) installstate.State
	SomeVersionInstalled(ctx context.Context, item *catalog.PkgInfo) bool
	EvidenceThisIsInstalled(ctx context.Context, item *catalog.PkgInfo) bool
}

// Downloader retrieves installer artifacts into the cache.
type Downloader interface {
	// DownloadInstaller fetches the item's installer artifact, enforcing
	// the expected hash and the disk-space policy.
	DownloadInstaller(ctx context.Context, item *catalog.PkgInfo) error
	// DownloadUninstaller fetches the item's uninstaller artifact.
	DownloadUninstaller(ctx context.Context, item *catalog.PkgInfo) error
}

// Config carries the preference values planning consults.
type Config struct {
	ClientIdentifier  string
	LocalOnlyManifest string
	DefaultManifest   string // fallback of the identity chain

	ShowOptionalInstallsForHigherOSVersions bool

	// Identity fallbacks, in order of use after ClientIdentifier.
	Hostname      string
	ShortHostname string
	SerialNumber  string
}

// Planner resolves one run's plan.
type Planner struct {
	Manifests ManifestSource
	Catalogs  CatalogSource
	Oracle    StateOracle
	Download  Downloader
	Config    Config

	Facts predicates.Facts
	// InstalledPkgs is the platform receipt map (pkgid -> version).
	InstalledPkgs map[string]string

	SelfServe *selfservice.Manager
	Ledger    *usage.Ledger
	Report    *report.Report
	Notifier  ui.Notifier

	// IsAppRunning guards the unused-software policy; nil means nothing
	// is considered running.
	IsAppRunning func(bundleID string) bool

	// SpaceCheck reports whether the disk can hold an optional item's
	// download and install without evicting; nil assumes it fits.
	SpaceCheck func(item *catalog.PkgInfo) bool

	// SeatsAvailable asks the license server whether a seat remains for
	// name; nil assumes one does.
	SeatsAvailable func(ctx context.Context, name string) bool
}

// Plan resolves the full plan. localManifestPath, when non-empty, overrides
// the identity chain with an on-disk manifest.
func (p *Planner) Plan(ctx context.Context, localManifestPath string) (int, *InstallInfo, error) {
	if p.Notifier == nil {
		p.Notifier = ui.LogNotifier{}
	}

	primary, primaryName, err := p.primaryManifest(ctx, localManifestPath)
	if err != nil {
		return ExitManifestMissing, nil, err
	}
	logging.Info("Using primary manifest", "manifest", primaryName)

	p.Notifier.Status("Retrieving catalogs...")
	db, err := p.Catalogs.Load(ctx, primary.Catalogs)
	if err != nil {
		return ExitManifestMissing, nil, fmt.Errorf("loading catalogs: %w", err)
	}
	if len(db.CatalogNames()) == 0 {
		return ExitManifestMissing, nil, fmt.Errorf("no usable catalogs for manifest %q", primaryName)
	}

	st := p.newRunState(db)

	p.Notifier.Status("Determining which software should be installed or removed...")
	st.processManifest(ctx, primary, primaryName, sectionManagedInstalls, nil)
	st.processManifest(ctx, primary, primaryName, sectionManagedUninstalls, nil)
	st.processAutoRemovals(ctx, primary.Catalogs)
	st.processManifest(ctx, primary, primaryName, sectionManagedUpdates, nil)
	p.processLocalOnlyManifest(ctx, st, primary.Catalogs)
	st.processManifest(ctx, primary, primaryName, sectionOptionalInstalls, nil)
	st.processManifest(ctx, primary, primaryName, sectionFeaturedItems, nil)
	st.processManifest(ctx, primary, primaryName, sectionDefaultInstalls, nil)

	p.mergeSelfServe(ctx, st, primary.Catalogs)

	st.postProcess(ctx)

	info := st.info
	if p.Report != nil {
		p.Report.SetPlan(info.InstallNames(), info.RemovalNames())
	}
	if info.HasWork() {
		return ExitUpdatesPlanned, info, nil
	}
	return ExitNoUpdates, info, nil
}

// primaryManifest walks the identity chain until a manifest resolves.
func (p *Planner) primaryManifest(ctx context.Context, localPath string) (*manifest.Manifest, string, error) {
	if localPath != "" {
		m, err := manifest.ParseFile(localPath)
		if err != nil {
			return nil, "", fmt.Errorf("local manifest %s: %w", localPath, err)
		}
		return m, localPath, nil
	}

	defaultName := p.Config.DefaultManifest
	if defaultName == "" {
		defaultName = "site_default"
	}
	var chain []string
	for _, name := range []string{
		p.Config.ClientIdentifier,
		p.Config.Hostname,
		p.Config.ShortHostname,
		p.Config.SerialNumber,
		defaultName,
	} {
		if name != "" {
			chain = append(chain, name)
		}
	}

	var lastErr error
	for _, name := range chain {
		m, err := p.Manifests.Get(ctx, name)
		if err == nil {
			return m, name, nil
		}
		lastErr = err
		logging.Debug("Manifest not available", "manifest", name, "error", err)
	}
	return nil, "", fmt.Errorf("no primary manifest in chain %v: %w", chain, lastErr)
}

// processLocalOnlyManifest folds an admin-maintained on-disk manifest into
// the run. It shares the primary manifest's catalogs.
func (p *Planner) processLocalOnlyManifest(ctx context.Context, st *runState, catalogs []string) {
	path := p.Config.LocalOnlyManifest
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	m, err := manifest.ParseFile(path)
	if err != nil {
		st.warn("Local-only manifest %s is unreadable: %v", path, err)
		return
	}
	logging.Info("Processing local-only manifest", "path", path)
	for _, section := range []section{
		sectionManagedInstalls, sectionManagedUninstalls,
		sectionManagedUpdates, sectionOptionalInstalls,
	} {
		inline := *m
		inline.Catalogs = catalogs
		st.processManifest(ctx, &inline, path, section, nil)
	}
}

// mergeSelfServe imports the user-writable manifest and folds its choices
// into the plan: requested installs as optional installs, requested
// uninstalls as removals. Installed optional items subject to the
// unused-software policy are converted to removals here.
func (p *Planner) mergeSelfServe(ctx context.Context, st *runState, catalogs []string) {
	if p.SelfServe == nil {
		return
	}
	p.SelfServe.ImportOrigin()
	selfServe, err := p.SelfServe.Load()
	if err != nil {
		st.warn("Self-serve manifest unreadable: %v", err)
		return
	}

	for _, name := range selfServe.ManagedInstalls {
		if !st.optionalAvailable(name) {
			logging.Debug("Self-serve item no longer offered", "item", name)
			continue
		}
		if note := st.optionalNote(name); note != "" {
			logging.Info("Self-serve item not actionable", "item", name, "note", note)
			continue
		}
		if p.unusedRemoval(ctx, st, name, catalogs) {
			continue
		}
		st.processInstall(ctx, name, catalogs, false)
	}
	for _, name := range selfServe.ManagedUninstalls {
		st.processRemoval(ctx, name, catalogs)
	}
}

// unusedRemoval applies the unused-software policy to one self-serve item.
// Returns true when the item was converted to a removal.
func (p *Planner) unusedRemoval(ctx context.Context, st *runState, name string, catalogs []string) bool {
	if p.Ledger == nil {
		return false
	}
	item, err := st.db.ItemDetail(name, catalogs, "", false)
	if err != nil || item.UnusedInfo == nil {
		return false
	}
	if !p.Oracle.SomeVersionInstalled(ctx, item) {
		return false
	}

	bundleIDs := item.UnusedInfo.BundleIDs
	if len(bundleIDs) == 0 {
		for _, probe := range item.Installs {
			if probe.BundleIdentifier != "" {
				bundleIDs = append(bundleIDs, probe.BundleIdentifier)
			}
		}
	}
	if !p.Ledger.ShouldRemoveIfUnused(ctx, name, item.UnusedInfo.RemovalDays, bundleIDs, p.IsAppRunning) {
		return false
	}

	logging.Info("Removing unused optional software", "item", name,
		"removal_days", item.UnusedInfo.RemovalDays)
	st.processRemoval(ctx, name, catalogs)
	if err := p.SelfServe.RemoveFromInstalls(name); err != nil {
		st.warn("Could not update self-serve manifest for %s: %v", name, err)
	}
	return true
}
