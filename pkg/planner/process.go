// pkg/planner/process.go - recursive manifest processing and per-item
// planning decisions.

package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/installstate"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/manifest"
	"github.com/macadmins/orchard/pkg/predicates"
	"github.com/macadmins/orchard/pkg/stoprequest"
)

type section int

const (
	sectionManagedInstalls section = iota
	sectionManagedUninstalls
	sectionManagedUpdates
	sectionOptionalInstalls
	sectionFeaturedItems
	sectionDefaultInstalls
)

func (s section) String() string {
	switch s {
	case sectionManagedInstalls:
		return "managed_installs"
	case sectionManagedUninstalls:
		return "managed_uninstalls"
	case sectionManagedUpdates:
		return "managed_updates"
	case sectionOptionalInstalls:
		return "optional_installs"
	case sectionFeaturedItems:
		return "featured_items"
	default:
		return "default_installs"
	}
}

// procStatus is the planner's per-operation result.
type procStatus int

const (
	procOK procStatus = iota
	procSkipped
	procFailed
)

// runState is the mutable state of one planning run.
type runState struct {
	p    *Planner
	db   *catalog.DB
	info *InstallInfo

	processedInstalls   map[string]bool
	processedUninstalls map[string]bool
	managedUpdates      map[string]bool

	analysis *catalog.PkgAnalysis
}

func (p *Planner) newRunState(db *catalog.DB) *runState {
	return &runState{
		p:                   p,
		db:                  db,
		info:                &InstallInfo{ManagedInstalls: []InstallItem{}, Removals: []InstallItem{}},
		processedInstalls:   map[string]bool{},
		processedUninstalls: map[string]bool{},
		managedUpdates:      map[string]bool{},
		analysis:            db.AnalyzeInstalledPkgs(p.InstalledPkgs),
	}
}

func (st *runState) warn(format string, args ...interface{}) {
	if st.p.Report != nil {
		st.p.Report.Warn(format, args...)
		return
	}
	logging.Warn(fmt.Sprintf(format, args...))
}

// processManifest handles one section of one manifest, recursing into
// included manifests and true conditional branches. visited guards against
// inclusion cycles; it is keyed by manifest name and shared down one
// recursion path.
func (st *runState) processManifest(ctx context.Context, m *manifest.Manifest, name string, sec section, visited map[string]bool) {
	if visited == nil {
		visited = map[string]bool{}
	}
	if visited[name] {
		st.warn("Manifest inclusion cycle at %q; skipping repeat visit", name)
		return
	}
	visited[name] = true
	defer delete(visited, name)

	catalogs := m.Catalogs

	for _, included := range m.IncludedManifests {
		if stoprequest.Requested() {
			return
		}
		child, err := st.p.Manifests.Get(ctx, included)
		if err != nil {
			st.warn("Could not process included manifest %q: %v", included, err)
			continue
		}
		if len(child.Catalogs) == 0 {
			child.Catalogs = catalogs
		}
		st.processManifest(ctx, child, included, sec, visited)
	}

	for i := range m.ConditionalItems {
		cond := &m.ConditionalItems[i]
		ok, err := predicates.NewEvaluator(st.p.Facts).Evaluate(cond.Condition)
		if err != nil {
			st.warn("Condition %q in manifest %q: %v", cond.Condition, name, err)
			continue
		}
		if !ok {
			continue
		}
		inline := cond.AsManifest()
		inline.Catalogs = catalogs
		st.processManifest(ctx, inline, fmt.Sprintf("%s/conditional[%d]", name, i), sec, visited)
	}

	for _, ref := range m.SectionItems(sec.String()) {
		if stoprequest.Requested() {
			return
		}
		switch sec {
		case sectionManagedInstalls:
			st.processInstall(ctx, ref, catalogs, false)
		case sectionManagedUninstalls:
			st.processRemoval(ctx, ref, catalogs)
		case sectionManagedUpdates:
			st.processManagedUpdate(ctx, ref, catalogs)
		case sectionOptionalInstalls:
			st.processOptionalInstall(ctx, ref, catalogs, false)
		case sectionFeaturedItems:
			st.processOptionalInstall(ctx, ref, catalogs, true)
		case sectionDefaultInstalls:
			st.processDefaultInstall(ctx, ref, catalogs)
		}
	}
}

// processAutoRemovals removes catalog items flagged autoremove that nothing
// in this run asked to install.
func (st *runState) processAutoRemovals(ctx context.Context, catalogs []string) {
	for _, name := range st.db.AutoRemoveNames() {
		if st.processedInstalls[catalog.NormalizeName(name)] {
			continue
		}
		st.processRemoval(ctx, name, catalogs)
	}
}

// processInstall resolves one install reference, its requires chain, and
// its update chain.
func (st *runState) processInstall(ctx context.Context, ref string, catalogs []string, isManagedUpdate bool) procStatus {
	name, _ := catalog.SplitNameAndVersion(ref)
	key := catalog.NormalizeName(name)

	if st.processedInstalls[key] || st.managedUpdates[key] {
		return procOK
	}
	if st.processedUninstalls[key] {
		st.warn("Conflict: %q is already being removed; install request ignored", name)
		return procSkipped
	}

	item, err := st.db.ItemDetail(ref, catalogs, "", false)
	if err != nil {
		st.warn("Could not process install of %q: %v", ref, err)
		return procFailed
	}

	// requires go first; a failed prerequisite makes this item
	// unsatisfiable
	for _, req := range item.Requires {
		if status := st.processInstall(ctx, req, catalogs, false); status != procOK {
			st.warn("Install of %q blocked: prerequisite %q not satisfiable", name, req)
			st.info.ProblemItems = append(st.info.ProblemItems, InstallItem{
				Name:             item.Name,
				DisplayName:      item.DisplayName,
				VersionToInstall: item.Version,
				Note:             fmt.Sprintf("prerequisite %s could not be installed", req),
			})
			return procFailed
		}
	}

	state := st.p.Oracle.InstalledState(ctx, item)
	if state == installstate.NotInstalled {
		if err := st.p.Download.DownloadInstaller(ctx, item); err != nil {
			st.warn("Could not download installer for %q: %v", name, err)
			st.info.ProblemItems = append(st.info.ProblemItems, st.installRecord(item, err.Error()))
			return procFailed
		}
		rec := st.installRecord(item, "")
		if rated, ok := st.p.Download.(interface{ LastDownloadKBPS() int64 }); ok {
			rec.DownloadKBPS = rated.LastDownloadKBPS()
		}
		st.info.ManagedInstalls = append(st.info.ManagedInstalls, rec)
		logging.Info("Planned install", "item", item.Name, "version", item.Version)
	} else {
		logging.Debug("Item already present", "item", item.Name, "state", state.String())
	}

	if isManagedUpdate {
		st.managedUpdates[key] = true
		st.info.ManagedUpdates = appendUnique(st.info.ManagedUpdates, item.Name)
	} else {
		st.processedInstalls[key] = true
		st.info.ProcessedInstalls = append(st.info.ProcessedInstalls, item.Name)
	}

	// update chains apply whether or not this item was just planned
	for _, update := range st.db.LookForUpdates(item.Name, catalogs) {
		st.processInstall(ctx, update, catalogs, true)
	}
	for _, update := range st.db.LookForUpdatesForVersion(item.Name, item.Version, catalogs) {
		st.processInstall(ctx, update, catalogs, true)
	}

	return procOK
}

// processRemoval resolves one removal: dependents first, then the item
// itself with its uninstall method.
func (st *runState) processRemoval(ctx context.Context, ref string, catalogs []string) procStatus {
	name, _ := catalog.SplitNameAndVersion(ref)
	key := catalog.NormalizeName(name)

	if st.processedUninstalls[key] {
		return procOK
	}
	if st.processedInstalls[key] {
		st.warn("Conflict: %q is already being installed; removal request ignored", name)
		return procSkipped
	}

	item, err := st.db.ItemDetail(ref, catalogs, "", true)
	if err != nil {
		logging.Debug("No catalog item for removal", "item", ref, "error", err)
		return procSkipped
	}

	if !st.p.Oracle.EvidenceThisIsInstalled(ctx, item) {
		logging.Debug("Item not installed, nothing to remove", "item", item.Name)
		st.processedUninstalls[key] = true
		st.info.ProcessedUninstalls = append(st.info.ProcessedUninstalls, item.Name)
		return procOK
	}

	if !item.Uninstallable && item.UninstallMethod == "" && item.UninstallScript == "" {
		st.warn("Item %q is not uninstallable; removal request ignored", item.Name)
		return procSkipped
	}

	// dependents keep this item alive; remove them first
	for _, dependent := range st.db.Dependents(item.Name, catalogs) {
		depItem, err := st.db.ItemDetail(dependent, catalogs, "", true)
		if err != nil || !st.p.Oracle.EvidenceThisIsInstalled(ctx, depItem) {
			continue
		}
		if st.processRemoval(ctx, dependent, catalogs) != procOK {
			st.warn("Removal of %q blocked: dependent %q could not be removed", item.Name, dependent)
			return procFailed
		}
	}

	rec, status := st.removalRecord(ctx, item)
	if status != procOK {
		return status
	}
	st.info.Removals = append(st.info.Removals, rec)
	st.processedUninstalls[key] = true
	st.info.ProcessedUninstalls = append(st.info.ProcessedUninstalls, item.Name)
	logging.Info("Planned removal", "item", item.Name, "method", rec.UninstallMethod)
	return procOK
}

// removalRecord resolves the uninstall method and its supporting data.
func (st *runState) removalRecord(ctx context.Context, item *catalog.PkgInfo) (InstallItem, procStatus) {
	rec := InstallItem{
		Name:                 item.Name,
		DisplayName:          item.DisplayName,
		Description:          item.Description,
		InstalledVersion:     item.Version,
		InstallerType:        item.InstallerType,
		RestartAction:        item.RestartAction,
		BlockingApplications: item.BlockingApplications,
		UnattendedUninstall:  item.UnattendedUninstall,
		Installs:             item.Installs,
		Receipts:             item.Receipts,
		PreuninstallScript:   item.PreuninstallScript,
		PostuninstallScript:  item.PostuninstallScript,
	}

	method := item.UninstallMethod
	if method == "" {
		switch {
		case item.UninstallScript != "":
			method = catalog.TypeScriptUninstaller
		case len(item.Receipts) > 0:
			method = "removepackages"
		case item.InstallerType == catalog.TypeCopyItems:
			method = "remove_copied_items"
		case item.InstallerType == catalog.TypeConfigurationProfile:
			method = "remove_profile"
		default:
			st.warn("No usable uninstall method for %q", item.Name)
			return rec, procSkipped
		}
	}
	rec.UninstallMethod = method

	switch method {
	case "removepackages":
		rec.Packages = st.exclusivePackages(item)
		if len(rec.Packages) == 0 {
			st.warn("All receipts of %q are shared with other items; nothing to remove", item.Name)
			return rec, procSkipped
		}
	case catalog.TypeScriptUninstaller:
		rec.UninstallScript = item.UninstallScript
	case "remove_copied_items":
		rec.ItemsToCopy = item.ItemsToCopy
	}

	if item.UninstallerItemLocation != "" {
		if err := st.p.Download.DownloadUninstaller(ctx, item); err != nil {
			st.warn("Could not download uninstaller for %q: %v", item.Name, err)
			return rec, procFailed
		}
		rec.UninstallerItem = filepath.Base(item.UninstallerItemLocation)
	}
	return rec, procOK
}

// exclusivePackages returns the item's receipt pkgids not referenced by any
// other catalog item, so shared frameworks survive the removal.
func (st *runState) exclusivePackages(item *catalog.PkgInfo) []string {
	var pkgs []string
	for _, r := range item.Receipts {
		if r.PackageID == "" {
			continue
		}
		shared := false
		for _, refName := range st.analysis.PkgReferences[r.PackageID] {
			if !strings.EqualFold(refName, item.Name) {
				shared = true
				break
			}
		}
		if !shared {
			pkgs = appendUnique(pkgs, r.PackageID)
		}
	}
	return pkgs
}

// processManagedUpdate plans an update only when some version of the item
// is already present.
func (st *runState) processManagedUpdate(ctx context.Context, ref string, catalogs []string) {
	name, _ := catalog.SplitNameAndVersion(ref)
	key := catalog.NormalizeName(name)
	if st.processedInstalls[key] || st.processedUninstalls[key] {
		return
	}
	item, err := st.db.ItemDetail(ref, catalogs, "", false)
	if err != nil {
		st.warn("Could not process managed update of %q: %v", ref, err)
		return
	}
	if !st.p.Oracle.SomeVersionInstalled(ctx, item) {
		logging.Debug("Managed update not applicable, item not installed", "item", name)
		return
	}
	st.processInstall(ctx, ref, catalogs, true)
}

// processOptionalInstall computes the UI-facing record for one optional
// item.
func (st *runState) processOptionalInstall(ctx context.Context, ref string, catalogs []string, featured bool) {
	name, _ := catalog.SplitNameAndVersion(ref)
	if featured {
		st.info.FeaturedItems = appendUnique(st.info.FeaturedItems, name)
	}
	if st.optionalAvailable(name) {
		return
	}

	note := ""
	item, err := st.db.ItemDetail(ref, catalogs, "", false)
	if err != nil && st.p.Config.ShowOptionalInstallsForHigherOSVersions {
		if retry, retryErr := st.db.ItemDetail(ref, catalogs, "", true); retryErr == nil {
			item, err = retry, nil
			note = fmt.Sprintf("Requires macOS %s or later", retry.MinimumOSVersion)
		}
	}
	if err != nil {
		logging.Debug("Optional item unavailable", "item", ref, "error", err)
		return
	}

	installed := st.p.Oracle.SomeVersionInstalled(ctx, item)
	needsUpdate := false
	if installed {
		needsUpdate = st.p.Oracle.InstalledState(ctx, item) == installstate.NotInstalled
	}

	// a noted item stays visible but cannot be requested; the higher-OS
	// note wins, then licensing, then disk space
	if note == "" && item.LicensedSeatInfoAvailable && !installed {
		if st.p.SeatsAvailable != nil && !st.p.SeatsAvailable(ctx, item.Name) {
			note = "No licenses available"
		}
	}
	if note == "" && (!installed || needsUpdate) {
		if st.p.SpaceCheck != nil && !st.p.SpaceCheck(item) {
			note = "Insufficient disk space to download and install."
		}
	}

	st.info.OptionalInstalls = append(st.info.OptionalInstalls, OptionalItem{
		Name:              item.Name,
		DisplayName:       item.DisplayName,
		Description:       item.Description,
		Version:           item.Version,
		Category:          item.Category,
		Developer:         item.Developer,
		IconName:          item.IconName,
		Size:              item.InstallerItemSize,
		InstallerLocation: item.InstallerItemLocation,
		InstallerItemHash: item.InstallerItemHash,
		InstalledSize:     item.InstalledSize,
		Precache:          item.Precache,
		Installed:         installed,
		NeedsUpdate:       needsUpdate,
		Uninstallable:     item.Uninstallable,
		Featured:          featured || item.Featured,

		LicensedSeatInfoAvailable: item.LicensedSeatInfoAvailable,

		Note: note,
	})
}

// processDefaultInstall records a default-installs item in the self-serve
// manifest so the merge step plans it like a user request.
func (st *runState) processDefaultInstall(ctx context.Context, ref string, catalogs []string) {
	name, _ := catalog.SplitNameAndVersion(ref)
	st.processOptionalInstall(ctx, ref, catalogs, false)
	if st.p.SelfServe == nil {
		return
	}
	if err := st.p.SelfServe.NoteDefaultInstall(name); err != nil {
		st.warn("Could not record default install %q: %v", name, err)
	}
}

func (st *runState) optionalAvailable(name string) bool {
	key := catalog.NormalizeName(name)
	for i := range st.info.OptionalInstalls {
		if catalog.NormalizeName(st.info.OptionalInstalls[i].Name) == key {
			return true
		}
	}
	return false
}

// optionalNote returns the note on the item's optional record, empty when
// the item carries none.
func (st *runState) optionalNote(name string) string {
	key := catalog.NormalizeName(name)
	for i := range st.info.OptionalInstalls {
		if catalog.NormalizeName(st.info.OptionalInstalls[i].Name) == key {
			return st.info.OptionalInstalls[i].Note
		}
	}
	return ""
}

// postProcess finalizes the plan: annotates optional items, defers OS
// installers to the end of the install list, and drops surplus OS
// installers.
func (st *runState) postProcess(ctx context.Context) {
	for i := range st.info.OptionalInstalls {
		opt := &st.info.OptionalInstalls[i]
		key := catalog.NormalizeName(opt.Name)
		opt.WillBeInstalled = st.processedInstalls[key]
		opt.WillBeRemoved = st.processedUninstalls[key]
		opt.UpdateAvailable = opt.NeedsUpdate
	}

	var regular, osInstallers []InstallItem
	for _, it := range st.info.ManagedInstalls {
		if it.InstallerType == catalog.TypeStartOSInstall ||
			it.InstallerType == catalog.TypeStageOSInstaller {
			osInstallers = append(osInstallers, it)
			continue
		}
		regular = append(regular, it)
	}
	if len(osInstallers) > 1 {
		st.warn("Multiple OS installers planned; keeping only %q", osInstallers[0].Name)
		osInstallers = osInstallers[:1]
	}
	st.info.ManagedInstalls = append(regular, osInstallers...)
}

// installRecord forwards the PkgInfo keys the executor needs.
func (st *runState) installRecord(item *catalog.PkgInfo, note string) InstallItem {
	rec := InstallItem{
		Name:                 item.Name,
		DisplayName:          item.DisplayName,
		Description:          item.Description,
		VersionToInstall:     item.Version,
		InstallerItemHash:    item.InstallerItemHash,
		InstallerItemSize:    item.InstallerItemSize,
		InstalledSize:        item.InstalledSize,
		InstallerType:        item.InstallerType,
		RestartAction:        item.RestartAction,
		Requires:             item.Requires,
		UpdateFor:            item.UpdateFor,
		BlockingApplications: item.BlockingApplications,
		UnattendedInstall:    item.UnattendedInstall,
		ForceInstallAfter:    item.ForceInstallAfter,
		OnDemand:             item.OnDemand,
		Installs:             item.Installs,
		Receipts:             item.Receipts,
		ItemsToCopy:          item.ItemsToCopy,
		PreinstallScript:     item.PreinstallScript,
		PostinstallScript:    item.PostinstallScript,
		InstallerEnvironment: item.InstallerEnvironment,
		InstallerChoicesXML:  item.InstallerChoicesXML,
		Note:                 note,
	}
	if item.InstallerItemLocation != "" {
		rec.InstallerItem = filepath.Base(item.InstallerItemLocation)
	}
	return rec
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
