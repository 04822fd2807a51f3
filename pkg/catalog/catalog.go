// pkg/catalog/catalog.go - in-memory indexes over all items in the
// consulted catalogs.
//
// Catalogs are fetched as plist documents (a flat array of PkgInfo
// records), cached under <ManagedInstallDir>/catalogs/<name>, and indexed
// on ingest. Name keys are Unicode-NFC normalized; version keys have
// trailing ".0" segments trimmed so "10.6" and "10.6.0.0" collide.

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// CatalogInvalid reports a catalog document that fetched but failed to
// parse.
type CatalogInvalid struct {
	Name string
	Err  error
}

func (e *CatalogInvalid) Error() string {
	return fmt.Sprintf("catalog %q is invalid: %v", e.Name, e.Err)
}

func (e *CatalogInvalid) Unwrap() error { return e.Err }

// ErrNoMatchingItem is returned when no PkgInfo passes all filters.
type ErrNoMatchingItem struct {
	Name       string
	Rejections []string
}

func (e *ErrNoMatchingItem) Error() string {
	if len(e.Rejections) == 0 {
		return fmt.Sprintf("no catalog item named %q", e.Name)
	}
	return fmt.Sprintf("no installable item named %q: %s", e.Name, strings.Join(e.Rejections, "; "))
}

// ConditionEvaluator evaluates an installable_condition predicate against
// the machine facts.
type ConditionEvaluator interface {
	Evaluate(predicate string) (bool, error)
}

// Requirements carries the machine-side facts the per-item filters need.
type Requirements struct {
	EngineVersion string
	OSVersion     string
	Arch          string
	X8664Capable  bool
	Conditions    ConditionEvaluator
}

type catalogIndex struct {
	name  string
	items []PkgInfo
	// byName[nfcName][trimmedVersion] -> indices into items
	byName map[string]map[string][]int
}

// DB indexes every item in the consulted catalogs.
type DB struct {
	catalogs map[string]*catalogIndex
	order    []string
	req      Requirements

	updaters   []PkgInfo
	autoremove []string

	// byPkgID[packageid][version] -> item names carrying that receipt
	byPkgID map[string]map[string][]string
}

// NormalizeName NFC-normalizes a catalog item name for index lookups.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// Load fetches each named catalog through f, caches it under dir, parses
// and ingests it. A catalog that cannot be fetched or parsed is skipped
// with a warning; an empty result set is the caller's problem.
func Load(ctx context.Context, f *fetch.Fetcher, baseURL, dir string, names []string, req Requirements) (*DB, error) {
	db := &DB{
		catalogs: make(map[string]*catalogIndex),
		byPkgID:  make(map[string]map[string][]string),
		req:      req,
	}

	for _, name := range names {
		if _, done := db.catalogs[name]; done {
			continue
		}
		dest := filepath.Join(dir, name)
		url := strings.TrimRight(baseURL, "/") + "/" + name
		if _, err := f.Fetch(ctx, url, dest, fetch.Options{Message: "Retrieving catalog " + name}); err != nil {
			// fall back to a cached copy when the server is unreachable
			if _, statErr := os.Stat(dest); statErr != nil {
				logging.Warn("Could not retrieve catalog", "catalog", name, "error", err)
				continue
			}
			logging.Warn("Using cached catalog after fetch failure", "catalog", name, "error", err)
		}

		items, err := parseCatalog(dest)
		if err != nil {
			logging.Warn("Skipping unparseable catalog", "catalog", name, "error", err)
			continue
		}
		db.ingest(name, items)
	}

	return db, nil
}

// NewFromItems builds a DB directly from in-memory catalogs; tests and the
// local-only manifest path use this.
func NewFromItems(ordered []string, catalogs map[string][]PkgInfo, req Requirements) *DB {
	db := &DB{
		catalogs: make(map[string]*catalogIndex),
		byPkgID:  make(map[string]map[string][]string),
		req:      req,
	}
	for _, name := range ordered {
		db.ingest(name, catalogs[name])
	}
	return db
}

func parseCatalog(path string) ([]PkgInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []PkgInfo
	if _, err := plist.Unmarshal(data, &items); err != nil {
		return nil, &CatalogInvalid{Name: filepath.Base(path), Err: err}
	}
	return items, nil
}

func (db *DB) ingest(name string, items []PkgInfo) {
	idx := &catalogIndex{
		name:   name,
		items:  items,
		byName: make(map[string]map[string][]int),
	}
	for i := range items {
		it := &items[i]
		if it.Name == "" {
			continue
		}
		key := NormalizeName(it.Name)
		if idx.byName[key] == nil {
			idx.byName[key] = make(map[string][]int)
		}
		vkey := TrimVersion(it.Version)
		idx.byName[key][vkey] = append(idx.byName[key][vkey], i)

		for _, r := range it.Receipts {
			if r.PackageID == "" {
				continue
			}
			if db.byPkgID[r.PackageID] == nil {
				db.byPkgID[r.PackageID] = make(map[string][]string)
			}
			db.byPkgID[r.PackageID][r.Version] =
				appendUnique(db.byPkgID[r.PackageID][r.Version], it.Name)
		}
		if len(it.UpdateFor) > 0 {
			db.updaters = append(db.updaters, *it)
		}
		if it.AutoRemove {
			db.autoremove = appendUnique(db.autoremove, it.Name)
		}
	}
	db.catalogs[name] = idx
	db.order = append(db.order, name)
	logging.Info("Indexed catalog", "catalog", name, "items", len(items))
}

// CatalogNames returns the names of the catalogs ingested, in order.
func (db *DB) CatalogNames() []string { return db.order }

// AutoRemoveNames returns the deduplicated names of items flagged
// autoremove in any consulted catalog.
func (db *DB) AutoRemoveNames() []string { return db.autoremove }

// ItemDetail resolves a manifest item reference against the catalogs in
// catalogOrder. version may be "latest" or an exact version; an explicit
// -Version suffix on the name takes precedence. Candidates are filtered by
// minimum engine version, OS version bounds, architecture, and the item's
// installable_condition; the first survivor wins.
func (db *DB) ItemDetail(ref string, catalogOrder []string, version string, skipMinOSCheck bool) (*PkgInfo, error) {
	name, suffixVers := SplitNameAndVersion(ref)
	if suffixVers != "" {
		version = suffixVers
	}
	if version == "" {
		version = "latest"
	}

	key := NormalizeName(name)
	var rejections []string

	for _, catName := range catalogOrder {
		idx, ok := db.catalogs[catName]
		if !ok {
			continue
		}
		versions, ok := idx.byName[key]
		if !ok {
			// the bare ref may itself be a versioned item name
			if versions, ok = idx.byName[NormalizeName(ref)]; !ok {
				continue
			}
		}

		for _, i := range candidateIndices(versions, version) {
			item := &idx.items[i]
			if reason := db.rejectionReason(item, skipMinOSCheck); reason != "" {
				rejections = append(rejections,
					fmt.Sprintf("%s-%s: %s", item.Name, item.Version, reason))
				logging.Debug("Rejected catalog candidate",
					"item", item.Name, "version", item.Version, "reason", reason)
				continue
			}
			return item, nil
		}
	}

	return nil, &ErrNoMatchingItem{Name: ref, Rejections: rejections}
}

// candidateIndices returns item indices to try, newest version first when
// version is "latest", otherwise only the exact (trimmed) version.
func candidateIndices(versions map[string][]int, version string) []int {
	if version != "latest" {
		return versions[TrimVersion(version)]
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		return CompareVersions(keys[a], keys[b]) > 0
	})
	var out []int
	for _, k := range keys {
		out = append(out, versions[k]...)
	}
	return out
}

func (db *DB) rejectionReason(item *PkgInfo, skipMinOSCheck bool) string {
	if item.MinimumEngineVersion != "" &&
		!VersionAtLeast(db.req.EngineVersion, item.MinimumEngineVersion) {
		return fmt.Sprintf("requires engine %s", item.MinimumEngineVersion)
	}
	if !skipMinOSCheck && item.MinimumOSVersion != "" &&
		!VersionAtLeast(db.req.OSVersion, item.MinimumOSVersion) {
		return fmt.Sprintf("requires OS %s or later", item.MinimumOSVersion)
	}
	if item.MaximumOSVersion != "" &&
		CompareVersions(db.req.OSVersion, item.MaximumOSVersion) > 0 {
		return fmt.Sprintf("requires OS %s or earlier", item.MaximumOSVersion)
	}
	if len(item.SupportedArch) > 0 && !db.archSupported(item.SupportedArch) {
		return fmt.Sprintf("unsupported architecture (needs %v)", item.SupportedArch)
	}
	if item.InstallableCondition != "" && db.req.Conditions != nil {
		ok, err := db.req.Conditions.Evaluate(item.InstallableCondition)
		if err != nil {
			return fmt.Sprintf("installable_condition error: %v", err)
		}
		if !ok {
			return "installable_condition is false"
		}
	}
	return ""
}

func (db *DB) archSupported(supported []string) bool {
	for _, a := range supported {
		if strings.EqualFold(a, db.req.Arch) {
			return true
		}
		// 64-bit-capable fallback: an x86_64 binary runs on a 64-bit
		// capable machine regardless of the native arch label
		if strings.EqualFold(a, "x86_64") && db.req.X8664Capable {
			return true
		}
	}
	return false
}

// LookForUpdates returns the names of items declaring update_for the given
// item name, across the selected catalogs.
func (db *DB) LookForUpdates(itemName string, catalogOrder []string) []string {
	selected := make(map[string]bool, len(catalogOrder))
	for _, c := range catalogOrder {
		selected[c] = true
	}

	var updates []string
	for i := range db.updaters {
		u := &db.updaters[i]
		if !inSelectedCatalogs(u, selected) {
			continue
		}
		for _, target := range u.UpdateFor {
			if strings.EqualFold(target, itemName) {
				updates = appendUnique(updates, u.Name)
			}
		}
	}
	return updates
}

// LookForUpdatesForVersion searches for updates targeting the versioned
// forms "name-version" and "name--version".
func (db *DB) LookForUpdatesForVersion(name, version string, catalogOrder []string) []string {
	updates := db.LookForUpdates(fmt.Sprintf("%s-%s", name, version), catalogOrder)
	for _, u := range db.LookForUpdatesForm2(name, version, catalogOrder) {
		updates = appendUnique(updates, u)
	}
	return updates
}

func (db *DB) LookForUpdatesForm2(name, version string, catalogOrder []string) []string {
	return db.LookForUpdates(fmt.Sprintf("%s--%s", name, version), catalogOrder)
}

func inSelectedCatalogs(item *PkgInfo, selected map[string]bool) bool {
	if len(item.Catalogs) == 0 {
		return true
	}
	for _, c := range item.Catalogs {
		if selected[c] {
			return true
		}
	}
	return false
}

// Dependents returns the names of items in the selected catalogs whose
// requires list references itemName, in catalog order. Removals process
// dependents first so nothing is left requiring a removed item.
func (db *DB) Dependents(itemName string, catalogOrder []string) []string {
	var dependents []string
	for _, catName := range catalogOrder {
		idx, ok := db.catalogs[catName]
		if !ok {
			continue
		}
		for i := range idx.items {
			item := &idx.items[i]
			for _, req := range item.Requires {
				reqName, _ := SplitNameAndVersion(req)
				if strings.EqualFold(reqName, itemName) {
					dependents = appendUnique(dependents, item.Name)
				}
			}
		}
	}
	return dependents
}

// PkgAnalysis joins catalog receipts against the installed-package oracle.
type PkgAnalysis struct {
	// ReceiptsForName maps an item name to the receipts evidence says are
	// installed for it.
	ReceiptsForName map[string][]Receipt
	// InstalledNames lists items with at least one installed receipt.
	InstalledNames []string
	// PkgReferences maps a package id to every item name referencing it;
	// removals consult this so shared receipts are preserved.
	PkgReferences map[string][]string
}

// AnalyzeInstalledPkgs joins per-item receipts against installedPkgs, the
// platform's packageid-to-version map.
func (db *DB) AnalyzeInstalledPkgs(installedPkgs map[string]string) *PkgAnalysis {
	a := &PkgAnalysis{
		ReceiptsForName: make(map[string][]Receipt),
		PkgReferences:   make(map[string][]string),
	}

	for _, idx := range db.catalogs {
		for i := range idx.items {
			item := &idx.items[i]
			if len(item.Receipts) == 0 {
				continue
			}
			allInstalled := true
			for _, r := range item.Receipts {
				if r.PackageID == "" {
					continue
				}
				a.PkgReferences[r.PackageID] =
					appendUnique(a.PkgReferences[r.PackageID], item.Name)
				if _, ok := installedPkgs[r.PackageID]; ok {
					a.ReceiptsForName[item.Name] =
						append(a.ReceiptsForName[item.Name], r)
				} else if !r.Optional {
					allInstalled = false
				}
			}
			if allInstalled && len(a.ReceiptsForName[item.Name]) > 0 {
				a.InstalledNames = appendUnique(a.InstalledNames, item.Name)
			}
		}
	}
	return a
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
