// pkg/installer/executor.go - applying the plan: removals first, then
// installs, with skip propagation and restart aggregation.

package installer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/macadmins/orchard/pkg/blocking"
	"github.com/macadmins/orchard/pkg/cache"
	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/planner"
	"github.com/macadmins/orchard/pkg/report"
	"github.com/macadmins/orchard/pkg/selfservice"
	"github.com/macadmins/orchard/pkg/stoprequest"
	"github.com/macadmins/orchard/pkg/ui"
)

// PostAction is the run's aggregate follow-up, the maximum weight across
// successfully applied items.
type PostAction int

const (
	PostActionNone PostAction = iota
	PostActionLogout
	PostActionRestart
	PostActionShutdown
)

func (a PostAction) String() string {
	switch a {
	case PostActionLogout:
		return "logout"
	case PostActionRestart:
		return "restart"
	case PostActionShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

func postActionForRestart(action string) PostAction {
	switch action {
	case catalog.RequireShutdown:
		return PostActionShutdown
	case catalog.RequireRestart, catalog.RecommendRestart:
		return PostActionRestart
	case catalog.RequireLogout:
		return PostActionLogout
	default:
		return PostActionNone
	}
}

// Executor applies an InstallInfo plan through the platform collaborators.
type Executor struct {
	ManagedInstallDir string
	Cache             *cache.Cache

	Packages  PackageRunner
	Mounter   Mounter
	OSInstall OSInstallerRunner
	Profiles  ProfileInstaller
	Receipts  ReceiptForgetter
	Adobe     AdobeRunner
	Scripts   ScriptRunner
	Console   ConsoleUserResolver
	Power     SleepBlocker

	SelfServe *selfservice.Manager
	Report    *report.Report
	Notifier  ui.Notifier

	SuppressStopButton bool

	// BlockingCheck is swappable for tests; nil uses the process table.
	BlockingCheck func(item *planner.InstallItem) bool

	now func() time.Time
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Executor) blockingAppsRunning(item *planner.InstallItem) bool {
	if e.BlockingCheck != nil {
		return e.BlockingCheck(item)
	}
	probe := &catalog.PkgInfo{
		Name:                 item.Name,
		BlockingApplications: item.BlockingApplications,
		Installs:             item.Installs,
	}
	return blocking.ApplicationsRunning(probe)
}

// Run applies the persisted plan. With onlyUnattended, items needing user
// interaction are deferred to a later attended run. The residual plan
// (skipped and failed items only) is rewritten in place.
func (e *Executor) Run(ctx context.Context, onlyUnattended bool) (PostAction, error) {
	if e.Notifier == nil {
		e.Notifier = ui.LogNotifier{}
	}

	info, err := planner.LoadInstallInfo(e.ManagedInstallDir)
	if err != nil {
		return PostActionNone, fmt.Errorf("no plan to execute: %w", err)
	}
	if e.SuppressStopButton {
		e.Notifier.HideStopButton()
	}
	if e.Power != nil {
		if err := e.Power.PreventIdleSleep(); err != nil {
			logging.Warn("Could not assert against idle sleep", "error", err)
		} else {
			defer e.Power.AllowIdleSleep()
		}
	}

	post := PostActionNone
	skipped := map[string]*planner.InstallItem{}
	succeededInstalls := map[string]bool{}
	succeededRemovals := map[string]bool{}
	var residualRemovals, residualInstalls []planner.InstallItem

	// removals go first
	for i := range info.Removals {
		item := &info.Removals[i]
		if stoprequest.Requested() {
			logging.Info("Stop requested; deferring remaining removals")
			residualRemovals = append(residualRemovals, info.Removals[i:]...)
			break
		}
		if reason := e.removalSkipReason(item, skipped, onlyUnattended); reason != "" {
			logging.Info("Skipping removal", "item", item.Name, "reason", reason)
			item.Note = reason
			skipped[item.Name] = item
			residualRemovals = append(residualRemovals, *item)
			continue
		}

		status := e.applyRemoval(ctx, item)
		if status == 0 {
			succeededRemovals[item.Name] = true
			post = maxPost(post, postActionForRestart(item.RestartAction))
		} else {
			item.Note = fmt.Sprintf("removal failed with status %d", status)
			skipped[item.Name] = item
			residualRemovals = append(residualRemovals, *item)
		}
	}

	for i := range info.ManagedInstalls {
		item := &info.ManagedInstalls[i]
		if stoprequest.Requested() {
			logging.Info("Stop requested; deferring remaining installs")
			residualInstalls = append(residualInstalls, info.ManagedInstalls[i:]...)
			break
		}
		if reason := e.installSkipReason(item, skipped, onlyUnattended); reason != "" {
			logging.Info("Skipping install", "item", item.Name, "reason", reason)
			item.Note = reason
			skipped[item.Name] = item
			residualInstalls = append(residualInstalls, *item)
			continue
		}

		status := e.applyInstall(ctx, item)
		if status == 0 {
			succeededInstalls[item.Name] = true
			post = maxPost(post, postActionForRestart(item.RestartAction))
			if item.OnDemand && e.SelfServe != nil {
				if err := e.SelfServe.RemoveFromInstalls(item.Name); err != nil {
					logging.Warn("Could not clear on-demand request", "item", item.Name, "error", err)
				}
			}
		} else {
			item.Note = fmt.Sprintf("install failed with status %d", status)
			skipped[item.Name] = item
			residualInstalls = append(residualInstalls, *item)
		}
	}

	e.finishPlan(info, residualInstalls, residualRemovals, succeededInstalls, succeededRemovals)

	if e.SelfServe != nil && len(succeededRemovals) > 0 {
		if err := e.SelfServe.PruneUninstalls(func(name string) bool {
			return !succeededRemovals[name]
		}); err != nil {
			logging.Warn("Could not prune self-serve removals", "error", err)
		}
	}

	logging.Info("Run complete", "post_action", post.String(),
		"residual_installs", len(residualInstalls), "residual_removals", len(residualRemovals))
	return post, nil
}

// installSkipReason decides whether an install must be skipped before it is
// attempted.
func (e *Executor) installSkipReason(item *planner.InstallItem, skipped map[string]*planner.InstallItem, onlyUnattended bool) string {
	if item.Note != "" {
		// the planner marked this item as unactionable; never run it
		return item.Note
	}
	for _, req := range item.Requires {
		reqName, _ := catalog.SplitNameAndVersion(req)
		if _, ok := skipped[reqName]; ok {
			return fmt.Sprintf("prerequisite %s was not installed", reqName)
		}
	}
	if onlyUnattended {
		if !item.UnattendedInstall && !e.forceInstallDue(item) {
			return "requires user attendance"
		}
		if e.blockingAppsRunning(item) {
			return "blocking applications are running"
		}
	}
	return ""
}

// removalSkipReason mirrors installSkipReason: a skipped dependent keeps
// its prerequisites alive.
func (e *Executor) removalSkipReason(item *planner.InstallItem, skipped map[string]*planner.InstallItem, onlyUnattended bool) string {
	if item.Note != "" {
		return item.Note
	}
	for _, sk := range skipped {
		for _, ref := range append(append([]string{}, sk.Requires...), sk.UpdateFor...) {
			refName, _ := catalog.SplitNameAndVersion(ref)
			if strings.EqualFold(refName, item.Name) {
				return fmt.Sprintf("still required by %s", sk.Name)
			}
		}
	}
	if onlyUnattended {
		if !item.UnattendedUninstall {
			return "requires user attendance"
		}
		if e.blockingAppsRunning(item) {
			return "blocking applications are running"
		}
	}
	return ""
}

// forceInstallDue reports whether the item's force-install deadline has
// passed, which makes an attended item eligible for unattended handling.
func (e *Executor) forceInstallDue(item *planner.InstallItem) bool {
	return !item.ForceInstallAfter.IsZero() && e.clock().After(item.ForceInstallAfter)
}

func (e *Executor) applyInstall(ctx context.Context, item *planner.InstallItem) int {
	e.Notifier.Status("Installing " + displayName(item))
	start := e.clock()
	status := e.installOne(ctx, item)
	e.record(item, status, start, false)
	return status
}

func (e *Executor) applyRemoval(ctx context.Context, item *planner.InstallItem) int {
	e.Notifier.Status("Removing " + displayName(item))
	start := e.clock()
	status := e.removeOne(ctx, item)
	e.record(item, status, start, true)
	return status
}

func (e *Executor) record(item *planner.InstallItem, status int, start time.Time, removal bool) {
	if e.Report == nil {
		return
	}
	res := report.InstallResult{
		Name:            item.Name,
		DisplayName:     item.DisplayName,
		Version:         item.VersionToInstall,
		Status:          status,
		Time:            e.clock(),
		DurationSeconds: e.clock().Sub(start).Seconds(),
		DownloadKBPS:    item.DownloadKBPS,
		Unattended:      item.UnattendedInstall || item.UnattendedUninstall,
		Applied:         status == 0,
	}
	if removal {
		res.Version = item.InstalledVersion
		e.Report.RecordRemoval(res)
		if status != 0 {
			e.Report.Error("Removal of %s failed with status %d", item.Name, status)
		}
		return
	}
	e.Report.RecordInstall(res)
	if status != 0 {
		e.Report.Error("Install of %s failed with status %d", item.Name, status)
	}
}

// finishPlan rewrites InstallInfo with residual items only and updates the
// optional-installs status flags.
func (e *Executor) finishPlan(info *planner.InstallInfo, residualInstalls, residualRemovals []planner.InstallItem, succeededInstalls, succeededRemovals map[string]bool) {
	failedInstalls := map[string]bool{}
	for _, it := range residualInstalls {
		failedInstalls[it.Name] = true
	}
	failedRemovals := map[string]bool{}
	for _, it := range residualRemovals {
		failedRemovals[it.Name] = true
	}

	for i := range info.OptionalInstalls {
		opt := &info.OptionalInstalls[i]
		switch {
		case succeededInstalls[opt.Name]:
			opt.Installed = true
			opt.NeedsUpdate = false
			opt.WillBeInstalled = false
		case succeededRemovals[opt.Name]:
			opt.Installed = false
			opt.WillBeRemoved = false
		case failedInstalls[opt.Name]:
			opt.InstallError = true
		case failedRemovals[opt.Name]:
			opt.RemovalError = true
		}
	}

	if residualInstalls == nil {
		residualInstalls = []planner.InstallItem{}
	}
	if residualRemovals == nil {
		residualRemovals = []planner.InstallItem{}
	}
	info.ManagedInstalls = residualInstalls
	info.Removals = residualRemovals

	if _, err := planner.SaveInstallInfo(e.ManagedInstallDir, info); err != nil {
		logging.Warn("Could not rewrite plan", "error", err)
	}
}

func maxPost(a, b PostAction) PostAction {
	if b > a {
		return b
	}
	return a
}

func displayName(item *planner.InstallItem) string {
	if item.DisplayName != "" {
		return item.DisplayName
	}
	return item.Name
}
