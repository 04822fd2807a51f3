// pkg/blocking/blocking.go - detecting running applications that block an
// install or removal.

package blocking

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/logging"
)

// IsAppRunning reports whether an application matching appName is running.
// appName may be an absolute executable path, an application bundle name
// like "Firefox.app", or a bare process name.
func IsAppRunning(appName string) bool {
	procs, err := process.Processes()
	if err != nil {
		logging.Error("Could not list processes", "error", err)
		return false
	}

	target := strings.ToLower(appName)
	bundleName := strings.ToLower(strings.TrimSuffix(filepath.Base(appName), ".app"))

	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		procName := strings.ToLower(name)

		if strings.HasPrefix(target, "/") {
			exe, err := proc.Exe()
			if err != nil {
				continue
			}
			if strings.EqualFold(exe, appName) || strings.HasPrefix(strings.ToLower(exe), target+"/") {
				return true
			}
			continue
		}
		if procName == bundleName || procName == target {
			return true
		}
	}
	return false
}

// blockingAppNames returns the names to check for an item: its explicit
// blocking_applications, else the applications its installs list declares.
func blockingAppNames(item *catalog.PkgInfo) []string {
	if len(item.BlockingApplications) > 0 {
		return item.BlockingApplications
	}
	var names []string
	for _, probe := range item.Installs {
		if probe.Type == "application" && probe.Path != "" {
			names = append(names, filepath.Base(probe.Path))
		}
	}
	return names
}

// RunningBlockingApps returns the item's blocking applications that are
// currently running.
func RunningBlockingApps(item *catalog.PkgInfo) []string {
	var running []string
	for _, name := range blockingAppNames(item) {
		if IsAppRunning(name) {
			running = append(running, name)
		}
	}
	return running
}

// ApplicationsRunning reports whether anything blocks acting on item.
func ApplicationsRunning(item *catalog.PkgInfo) bool {
	running := RunningBlockingApps(item)
	if len(running) > 0 {
		logging.Info("Blocking applications are running", "item", item.Name, "apps", running)
		return true
	}
	return false
}
