// pkg/precache/precache.go - opportunistic background download of optional
// installs flagged precache=true. Runs as a detached agent process so the
// main run can exit while transfers continue.

package precache

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/planner"
	"github.com/macadmins/orchard/pkg/stoprequest"
)

// PidFileName marks a running agent under ManagedInstallDir.
const PidFileName = "precache_agent.pid"

// Agent downloads precacheable optional items from the persisted plan.
type Agent struct {
	// Dir is ManagedInstallDir, holding the plan and the pid file.
	Dir      string
	Download planner.Downloader
}

// Run downloads every precacheable optional item in plan order. A failed
// item is logged and skipped; later items still download. Honors stop
// requests between items.
func (a *Agent) Run(ctx context.Context) error {
	info, err := planner.LoadInstallInfo(a.Dir)
	if err != nil {
		return fmt.Errorf("no plan to precache from: %w", err)
	}

	items := info.PrecacheItems()
	if len(items) == 0 {
		logging.Debug("Nothing to precache")
		return nil
	}
	logging.Info("Precaching optional items", "count", len(items))

	for _, opt := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stoprequest.Requested() {
			logging.Info("Stop requested; abandoning precache")
			return nil
		}
		item := &catalog.PkgInfo{
			Name:                  opt.Name,
			DisplayName:           opt.DisplayName,
			InstallerItemLocation: opt.InstallerLocation,
			InstallerItemHash:     opt.InstallerItemHash,
			InstallerItemSize:     opt.Size,
			InstalledSize:         opt.InstalledSize,
		}
		if err := a.Download.DownloadInstaller(ctx, item); err != nil {
			logging.Warn("Precache download failed", "item", opt.Name, "error", err)
			continue
		}
		logging.Info("Precached item", "item", opt.Name)
	}
	return nil
}

// HasWork reports whether the persisted plan carries precacheable items, so
// callers can avoid spawning an agent for nothing.
func HasWork(dir string) bool {
	info, err := planner.LoadInstallInfo(dir)
	if err != nil {
		return false
	}
	return len(info.PrecacheItems()) > 0
}

// Launch starts the agent binary detached in its own session. The parent
// does not wait; the agent writes its own pid file.
func Launch(agentPath string) error {
	cmd := exec.Command(agentPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching precache agent: %w", err)
	}
	logging.Info("Launched precache agent", "pid", cmd.Process.Pid)
	return cmd.Process.Release()
}

// WritePid records the calling process in the pid file. The agent calls
// this at startup.
func WritePid(dir string) error {
	return os.WriteFile(filepath.Join(dir, PidFileName),
		[]byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ClearPid removes the pid file. The agent calls this on exit.
func ClearPid(dir string) {
	os.Remove(filepath.Join(dir, PidFileName))
}

// Stop terminates a running agent, quietly succeeding when none is running.
func Stop(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, PidFileName))
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		ClearPid(dir)
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		if err := proc.Signal(syscall.SIGTERM); err == nil {
			logging.Info("Stopped precache agent", "pid", pid)
		}
	}
	ClearPid(dir)
	return nil
}
