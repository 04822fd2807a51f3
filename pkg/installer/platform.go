// pkg/installer/platform.go - collaborator implementations backed by the
// platform command-line tools.

package installer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/ui"
)

// SystemTools drives installs through installer(8), hdiutil, pkgutil and
// startosinstall. Profile and Adobe handling live on their own types.
type SystemTools struct {
	Notifier ui.Notifier

	caffeinate *exec.Cmd
}

func (t *SystemTools) notify() ui.Notifier {
	if t.Notifier != nil {
		return t.Notifier
	}
	return ui.LogNotifier{}
}

// Run invokes installer(8) on pkgPath, streaming -verboseR progress to the
// notifier. Choice changes are staged to a transient plist.
func (t *SystemTools) Run(ctx context.Context, pkgPath string, choices []map[string]interface{}, env []string) (int, error) {
	args := []string{"-verboseR", "-pkg", pkgPath, "-target", "/"}

	if len(choices) > 0 {
		data, err := plist.MarshalIndent(choices, plist.XMLFormat, "\t")
		if err != nil {
			return 0, fmt.Errorf("encoding installer choices: %w", err)
		}
		f, err := os.CreateTemp("", "choices-*.plist")
		if err != nil {
			return 0, err
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(data); err != nil {
			f.Close()
			return 0, err
		}
		f.Close()
		args = append(args, "-applyChoiceChangesXML", f.Name())
	}

	cmd := exec.CommandContext(ctx, "/usr/sbin/installer", args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting installer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		t.reportInstallerLine(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// reportInstallerLine translates installer -verboseR output into notifier
// updates. Lines look like "installer:%25.6" and "installer:PHASE:...".
func (t *SystemTools) reportInstallerLine(line string) {
	switch {
	case strings.HasPrefix(line, "installer:%"):
		if pct, err := strconv.ParseFloat(strings.TrimPrefix(line, "installer:%"), 64); err == nil {
			t.notify().Percent(int(pct))
		}
	case strings.HasPrefix(line, "installer:PHASE:"):
		t.notify().Detail(strings.TrimPrefix(line, "installer:PHASE:"))
	case strings.HasPrefix(line, "installer:STATUS:"):
		if msg := strings.TrimPrefix(line, "installer:STATUS:"); msg != "" {
			t.notify().Detail(msg)
		}
	default:
		if line != "" {
			logging.Debug(line, "tool", "installer")
		}
	}
}

// Mount attaches a disk image without browsing it in Finder and returns the
// mountpoints hdiutil reports.
func (t *SystemTools) Mount(ctx context.Context, path string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "/usr/bin/hdiutil", "attach", path,
		"-mountRandom", "/tmp", "-nobrowse", "-plist").Output()
	if err != nil {
		return nil, fmt.Errorf("hdiutil attach %s: %w", path, err)
	}

	var result struct {
		SystemEntities []struct {
			MountPoint string `plist:"mount-point"`
		} `plist:"system-entities"`
	}
	if _, err := plist.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing hdiutil output: %w", err)
	}

	var mountpoints []string
	for _, entity := range result.SystemEntities {
		if entity.MountPoint != "" {
			mountpoints = append(mountpoints, entity.MountPoint)
		}
	}
	if len(mountpoints) == 0 {
		return nil, fmt.Errorf("no mountable filesystem in %s", path)
	}
	return mountpoints, nil
}

func (t *SystemTools) Unmount(ctx context.Context, mountpoint string) error {
	if err := exec.CommandContext(ctx, "/usr/bin/hdiutil", "detach", mountpoint).Run(); err != nil {
		// a busy volume needs force
		return exec.CommandContext(ctx, "/usr/bin/hdiutil", "detach", mountpoint, "-force").Run()
	}
	return nil
}

// StartOSInstall launches the staged OS installer's startosinstall with
// --agreetolicense. The tool reboots the machine itself on success.
func (t *SystemTools) StartOSInstall(ctx context.Context, path string) error {
	tool := osInstallTool(path)
	if tool == "" {
		return fmt.Errorf("no startosinstall in %s", path)
	}
	t.notify().Status("Starting operating system upgrade")
	out, err := exec.CommandContext(ctx, tool, "--agreetolicense", "--nointeraction").CombinedOutput()
	if err != nil {
		return fmt.Errorf("startosinstall: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// StageOSInstaller copies the installer app into /Applications for a later
// user-driven launch.
func (t *SystemTools) StageOSInstaller(ctx context.Context, path string) error {
	out, err := exec.CommandContext(ctx, "/usr/bin/ditto", path,
		"/Applications/"+strings.TrimSuffix(lastPathComponent(path), "/")).CombinedOutput()
	if err != nil {
		return fmt.Errorf("staging OS installer: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// ProfileTool manages configuration profiles through profiles(1).
type ProfileTool struct{}

func (ProfileTool) Install(ctx context.Context, path, identifier string) error {
	out, err := exec.CommandContext(ctx, "/usr/bin/profiles", "install", "-path", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("installing profile %s: %w: %s", identifier, err, bytes.TrimSpace(out))
	}
	return nil
}

func (ProfileTool) Remove(ctx context.Context, identifier string) error {
	out, err := exec.CommandContext(ctx, "/usr/bin/profiles", "remove", "-identifier", identifier).CombinedOutput()
	if err != nil {
		return fmt.Errorf("removing profile %s: %w: %s", identifier, err, bytes.TrimSpace(out))
	}
	return nil
}

func (t *SystemTools) ForgetPackage(ctx context.Context, pkgID string) error {
	out, err := exec.CommandContext(ctx, "/usr/sbin/pkgutil", "--forget", pkgID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pkgutil --forget %s: %w: %s", pkgID, err, bytes.TrimSpace(out))
	}
	return nil
}

// PreventIdleSleep spawns caffeinate(8) tied to our pid so the machine
// stays awake for the rest of the run. The assertion dies with the process
// even if AllowIdleSleep is never reached.
func (t *SystemTools) PreventIdleSleep() error {
	if t.caffeinate != nil {
		return nil
	}
	cmd := exec.Command("/usr/bin/caffeinate", "-dimsu", "-w", strconv.Itoa(os.Getpid()))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting caffeinate: %w", err)
	}
	t.caffeinate = cmd
	return nil
}

// AllowIdleSleep releases the assertion taken by PreventIdleSleep.
func (t *SystemTools) AllowIdleSleep() {
	if t.caffeinate == nil {
		return
	}
	if err := t.caffeinate.Process.Kill(); err != nil {
		logging.Debug("Could not stop caffeinate", "error", err)
	}
	t.caffeinate.Wait()
	t.caffeinate = nil
}

// ConsoleUser returns the owner of the graphical session, "loginwindow" at
// the login window, or empty when there is no session.
func (t *SystemTools) ConsoleUser() string {
	out, err := exec.Command("/usr/bin/stat", "-f", "%Su", "/dev/console").Output()
	if err != nil {
		return ""
	}
	user := strings.TrimSpace(string(out))
	if user == "root" {
		return ""
	}
	return user
}

// AdobeTool drives the Creative Cloud installer family.
type AdobeTool struct{}

// Install runs a Creative Cloud package's embedded installer silently.
func (AdobeTool) Install(ctx context.Context, path string) error {
	setup := path + "/Install.app/Contents/MacOS/Install"
	if _, err := os.Stat(setup); err != nil {
		return fmt.Errorf("no Adobe installer in %s", path)
	}
	out, err := exec.CommandContext(ctx, setup, "--mode=silent").CombinedOutput()
	if err != nil {
		return fmt.Errorf("adobe install: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// Uninstall runs the product's bundled uninstaller when present.
func (AdobeTool) Uninstall(ctx context.Context, name string) error {
	setup := "/Applications/Utilities/Adobe Installers/Uninstall " + name + ".app/Contents/MacOS/Uninstall"
	if _, err := os.Stat(setup); err != nil {
		return fmt.Errorf("no Adobe uninstaller for %s", name)
	}
	out, err := exec.CommandContext(ctx, setup, "--mode=silent").CombinedOutput()
	if err != nil {
		return fmt.Errorf("adobe uninstall: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func osInstallTool(path string) string {
	candidate := path + "/Contents/Resources/startosinstall"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func lastPathComponent(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}
