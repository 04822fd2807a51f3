// pkg/installer/dispatch.go - per installer-type handling for one item.

package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/planner"
)

// installOne runs the preinstall script, the type-specific installer, and
// the postinstall script. A preinstall failure aborts the item; a
// postinstall failure is reported but does not fail the install.
func (e *Executor) installOne(ctx context.Context, item *planner.InstallItem) int {
	if item.PreinstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-preinstall", item.PreinstallScript)
		if err != nil || code != 0 {
			logging.Error("Preinstall script failed", "item", item.Name, "exit_code", code, "error", err)
			if code == 0 {
				code = -1
			}
			return code
		}
	}

	// the artifact may have been cached by an earlier run; never trust it
	// without re-checking the catalog hash
	if item.InstallerItem != "" && item.InstallerItemHash != "" {
		if !fetch.Verify(e.Cache.Path(item.InstallerItem), item.InstallerItemHash) {
			logging.Error("Cached installer does not match catalog hash", "item", item.Name)
			return -1
		}
	}

	status := e.dispatchInstall(ctx, item)
	if status != 0 {
		return status
	}

	if item.PostinstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-postinstall", item.PostinstallScript)
		if err != nil || code != 0 {
			logging.Warn("Postinstall script failed", "item", item.Name, "exit_code", code, "error", err)
			if e.Report != nil {
				e.Report.Warn("Postinstall script for %s failed with status %d", item.Name, code)
			}
		}
	}
	return 0
}

func (e *Executor) dispatchInstall(ctx context.Context, item *planner.InstallItem) int {
	switch item.InstallerType {
	case catalog.TypeNoPkg, "":
		if item.InstallerType == "" && item.InstallerItem != "" {
			return e.installPackageItem(ctx, item)
		}
		// scripts are the whole install
		return 0
	case catalog.TypeFlatPackage, catalog.TypeBundlePackage:
		return e.installPackageItem(ctx, item)
	case catalog.TypeCopyItems:
		return e.installCopyItems(ctx, item)
	case catalog.TypeConfigurationProfile:
		return e.installProfile(ctx, item)
	case catalog.TypeStartOSInstall:
		if err := e.OSInstall.StartOSInstall(ctx, e.Cache.Path(item.InstallerItem)); err != nil {
			logging.Error("OS install failed to start", "item", item.Name, "error", err)
			return -1
		}
		return 0
	case catalog.TypeStageOSInstaller:
		if err := e.OSInstall.StageOSInstaller(ctx, e.Cache.Path(item.InstallerItem)); err != nil {
			logging.Error("OS installer staging failed", "item", item.Name, "error", err)
			return -1
		}
		return 0
	case catalog.TypeAdobe:
		if err := e.Adobe.Install(ctx, e.Cache.Path(item.InstallerItem)); err != nil {
			logging.Error("Adobe install failed", "item", item.Name, "error", err)
			return -1
		}
		return 0
	default:
		logging.Error("Unknown installer type", "item", item.Name, "type", item.InstallerType)
		return -1
	}
}

// installPackageItem runs the platform package installer, mounting a disk
// image first when the artifact is one.
func (e *Executor) installPackageItem(ctx context.Context, item *planner.InstallItem) int {
	artifact := e.Cache.Path(item.InstallerItem)
	env := e.installerEnv(item)

	if !isDiskImage(artifact) {
		return e.runPackage(ctx, item, artifact, env)
	}

	mountpoints, err := e.Mounter.Mount(ctx, artifact)
	if err != nil {
		logging.Error("Could not mount disk image", "item", item.Name, "path", artifact, "error", err)
		return -1
	}
	defer func() {
		for _, mp := range mountpoints {
			if err := e.Mounter.Unmount(ctx, mp); err != nil {
				logging.Warn("Could not unmount disk image", "mountpoint", mp, "error", err)
			}
		}
	}()

	pkg := findPackage(mountpoints)
	if pkg == "" {
		logging.Error("No installer package on disk image", "item", item.Name, "path", artifact)
		return -1
	}
	return e.runPackage(ctx, item, pkg, env)
}

func (e *Executor) runPackage(ctx context.Context, item *planner.InstallItem, pkgPath string, env []string) int {
	code, err := e.Packages.Run(ctx, pkgPath, item.InstallerChoicesXML, env)
	if err != nil {
		logging.Error("Package installer failed", "item", item.Name, "error", err)
		if code == 0 {
			code = -1
		}
	}
	return code
}

// installerEnv builds the subprocess environment, substituting the current
// console user for the CURRENT_CONSOLE_USER placeholder.
func (e *Executor) installerEnv(item *planner.InstallItem) []string {
	if len(item.InstallerEnvironment) == 0 {
		return nil
	}
	consoleUser := ""
	if e.Console != nil {
		consoleUser = e.Console.ConsoleUser()
	}
	env := make([]string, 0, len(item.InstallerEnvironment))
	for k, v := range item.InstallerEnvironment {
		if v == "CURRENT_CONSOLE_USER" {
			v = consoleUser
		}
		env = append(env, k+"="+v)
	}
	return env
}

// installCopyItems mounts the disk image and copies each item to its
// destination, replacing anything already there.
func (e *Executor) installCopyItems(ctx context.Context, item *planner.InstallItem) int {
	artifact := e.Cache.Path(item.InstallerItem)
	mountpoints, err := e.Mounter.Mount(ctx, artifact)
	if err != nil {
		logging.Error("Could not mount disk image", "item", item.Name, "path", artifact, "error", err)
		return -1
	}
	defer func() {
		for _, mp := range mountpoints {
			if err := e.Mounter.Unmount(ctx, mp); err != nil {
				logging.Warn("Could not unmount disk image", "mountpoint", mp, "error", err)
			}
		}
	}()

	for _, ci := range item.ItemsToCopy {
		src := findOnMounts(mountpoints, ci.SourceItem)
		if src == "" {
			logging.Error("Source item missing from disk image", "item", item.Name, "source", ci.SourceItem)
			return -1
		}
		dest := copyDestination(ci)
		if err := copyWithAttributes(src, dest, ci); err != nil {
			logging.Error("Copy failed", "item", item.Name, "source", src, "dest", dest, "error", err)
			return -1
		}
		logging.Info("Copied item", "source", ci.SourceItem, "dest", dest)
	}
	return 0
}

func (e *Executor) installProfile(ctx context.Context, item *planner.InstallItem) int {
	if err := e.Profiles.Install(ctx, e.Cache.Path(item.InstallerItem), profileIdentifier(item)); err != nil {
		logging.Error("Profile install failed", "item", item.Name, "error", err)
		return -1
	}
	return 0
}

// removeOne runs the preuninstall script, the resolved uninstall method, and
// the postuninstall script, with the same failure semantics as installOne.
func (e *Executor) removeOne(ctx context.Context, item *planner.InstallItem) int {
	if item.PreuninstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-preuninstall", item.PreuninstallScript)
		if err != nil || code != 0 {
			logging.Error("Preuninstall script failed", "item", item.Name, "exit_code", code, "error", err)
			if code == 0 {
				code = -1
			}
			return code
		}
	}

	status := e.dispatchRemoval(ctx, item)
	if status != 0 {
		return status
	}

	if item.PostuninstallScript != "" {
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-postuninstall", item.PostuninstallScript)
		if err != nil || code != 0 {
			logging.Warn("Postuninstall script failed", "item", item.Name, "exit_code", code, "error", err)
			if e.Report != nil {
				e.Report.Warn("Postuninstall script for %s failed with status %d", item.Name, code)
			}
		}
	}
	return 0
}

func (e *Executor) dispatchRemoval(ctx context.Context, item *planner.InstallItem) int {
	switch item.UninstallMethod {
	case "removepackages":
		return e.removePackages(ctx, item)
	case catalog.TypeScriptUninstaller:
		code, err := e.Scripts.RunEmbedded(ctx, item.Name+"-uninstall", item.UninstallScript)
		if err != nil {
			logging.Error("Uninstall script failed", "item", item.Name, "error", err)
			if code == 0 {
				code = -1
			}
		}
		return code
	case "remove_copied_items":
		return removeCopiedItems(item)
	case "remove_profile":
		if err := e.Profiles.Remove(ctx, profileIdentifier(item)); err != nil {
			logging.Error("Profile removal failed", "item", item.Name, "error", err)
			return -1
		}
		return 0
	case catalog.TypeAdobe:
		if err := e.Adobe.Uninstall(ctx, item.Name); err != nil {
			logging.Error("Adobe uninstall failed", "item", item.Name, "error", err)
			return -1
		}
		return 0
	default:
		if item.UninstallerItem != "" {
			uninstallerItem := *item
			uninstallerItem.InstallerItem = item.UninstallerItem
			uninstallerItem.InstallerChoicesXML = nil
			return e.installPackageItem(ctx, &uninstallerItem)
		}
		logging.Error("No usable uninstall method", "item", item.Name, "method", item.UninstallMethod)
		return -1
	}
}

// removePackages forgets each exclusive receipt. Any failure fails the
// removal so the item stays in the plan.
func (e *Executor) removePackages(ctx context.Context, item *planner.InstallItem) int {
	failures := 0
	for _, pkgID := range item.Packages {
		if err := e.Receipts.ForgetPackage(ctx, pkgID); err != nil {
			logging.Error("Could not forget package", "item", item.Name, "pkgid", pkgID, "error", err)
			failures++
		}
	}
	if failures > 0 {
		return failures
	}
	return 0
}

func removeCopiedItems(item *planner.InstallItem) int {
	for _, ci := range item.ItemsToCopy {
		dest := copyDestination(ci)
		if dest == "" || dest == "/" {
			logging.Error("Refusing to remove unsafe path", "item", item.Name, "path", dest)
			return -1
		}
		if err := os.RemoveAll(dest); err != nil {
			logging.Error("Could not remove copied item", "item", item.Name, "path", dest, "error", err)
			return -1
		}
		logging.Info("Removed copied item", "path", dest)
	}
	return 0
}

// profileIdentifier is the first receipt's package id, falling back to the
// item name.
func profileIdentifier(item *planner.InstallItem) string {
	for _, r := range item.Receipts {
		if r.PackageID != "" {
			return r.PackageID
		}
	}
	return item.Name
}

func isDiskImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".dmg" || ext == ".sparseimage" || ext == ".sparsebundle"
}

// findPackage returns the first .pkg or .mpkg at the top level of any
// mountpoint.
func findPackage(mountpoints []string) string {
	for _, mp := range mountpoints {
		entries, err := os.ReadDir(mp)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext == ".pkg" || ext == ".mpkg" {
				return filepath.Join(mp, entry.Name())
			}
		}
	}
	return ""
}

func findOnMounts(mountpoints []string, relPath string) string {
	for _, mp := range mountpoints {
		candidate := filepath.Join(mp, relPath)
		if _, err := os.Lstat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func copyDestination(ci catalog.CopyItem) string {
	name := ci.DestinationItem
	if name == "" {
		name = filepath.Base(ci.SourceItem)
	}
	return filepath.Join(ci.DestinationPath, name)
}

// copyWithAttributes replaces dest with a copy of src and applies the
// requested owner, group, and mode. Ownership is best effort when the
// process lacks privileges.
func copyWithAttributes(src, dest string, ci catalog.CopyItem) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := copyTree(src, dest); err != nil {
		return err
	}

	if ci.Mode != "" {
		mode, err := strconv.ParseUint(ci.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("bad mode %q: %w", ci.Mode, err)
		}
		if err := os.Chmod(dest, os.FileMode(mode)); err != nil {
			return err
		}
	}

	uid, gid := -1, -1
	if ci.User != "" {
		if u, err := user.Lookup(ci.User); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		}
	}
	if ci.Group != "" {
		if g, err := user.LookupGroup(ci.Group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	if uid != -1 || gid != -1 {
		if err := os.Chown(dest, uid, gid); err != nil {
			logging.Warn("Could not change ownership", "path", dest, "error", err)
		}
	}
	return nil
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	case info.IsDir():
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dest, info.Mode().Perm())
	}
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
