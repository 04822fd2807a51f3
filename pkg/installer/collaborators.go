// pkg/installer/collaborators.go - the platform collaborators the executor
// drives. Implementations live outside the engine core.

package installer

import (
	"context"
)

// PackageRunner invokes the platform package installer on an artifact and
// reports its exit code. Progress lines are forwarded to the UI notifier by
// the implementation.
type PackageRunner interface {
	Run(ctx context.Context, pkgPath string, choices []map[string]interface{}, env []string) (int, error)
}

// Mounter attaches and detaches disk images.
type Mounter interface {
	Mount(ctx context.Context, path string) (mountpoints []string, err error)
	Unmount(ctx context.Context, mountpoint string) error
}

// OSInstallerRunner hands off OS upgrade artifacts.
type OSInstallerRunner interface {
	StartOSInstall(ctx context.Context, path string) error
	StageOSInstaller(ctx context.Context, path string) error
}

// ProfileInstaller manages configuration profiles.
type ProfileInstaller interface {
	Install(ctx context.Context, path, identifier string) error
	Remove(ctx context.Context, identifier string) error
}

// ReceiptForgetter removes platform package receipts.
type ReceiptForgetter interface {
	ForgetPackage(ctx context.Context, pkgID string) error
}

// AdobeRunner drives the opaque Adobe installer family.
type AdobeRunner interface {
	Install(ctx context.Context, path string) error
	Uninstall(ctx context.Context, name string) error
}

// ConsoleUserResolver reports the current graphical-session user, the
// literal "loginwindow", or empty when unknown.
type ConsoleUserResolver interface {
	ConsoleUser() string
}

// SleepBlocker holds a prevent-idle-sleep assertion for the duration of a
// run so the machine does not doze off mid-install.
type SleepBlocker interface {
	PreventIdleSleep() error
	AllowIdleSleep()
}

// ScriptRunner runs embedded item scripts.
type ScriptRunner interface {
	RunEmbedded(ctx context.Context, name, script string) (exitCode int, err error)
}
