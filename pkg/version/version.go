// pkg/version/version.go - build version information for Orchard.

package version

import (
	"fmt"
	"runtime"
)

// These are set at build time via -ldflags.
var (
	appName   = "Orchard"
	version   = "6.0.0"
	branch    = "main"
	revision  = "unknown"
	buildDate = "unknown"
)

// Version returns the engine version string.
func Version() string {
	return version
}

// UserAgent returns the value sent in the User-Agent header on repo requests.
func UserAgent() string {
	return fmt.Sprintf("managedsoftwareupdate/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

// Print writes full version details to stdout.
func Print() {
	fmt.Printf("%s %s\n", appName, version)
	fmt.Printf("  branch:   %s\n", branch)
	fmt.Printf("  revision: %s\n", revision)
	fmt.Printf("  built:    %s\n", buildDate)
	fmt.Printf("  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
