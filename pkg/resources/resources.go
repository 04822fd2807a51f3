// pkg/resources/resources.go - retrieving the client resource archive, the
// branding bundle the self-service UI loads at launch.

package resources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
)

// ArchiveName is the local filename the UI looks for regardless of which
// repository archive supplied it.
const ArchiveName = "custom.zip"

// Sync downloads the client resource archive into
// <ManagedInstallDir>/client_resources/. The identifier-specific archive
// wins; a repository without one falls back to site_default.zip. A
// repository carrying neither is normal and leaves any previous copy alone.
func Sync(ctx context.Context, fetcher *fetch.Fetcher, baseURL, managedInstallDir, identifier string) {
	dir := filepath.Join(managedInstallDir, "client_resources")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Warn("Could not create client resources directory", "error", err)
		return
	}
	dest := filepath.Join(dir, ArchiveName)
	base := strings.TrimRight(baseURL, "/")

	var names []string
	if identifier != "" {
		names = append(names, strings.TrimSuffix(identifier, "/")+".zip")
	}
	names = append(names, "site_default.zip")

	for _, name := range names {
		url := base + "/" + strings.ReplaceAll(name, " ", "%20")
		_, err := fetcher.Fetch(ctx, url, dest, fetch.Options{
			Message: "Retrieving client resources",
		})
		if err == nil {
			return
		}
		var httpErr *fetch.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == 404 {
			continue
		}
		logging.Warn("Could not retrieve client resources", "archive", name, "error", err)
		return
	}
	logging.Debug("Repository has no client resources")
}
