// pkg/installstate/platform.go - receipt and profile lookups backed by the
// platform tools. Loaded once per run; the oracle queries the snapshots.

package installstate

import (
	"context"
	"os/exec"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/logging"
)

// SystemReceipts is a snapshot of the platform package receipt database.
type SystemReceipts struct {
	versions map[string]string
}

type receiptInfo struct {
	PackageID string `plist:"pkgid"`
	Version   string `plist:"pkg-version"`
}

// LoadSystemReceipts reads every receipt in one pkgutil invocation. The
// output is a concatenation of plist documents, one per package.
func LoadSystemReceipts(ctx context.Context) (*SystemReceipts, error) {
	out, err := exec.CommandContext(ctx, "/usr/sbin/pkgutil", "--regexp", "--pkg-info-plist", ".*").Output()
	if err != nil {
		return nil, err
	}
	return parseReceiptDump(out), nil
}

func parseReceiptDump(out []byte) *SystemReceipts {
	r := &SystemReceipts{versions: map[string]string{}}
	for _, doc := range strings.SplitAfter(string(out), "</plist>") {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var info receiptInfo
		if _, err := plist.Unmarshal([]byte(doc), &info); err != nil {
			continue
		}
		if info.PackageID != "" {
			r.versions[info.PackageID] = info.Version
		}
	}
	logging.Debug("Loaded package receipts", "count", len(r.versions))
	return r
}

// InstalledVersion reports the receipt version for pkgID.
func (r *SystemReceipts) InstalledVersion(pkgID string) (string, bool) {
	v, ok := r.versions[pkgID]
	return v, ok
}

// Map returns the full pkgid-to-version snapshot for receipt analysis.
func (r *SystemReceipts) Map() map[string]string {
	out := make(map[string]string, len(r.versions))
	for k, v := range r.versions {
		out[k] = v
	}
	return out
}

// SystemProfiles answers configuration-profile queries through profiles(1).
type SystemProfiles struct{}

// ProfileInstalled reports whether a profile with the identifier is
// installed system-wide.
func (SystemProfiles) ProfileInstalled(identifier string) bool {
	out, err := exec.Command("/usr/bin/profiles", "list").Output()
	if err != nil {
		logging.Debug("Could not list profiles", "error", err)
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "profileIdentifier:") &&
			strings.TrimSpace(strings.SplitN(line, "profileIdentifier:", 2)[1]) == identifier {
			return true
		}
	}
	return false
}
