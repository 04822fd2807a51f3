// pkg/catalog/version.go - version ordering for catalog items.

package catalog

import (
	"regexp"
	"strings"

	gover "github.com/hashicorp/go-version"
)

// embeddedPrerelease rewrites "1.0b1" to "1.0-b1" so go-version treats the
// alpha suffix as a prerelease. "1.0b1" sorts before "1.0", and "1.0a2"
// before "1.0b1".
var embeddedPrerelease = regexp.MustCompile(`(\d)([A-Za-z])`)

func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "0"
	}
	if !strings.Contains(v, "-") {
		v = embeddedPrerelease.ReplaceAllString(v, "$1-$2")
	}
	return v
}

// CompareVersions returns -1, 0, or 1 ordering a against b. Shorter
// versions compare as if padded with zero components, so "1.0" equals
// "1.0.0". Unparseable versions fall back to string comparison.
func CompareVersions(a, b string) int {
	va, errA := gover.NewVersion(normalizeVersion(a))
	vb, errB := gover.NewVersion(normalizeVersion(b))
	if errA != nil || errB != nil {
		return strings.Compare(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return va.Compare(vb)
}

// VersionEqual reports whether a and b denote the same version.
func VersionEqual(a, b string) bool { return CompareVersions(a, b) == 0 }

// VersionAtLeast reports whether have >= want.
func VersionAtLeast(have, want string) bool { return CompareVersions(have, want) >= 0 }

// TrimVersion strips trailing ".0" segments so "10.6" and "10.6.0.0"
// produce the same index key.
func TrimVersion(v string) string {
	v = strings.TrimSpace(v)
	for strings.HasSuffix(v, ".0") {
		v = strings.TrimSuffix(v, ".0")
	}
	return v
}
