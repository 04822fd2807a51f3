// pkg/installstate/probes.go - the four install-evidence probe types.

package installstate

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/logging"
)

// probeState runs one installs-list probe and reports the three-way result.
func (o *Oracle) probeState(probe *catalog.InstallsItem) State {
	switch probe.Type {
	case "application":
		return o.applicationProbe(probe)
	case "bundle":
		return bundleProbe(probe)
	case "file":
		return fileProbe(probe)
	case "plist":
		return plistProbe(probe)
	default:
		logging.Warn("Unknown install probe type", "type", probe.Type)
		return NotInstalled
	}
}

// probePresent reports presence regardless of version.
func (o *Oracle) probePresent(probe *catalog.InstallsItem) bool {
	switch probe.Type {
	case "application":
		if probe.Path != "" {
			return pathExists(probe.Path)
		}
		return o.locateApplication(probe.BundleIdentifier) != ""
	case "bundle", "file":
		return pathExists(probe.Path)
	case "plist":
		return pathExists(probe.Path)
	default:
		return false
	}
}

func (o *Oracle) applicationProbe(probe *catalog.InstallsItem) State {
	appPath := probe.Path
	if appPath == "" || !pathExists(appPath) {
		appPath = o.locateApplication(probe.BundleIdentifier)
	}
	if appPath == "" {
		return NotInstalled
	}
	return versionedBundleState(appPath, probe)
}

func bundleProbe(probe *catalog.InstallsItem) State {
	if !pathExists(probe.Path) {
		return NotInstalled
	}
	return versionedBundleState(probe.Path, probe)
}

func fileProbe(probe *catalog.InstallsItem) State {
	if !pathExists(probe.Path) {
		return NotInstalled
	}
	if probe.MD5Checksum != "" {
		sum, err := fileMD5(probe.Path)
		if err != nil || !strings.EqualFold(sum, probe.MD5Checksum) {
			return NotInstalled
		}
	}
	return SameVersionInstalled
}

func plistProbe(probe *catalog.InstallsItem) State {
	info, err := readPlist(probe.Path)
	if err != nil {
		return NotInstalled
	}
	if probe.PlistKey != "" {
		got, ok := info[probe.PlistKey].(string)
		if !ok || got != probe.PlistValue {
			return NotInstalled
		}
		return SameVersionInstalled
	}
	return compareProbeVersion(info, probe)
}

// versionedBundleState reads a bundle's Info.plist and compares the
// version key the probe names.
func versionedBundleState(bundlePath string, probe *catalog.InstallsItem) State {
	expected := probe.ShortVersion
	if expected == "" {
		return SameVersionInstalled
	}
	info, err := readPlist(filepath.Join(bundlePath, "Contents", "Info.plist"))
	if err != nil {
		return NotInstalled
	}
	return compareProbeVersion(info, probe)
}

func compareProbeVersion(info map[string]interface{}, probe *catalog.InstallsItem) State {
	expected := probe.ShortVersion
	if expected == "" {
		return SameVersionInstalled
	}
	key := probe.VersionKey
	if key == "" {
		key = "CFBundleShortVersionString"
	}
	installed, _ := info[key].(string)
	if installed == "" {
		// fall back to the long version when the short key is absent
		installed, _ = info["CFBundleVersion"].(string)
	}
	if installed == "" {
		return NotInstalled
	}
	switch cmp := catalog.CompareVersions(installed, expected); {
	case cmp < 0:
		return NotInstalled
	case cmp > 0:
		return NewerVersionInstalled
	default:
		return SameVersionInstalled
	}
}

// locateApplication scans the configured application directories, two levels
// deep, for a bundle whose CFBundleIdentifier matches.
func (o *Oracle) locateApplication(bundleID string) string {
	if bundleID == "" {
		return ""
	}
	for _, dir := range o.ApplicationDirs {
		if found := scanForBundleID(dir, bundleID, 2); found != "" {
			return found
		}
	}
	return ""
}

func scanForBundleID(dir, bundleID string, depth int) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if strings.HasSuffix(e.Name(), ".app") {
			info, err := readPlist(filepath.Join(path, "Contents", "Info.plist"))
			if err == nil {
				if id, _ := info["CFBundleIdentifier"].(string); id == bundleID {
					return path
				}
			}
			continue
		}
		if depth > 1 {
			if found := scanForBundleID(path, bundleID, depth-1); found != "" {
				return found
			}
		}
	}
	return ""
}

func readPlist(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
