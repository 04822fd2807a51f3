// pkg/facts/facts.go - the machine-fact dictionary predicates evaluate
// against.

package facts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/predicates"
	"github.com/macadmins/orchard/pkg/version"
)

// conditionScriptTimeout bounds each admin condition script.
const conditionScriptTimeout = 60 * time.Second

// Gather collects the standard machine facts. The "date" fact is the run
// start in local time, matching the predicate evaluator's reading of date
// literals as local wall-clock times.
func Gather(ctx context.Context) predicates.Facts {
	f := predicates.Facts{
		"arch":           runtime.GOARCH,
		"munki_version":  version.Version(),
		"date":           time.Now(),
		"x86_64_capable": runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64",
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		f["hostname"] = info.Hostname
		f["os_vers"] = info.PlatformVersion
		f["os_build_number"] = info.KernelVersion
		f["product_name"] = info.Platform
		major, minor, patch := splitOSVersion(info.PlatformVersion)
		f["os_vers_major"] = major
		f["os_vers_minor"] = minor
		f["os_vers_patch"] = patch
	} else {
		logging.Warn("Could not read host information", "error", err)
	}

	if model := machineModel(); model != "" {
		f["machine_model"] = model
	}
	if serial := serialNumber(ctx); serial != "" {
		f["serial_number"] = serial
	}
	f["machine_type"] = machineType()

	ipv4, ipv6 := interfaceAddresses(ctx)
	f["ipv4_address"] = ipv4
	f["ipv6_address"] = ipv6

	return f
}

func splitOSVersion(v string) (major, minor, patch int64) {
	parts := strings.SplitN(v, ".", 3)
	get := func(i int) int64 {
		if i >= len(parts) {
			return 0
		}
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return get(0), get(1), get(2)
}

func interfaceAddresses(ctx context.Context) (ipv4, ipv6 []string) {
	ipv4 = []string{}
	ipv6 = []string{}
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		logging.Warn("Could not enumerate network interfaces", "error", err)
		return
	}
	for _, iface := range ifaces {
		loopback := false
		for _, flag := range iface.Flags {
			if flag == "loopback" {
				loopback = true
			}
		}
		if loopback {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := addr.Addr
			if i := strings.Index(ip, "/"); i >= 0 {
				ip = ip[:i]
			}
			if strings.Contains(ip, ":") {
				ipv6 = append(ipv6, ip)
			} else {
				ipv4 = append(ipv4, ip)
			}
		}
	}
	return
}

// RunConditionScripts executes every executable in conditionsDir, then merges
// the facts those scripts wrote into ConditionalItems.plist under
// managedInstallDir. Script failures are warnings; a broken condition script
// never aborts a run.
func RunConditionScripts(ctx context.Context, conditionsDir, managedInstallDir string, f predicates.Facts) {
	entries, err := os.ReadDir(conditionsDir)
	if err != nil {
		return
	}

	itemsPath := filepath.Join(managedInstallDir, "ConditionalItems.plist")
	os.Remove(itemsPath)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		scriptPath := filepath.Join(conditionsDir, e.Name())
		runCtx, cancel := context.WithTimeout(ctx, conditionScriptTimeout)
		cmd := exec.CommandContext(runCtx, scriptPath)
		cmd.Env = append(os.Environ(), "MANAGED_INSTALL_DIR="+managedInstallDir)
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			logging.Warn("Condition script failed", "script", e.Name(), "error", err,
				"output", strings.TrimSpace(string(out)))
		}
	}

	data, err := os.ReadFile(itemsPath)
	if err != nil {
		return
	}
	var items map[string]interface{}
	if _, err := plist.Unmarshal(data, &items); err != nil {
		logging.Warn("ConditionalItems.plist is unreadable", "error", err)
		return
	}
	for k, v := range items {
		f[k] = normalizeConditionValue(v)
	}
}

// normalizeConditionValue maps plist decode types onto the evaluator's
// value domain.
func normalizeConditionValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		strs := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				strs = append(strs, s)
			} else {
				return x
			}
		}
		return strs
	case uint64:
		return int64(x)
	default:
		return v
	}
}
