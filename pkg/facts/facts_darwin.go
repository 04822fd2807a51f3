//go:build darwin

package facts

import (
	"context"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

func machineModel() string {
	model, err := unix.Sysctl("hw.model")
	if err != nil {
		return ""
	}
	return model
}

// serialNumber reads the platform serial from the IOKit registry.
func serialNumber(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "/usr/sbin/ioreg",
		"-c", "IOPlatformExpertDevice", "-d", "2", "-k", "IOPlatformSerialNumber").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformSerialNumber") {
			continue
		}
		if i := strings.Index(line, "= \""); i >= 0 {
			rest := line[i+3:]
			if j := strings.Index(rest, "\""); j >= 0 {
				return rest[:j]
			}
		}
	}
	return ""
}

func machineType() string {
	if strings.Contains(machineModel(), "Book") {
		return "laptop"
	}
	return "desktop"
}
