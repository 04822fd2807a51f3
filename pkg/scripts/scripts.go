// pkg/scripts/scripts.go - running embedded item scripts and the
// preflight/postflight hooks.

package scripts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/macadmins/orchard/pkg/logging"
)

// HookTimeout bounds preflight and postflight scripts so a hung hook cannot
// stall the whole run.
const HookTimeout = 10 * time.Minute

// Runner executes scripts embedded in catalog items (preinstall_script,
// installcheck_script and friends) and external hook scripts.
type Runner struct {
	// TempDir receives transient script files. Empty means the system
	// temp directory.
	TempDir string
}

// RunEmbedded writes script to a transient executable file and runs it.
// Returns the script's exit code; err is non-nil only when the script could
// not be started.
func (r *Runner) RunEmbedded(ctx context.Context, name, script string) (int, error) {
	if !strings.HasPrefix(script, "#!") {
		script = "#!/bin/sh\n" + script
	}

	f, err := os.CreateTemp(r.TempDir, sanitize(name)+"-*.sh")
	if err != nil {
		return 0, fmt.Errorf("staging script %s: %w", name, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return 0, err
	}

	cmd := exec.CommandContext(ctx, path)
	out, err := cmd.CombinedOutput()
	logOutput(name, out)

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("running script %s: %w", name, err)
	}
	return 0, nil
}

// RunHook executes the preflight or postflight script at path, passing the
// run type as its first argument. A missing hook is not an error.
func RunHook(ctx context.Context, path, runType string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logging.Debug("Hook script not present", "path", path)
		return nil
	}

	hookCtx, cancel := context.WithTimeout(ctx, HookTimeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, path, runType)
	cmd.Dir = filepath.Dir(path)
	out, err := cmd.CombinedOutput()
	logOutput(filepath.Base(path), out)

	if err != nil {
		return fmt.Errorf("%s failed: %w", filepath.Base(path), err)
	}
	logging.Info("Hook script completed", "script", filepath.Base(path))
	return nil
}

func logOutput(name string, out []byte) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		logging.Info(line, "script", name)
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
