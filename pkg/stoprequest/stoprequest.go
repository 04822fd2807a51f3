// pkg/stoprequest/stoprequest.go - the user-initiated stop flag, observed
// between operations. The flag is a file at a well-known path so the GUI
// can raise it without sharing memory with the engine.

package stoprequest

import (
	"os"
	"path/filepath"

	"github.com/macadmins/orchard/pkg/logging"
)

// DefaultPath is where the stop flag lives.
var DefaultPath = filepath.Join(os.TempDir(), "com.macadmins.orchard.stop")

// Requested reports whether a stop has been requested. Checked at item
// boundaries; long-running subprocesses finish first.
func Requested() bool {
	_, err := os.Stat(DefaultPath)
	return err == nil
}

// Raise requests a stop.
func Raise() error {
	f, err := os.OpenFile(DefaultPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Clear removes a pending stop request. Called at run start.
func Clear() {
	if err := os.Remove(DefaultPath); err == nil {
		logging.Info("Cleared pending stop request")
	}
}
