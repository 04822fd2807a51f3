// pkg/ui/socket.go - notifier backed by the status application's unix
// socket. Messages are newline-delimited JSON; a missing or dead listener
// degrades to log-only output rather than failing the run.

package ui

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/macadmins/orchard/pkg/logging"
)

// SocketPath is where the status application listens when a user session
// has one running.
const SocketPath = "/var/run/com.macadmins.orchard.status.sock"

type statusMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

// SocketNotifier forwards progress to the status application. All methods
// are safe without a connection; updates are then logged only.
type SocketNotifier struct {
	path string
	mu   sync.Mutex
	conn net.Conn
}

// Connect dials the status socket at path (empty means SocketPath). The
// returned notifier is usable even when no listener answered.
func Connect(path string) *SocketNotifier {
	if path == "" {
		path = SocketPath
	}
	n := &SocketNotifier{path: path}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		logging.Debug("No status application listening", "socket", path, "error", err)
		return n
	}
	n.conn = conn
	logging.Debug("Connected to status application", "socket", path)
	return n
}

func (n *SocketNotifier) send(msg statusMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := n.conn.Write(data); err != nil {
		logging.Debug("Status socket write failed; dropping connection", "error", err)
		n.conn.Close()
		n.conn = nil
	}
}

func (n *SocketNotifier) Status(message string) {
	logging.Info(message)
	n.send(statusMessage{Type: "status", Data: message})
}

func (n *SocketNotifier) Detail(message string) {
	logging.Debug(message)
	n.send(statusMessage{Type: "detail", Data: message})
}

func (n *SocketNotifier) Percent(pct int) {
	n.send(statusMessage{Type: "percent", Percent: pct})
}

func (n *SocketNotifier) HideStopButton() {
	n.send(statusMessage{Type: "hide_stop_button"})
}

// Close tells the status application the run is over and drops the
// connection.
func (n *SocketNotifier) Close() {
	n.send(statusMessage{Type: "quit"})
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}
