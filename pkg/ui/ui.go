// pkg/ui/ui.go - the status surface the engine reports progress through.
// The engine never draws UI itself; a notifier forwards messages to
// whatever status application is listening.

package ui

import "github.com/macadmins/orchard/pkg/logging"

// Notifier receives human-readable progress from the planner and executor.
type Notifier interface {
	// Status posts a major status message.
	Status(message string)
	// Detail posts a secondary detail line.
	Detail(message string)
	// Percent reports progress; -1 means indeterminate.
	Percent(pct int)
	// HideStopButton removes the stop affordance for the rest of the run.
	HideStopButton()
}

// LogNotifier writes status to the run log. Used when no status
// application is attached.
type LogNotifier struct{}

func (LogNotifier) Status(message string) { logging.Info(message) }

func (LogNotifier) Detail(message string) { logging.Debug(message) }

func (LogNotifier) Percent(pct int) {}

func (LogNotifier) HideStopButton() {}
