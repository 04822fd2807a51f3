// pkg/report/report.go - the per-run report accumulator.
//
// One Report is created per run and threaded through the planner and
// executor; it is serialized to ManagedInstallReport.plist at run end.
// The previous run's report is archived first, capped at 100 archives.

package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"howett.net/plist"

	"github.com/macadmins/orchard/pkg/logging"
)

// FileName is the on-disk report name under ManagedInstallDir.
const FileName = "ManagedInstallReport.plist"

// ArchiveCap bounds the Archives directory.
const ArchiveCap = 100

// InstallResult is one per-item install or removal outcome.
type InstallResult struct {
	Name            string    `plist:"name"`
	DisplayName     string    `plist:"display_name,omitempty"`
	Version         string    `plist:"version"`
	Status          int       `plist:"status"`
	Time            time.Time `plist:"time"`
	DurationSeconds float64   `plist:"duration_seconds"`
	DownloadKBPS    int64     `plist:"download_kbytes_per_sec,omitempty"`
	Unattended      bool      `plist:"unattended"`
	Applied         bool      `plist:"applied"`
}

type document struct {
	StartTime time.Time `plist:"StartTime"`
	EndTime   time.Time `plist:"EndTime,omitempty"`
	RunType   string    `plist:"RunType,omitempty"`

	MachineInfo map[string]interface{} `plist:"MachineInfo,omitempty"`
	Conditions  map[string]interface{} `plist:"Conditions,omitempty"`

	ItemsToInstall []string        `plist:"ItemsToInstall,omitempty"`
	ItemsToRemove  []string        `plist:"ItemsToRemove,omitempty"`
	InstallResults []InstallResult `plist:"InstallResults,omitempty"`
	RemovalResults []InstallResult `plist:"RemovalResults,omitempty"`

	Warnings []string `plist:"Warnings,omitempty"`
	Errors   []string `plist:"Errors,omitempty"`
}

// Report accumulates one run's state. Safe for concurrent use.
type Report struct {
	mu  sync.Mutex
	doc document
}

// New starts a report for a run of the given type.
func New(runType string) *Report {
	return &Report{doc: document{StartTime: time.Now(), RunType: runType}}
}

// SetMachineInfo records the fact dictionary the run planned against.
func (r *Report) SetMachineInfo(facts map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.MachineInfo = facts
}

// SetConditions records merged condition-script output.
func (r *Report) SetConditions(conditions map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Conditions = conditions
}

// SetPlan records the item names the planner decided to install and remove.
func (r *Report) SetPlan(installs, removals []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.ItemsToInstall = installs
	r.doc.ItemsToRemove = removals
}

// Warn records a warning. It also goes to the warning log.
func (r *Report) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.Warn(msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Warnings = append(r.doc.Warnings, msg)
}

// Error records an error. It also goes to the error log.
func (r *Report) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.Error(msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Errors = append(r.doc.Errors, msg)
}

// RecordInstall appends one install outcome.
func (r *Report) RecordInstall(res InstallResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.InstallResults = append(r.doc.InstallResults, res)
}

// RecordRemoval appends one removal outcome.
func (r *Report) RecordRemoval(res InstallResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.RemovalResults = append(r.doc.RemovalResults, res)
}

// Warnings returns a copy of the accumulated warnings.
func (r *Report) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.doc.Warnings...)
}

// Errors returns a copy of the accumulated errors.
func (r *Report) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.doc.Errors...)
}

// Save finalizes the report and writes it under dir.
func (r *Report) Save(dir string) error {
	r.mu.Lock()
	r.doc.EndTime = time.Now()
	data, err := plist.MarshalIndent(&r.doc, plist.XMLFormat, "\t")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0o644)
}

// ArchivePrevious moves the prior run's report into Archives/ and prunes
// old archives beyond the cap. Called at run start.
func ArchivePrevious(dir string) {
	src := filepath.Join(dir, FileName)
	if _, err := os.Stat(src); err != nil {
		return
	}
	archiveDir := filepath.Join(dir, "Archives")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		logging.Warn("Could not create report archive directory", "error", err)
		return
	}

	stamp := archiveStamp(src)
	dest := filepath.Join(archiveDir, "ManagedInstallReport-"+stamp+".plist")
	if err := os.Rename(src, dest); err != nil {
		logging.Warn("Could not archive previous run report", "error", err)
		return
	}
	pruneArchives(archiveDir)
}

func archiveStamp(reportPath string) string {
	data, err := os.ReadFile(reportPath)
	if err == nil {
		var doc document
		if _, err := plist.Unmarshal(data, &doc); err == nil && !doc.EndTime.IsZero() {
			return doc.EndTime.Format("2006-01-02-150405")
		}
	}
	if info, err := os.Stat(reportPath); err == nil {
		return info.ModTime().Format("2006-01-02-150405")
	}
	return time.Now().Format("2006-01-02-150405")
}

func pruneArchives(archiveDir string) {
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= ArchiveCap {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-ArchiveCap] {
		os.Remove(filepath.Join(archiveDir, name))
	}
}
