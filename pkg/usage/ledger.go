// pkg/usage/ledger.go - the application usage ledger, a single-file sqlite
// database recording app launch/activate/quit events and install requests.
//
// The recorder side tolerates schema corruption by rebuilding the database
// from whatever rows are still readable. The query side reports
// ErrUnavailable instead of raising, so planning proceeds without usage data.

package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/macadmins/orchard/pkg/logging"
)

// DatabaseName is the ledger filename under ManagedInstallDir.
const DatabaseName = "application_usage.sqlite"

var (
	// ErrNotFound means no row matches the query.
	ErrNotFound = errors.New("no matching usage event")
	// ErrUnavailable means the database cannot be read.
	ErrUnavailable = errors.New("usage database unavailable")
)

// UsageEvent is one application lifecycle notification.
type UsageEvent struct {
	Event    string // launch, activate, quit
	BundleID string
	Version  string
	Path     string
}

// InstallRequest is one user-initiated install or removal request.
type InstallRequest struct {
	Event   string // install, remove
	Name    string
	Version string
}

const schema = `
CREATE TABLE IF NOT EXISTS application_usage (
	event TEXT,
	bundle_id TEXT,
	app_version TEXT,
	app_path TEXT,
	last_time REAL,
	number_times INTEGER,
	PRIMARY KEY (event, bundle_id)
);
CREATE TABLE IF NOT EXISTS install_requests (
	event TEXT,
	name TEXT,
	version TEXT,
	last_time REAL,
	number_times INTEGER,
	PRIMARY KEY (event, name)
);`

// Ledger is the usage store. A single writer owns the file; queries may run
// from any process.
type Ledger struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the ledger at path. A database whose schema cannot
// be used is rebuilt from its readable rows.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, now: time.Now}
	db, err := openAndVerify(path)
	if err != nil {
		logging.Warn("Usage database is damaged, rebuilding", "path", path, "error", err)
		recovered, rebuildErr := rebuild(path)
		if rebuildErr != nil {
			return nil, fmt.Errorf("rebuilding usage database: %w", rebuildErr)
		}
		logging.Info("Usage database rebuilt", "recovered_rows", recovered)
		db, err = openAndVerify(path)
		if err != nil {
			return nil, err
		}
	}
	l.db = db
	return l, nil
}

func openAndVerify(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	// a corrupted file can accept DDL yet fail on use
	if _, err := db.Exec(`SELECT count(*) FROM application_usage`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// rebuild copies readable rows into a fresh database and atomically replaces
// the damaged file. Returns the number of rows recovered.
func rebuild(path string) (int, error) {
	tmpPath := path + ".rebuild"
	os.Remove(tmpPath)

	fresh, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return 0, err
	}
	defer fresh.Close()
	if _, err := fresh.Exec(schema); err != nil {
		return 0, err
	}

	recovered := 0
	if old, err := sql.Open("sqlite", path); err == nil {
		recovered += copyRows(old, fresh, "application_usage",
			"event, bundle_id, app_version, app_path, last_time, number_times", 6)
		recovered += copyRows(old, fresh, "install_requests",
			"event, name, version, last_time, number_times", 5)
		old.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, err
	}
	return recovered, nil
}

func copyRows(from, to *sql.DB, table, columns string, n int) int {
	rows, err := from.Query(fmt.Sprintf("SELECT %s FROM %s", columns, table))
	if err != nil {
		return 0
	}
	defer rows.Close()

	placeholders := "?"
	for i := 1; i < n; i++ {
		placeholders += ", ?"
	}
	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, columns, placeholders)

	copied := 0
	for rows.Next() {
		vals := make([]interface{}, n)
		ptrs := make([]interface{}, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		if _, err := to.Exec(insert, vals...); err == nil {
			copied++
		}
	}
	return copied
}

// SetNowFunc overrides the ledger's clock. Tests use this to backdate
// events.
func (l *Ledger) SetNowFunc(now func() time.Time) { l.now = now }

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// LogApplicationUsage upserts by (event, bundle_id), incrementing the event
// count and refreshing last_time.
func (l *Ledger) LogApplicationUsage(ctx context.Context, ev UsageEvent) error {
	if ev.Event == "" || ev.BundleID == "" {
		return fmt.Errorf("usage event needs event and bundle_id")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO application_usage (event, bundle_id, app_version, app_path, last_time, number_times)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (event, bundle_id) DO UPDATE SET
			app_version = excluded.app_version,
			app_path = excluded.app_path,
			last_time = excluded.last_time,
			number_times = number_times + 1`,
		ev.Event, ev.BundleID, ev.Version, ev.Path, float64(l.now().Unix()))
	return err
}

// LogInstallRequest upserts by (event, name).
func (l *Ledger) LogInstallRequest(ctx context.Context, req InstallRequest) error {
	if req.Event == "" || req.Name == "" {
		return fmt.Errorf("install request needs event and name")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO install_requests (event, name, version, last_time, number_times)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (event, name) DO UPDATE SET
			version = excluded.version,
			last_time = excluded.last_time,
			number_times = number_times + 1`,
		req.Event, req.Name, req.Version, float64(l.now().Unix()))
	return err
}

// DaysSinceLastUsageEvent returns whole days since the given event was last
// recorded for bundleID.
func (l *Ledger) DaysSinceLastUsageEvent(ctx context.Context, event, bundleID string) (int, error) {
	return l.daysSince(ctx,
		`SELECT last_time FROM application_usage WHERE event = ? AND bundle_id = ?`,
		event, bundleID)
}

// DaysSinceLastInstallEvent returns whole days since the given install or
// remove request was last recorded for name.
func (l *Ledger) DaysSinceLastInstallEvent(ctx context.Context, event, name string) (int, error) {
	return l.daysSince(ctx,
		`SELECT last_time FROM install_requests WHERE event = ? AND name = ?`,
		event, name)
}

// DaysOfData returns days since the oldest recorded usage event, a lower
// bound on how long the ledger has been collecting.
func (l *Ledger) DaysOfData(ctx context.Context) (int, error) {
	return l.daysSince(ctx, `SELECT MIN(last_time) FROM application_usage`)
}

func (l *Ledger) daysSince(ctx context.Context, query string, args ...interface{}) (int, error) {
	var lastTime sql.NullFloat64
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&lastTime)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case !lastTime.Valid:
		return 0, ErrNotFound
	}
	days := int(l.now().Sub(time.Unix(int64(lastTime.Float64), 0)).Hours() / 24)
	return days, nil
}

// ShouldRemoveIfUnused evaluates the unused-software policy for an optional
// install: enough days of data, no recent install request, and every bundle
// id both unused for removalDays days and not currently running.
func (l *Ledger) ShouldRemoveIfUnused(ctx context.Context, name string, removalDays int, bundleIDs []string, isRunning func(bundleID string) bool) bool {
	if removalDays < 1 || len(bundleIDs) == 0 {
		return false
	}

	dataDays, err := l.DaysOfData(ctx)
	if err != nil || dataDays < removalDays {
		return false
	}

	installDays, err := l.DaysSinceLastInstallEvent(ctx, "install", name)
	if err == nil && installDays <= removalDays {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return false
	}

	for _, id := range bundleIDs {
		if isRunning != nil && isRunning(id) {
			return false
		}
		days, err := l.DaysSinceLastUsageEvent(ctx, "activate", id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil || days <= removalDays {
			return false
		}
	}
	return true
}
