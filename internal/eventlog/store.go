// Package eventlog persists bridge lifecycle events (binds, state changes,
// disconnects, transport failures) to SQLite so a session can be inspected
// after the fact.
package eventlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/version"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind classifies an event.
type Kind string

const (
	KindBind             Kind = "bind"
	KindStateChange      Kind = "state_change"
	KindDisconnect       Kind = "disconnect"
	KindHandshakeTimeout Kind = "handshake_timeout"
	KindServerTimeout    Kind = "server_timeout"
	KindTransportFailure Kind = "transport_failure"
)

// NoTracker is stored when an event is not tied to a tracker id.
const NoTracker = -1

// Event is one lifecycle record.
type Event struct {
	RunID     string    `json:"run_id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	Serial    string    `json:"serial,omitempty"`
	TrackerID int       `json:"tracker_id"`
	Detail    string    `json:"detail,omitempty"`
}

// Store is a SQLite-backed event log. Every Store opened gets its own run id.
type Store struct {
	db    *sql.DB
	runID uuid.UUID
}

// Open opens (creating if needed) the database at path, applies pending
// migrations and registers a new run.
func Open(path string) (*Store, error) {
	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, runID: uuid.New()}
	_, err = db.Exec(`INSERT INTO runs (run_id, started_at_ns, version) VALUES (?, ?, ?)`,
		s.runID.String(), time.Now().UnixNano(), version.Version)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// RunID identifies this process's events.
func (s *Store) RunID() string { return s.runID.String() }

// Record stores e under the current run. A zero Time is stored as now.
func (s *Store) Record(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO events (run_id, occurred_at_ns, kind, serial, tracker_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID.String(), e.Time.UnixNano(), string(e.Kind), e.Serial, e.TrackerID, e.Detail)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit events from the current run, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT run_id, occurred_at_ns, kind, serial, tracker_id, detail
		FROM events
		WHERE run_id = ?
		ORDER BY occurred_at_ns DESC, event_id DESC
		LIMIT ?`, s.runID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			ns   int64
			kind string
		)
		if err := rows.Scan(&e.RunID, &ns, &kind, &e.Serial, &e.TrackerID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = time.Unix(0, ns)
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs returns every run id recorded in the database, oldest first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query(`SELECT run_id FROM runs ORDER BY started_at_ns, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
