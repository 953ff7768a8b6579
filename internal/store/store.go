// Package store provides the durable relational state of the fleet: robots,
// routes, waypoint steps, patrol sessions, inspections, violations, and
// settings, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const fleetDBFileName = "fleet.db"

// Store wraps the SQLite database holding all persistent fleet state.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the fleet database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, fleetDBFileName)

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet db: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Fleet store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS robots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_name TEXT NOT NULL,
			serial TEXT NOT NULL UNIQUE,
			broker_endpoint TEXT NOT NULL,
			broker_port INTEGER NOT NULL DEFAULT 1883,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			use_tls INTEGER NOT NULL DEFAULT 0,
			home_waypoint TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS routes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			owner_robot_id INTEGER NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
			loop_count INTEGER NOT NULL DEFAULT 1,
			return_waypoint TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS waypoint_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id INTEGER NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
			sequence_order INTEGER NOT NULL,
			waypoint_name TEXT NOT NULL,
			dwell_seconds INTEGER NOT NULL DEFAULT 0,
			detection_enabled INTEGER NOT NULL DEFAULT 0,
			detection_timeout_seconds INTEGER NOT NULL DEFAULT 60,
			no_violation_hold_seconds INTEGER, -- NULL inherits the settings default
			on_arrival_display TEXT NOT NULL DEFAULT 'none',
			on_arrival_content TEXT NOT NULL DEFAULT '',
			on_arrival_speech TEXT NOT NULL DEFAULT '',
			on_violation_action TEXT NOT NULL DEFAULT 'none',
			on_violation_content TEXT NOT NULL DEFAULT '',
			webview_close_delay_seconds INTEGER NOT NULL DEFAULT 5,
			UNIQUE(route_id, sequence_order)
		);

		CREATE TABLE IF NOT EXISTS patrol_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id INTEGER NOT NULL REFERENCES routes(id),
			robot_id INTEGER NOT NULL REFERENCES robots(id),
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			status TEXT NOT NULL DEFAULT 'running',
			current_loop INTEGER NOT NULL DEFAULT 1,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			total_loops_planned INTEGER NOT NULL DEFAULT 1,
			reason_for_end TEXT NOT NULL DEFAULT ''
		);

		-- The one-active-patrol-per-robot invariant lives here: at most one
		-- running or paused session per robot.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON patrol_sessions(robot_id) WHERE status IN ('running', 'paused');

		CREATE INDEX IF NOT EXISTS idx_sessions_robot
		ON patrol_sessions(robot_id, started_at);

		CREATE TABLE IF NOT EXISTS waypoint_inspections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES patrol_sessions(id) ON DELETE CASCADE,
			step_sequence INTEGER NOT NULL,
			waypoint_name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			detections_observed INTEGER NOT NULL DEFAULT 0,
			people_observed INTEGER NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL,
			smoothed_confidence REAL NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_inspections_session
		ON waypoint_inspections(session_id, id);

		CREATE TABLE IF NOT EXISTS violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			robot_id INTEGER REFERENCES robots(id),
			session_id INTEGER REFERENCES patrol_sessions(id),
			location TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			people_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			observed_at INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			acknowledged_at INTEGER,
			details TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_violations_observed
		ON violations(observed_at);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.initEventSchema()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}
