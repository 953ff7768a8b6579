package store

import (
	"time"

	"github.com/robofleet/fleetd/internal/errors"
)

// RobotEventRecord is a durable marker for notable robot telemetry, e.g.
// battery threshold crossings and waypoint arrivals.
type RobotEventRecord struct {
	ID      int64     `json:"id"`
	RobotID int64     `json:"robotId"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"at"`
}

func (s *Store) initEventSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS robot_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			robot_id INTEGER NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_robot_events_robot ON robot_events(robot_id, at);
	`)
	return err
}

// RecordRobotEvent appends one durable robot event.
func (s *Store) RecordRobotEvent(robotID int64, kind, detail string) error {
	const op = "record_robot_event"

	_, err := s.db.Exec(`
		INSERT INTO robot_events (robot_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		robotID, kind, detail, time.Now().Unix())
	return errors.WrapStore(op, err)
}

// ListRobotEvents returns the newest events for one robot.
func (s *Store) ListRobotEvents(robotID int64, limit int) ([]RobotEventRecord, error) {
	const op = "list_robot_events"

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, robot_id, kind, detail, at FROM robot_events
		WHERE robot_id = ? ORDER BY at DESC, id DESC LIMIT ?`, robotID, limit)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var events []RobotEventRecord
	for rows.Next() {
		var ev RobotEventRecord
		var at int64
		if err := rows.Scan(&ev.ID, &ev.RobotID, &ev.Kind, &ev.Detail, &at); err != nil {
			return nil, errors.WrapStore(op, err)
		}
		ev.At = time.Unix(at, 0)
		events = append(events, ev)
	}
	return events, errors.WrapStore(op, rows.Err())
}
