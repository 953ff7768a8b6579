package store

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// OpenSession atomically opens a patrol session for the robot. It is the
// single source of the one-active-patrol-per-robot invariant: a second open
// while one is running or paused returns Conflict.
func (s *Store) OpenSession(routeID, robotID int64) (*models.PatrolSession, error) {
	const op = "open_session"

	var session models.PatrolSession
	err := s.withTx(func(tx *sql.Tx) error {
		var loops int
		err := tx.QueryRow(`SELECT loop_count FROM routes WHERE id = ?`, routeID).Scan(&loops)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NotFoundf(op, "route %d not found", routeID)
		}
		if err != nil {
			return errors.WrapStore(op, err)
		}

		now := time.Now()
		res, err := tx.Exec(`
			INSERT INTO patrol_sessions (route_id, robot_id, started_at, status,
				current_loop, current_step_index, total_loops_planned)
			VALUES (?, ?, ?, 'running', 1, 0, ?)`,
			routeID, robotID, now.Unix(), loops)
		if err != nil {
			// The partial unique index rejects a second active session.
			if isUniqueViolation(err) {
				return errors.Conflictf(op, "robot %d already has an active patrol", robotID)
			}
			return errors.WrapStore(op, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		session = models.PatrolSession{
			ID:                id,
			RouteID:           routeID,
			RobotID:           robotID,
			StartedAt:         now,
			Status:            models.SessionRunning,
			CurrentLoop:       1,
			TotalLoopsPlanned: loops,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// AdvanceSession records patrol progress. Re-applying the same (step, loop)
// is a no-op.
func (s *Store) AdvanceSession(sessionID int64, stepIndex, loop int) error {
	const op = "advance_session"

	res, err := s.db.Exec(`
		UPDATE patrol_sessions SET current_step_index = ?, current_loop = ?
		WHERE id = ?`, stepIndex, loop, sessionID)
	if err != nil {
		return errors.WrapStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	if n == 0 {
		return errors.NotFoundf(op, "session %d not found", sessionID)
	}
	return nil
}

// SetSessionStatus moves a session to the given status. Terminal statuses
// also stamp ended_at and the reason.
func (s *Store) SetSessionStatus(sessionID int64, status models.SessionStatus, reason string) error {
	const op = "set_session_status"

	var res sql.Result
	var err error
	if status.Active() {
		res, err = s.db.Exec(`
			UPDATE patrol_sessions SET status = ?, reason_for_end = ?
			WHERE id = ?`, string(status), reason, sessionID)
	} else {
		res, err = s.db.Exec(`
			UPDATE patrol_sessions SET status = ?, reason_for_end = ?, ended_at = ?
			WHERE id = ?`, string(status), reason, time.Now().Unix(), sessionID)
	}
	if err != nil {
		return errors.WrapStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	if n == 0 {
		return errors.NotFoundf(op, "session %d not found", sessionID)
	}
	return nil
}

// GetSession fetches one patrol session.
func (s *Store) GetSession(id int64) (*models.PatrolSession, error) {
	const op = "get_session"

	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf(op, "session %d not found", id)
	}
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	return session, nil
}

// ListActivePatrolSessions returns sessions in running or paused state. After
// a process restart this is the sole source of truth for what was running.
func (s *Store) ListActivePatrolSessions() ([]models.PatrolSession, error) {
	const op = "list_active_sessions"
	return s.querySessions(op, sessionSelect+` WHERE status IN ('running', 'paused') ORDER BY id`)
}

// ListSessions returns the most recent sessions, optionally filtered by robot.
func (s *Store) ListSessions(robotID int64, limit int) ([]models.PatrolSession, error) {
	const op = "list_sessions"
	if limit <= 0 {
		limit = 100
	}
	if robotID > 0 {
		return s.querySessions(op,
			sessionSelect+` WHERE robot_id = ? ORDER BY id DESC LIMIT ?`, robotID, limit)
	}
	return s.querySessions(op, sessionSelect+` ORDER BY id DESC LIMIT ?`, limit)
}

// CountActiveSessions returns the number of active sessions for a robot.
func (s *Store) CountActiveSessions(robotID int64) (int, error) {
	const op = "count_active_sessions"

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM patrol_sessions
		WHERE robot_id = ? AND status IN ('running', 'paused')`, robotID).Scan(&n)
	if err != nil {
		return 0, errors.WrapStore(op, err)
	}
	return n, nil
}

// RecordInspection persists one per-waypoint outcome.
func (s *Store) RecordInspection(insp *models.WaypointInspection) error {
	const op = "record_inspection"

	res, err := s.db.Exec(`
		INSERT INTO waypoint_inspections (session_id, step_sequence, waypoint_name,
			started_at, ended_at, detections_observed, people_observed, verdict,
			smoothed_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		insp.SessionID, insp.StepSequence, insp.WaypointName,
		insp.StartedAt.Unix(), insp.EndedAt.Unix(), insp.DetectionsObserved,
		insp.PeopleObserved, string(insp.Verdict), insp.SmoothedConfidence)
	if err != nil {
		return errors.WrapStore(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	insp.ID = id
	return nil
}

// ListInspections returns the inspections of one session in record order.
func (s *Store) ListInspections(sessionID int64) ([]models.WaypointInspection, error) {
	const op = "list_inspections"

	rows, err := s.db.Query(`
		SELECT id, session_id, step_sequence, waypoint_name, started_at, ended_at,
			detections_observed, people_observed, verdict, smoothed_confidence
		FROM waypoint_inspections WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var inspections []models.WaypointInspection
	for rows.Next() {
		var insp models.WaypointInspection
		var startedAt, endedAt int64
		if err := rows.Scan(&insp.ID, &insp.SessionID, &insp.StepSequence,
			&insp.WaypointName, &startedAt, &endedAt, &insp.DetectionsObserved,
			&insp.PeopleObserved, &insp.Verdict, &insp.SmoothedConfidence); err != nil {
			return nil, errors.WrapStore(op, err)
		}
		insp.StartedAt = time.Unix(startedAt, 0)
		insp.EndedAt = time.Unix(endedAt, 0)
		inspections = append(inspections, insp)
	}
	return inspections, errors.WrapStore(op, rows.Err())
}

const sessionSelect = `
	SELECT id, route_id, robot_id, started_at, ended_at, status,
		current_loop, current_step_index, total_loops_planned, reason_for_end
	FROM patrol_sessions`

func scanSession(row rowScanner) (*models.PatrolSession, error) {
	var session models.PatrolSession
	var startedAt int64
	var endedAt sql.NullInt64
	var status string
	if err := row.Scan(&session.ID, &session.RouteID, &session.RobotID,
		&startedAt, &endedAt, &status, &session.CurrentLoop,
		&session.CurrentStepIndex, &session.TotalLoopsPlanned,
		&session.ReasonForEnd); err != nil {
		return nil, err
	}
	session.StartedAt = time.Unix(startedAt, 0)
	session.Status = models.SessionStatus(status)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		session.EndedAt = &t
	}
	return &session, nil
}

func (s *Store) querySessions(op, query string, args ...interface{}) ([]models.PatrolSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var sessions []models.PatrolSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, errors.WrapStore(op, err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, errors.WrapStore(op, rows.Err())
}
