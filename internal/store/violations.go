package store

import (
	"database/sql"
	"time"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// RecordViolation persists a violation row. Severity is always re-derived
// from the count and the configured high threshold so stored rows stay
// consistent with the derivation rule.
func (s *Store) RecordViolation(v *models.Violation, highThreshold int) error {
	const op = "record_violation"

	v.Severity = models.DeriveSeverity(v.Count, highThreshold)
	if v.ObservedAt.IsZero() {
		v.ObservedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO violations (robot_id, session_id, location, kind, severity,
			count, people_count, confidence, observed_at, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(v.RobotID), nullableID(v.SessionID), v.Location, v.Kind,
		string(v.Severity), v.Count, v.PeopleCount, v.Confidence,
		v.ObservedAt.Unix(), v.Details)
	if err != nil {
		return errors.WrapStore(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	v.ID = id
	return nil
}

// AcknowledgeViolation marks a violation as acknowledged by an operator.
func (s *Store) AcknowledgeViolation(id int64, by string) error {
	const op = "acknowledge_violation"

	res, err := s.db.Exec(`
		UPDATE violations SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ?`, by, time.Now().Unix(), id)
	if err != nil {
		return errors.WrapStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	if n == 0 {
		return errors.NotFoundf(op, "violation %d not found", id)
	}
	return nil
}

// ViolationFilter narrows ListViolations.
type ViolationFilter struct {
	RobotID        int64
	SessionID      int64
	Unacknowledged bool
	Limit          int
}

// ListViolations returns violations newest first.
func (s *Store) ListViolations(filter ViolationFilter) ([]models.Violation, error) {
	const op = "list_violations"

	query := `
		SELECT id, robot_id, session_id, location, kind, severity, count,
			people_count, confidence, observed_at, acknowledged, acknowledged_by,
			acknowledged_at, details
		FROM violations WHERE 1=1`
	var args []interface{}
	if filter.RobotID > 0 {
		query += ` AND robot_id = ?`
		args = append(args, filter.RobotID)
	}
	if filter.SessionID > 0 {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Unacknowledged {
		query += ` AND acknowledged = 0`
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY observed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var violations []models.Violation
	for rows.Next() {
		var v models.Violation
		var robotID, sessionID, ackedAt sql.NullInt64
		var observedAt int64
		var acknowledged int
		if err := rows.Scan(&v.ID, &robotID, &sessionID, &v.Location, &v.Kind,
			&v.Severity, &v.Count, &v.PeopleCount, &v.Confidence, &observedAt,
			&acknowledged, &v.AcknowledgedBy, &ackedAt, &v.Details); err != nil {
			return nil, errors.WrapStore(op, err)
		}
		if robotID.Valid {
			v.RobotID = &robotID.Int64
		}
		if sessionID.Valid {
			v.SessionID = &sessionID.Int64
		}
		v.ObservedAt = time.Unix(observedAt, 0)
		v.Acknowledged = acknowledged != 0
		if ackedAt.Valid {
			t := time.Unix(ackedAt.Int64, 0)
			v.AcknowledgedAt = &t
		}
		violations = append(violations, v)
	}
	return violations, errors.WrapStore(op, rows.Err())
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
