package store

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// validateSteps enforces the route shape: at least two steps, a dense 1-based
// unique sequence, and non-empty content for any configured display or action.
func validateSteps(op string, steps []models.WaypointStep) error {
	if len(steps) < 2 {
		return errors.Validationf(op, "route needs at least 2 steps, got %d", len(steps))
	}
	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step.WaypointName == "" {
			return errors.Validationf(op, "step %d: waypoint name must not be empty", step.SequenceOrder)
		}
		if step.SequenceOrder < 1 || step.SequenceOrder > len(steps) {
			return errors.Validationf(op, "step sequence %d out of range 1..%d", step.SequenceOrder, len(steps))
		}
		if seen[step.SequenceOrder] {
			return errors.Validationf(op, "duplicate step sequence %d", step.SequenceOrder)
		}
		seen[step.SequenceOrder] = true

		if step.DwellSeconds < 0 {
			return errors.Validationf(op, "step %d: dwell must be >= 0", step.SequenceOrder)
		}
		if step.DetectionEnabled && step.DetectionTimeoutSeconds < 5 {
			return errors.Validationf(op, "step %d: detection timeout must be >= 5s", step.SequenceOrder)
		}
		if step.NoViolationHoldSeconds != nil && *step.NoViolationHoldSeconds < 0 {
			return errors.Validationf(op, "step %d: no-violation hold must be >= 0", step.SequenceOrder)
		}
		if step.OnArrivalDisplay != "" && step.OnArrivalDisplay != models.DisplayNone && step.OnArrivalContent == "" {
			return errors.Validationf(op, "step %d: arrival display %q needs content", step.SequenceOrder, step.OnArrivalDisplay)
		}
		if step.OnViolationAction != "" && step.OnViolationAction != models.ActionNone && step.OnViolationContent == "" {
			return errors.Validationf(op, "step %d: violation action %q needs content", step.SequenceOrder, step.OnViolationAction)
		}
		if len(step.OnArrivalSpeech) > 200 {
			return errors.Validationf(op, "step %d: arrival speech exceeds 200 chars", step.SequenceOrder)
		}
	}
	// seen holds len(steps) distinct values in 1..len(steps), so the
	// sequence is dense.
	return nil
}

// CreateRoute atomically creates a route and its steps. The whole call is
// rejected on any step validation failure or a duplicate route name.
func (s *Store) CreateRoute(route *models.Route, steps []models.WaypointStep) error {
	const op = "create_route"

	if route.Name == "" {
		return errors.Validationf(op, "route name must not be empty")
	}
	if route.LoopCount < 0 {
		return errors.Validationf(op, "loop count must be >= 0")
	}
	if err := validateSteps(op, steps); err != nil {
		return err
	}

	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM robots WHERE id = ?`, route.OwnerRobotID).Scan(&exists); err != nil {
			return errors.WrapStore(op, err)
		}
		if exists == 0 {
			return errors.NotFoundf(op, "robot %d not found", route.OwnerRobotID)
		}

		route.CreatedAt = time.Now()
		res, err := tx.Exec(`
			INSERT INTO routes (name, owner_robot_id, loop_count, return_waypoint, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			route.Name, route.OwnerRobotID, route.LoopCount, route.ReturnWaypoint,
			route.CreatedAt.Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflictf(op, "route name %q already exists", route.Name)
			}
			return errors.WrapStore(op, err)
		}
		routeID, err := res.LastInsertId()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		route.ID = routeID

		for i := range steps {
			steps[i].RouteID = routeID
			if err := insertStep(tx, &steps[i]); err != nil {
				return errors.WrapStore(op, err)
			}
		}
		route.Steps = steps
		return nil
	})
}

// UpdateRoute replaces a route's attributes and its full step list atomically.
func (s *Store) UpdateRoute(route *models.Route, steps []models.WaypointStep) error {
	const op = "update_route"

	if err := validateSteps(op, steps); err != nil {
		return err
	}

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE routes SET name = ?, loop_count = ?, return_waypoint = ?
			WHERE id = ?`,
			route.Name, route.LoopCount, route.ReturnWaypoint, route.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflictf(op, "route name %q already exists", route.Name)
			}
			return errors.WrapStore(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		if n == 0 {
			return errors.NotFoundf(op, "route %d not found", route.ID)
		}

		if _, err := tx.Exec(`DELETE FROM waypoint_steps WHERE route_id = ?`, route.ID); err != nil {
			return errors.WrapStore(op, err)
		}
		for i := range steps {
			steps[i].RouteID = route.ID
			if err := insertStep(tx, &steps[i]); err != nil {
				return errors.WrapStore(op, err)
			}
		}
		route.Steps = steps
		return nil
	})
}

// DeleteRoute removes a route unless an active patrol session references it.
func (s *Store) DeleteRoute(id int64) error {
	const op = "delete_route"

	return s.withTx(func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM patrol_sessions
			WHERE route_id = ? AND status IN ('running', 'paused')`, id).Scan(&active); err != nil {
			return errors.WrapStore(op, err)
		}
		if active > 0 {
			return errors.InUsef(op, "route %d is referenced by an active patrol", id)
		}
		res, err := tx.Exec(`DELETE FROM routes WHERE id = ?`, id)
		if err != nil {
			return errors.WrapStore(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		if n == 0 {
			return errors.NotFoundf(op, "route %d not found", id)
		}
		return nil
	})
}

// GetRoute fetches a route with its steps ordered by sequence.
func (s *Store) GetRoute(id int64) (*models.Route, error) {
	const op = "get_route"

	row := s.db.QueryRow(`
		SELECT id, name, owner_robot_id, loop_count, return_waypoint, created_at
		FROM routes WHERE id = ?`, id)

	var route models.Route
	var createdAt int64
	err := row.Scan(&route.ID, &route.Name, &route.OwnerRobotID,
		&route.LoopCount, &route.ReturnWaypoint, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf(op, "route %d not found", id)
	}
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	route.CreatedAt = time.Unix(createdAt, 0)

	steps, err := s.listSteps(id)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	route.Steps = steps
	return &route, nil
}

// ListRoutes returns all routes (without steps) ordered by name.
func (s *Store) ListRoutes() ([]models.Route, error) {
	const op = "list_routes"

	rows, err := s.db.Query(`
		SELECT id, name, owner_robot_id, loop_count, return_waypoint, created_at
		FROM routes ORDER BY name, id`)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var routes []models.Route
	for rows.Next() {
		var route models.Route
		var createdAt int64
		if err := rows.Scan(&route.ID, &route.Name, &route.OwnerRobotID,
			&route.LoopCount, &route.ReturnWaypoint, &createdAt); err != nil {
			return nil, errors.WrapStore(op, err)
		}
		route.CreatedAt = time.Unix(createdAt, 0)
		routes = append(routes, route)
	}
	return routes, errors.WrapStore(op, rows.Err())
}

func (s *Store) listSteps(routeID int64) ([]models.WaypointStep, error) {
	rows, err := s.db.Query(`
		SELECT id, route_id, sequence_order, waypoint_name, dwell_seconds,
			detection_enabled, detection_timeout_seconds, no_violation_hold_seconds,
			on_arrival_display, on_arrival_content, on_arrival_speech,
			on_violation_action, on_violation_content, webview_close_delay_seconds
		FROM waypoint_steps WHERE route_id = ? ORDER BY sequence_order`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.WaypointStep
	for rows.Next() {
		var step models.WaypointStep
		var detectionEnabled int
		var hold sql.NullInt64
		if err := rows.Scan(&step.ID, &step.RouteID, &step.SequenceOrder,
			&step.WaypointName, &step.DwellSeconds, &detectionEnabled,
			&step.DetectionTimeoutSeconds, &hold,
			&step.OnArrivalDisplay, &step.OnArrivalContent, &step.OnArrivalSpeech,
			&step.OnViolationAction, &step.OnViolationContent,
			&step.WebviewCloseDelaySec); err != nil {
			return nil, err
		}
		step.DetectionEnabled = detectionEnabled != 0
		if hold.Valid {
			v := int(hold.Int64)
			step.NoViolationHoldSeconds = &v
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func insertStep(tx *sql.Tx, step *models.WaypointStep) error {
	if step.OnArrivalDisplay == "" {
		step.OnArrivalDisplay = models.DisplayNone
	}
	if step.OnViolationAction == "" {
		step.OnViolationAction = models.ActionNone
	}
	res, err := tx.Exec(`
		INSERT INTO waypoint_steps (route_id, sequence_order, waypoint_name,
			dwell_seconds, detection_enabled, detection_timeout_seconds,
			no_violation_hold_seconds, on_arrival_display, on_arrival_content,
			on_arrival_speech, on_violation_action, on_violation_content,
			webview_close_delay_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RouteID, step.SequenceOrder, step.WaypointName, step.DwellSeconds,
		boolToInt(step.DetectionEnabled), step.DetectionTimeoutSeconds,
		step.NoViolationHoldSeconds, string(step.OnArrivalDisplay),
		step.OnArrivalContent, step.OnArrivalSpeech,
		string(step.OnViolationAction), step.OnViolationContent,
		step.WebviewCloseDelaySec)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	step.ID = id
	return nil
}
