package store

import (
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// UpsertRobot inserts a robot or, when ID is set, updates the existing row.
// Serial uniqueness is enforced by the schema.
func (s *Store) UpsertRobot(robot *models.Robot) error {
	const op = "upsert_robot"

	robot.Serial = strings.TrimSpace(robot.Serial)
	if robot.Serial == "" {
		return errors.Validationf(op, "serial must not be empty")
	}
	if robot.DisplayName == "" {
		robot.DisplayName = robot.Serial
	}
	if robot.BrokerEndpoint == "" {
		return errors.Validationf(op, "broker endpoint must not be empty")
	}
	if robot.BrokerPort <= 0 {
		robot.BrokerPort = 1883
	}

	if robot.ID == 0 {
		robot.CreatedAt = time.Now()
		res, err := s.db.Exec(`
			INSERT INTO robots (display_name, serial, broker_endpoint, broker_port,
				username, password, use_tls, home_waypoint, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			robot.DisplayName, robot.Serial, robot.BrokerEndpoint, robot.BrokerPort,
			robot.Username, robot.Password, boolToInt(robot.UseTLS),
			robot.HomeWaypoint, robot.CreatedAt.Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Conflictf(op, "serial %q already registered", robot.Serial)
			}
			return errors.WrapStore(op, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		robot.ID = id
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE robots SET display_name = ?, serial = ?, broker_endpoint = ?,
			broker_port = ?, username = ?, password = ?, use_tls = ?, home_waypoint = ?
		WHERE id = ?`,
		robot.DisplayName, robot.Serial, robot.BrokerEndpoint, robot.BrokerPort,
		robot.Username, robot.Password, boolToInt(robot.UseTLS),
		robot.HomeWaypoint, robot.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflictf(op, "serial %q already registered", robot.Serial)
		}
		return errors.WrapStore(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStore(op, err)
	}
	if n == 0 {
		return errors.NotFoundf(op, "robot %d not found", robot.ID)
	}
	return nil
}

// DeleteRobot removes a robot and, via cascade, its routes. Fails with InUse
// while the robot has an active patrol session.
func (s *Store) DeleteRobot(id int64) error {
	const op = "delete_robot"

	return s.withTx(func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM patrol_sessions
			WHERE robot_id = ? AND status IN ('running', 'paused')`, id).Scan(&active); err != nil {
			return errors.WrapStore(op, err)
		}
		if active > 0 {
			return errors.InUsef(op, "robot %d has an active patrol", id)
		}
		res, err := tx.Exec(`DELETE FROM robots WHERE id = ?`, id)
		if err != nil {
			return errors.WrapStore(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.WrapStore(op, err)
		}
		if n == 0 {
			return errors.NotFoundf(op, "robot %d not found", id)
		}
		return nil
	})
}

// GetRobot fetches one robot by id.
func (s *Store) GetRobot(id int64) (*models.Robot, error) {
	const op = "get_robot"

	row := s.db.QueryRow(robotSelect+` WHERE id = ?`, id)
	robot, err := scanRobot(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf(op, "robot %d not found", id)
	}
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	return robot, nil
}

// GetRobotBySerial fetches one robot by its serial.
func (s *Store) GetRobotBySerial(serial string) (*models.Robot, error) {
	const op = "get_robot_by_serial"

	row := s.db.QueryRow(robotSelect+` WHERE serial = ?`, serial)
	robot, err := scanRobot(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf(op, "robot %q not found", serial)
	}
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	return robot, nil
}

// ListRobots returns all registered robots ordered by display name.
func (s *Store) ListRobots() ([]models.Robot, error) {
	const op = "list_robots"

	rows, err := s.db.Query(robotSelect + ` ORDER BY display_name, id`)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	var robots []models.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, errors.WrapStore(op, err)
		}
		robots = append(robots, *robot)
	}
	return robots, errors.WrapStore(op, rows.Err())
}

const robotSelect = `
	SELECT id, display_name, serial, broker_endpoint, broker_port,
		username, password, use_tls, home_waypoint, created_at
	FROM robots`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRobot(row rowScanner) (*models.Robot, error) {
	var robot models.Robot
	var useTLS int
	var createdAt int64
	if err := row.Scan(&robot.ID, &robot.DisplayName, &robot.Serial,
		&robot.BrokerEndpoint, &robot.BrokerPort, &robot.Username, &robot.Password,
		&useTLS, &robot.HomeWaypoint, &createdAt); err != nil {
		return nil, err
	}
	robot.UseTLS = useTLS != 0
	robot.CreatedAt = time.Unix(createdAt, 0)
	return &robot, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
