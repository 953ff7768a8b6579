package link

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/logging"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/telemetry"
)

// Ingress is where the manager hands inbound traffic and connectivity
// transitions. The router implements it.
type Ingress interface {
	HandleRobotMessage(topic string, payload []byte)
	RobotUp(robot models.Robot)
	RobotDown(robot models.Robot)
}

// RobotSource lists the persisted robots. The store implements it.
type RobotSource interface {
	ListRobots() ([]models.Robot, error)
}

// Manager owns one RobotLink per persisted robot and reconciles the set
// against the store on demand.
type Manager struct {
	robots  RobotSource
	ingress Ingress
	log     zerolog.Logger

	mu    sync.Mutex
	ctx   context.Context
	links map[int64]*RobotLink
}

// NewManager creates a link manager.
func NewManager(robots RobotSource, ingress Ingress) *Manager {
	return &Manager{
		robots:  robots,
		ingress: ingress,
		log:     logging.With("links"),
		links:   make(map[int64]*RobotLink),
	}
}

// Start brings up links for every persisted robot. ctx bounds all link
// sessions; cancelling it disconnects everything.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	return m.SyncRobots()
}

// SyncRobots reconciles the live links against the store: new robots get a
// link, deleted robots lose theirs, and changed broker settings force a
// reconnect.
func (m *Manager) SyncRobots() error {
	robots, err := m.robots.ListRobots()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]models.Robot, len(robots))
	for _, robot := range robots {
		wanted[robot.ID] = robot
	}

	for id, l := range m.links {
		robot, keep := wanted[id]
		if keep && !brokerChanged(l.Robot(), robot) {
			continue
		}
		l.Close()
		delete(m.links, id)
		if !keep {
			m.log.Info().Str("robot", l.Robot().Serial).Msg("Robot removed, link stopped")
		}
	}

	for id, robot := range wanted {
		if _, ok := m.links[id]; ok {
			continue
		}
		m.links[id] = m.startLink(robot)
	}
	return nil
}

func (m *Manager) startLink(robot models.Robot) *RobotLink {
	// The up callback must not touch m.mu: SyncRobots closes links while
	// holding it, and Close waits for the link's loop.
	var l *RobotLink
	l = NewRobotLink(robot,
		m.ingress.HandleRobotMessage,
		func(r models.Robot) {
			telemetry.Get().LinkUp(r.Serial)
			m.ingress.RobotUp(r)
			m.prime(l)
		},
		func(r models.Robot) {
			telemetry.Get().LinkDown(r.Serial)
			m.ingress.RobotDown(r)
		})
	l.Start(m.ctx)
	m.log.Info().Str("robot", robot.Serial).Str("endpoint", robot.BrokerEndpoint).
		Msg("Robot link started")
	return l
}

// prime asks a freshly connected robot for the state the projection needs
// before any patrol can be validated.
func (m *Manager) prime(l *RobotLink) {
	if err := l.RequestWaypoints(); err != nil {
		m.log.Warn().Err(err).Str("robot", l.Robot().Serial).Msg("Waypoint request failed")
	}
	if err := l.RequestBattery(); err != nil {
		m.log.Warn().Err(err).Str("robot", l.Robot().Serial).Msg("Battery request failed")
	}
}

// Link returns the live link for a robot.
func (m *Manager) Link(robotID int64) (*RobotLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[robotID]
	if !ok {
		return nil, errors.NotFoundf("get_link", "no link for robot %d", robotID)
	}
	return l, nil
}

// Stop disconnects every link.
func (m *Manager) Stop() {
	m.mu.Lock()
	links := make([]*RobotLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[int64]*RobotLink)
	m.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}

func brokerChanged(a, b models.Robot) bool {
	return a.BrokerEndpoint != b.BrokerEndpoint ||
		a.BrokerPort != b.BrokerPort ||
		a.Username != b.Username ||
		a.Password != b.Password ||
		a.UseTLS != b.UseTLS ||
		a.Serial != b.Serial
}
