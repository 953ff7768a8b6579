package link

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

type fakeIngress struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (f *fakeIngress) HandleRobotMessage(topic string, payload []byte) {}

func (f *fakeIngress) RobotUp(robot models.Robot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ups = append(f.ups, robot.Serial)
}

func (f *fakeIngress) RobotDown(robot models.Robot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs = append(f.downs, robot.Serial)
}

func (f *fakeIngress) upCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ups)
}

type fakeRobotSource struct {
	mu     sync.Mutex
	robots []models.Robot
}

func (f *fakeRobotSource) ListRobots() ([]models.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Robot(nil), f.robots...), nil
}

func (f *fakeRobotSource) set(robots []models.Robot) {
	f.mu.Lock()
	f.robots = robots
	f.mu.Unlock()
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerStartsLinkPerRobot(t *testing.T) {
	var mu sync.Mutex
	sessions := make(map[string]*fakeSession)
	withFakeSessions(t, func(cfg sessionConfig) session {
		fake := &fakeSession{}
		mu.Lock()
		sessions[cfg.clientID] = fake
		mu.Unlock()
		return fake
	})

	source := &fakeRobotSource{robots: []models.Robot{
		{ID: 1, Serial: "serial-a", BrokerEndpoint: "10.0.0.5", BrokerPort: 1883},
		{ID: 2, Serial: "serial-b", BrokerEndpoint: "10.0.0.6", BrokerPort: 1883},
	}}
	ingress := &fakeIngress{}
	m := NewManager(source, ingress)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	waitUntil(t, func() bool { return ingress.upCount() == 2 }, "both links up")

	// A fresh link immediately asks for the waypoint set and a battery
	// reading so the projection can validate patrols.
	primed := func(serial string) bool {
		mu.Lock()
		defer mu.Unlock()
		for id, fake := range sessions {
			if !strings.HasPrefix(id, "fleetd-"+serial+"-") {
				continue
			}
			var topics []string
			for _, pub := range fake.published() {
				topics = append(topics, pub.Topic)
			}
			return contains(topics, "temi/"+serial+"/command/map/waypoints") &&
				contains(topics, "temi/"+serial+"/command/info/battery")
		}
		return false
	}
	waitUntil(t, func() bool { return primed("serial-a") && primed("serial-b") }, "links primed")

	l, err := m.Link(1)
	require.NoError(t, err)
	assert.Equal(t, "serial-a", l.Robot().Serial)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestManagerRemovesDeletedRobot(t *testing.T) {
	withFakeSessions(t, func(cfg sessionConfig) session { return &fakeSession{} })

	source := &fakeRobotSource{robots: []models.Robot{
		{ID: 1, Serial: "serial-a", BrokerEndpoint: "10.0.0.5", BrokerPort: 1883},
	}}
	ingress := &fakeIngress{}
	m := NewManager(source, ingress)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	waitUntil(t, func() bool { return ingress.upCount() == 1 }, "link up")

	source.set(nil)
	require.NoError(t, m.SyncRobots())

	_, err := m.Link(1)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestManagerReconnectsOnBrokerChange(t *testing.T) {
	var mu sync.Mutex
	created := 0
	withFakeSessions(t, func(cfg sessionConfig) session {
		mu.Lock()
		created++
		mu.Unlock()
		return &fakeSession{}
	})

	robot := models.Robot{ID: 1, Serial: "serial-a", BrokerEndpoint: "10.0.0.5", BrokerPort: 1883}
	source := &fakeRobotSource{robots: []models.Robot{robot}}
	ingress := &fakeIngress{}
	m := NewManager(source, ingress)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	waitUntil(t, func() bool { return ingress.upCount() == 1 }, "link up")

	robot.BrokerEndpoint = "10.0.0.99"
	source.set([]models.Robot{robot})
	require.NoError(t, m.SyncRobots())

	waitUntil(t, func() bool { return ingress.upCount() >= 2 }, "link up on new broker")
	mu.Lock()
	assert.GreaterOrEqual(t, created, 2)
	mu.Unlock()

	l, err := m.Link(1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.99", l.Robot().BrokerEndpoint)
}
