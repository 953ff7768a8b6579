// Package router is the single ingress point for inbound broker traffic. It
// parses raw messages into typed events, maintains the per-robot runtime
// projection, persists durable-worthy events, fans out on the event bus, and
// delivers patrol-relevant events to the owning executor.
package router

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/link"
	"github.com/robofleet/fleetd/internal/logging"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/telemetry"
)

const workerQueueDepth = 128

// ExecutorSink delivers patrol-relevant events to active executors. The
// patrol supervisor implements it.
type ExecutorSink interface {
	// Deliver routes an event to the executor owning the robot, if any.
	Deliver(robotID int64, ev models.RobotEvent)
	// DeliverDetection fans a detection sample out to every active executor.
	DeliverDetection(sample models.DetectionSample)
}

// Store is the slice of the fleet store the router needs.
type Store interface {
	GetRobotBySerial(serial string) (*models.Robot, error)
	RecordViolation(v *models.Violation, highThreshold int) error
	RecordRobotEvent(robotID int64, kind, detail string) error
	ResolveSettings() (models.Settings, error)
}

type inbound struct {
	topic   string
	payload []byte
	at      time.Time
}

// Router decodes inbound traffic and owns the runtime projections.
type Router struct {
	store Store
	bus   *bus.Bus
	sink  ExecutorSink
	log   zerolog.Logger

	mu          sync.Mutex
	projections map[string]*models.RobotStatus // by serial
	workers     map[string]chan inbound
	closed      bool
	wg          sync.WaitGroup
}

// New creates a router. The sink may be set later via SetSink to break the
// construction cycle with the supervisor.
func New(store Store, eventBus *bus.Bus) *Router {
	return &Router{
		store:       store,
		bus:         eventBus,
		log:         logging.With("router"),
		projections: make(map[string]*models.RobotStatus),
		workers:     make(map[string]chan inbound),
	}
}

// SetSink wires the executor sink. Must be called before traffic flows.
func (r *Router) SetSink(sink ExecutorSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// Close drains and stops all per-robot workers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.workers {
		close(ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// HandleRobotMessage ingests one raw message from a robot link. It never
// blocks the link: each robot has an isolated bounded worker queue, and a
// full queue sheds the message.
func (r *Router) HandleRobotMessage(topic string, payload []byte) {
	parsed, ok := link.ParseInbound(topic)
	if !ok {
		return
	}

	ch := r.workerFor(parsed.Serial)
	if ch == nil {
		return
	}
	select {
	case ch <- inbound{topic: topic, payload: payload, at: time.Now()}:
	default:
		telemetry.Get().MessageShed()
		r.log.Warn().Str("serial", parsed.Serial).Str("topic", topic).
			Msg("Robot worker queue full, message dropped")
	}
}

func (r *Router) workerFor(serial string) chan inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	ch, ok := r.workers[serial]
	if !ok {
		ch = make(chan inbound, workerQueueDepth)
		r.workers[serial] = ch
		r.wg.Add(1)
		go r.runWorker(serial, ch)
	}
	return ch
}

func (r *Router) runWorker(serial string, ch chan inbound) {
	defer r.wg.Done()
	for msg := range ch {
		r.process(serial, msg)
	}
}

func (r *Router) process(serial string, msg inbound) {
	parsed, ok := link.ParseInbound(msg.topic)
	if !ok {
		return
	}
	telemetry.Get().MessageRouted(string(parsed.Class))

	status := r.touchProjection(serial, msg.at)

	ev := decodeRobotEvent(parsed, msg.payload, msg.at)
	if ev == nil {
		// Unknown but well-formed traffic still reaches the UI raw feed.
		r.bus.Publish(bus.TopicMQTTMessage, map[string]interface{}{
			"serial": serial, "topic": msg.topic, "payload": string(msg.payload),
		})
		return
	}

	r.applyEvent(status, ev)
	r.forward(status, ev)
}

// touchProjection returns the projection for the serial, creating it and
// stamping lastSeenAt.
func (r *Router) touchProjection(serial string, at time.Time) *models.RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.projections[serial]
	if !ok {
		status = &models.RobotStatus{Serial: serial}
		if robot, err := r.store.GetRobotBySerial(serial); err == nil {
			status.RobotID = robot.ID
		}
		r.projections[serial] = status
	}
	status.LastSeenAt = at
	return status
}

// applyEvent folds the event into the runtime projection and persists
// durable-worthy transitions.
func (r *Router) applyEvent(status *models.RobotStatus, ev models.RobotEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case models.BatteryUpdate:
		previous := status.BatteryPercent
		status.BatteryPercent = e.Percent
		status.Charging = e.Charging
		r.recordBatteryCrossing(status, previous, e.Percent)
	case models.WaypointList:
		status.KnownWaypoints = e.Waypoints
	case models.WaypointArrived:
		if e.Arrived() {
			status.CurrentLocation = e.Waypoint
			if status.RobotID != 0 {
				if err := r.store.RecordRobotEvent(status.RobotID, "waypoint_arrived", e.Waypoint); err != nil {
					r.log.Warn().Err(err).Msg("Failed to record waypoint arrival")
				}
			}
		}
	case models.LinkConnected:
		status.Connected = true
	case models.LinkDisconnected:
		status.Connected = false
	}
}

// recordBatteryCrossing persists a durable marker when battery crosses the
// low threshold in either direction. Caller holds r.mu.
func (r *Router) recordBatteryCrossing(status *models.RobotStatus, previous, current int) {
	if status.RobotID == 0 || previous == current {
		return
	}
	settings, err := r.store.ResolveSettings()
	if err != nil {
		return
	}
	low := settings.LowBatteryPercent
	var kind string
	switch {
	case previous > low && current <= low:
		kind = "battery_low"
	case previous <= low && current > low && previous != 0:
		kind = "battery_recovered"
	default:
		return
	}
	if err := r.store.RecordRobotEvent(status.RobotID, kind, ""); err != nil {
		r.log.Warn().Err(err).Str("kind", kind).Msg("Failed to record battery crossing")
	}
}

// forward publishes the event on the bus and hands it to the owning executor.
func (r *Router) forward(status *models.RobotStatus, ev models.RobotEvent) {
	snapshot := r.snapshotLocked(status.Serial)

	switch e := ev.(type) {
	case models.BatteryUpdate:
		r.bus.Publish(bus.TopicRobotBattery, snapshot)
	case models.WaypointArrived:
		r.bus.Publish(bus.TopicRobotWaypoint, e)
	case models.WaypointList, models.PositionUpdate, models.HealthPing:
		r.bus.Publish(bus.TopicRobotStatus, snapshot)
	case models.LinkConnected:
		r.bus.Publish(bus.TopicRobotConnected, snapshot)
	case models.LinkDisconnected:
		r.bus.Publish(bus.TopicRobotDisconnected, snapshot)
	}

	r.mu.Lock()
	sink := r.sink
	robotID := status.RobotID
	r.mu.Unlock()
	if sink != nil && robotID != 0 {
		sink.Deliver(robotID, ev)
	}
}

// RobotUp is invoked by the link manager when a robot session comes up.
func (r *Router) RobotUp(robot models.Robot) {
	now := time.Now()
	status := r.touchProjection(robot.Serial, now)
	r.mu.Lock()
	status.RobotID = robot.ID
	r.mu.Unlock()
	ev := models.LinkConnected{EventMeta: models.Meta(robot.Serial, now)}
	r.applyEvent(status, ev)
	r.forward(status, ev)
}

// RobotDown is invoked by the link manager when a robot session drops.
func (r *Router) RobotDown(robot models.Robot) {
	now := time.Now()
	status := r.touchProjection(robot.Serial, now)
	ev := models.LinkDisconnected{EventMeta: models.Meta(robot.Serial, now)}
	r.applyEvent(status, ev)
	r.forward(status, ev)
}

// Snapshot returns a copy of one robot's runtime projection.
func (r *Router) Snapshot(serial string) (models.RobotStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.projections[serial]
	if !ok {
		return models.RobotStatus{}, false
	}
	return copyStatus(status), true
}

// SnapshotAll returns copies of every runtime projection.
func (r *Router) SnapshotAll() []models.RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RobotStatus, 0, len(r.projections))
	for _, status := range r.projections {
		out = append(out, copyStatus(status))
	}
	return out
}

func (r *Router) snapshotLocked(serial string) models.RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.projections[serial]; ok {
		return copyStatus(status)
	}
	return models.RobotStatus{Serial: serial}
}

func copyStatus(status *models.RobotStatus) models.RobotStatus {
	out := *status
	out.KnownWaypoints = append([]string(nil), status.KnownWaypoints...)
	return out
}
