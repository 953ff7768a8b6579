package models

import "time"

// RobotEvent is the typed event sum produced by the Router from raw broker
// messages. Consumers switch on the concrete type.
type RobotEvent interface {
	robotEvent()
	EventSerial() string
}

// EventMeta is the shared header embedded in every robot event.
type EventMeta struct {
	Serial string    `json:"serial"`
	At     time.Time `json:"at"`
}

func (e EventMeta) robotEvent()         {}
func (e EventMeta) EventSerial() string { return e.Serial }

// LinkConnected signals the broker session for a robot came up.
type LinkConnected struct{ EventMeta }

// LinkDisconnected signals the broker session for a robot went down.
type LinkDisconnected struct{ EventMeta }

// BatteryUpdate carries a battery telemetry reading.
type BatteryUpdate struct {
	EventMeta
	Percent  int  `json:"percent"`
	Charging bool `json:"charging"`
}

// WaypointArrived signals a goto result for a waypoint.
type WaypointArrived struct {
	EventMeta
	Waypoint string `json:"waypoint"`
	// Status is the raw navigation phase: start, calculating, going,
	// complete, abort.
	Status string `json:"status"`
}

// Arrived reports whether the navigation finished at the waypoint.
func (e WaypointArrived) Arrived() bool { return e.Status == "complete" }

// Aborted reports whether the navigation was abandoned.
func (e WaypointArrived) Aborted() bool { return e.Status == "abort" }

// WaypointList carries the robot's current set of known waypoints.
type WaypointList struct {
	EventMeta
	Waypoints []string `json:"waypoints"`
}

// PositionUpdate carries the robot's pose on the map.
type PositionUpdate struct {
	EventMeta
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// HealthPing is a liveness beacon from the robot app.
type HealthPing struct{ EventMeta }

// DetectionSample is one smoothing input from the vision pipeline.
type DetectionSample struct {
	EventMeta
	People     int    `json:"people"`
	Violations int    `json:"violations"`
	Location   string `json:"location,omitempty"`
}

// Meta builds the shared event header.
func Meta(serial string, at time.Time) EventMeta {
	return EventMeta{Serial: serial, At: at}
}
