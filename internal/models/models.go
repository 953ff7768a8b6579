// Package models defines the domain entities shared across the fleetd core:
// robots, routes, patrol sessions, inspections, and violations.
package models

import "time"

// Robot is the persisted identity of one physical device.
type Robot struct {
	ID             int64     `json:"id"`
	DisplayName    string    `json:"displayName"`
	Serial         string    `json:"serial"`
	BrokerEndpoint string    `json:"brokerEndpoint"`
	BrokerPort     int       `json:"brokerPort"`
	Username       string    `json:"username"`
	Password       string    `json:"-"`
	UseTLS         bool      `json:"useTLS"`
	HomeWaypoint   string    `json:"homeWaypoint"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RobotStatus is the runtime projection for one robot. It is owned by the
// Router and is not persisted every tick.
type RobotStatus struct {
	RobotID         int64     `json:"robotId"`
	Serial          string    `json:"serial"`
	Connected       bool      `json:"connected"`
	BatteryPercent  int       `json:"batteryPercent"`
	Charging        bool      `json:"charging"`
	CurrentLocation string    `json:"currentLocation"`
	KnownWaypoints  []string  `json:"knownWaypoints"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

// HasWaypoint reports whether the robot has learned the named waypoint.
func (s *RobotStatus) HasWaypoint(name string) bool {
	for _, wp := range s.KnownWaypoints {
		if wp == name {
			return true
		}
	}
	return false
}

// Route is an ordered recipe of waypoint visits.
type Route struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	OwnerRobotID   int64          `json:"ownerRobotId"`
	LoopCount      int            `json:"loopCount"` // 0 means unbounded
	ReturnWaypoint string         `json:"returnWaypoint"`
	CreatedAt      time.Time      `json:"createdAt"`
	Steps          []WaypointStep `json:"steps,omitempty"`
}

// Unbounded reports whether the route loops until stopped.
func (r *Route) Unbounded() bool { return r.LoopCount == 0 }

// DisplayKind enumerates on-arrival display cues.
type DisplayKind string

const (
	DisplayNone    DisplayKind = "none"
	DisplayWebview DisplayKind = "webview"
	DisplayVideo   DisplayKind = "video"
)

// ActionKind enumerates on-violation actions.
type ActionKind string

const (
	ActionNone    ActionKind = "none"
	ActionSpeech  ActionKind = "speech"
	ActionWebview ActionKind = "webview"
	ActionVideo   ActionKind = "video"
)

// WaypointStep is one stop on a Route.
type WaypointStep struct {
	ID                      int64       `json:"id"`
	RouteID                 int64       `json:"routeId"`
	SequenceOrder           int         `json:"sequenceOrder"` // 1-based, dense
	WaypointName            string      `json:"waypointName"`
	DwellSeconds            int         `json:"dwellSeconds"`
	DetectionEnabled        bool        `json:"detectionEnabled"`
	DetectionTimeoutSeconds int         `json:"detectionTimeoutSeconds"`
	NoViolationHoldSeconds  *int        `json:"noViolationHoldSeconds,omitempty"`
	OnArrivalDisplay        DisplayKind `json:"onArrivalDisplay"`
	OnArrivalContent        string      `json:"onArrivalContent"`
	OnArrivalSpeech         string      `json:"onArrivalSpeech"`
	OnViolationAction       ActionKind  `json:"onViolationAction"`
	OnViolationContent      string      `json:"onViolationContent"`
	WebviewCloseDelaySec    int         `json:"webviewCloseDelaySeconds"`
}

// SessionStatus is the lifecycle state of a PatrolSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionStopped   SessionStatus = "stopped"
	SessionError     SessionStatus = "error"
)

// Active reports whether the status counts against the one-patrol-per-robot
// invariant.
func (s SessionStatus) Active() bool {
	return s == SessionRunning || s == SessionPaused
}

// PatrolSession is one run of a Route on a Robot.
type PatrolSession struct {
	ID                int64         `json:"id"`
	RouteID           int64         `json:"routeId"`
	RobotID           int64         `json:"robotId"`
	StartedAt         time.Time     `json:"startedAt"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
	Status            SessionStatus `json:"status"`
	CurrentLoop       int           `json:"currentLoop"`
	CurrentStepIndex  int           `json:"currentStepIndex"`
	TotalLoopsPlanned int           `json:"totalLoopsPlanned"`
	ReasonForEnd      string        `json:"reasonForEnd,omitempty"`
}

// Verdict is the debounced outcome of an inspection.
type Verdict string

const (
	VerdictPending   Verdict = "pending"
	VerdictClear     Verdict = "clear"
	VerdictViolation Verdict = "violation"
	VerdictTimeout   Verdict = "timeout"
	VerdictSkipped   Verdict = "skipped"
)

// WaypointInspection is the per-stop outcome inside a PatrolSession.
type WaypointInspection struct {
	ID                 int64     `json:"id"`
	SessionID          int64     `json:"sessionId"`
	StepSequence       int       `json:"stepSequence"`
	WaypointName       string    `json:"waypointName"`
	StartedAt          time.Time `json:"startedAt"`
	EndedAt            time.Time `json:"endedAt"`
	DetectionsObserved int       `json:"detectionsObserved"`
	PeopleObserved     int       `json:"peopleObserved"`
	Verdict            Verdict   `json:"verdict"`
	SmoothedConfidence float64   `json:"smoothedConfidence"`
}

// Severity classifies a violation record.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DeriveSeverity maps a violation count onto a severity given the configured
// high threshold. Low is reserved for operator-acknowledgement edits.
func DeriveSeverity(count, highThreshold int) Severity {
	if highThreshold > 0 && count >= highThreshold {
		return SeverityHigh
	}
	if count >= 1 {
		return SeverityMedium
	}
	return SeverityLow
}

// Violation is a persisted detection outcome, either materialized from a
// patrol inspection or from a standalone cloud detection event.
type Violation struct {
	ID             int64      `json:"id"`
	RobotID        *int64     `json:"robotId,omitempty"`
	SessionID      *int64     `json:"sessionId,omitempty"`
	Location       string     `json:"location"`
	Kind           string     `json:"kind"`
	Severity       Severity   `json:"severity"`
	Count          int        `json:"count"`
	PeopleCount    int        `json:"peopleCount"`
	Confidence     float64    `json:"confidence"`
	ObservedAt     time.Time  `json:"observedAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	Details        string     `json:"details,omitempty"` // JSON blob
}

// SpeedTier is the robot movement speed setting.
type SpeedTier string

const (
	SpeedLow    SpeedTier = "low"
	SpeedMedium SpeedTier = "medium"
	SpeedHigh   SpeedTier = "high"
)

// ValidSpeedTier reports whether the tier is one of the recognized values.
func ValidSpeedTier(t SpeedTier) bool {
	switch t {
	case SpeedLow, SpeedMedium, SpeedHigh:
		return true
	}
	return false
}

// DetectionSummary is the payload carried on the cloud detection bus.
type DetectionSummary struct {
	TotalViolations int       `json:"total_violations"`
	TotalPeople     int       `json:"total_people"`
	Viewports       Viewports `json:"viewports"`
	Timestamp       time.Time `json:"timestamp"`
	Location        string    `json:"location,omitempty"`
}

// Viewports holds per-region detection counts from the vision pipeline.
type Viewports struct {
	Front int `json:"front"`
	Right int `json:"right"`
	Back  int `json:"back"`
	Left  int `json:"left"`
}

// PatrolSummary aggregates a finished session for the UI.
type PatrolSummary struct {
	SessionID      int64         `json:"sessionId"`
	RobotID        int64         `json:"robotId"`
	RouteID        int64         `json:"routeId"`
	Status         SessionStatus `json:"status"`
	ReasonForEnd   string        `json:"reasonForEnd,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        time.Time     `json:"endedAt"`
	LoopsCompleted int           `json:"loopsCompleted"`
	StepsInspected int           `json:"stepsInspected"`
	ClearCount     int           `json:"clearCount"`
	ViolationCount int           `json:"violationCount"`
	TimeoutCount   int           `json:"timeoutCount"`
	SkippedCount   int           `json:"skippedCount"`
}
