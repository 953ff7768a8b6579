package router

import (
	"encoding/json"
	"time"

	"github.com/robofleet/fleetd/internal/link"
	"github.com/robofleet/fleetd/internal/models"
)

// decodeRobotEvent maps one parsed inbound topic and payload onto the typed
// event sum. Unknown paths return nil and flow to the raw feed instead.
func decodeRobotEvent(parsed link.ParsedTopic, payload []byte, at time.Time) models.RobotEvent {
	meta := models.Meta(parsed.Serial, at)

	switch parsed.Class {
	case link.ClassStatus:
		switch parsed.Path {
		case "utils/battery", "battery":
			var body struct {
				Percentage *int  `json:"percentage"`
				Percent    *int  `json:"percent"`
				IsCharging *bool `json:"is_charging"`
				Charging   *bool `json:"charging"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil
			}
			ev := models.BatteryUpdate{EventMeta: meta}
			switch {
			case body.Percentage != nil:
				ev.Percent = *body.Percentage
			case body.Percent != nil:
				ev.Percent = *body.Percent
			default:
				return nil
			}
			if body.IsCharging != nil {
				ev.Charging = *body.IsCharging
			} else if body.Charging != nil {
				ev.Charging = *body.Charging
			}
			return ev
		case "locations", "waypoints":
			// Either {"locations": [...]} or a bare array.
			var wrapped struct {
				Locations []string `json:"locations"`
			}
			if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Locations != nil {
				return models.WaypointList{EventMeta: meta, Waypoints: wrapped.Locations}
			}
			var bare []string
			if err := json.Unmarshal(payload, &bare); err == nil {
				return models.WaypointList{EventMeta: meta, Waypoints: bare}
			}
			return nil
		}
	case link.ClassEvent:
		if parsed.Path == "waypoint/goto" || parsed.Path == "goto" {
			var body struct {
				Location string `json:"location"`
				Status   string `json:"status"`
			}
			if err := json.Unmarshal(payload, &body); err != nil || body.Location == "" {
				return nil
			}
			return models.WaypointArrived{EventMeta: meta, Waypoint: body.Location, Status: body.Status}
		}
	case link.ClassLocation:
		if parsed.Path == "position" {
			var body struct {
				X   float64 `json:"x"`
				Y   float64 `json:"y"`
				Yaw float64 `json:"yaw"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil
			}
			return models.PositionUpdate{EventMeta: meta, X: body.X, Y: body.Y, Yaw: body.Yaw}
		}
	case link.ClassHealth:
		return models.HealthPing{EventMeta: meta}
	}
	return nil
}
