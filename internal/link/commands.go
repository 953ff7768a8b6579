package link

import (
	"unicode/utf8"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// Command helpers. Each wraps Publish with the wire category/action and a
// clamped payload so callers never hand-build topics.

// GoTo sends the robot to a named waypoint.
func (l *RobotLink) GoTo(waypoint string) error {
	if waypoint == "" {
		return errors.Validationf("goto", "waypoint must not be empty")
	}
	return l.Publish(CategoryNavigation, "goto", map[string]string{"location": waypoint})
}

// GoHome sends the robot to its configured home waypoint.
func (l *RobotLink) GoHome() error {
	if l.robot.HomeWaypoint == "" {
		return errors.Validationf("go_home", "robot %s has no home waypoint", l.robot.Serial)
	}
	return l.GoTo(l.robot.HomeWaypoint)
}

// Stop cancels the robot's current movement.
func (l *RobotLink) Stop() error {
	return l.Publish(CategoryNavigation, "stop", map[string]string{})
}

// Speak plays text-to-speech on the robot. Text is truncated to 200 runes so
// a multi-byte character is never split on the wire.
func (l *RobotLink) Speak(text string) error {
	if utf8.RuneCountInString(text) > 200 {
		text = string([]rune(text)[:200])
	}
	return l.Publish(CategoryAudio, "tts", map[string]string{"text": text})
}

// SetVolume sets the speaker volume, clamped to 0..10.
func (l *RobotLink) SetVolume(volume int) error {
	return l.Publish(CategoryAudio, "volume", map[string]int{"volume": clampInt(volume, 0, 10)})
}

// ShowWebview opens a fullscreen webview on the robot's display.
func (l *RobotLink) ShowWebview(url string) error {
	if url == "" {
		return errors.Validationf("show_webview", "url must not be empty")
	}
	return l.Publish(CategoryUI, "webview", map[string]string{"url": url})
}

// CloseWebview dismisses the robot's webview.
func (l *RobotLink) CloseWebview() error {
	return l.Publish(CategoryUI, "webview_close", map[string]string{})
}

// PlayVideo plays a video fullscreen on the robot's display.
func (l *RobotLink) PlayVideo(url string) error {
	if url == "" {
		return errors.Validationf("play_video", "url must not be empty")
	}
	return l.Publish(CategoryMedia, "video", map[string]string{"url": url})
}

// SetGoToSpeed sets the navigation speed tier.
func (l *RobotLink) SetGoToSpeed(tier models.SpeedTier) error {
	if !models.ValidSpeedTier(tier) {
		return errors.Validationf("set_goto_speed", "invalid speed tier %q", tier)
	}
	return l.Publish(CategorySettings, "goto_speed", map[string]string{"speed": string(tier)})
}

// Tilt sets the head tilt angle, clamped to −25..60 degrees.
func (l *RobotLink) Tilt(degrees int) error {
	return l.Publish(CategoryNavigation, "tilt", map[string]int{"angle": clampInt(degrees, -25, 60)})
}

// TiltBy adjusts the head tilt by a relative angle.
func (l *RobotLink) TiltBy(degrees int) error {
	return l.Publish(CategoryNavigation, "tilt_by", map[string]int{"angle": clampInt(degrees, -25, 60)})
}

// Turn rotates the robot in place, clamped to −360..360 degrees.
func (l *RobotLink) Turn(degrees int) error {
	return l.Publish(CategoryNavigation, "turn_by", map[string]int{"angle": clampInt(degrees, -360, 360)})
}

// Joystick drives the robot manually.
func (l *RobotLink) Joystick(x, y, theta float64) error {
	return l.Publish(CategoryNavigation, "joystick", map[string]float64{
		"x": x, "y": y, "theta": theta,
	})
}

// RequestWaypoints asks the robot to publish its saved waypoint list.
func (l *RobotLink) RequestWaypoints() error {
	return l.Publish(CategoryMap, "waypoints", map[string]string{})
}

// RequestBattery asks the robot to publish a battery reading.
func (l *RobotLink) RequestBattery() error {
	return l.Publish(CategoryInfo, "battery", map[string]string{})
}

// RequestPosition asks the robot to publish its current pose.
func (l *RobotLink) RequestPosition() error {
	return l.Publish(CategoryInfo, "position", map[string]string{})
}

// RequestMapImage asks the robot to publish its map image in chunks.
func (l *RobotLink) RequestMapImage(format string, chunkSize int) error {
	if chunkSize <= 0 {
		return errors.Validationf("request_map_image", "chunk size must be positive")
	}
	return l.Publish(CategoryMap, "image", map[string]interface{}{
		"format":     format,
		"chunk_size": chunkSize,
	})
}

// Restart reboots the robot app.
func (l *RobotLink) Restart() error {
	return l.Publish(CategorySystem, "restart", map[string]string{})
}

// Shutdown powers the robot down.
func (l *RobotLink) Shutdown() error {
	return l.Publish(CategorySystem, "shutdown", map[string]string{})
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
