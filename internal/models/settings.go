package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Setting keys recognized by the core. Values are stored as strings in the
// settings table and parsed through Settings.
const (
	KeyLowBatteryPercent        = "lowBatteryPercent"
	KeyDefaultMovementSpeedTier = "defaultMovementSpeedTier"
	KeyHomeBaseWaypoint         = "homeBaseWaypoint"
	KeyArrivalActionDelaySec    = "arrivalActionDelaySeconds"
	KeyTTSWaitSec               = "ttsWaitSeconds"
	KeyDisplayWaitSec           = "displayWaitSeconds"
	KeyWebviewCloseDelaySec     = "webviewCloseDelaySeconds"
	KeyDetectionTimeoutSec      = "detectionTimeoutSeconds"
	KeyNoViolationHoldSec       = "noViolationHoldSeconds"
	KeyHighViolationThreshold   = "highViolationThreshold"
	KeyPatrolStopHomeTimeoutSec = "patrolStopHomeTimeoutSeconds"
	KeyPatrolStopAlwaysSendHome = "patrolStopAlwaysSendHome"
	KeyYoloShutdownTimeoutSec   = "yoloShutdownTimeoutSeconds"
	KeyDebounceWindowSec        = "violationDebounceWindowSeconds"
	KeySmoothingFactor          = "violationSmoothingFactor"
	KeyOutlierZ                 = "outlierZ"
	KeyCloudTopics              = "cloudTopics"
	KeyLinkLostGraceSec         = "linkLostGraceSeconds"
	KeyArrivalTimeoutSec        = "arrivalTimeoutSeconds"
)

// Settings is the typed view over the settings table, resolved once per read.
type Settings struct {
	LowBatteryPercent        int
	DefaultMovementSpeedTier SpeedTier
	HomeBaseWaypoint         string
	ArrivalActionDelay       time.Duration
	TTSWait                  time.Duration
	DisplayWait              time.Duration
	WebviewCloseDelay        time.Duration
	DetectionTimeout         time.Duration
	NoViolationHold          time.Duration
	HighViolationThreshold   int
	PatrolStopHomeTimeout    time.Duration
	PatrolStopAlwaysSendHome bool
	YoloShutdownTimeout      time.Duration
	DebounceWindow           time.Duration
	SmoothingFactor          float64
	OutlierZ                 float64
	CloudTopics              []string
	LinkLostGrace            time.Duration
	ArrivalTimeout           time.Duration
}

// DefaultSettings returns the process defaults applied when a key is absent.
func DefaultSettings() Settings {
	return Settings{
		LowBatteryPercent:        15,
		DefaultMovementSpeedTier: SpeedMedium,
		HomeBaseWaypoint:         "home base",
		ArrivalActionDelay:       3 * time.Second,
		TTSWait:                  3 * time.Second,
		DisplayWait:              2 * time.Second,
		WebviewCloseDelay:        5 * time.Second,
		DetectionTimeout:         60 * time.Second,
		NoViolationHold:          10 * time.Second,
		HighViolationThreshold:   3,
		PatrolStopHomeTimeout:    30 * time.Second,
		PatrolStopAlwaysSendHome: false,
		YoloShutdownTimeout:      30 * time.Second,
		DebounceWindow:           10 * time.Second,
		SmoothingFactor:          0.4,
		OutlierZ:                 2.5,
		CloudTopics: []string{
			"yolo/violations/summary",
			"yolo/violations/counts",
			"yolo/violations/new",
		},
		LinkLostGrace:  30 * time.Second,
		ArrivalTimeout: 120 * time.Second,
	}
}

// SettingsFromMap overlays stored key/value pairs onto the defaults. Unknown
// keys are ignored so additive migrations stay compatible.
func SettingsFromMap(values map[string]string) Settings {
	s := DefaultSettings()
	for key, raw := range values {
		switch key {
		case KeyLowBatteryPercent:
			setInt(&s.LowBatteryPercent, raw)
		case KeyDefaultMovementSpeedTier:
			if tier := SpeedTier(raw); ValidSpeedTier(tier) {
				s.DefaultMovementSpeedTier = tier
			}
		case KeyHomeBaseWaypoint:
			if raw != "" {
				s.HomeBaseWaypoint = raw
			}
		case KeyArrivalActionDelaySec:
			setSeconds(&s.ArrivalActionDelay, raw)
		case KeyTTSWaitSec:
			setSeconds(&s.TTSWait, raw)
		case KeyDisplayWaitSec:
			setSeconds(&s.DisplayWait, raw)
		case KeyWebviewCloseDelaySec:
			setSeconds(&s.WebviewCloseDelay, raw)
		case KeyDetectionTimeoutSec:
			setSeconds(&s.DetectionTimeout, raw)
		case KeyNoViolationHoldSec:
			setSeconds(&s.NoViolationHold, raw)
		case KeyHighViolationThreshold:
			setInt(&s.HighViolationThreshold, raw)
		case KeyPatrolStopHomeTimeoutSec:
			setSeconds(&s.PatrolStopHomeTimeout, raw)
		case KeyPatrolStopAlwaysSendHome:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.PatrolStopAlwaysSendHome = b
			}
		case KeyYoloShutdownTimeoutSec:
			setSeconds(&s.YoloShutdownTimeout, raw)
		case KeyDebounceWindowSec:
			setSeconds(&s.DebounceWindow, raw)
		case KeySmoothingFactor:
			setFloat(&s.SmoothingFactor, raw)
		case KeyOutlierZ:
			setFloat(&s.OutlierZ, raw)
		case KeyCloudTopics:
			if topics := splitTopics(raw); len(topics) > 0 {
				s.CloudTopics = topics
			}
		case KeyLinkLostGraceSec:
			setSeconds(&s.LinkLostGrace, raw)
		case KeyArrivalTimeoutSec:
			setSeconds(&s.ArrivalTimeout, raw)
		}
	}
	return s
}

// ValidateSetting checks one key/value pair before it is persisted.
func ValidateSetting(key, value string) error {
	switch key {
	case KeyLowBatteryPercent:
		return requireIntRange(key, value, 0, 100)
	case KeyDefaultMovementSpeedTier:
		if !ValidSpeedTier(SpeedTier(value)) {
			return fmt.Errorf("%s: must be low, medium, or high", key)
		}
	case KeyHighViolationThreshold:
		return requireIntRange(key, value, 1, 1000)
	case KeyArrivalActionDelaySec, KeyTTSWaitSec, KeyDisplayWaitSec,
		KeyWebviewCloseDelaySec, KeyNoViolationHoldSec,
		KeyPatrolStopHomeTimeoutSec, KeyYoloShutdownTimeoutSec,
		KeyDebounceWindowSec, KeyLinkLostGraceSec, KeyArrivalTimeoutSec:
		return requireIntRange(key, value, 0, 86400)
	case KeyDetectionTimeoutSec:
		return requireIntRange(key, value, 5, 86400)
	case KeyPatrolStopAlwaysSendHome:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s: must be a boolean", key)
		}
	case KeySmoothingFactor:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f > 1 {
			return fmt.Errorf("%s: must be in (0,1]", key)
		}
	case KeyOutlierZ:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("%s: must be positive", key)
		}
	case KeyHomeBaseWaypoint, KeyCloudTopics:
		// free-form
	}
	return nil
}

func requireIntRange(key, value string, min, max int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: must be an integer", key)
	}
	if n < min || n > max {
		return fmt.Errorf("%s: must be between %d and %d", key, min, max)
	}
	return nil
}

func setInt(dst *int, raw string) {
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func setSeconds(dst *time.Duration, raw string) {
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		*dst = time.Duration(n) * time.Second
	}
}

func setFloat(dst *float64, raw string) {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = f
	}
}

func splitTopics(raw string) []string {
	var topics []string
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
