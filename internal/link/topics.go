package link

import (
	"fmt"
	"strings"
)

// Topic layout on the robot broker. The serial-prefixed structure is the wire
// contract with the on-robot app and must not change:
//
//	temi/{serial}/command/{category}/{action}   outbound
//	temi/{serial}/status/...                    inbound
//	temi/{serial}/event/...                     inbound
//	temi/{serial}/location/...                  inbound
//	temi/{serial}/health/...                    inbound
const topicRoot = "temi"

// Category groups outbound robot commands.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryAudio      Category = "audio"
	CategoryUI         Category = "ui"
	CategorySensor     Category = "sensor"
	CategoryInfo       Category = "info"
	CategorySettings   Category = "settings"
	CategoryMap        Category = "map"
	CategoryNavigation Category = "navigation"
	CategoryMedia      Category = "media"
)

// Class is the inbound topic family.
type Class string

const (
	ClassStatus   Class = "status"
	ClassEvent    Class = "event"
	ClassLocation Class = "location"
	ClassHealth   Class = "health"
)

// CommandTopic builds the outbound topic for one robot command.
func CommandTopic(serial string, category Category, action string) string {
	return fmt.Sprintf("%s/%s/command/%s/%s", topicRoot, serial, category, action)
}

// InboundFilter returns the wildcard filter covering one inbound subtree for
// a robot.
func InboundFilter(serial string, class Class) string {
	return fmt.Sprintf("%s/%s/%s/#", topicRoot, serial, class)
}

// InboundClasses lists every inbound subtree a robot link subscribes to.
func InboundClasses() []Class {
	return []Class{ClassStatus, ClassEvent, ClassLocation, ClassHealth}
}

// ParsedTopic is the decomposition of one inbound robot topic.
type ParsedTopic struct {
	Serial string
	Class  Class
	// Path is the remainder after the class, e.g. "utils/battery" for
	// temi/{serial}/status/utils/battery.
	Path string
}

// ParseInbound decodes an inbound robot topic. It returns false for topics
// outside the temi convention, including our own outbound command topics.
func ParseInbound(topic string) (ParsedTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != topicRoot {
		return ParsedTopic{}, false
	}
	serial := parts[1]
	if serial == "" {
		return ParsedTopic{}, false
	}
	class := Class(parts[2])
	switch class {
	case ClassStatus, ClassEvent, ClassLocation, ClassHealth:
	default:
		return ParsedTopic{}, false
	}
	return ParsedTopic{
		Serial: serial,
		Class:  class,
		Path:   strings.Join(parts[3:], "/"),
	}, true
}
