package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/telemetry"
)

// cloudPayload tolerates the variations the vision pipeline publishes.
type cloudPayload struct {
	TotalViolations int              `json:"total_violations"`
	TotalPeople     int              `json:"total_people"`
	Viewports       models.Viewports `json:"viewports"`
	Timestamp       string           `json:"timestamp"`
	Location        string           `json:"location"`
	Kind            string           `json:"kind"`
	Confidence      float64          `json:"confidence"`
}

func (p cloudPayload) observedAt() time.Time {
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		return t
	}
	return time.Now()
}

// HandleCloudMessage ingests one message from the shared detection bus.
// Summary and count events become detection samples for active executors;
// standalone violation events are persisted directly.
func (r *Router) HandleCloudMessage(topic string, payload []byte) {
	var body cloudPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		r.log.Debug().Str("topic", topic).Msg("Undecodable cloud payload dropped")
		return
	}

	at := body.observedAt()
	summary := models.DetectionSummary{
		TotalViolations: body.TotalViolations,
		TotalPeople:     body.TotalPeople,
		Viewports:       body.Viewports,
		Timestamp:       at,
		Location:        body.Location,
	}

	switch {
	case strings.HasSuffix(topic, "/summary"):
		r.bus.Publish(bus.TopicDetectionSummary, summary)
		r.deliverSample(summary, at)
	case strings.HasSuffix(topic, "/counts"):
		r.bus.Publish(bus.TopicDetectionCounts, summary)
		r.deliverSample(summary, at)
	case strings.HasSuffix(topic, "/new"):
		r.recordCloudViolation(body, at)
	default:
		r.bus.Publish(bus.TopicMQTTMessage, map[string]interface{}{
			"topic": topic, "payload": string(payload),
		})
	}
}

func (r *Router) deliverSample(summary models.DetectionSummary, at time.Time) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}
	sink.DeliverDetection(models.DetectionSample{
		EventMeta:  models.Meta("", at),
		People:     summary.TotalPeople,
		Violations: summary.TotalViolations,
		Location:   summary.Location,
	})
}

// recordCloudViolation persists a violation that arrived outside any patrol.
func (r *Router) recordCloudViolation(body cloudPayload, at time.Time) {
	settings, err := r.store.ResolveSettings()
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to resolve settings for cloud violation")
		return
	}

	kind := body.Kind
	if kind == "" {
		kind = "detection"
	}
	violation := &models.Violation{
		Location:    body.Location,
		Kind:        kind,
		Count:       body.TotalViolations,
		PeopleCount: body.TotalPeople,
		Confidence:  body.Confidence,
		ObservedAt:  at,
	}
	if details, err := json.Marshal(body.Viewports); err == nil {
		violation.Details = string(details)
	}

	if err := r.store.RecordViolation(violation, settings.HighViolationThreshold); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist cloud violation")
		return
	}
	telemetry.Get().ViolationRecorded(string(violation.Severity))
	r.bus.Publish(bus.TopicViolationNew, violation)
}
