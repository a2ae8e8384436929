// Package onviflisten implements per-camera PullPoint subscription
// lifecycle, event parsing and classification, cooldown dedup, and a
// process-wide listener pool.
package onviflisten

import "strings"

// classifyTopic maps a topic string to an event type via case-insensitive
// substring match.
func classifyTopic(topic string) string {
	lower := strings.ToLower(topic)

	switch {
	case strings.Contains(lower, "motion"):
		return "motion_detection"
	case strings.Contains(lower, "tamper"):
		return "tampering"
	case strings.Contains(lower, "linecrossing") || strings.Contains(lower, "line_crossing") || strings.Contains(lower, "line crossing"):
		return "line_crossing"
	case strings.Contains(lower, "intrusion"):
		return "intrusion_detection"
	case strings.Contains(lower, "face"):
		return "face_detection"
	case strings.Contains(lower, "object"):
		return "object_detection"
	case strings.Contains(lower, "analytics"):
		return "analytics_event"
	case strings.Contains(lower, "videoloss") || strings.Contains(lower, "video_loss") || strings.Contains(lower, "video loss"):
		return "video_loss"
	case strings.Contains(lower, "storage"):
		return "storage_event"
	case strings.Contains(lower, "alarminput") || strings.Contains(lower, "alarm_input") || strings.Contains(lower, "alarm input") || strings.Contains(lower, "digitalinput"):
		return "alarm_input"
	case strings.Contains(lower, "connection"):
		return "connection_event"
	default:
		return "generic_event"
	}
}

// severityForEventType maps an event_type to a severity.
func severityForEventType(eventType string) string {
	switch eventType {
	case "tampering", "video_loss":
		return "critical"
	case "intrusion_detection", "line_crossing", "alarm_input":
		return "warning"
	default:
		return "info"
	}
}

// CriticalEventTypes lists the event types that trigger an immediate event
// buffer flush. The eventbuffer package keeps its own copy of this set and
// does not read this variable.
var CriticalEventTypes = map[string]bool{
	"tampering":           true,
	"video_loss":          true,
	"intrusion_detection": true,
}
