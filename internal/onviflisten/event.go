package onviflisten

import "time"

// Event is the parsed, classified form of one ONVIF notification.
type Event struct {
	EventType  string
	Topic      string
	Source     string
	Payload    map[string]string
	Severity   string
	CameraIP   string
	CameraName string
	OccurredAt time.Time
}
