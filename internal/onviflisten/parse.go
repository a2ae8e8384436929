package onviflisten

import (
	"encoding/xml"
	"strings"
	"time"
)

// pullMessagesResponse is a namespace-lax shape covering the handful of
// prefix variants real NVR firmware emits for NotificationMessage elements
// (tev:, wsnt:, or no prefix at all all parse into the same Go fields
// because encoding/xml matches on local name by default when no explicit
// namespace is given here).
type pullMessagesResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		PullMessagesResponse struct {
			NotificationMessage []notificationMessage `xml:"NotificationMessage"`
		} `xml:"PullMessagesResponse"`
	} `xml:"Body"`
}

type notificationMessage struct {
	Topic   string `xml:"Topic"`
	Message struct {
		Message struct {
			Source struct {
				SimpleItem []simpleItem `xml:"SimpleItem"`
			} `xml:"Source"`
			Data struct {
				SimpleItem []simpleItem `xml:"SimpleItem"`
			} `xml:"Data"`
			UTCTime string `xml:"UtcTime,attr"`
		} `xml:"Message"`
	} `xml:"Message"`
}

type simpleItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

// ParseNotifications parses a PullMessages response body into Events,
// classifying and severity-tagging each one. cameraIP/cameraName are
// stamped onto every event since the wire payload does not self-identify
// its camera.
func ParseNotifications(body []byte, cameraIP, cameraName string) []Event {
	var resp pullMessagesResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil
	}

	var events []Event
	for _, nm := range resp.Body.PullMessagesResponse.NotificationMessage {
		topic := strings.TrimSpace(nm.Topic)
		eventType := classifyTopic(topic)

		payload := map[string]string{}
		var source string
		for _, si := range nm.Message.Message.Source.SimpleItem {
			payload["source_"+si.Name] = si.Value
			if source == "" {
				source = si.Value
			}
		}
		for _, si := range nm.Message.Message.Data.SimpleItem {
			payload[si.Name] = si.Value
		}

		occurred := time.Now().UTC()
		if nm.Message.Message.UTCTime != "" {
			if t, err := time.Parse(time.RFC3339, nm.Message.Message.UTCTime); err == nil {
				occurred = t
			}
		}

		events = append(events, Event{
			EventType:  eventType,
			Topic:      topic,
			Source:     source,
			Payload:    payload,
			Severity:   severityForEventType(eventType),
			CameraIP:   cameraIP,
			CameraName: cameraName,
			OccurredAt: occurred,
		})
	}
	return events
}
