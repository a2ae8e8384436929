package onviflisten

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/onvifsoap"
)

func TestClassifyTopic(t *testing.T) {
	cases := []struct {
		topic     string
		eventType string
		severity  string
	}{
		{"tns1:VideoSource/MotionAlarm", "motion_detection", "info"},
		{"tns1:VideoSource/GlobalSceneChange/ImagingService/Tamper", "tampering", "critical"},
		{"tns1:RuleEngine/LineDetector/LineCrossing", "line_crossing", "warning"},
		{"tns1:RuleEngine/FieldDetector/Intrusion", "intrusion_detection", "warning"},
		{"tns1:RuleEngine/FaceDetector/Face", "face_detection", "info"},
		{"tns1:RuleEngine/ObjectDetector/Vehicle", "object_detection", "info"},
		{"tns1:VideoAnalytics/Analytics", "analytics_event", "info"},
		{"tns1:VideoSource/VideoLoss", "video_loss", "critical"},
		{"tns1:Storage/Failure", "storage_event", "info"},
		{"tns1:Device/Trigger/DigitalInput", "alarm_input", "warning"},
		{"tns1:Monitoring/Connection", "connection_event", "info"},
		{"tns1:SomethingUnheardOf", "generic_event", "info"},
	}

	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			et := classifyTopic(tc.topic)
			assert.Equal(t, tc.eventType, et)
			assert.Equal(t, tc.severity, severityForEventType(et))
		})
	}
}

// Classification is deterministic: the same topic always maps to the same
// event type and severity, regardless of call order.
func TestClassifyTopic_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, "motion_detection", classifyTopic("tns1:VideoSource/MotionAlarm"))
	}
}

func TestDedup_SuppressesWithinWindow(t *testing.T) {
	d := NewDedup()

	assert.False(t, d.IsDuplicate("10.0.0.5", "tns1:VideoSource/MotionAlarm"))
	assert.True(t, d.IsDuplicate("10.0.0.5", "tns1:VideoSource/MotionAlarm"))

	// A different key is independent.
	assert.False(t, d.IsDuplicate("10.0.0.6", "tns1:VideoSource/MotionAlarm"))
	assert.False(t, d.IsDuplicate("10.0.0.5", "tns1:VideoSource/VideoLoss"))
}

func TestDedup_ExpiresAfterWindow(t *testing.T) {
	d := NewDedup()
	d.ttl = 20 * time.Millisecond

	assert.False(t, d.IsDuplicate("10.0.0.5", "topic"))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, d.IsDuplicate("10.0.0.5", "topic"))
}

const samplePullResponse = `<?xml version="1.0"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope" xmlns:tev="http://www.onvif.org/ver10/events/wsdl" xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2" xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>
    <tev:PullMessagesResponse>
      <tev:CurrentTime>2024-05-01T12:00:05Z</tev:CurrentTime>
      <wsnt:NotificationMessage>
        <wsnt:Topic Dialect="http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet">tns1:VideoSource/MotionAlarm</wsnt:Topic>
        <wsnt:Message>
          <tt:Message UtcTime="2024-05-01T12:00:04Z">
            <tt:Source>
              <tt:SimpleItem Name="VideoSourceConfigurationToken" Value="VideoSourceToken"/>
            </tt:Source>
            <tt:Data>
              <tt:SimpleItem Name="State" Value="true"/>
            </tt:Data>
          </tt:Message>
        </wsnt:Message>
      </wsnt:NotificationMessage>
    </tev:PullMessagesResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func TestParseNotifications(t *testing.T) {
	events := ParseNotifications([]byte(samplePullResponse), "10.0.0.5", "Front Door")
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "motion_detection", ev.EventType)
	assert.Equal(t, "tns1:VideoSource/MotionAlarm", ev.Topic)
	assert.Equal(t, "VideoSourceToken", ev.Source)
	assert.Equal(t, "true", ev.Payload["State"])
	assert.Equal(t, "info", ev.Severity)
	assert.Equal(t, "10.0.0.5", ev.CameraIP)
	assert.Equal(t, "Front Door", ev.CameraName)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 4, 0, time.UTC), ev.OccurredAt)
}

func TestParseNotifications_MalformedBody(t *testing.T) {
	assert.Nil(t, ParseNotifications([]byte("not xml at all"), "10.0.0.5", ""))
}

// A fault mentioning subscription limits aborts immediately: no further
// body variants are tried and the error carries the subscription_limit kind.
func TestCreatePullPointSubscription_LimitAbortsWithoutRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault><soap:Reason><soap:Text>The maximum number of subscriptions has been reached</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := CreatePullPointSubscription(context.Background(), client, "/onvif/events")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SubscriptionLimit))
	assert.Equal(t, 1, calls)
}

func TestCreatePullPointSubscription_FirstVariantWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:tev="http://www.onvif.org/ver10/events/wsdl" xmlns:wsa="http://www.w3.org/2005/08/addressing"><soap:Body><tev:CreatePullPointSubscriptionResponse><tev:SubscriptionReference><wsa:Address>http://10.0.0.5/onvif/Subscription?Idx=0</wsa:Address></tev:SubscriptionReference></tev:CreatePullPointSubscriptionResponse></soap:Body></soap:Envelope>`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	ref, err := CreatePullPointSubscription(context.Background(), client, "/onvif/events")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5/onvif/Subscription?Idx=0", ref)
}

func TestPool_AddCameraIdempotent(t *testing.T) {
	pool := NewPool()
	client := onvifsoap.New("10.0.0.5", 80, "admin", "admin")
	l := NewListener("10.0.0.5", "Front Door", "/onvif/events", client, NewDedup(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	already := pool.AddCamera(ctx, l)
	assert.False(t, already)
	require.True(t, l.Running())

	dup := NewListener("10.0.0.5", "Front Door", "/onvif/events", client, NewDedup(), nil)
	already = pool.AddCamera(ctx, dup)
	assert.True(t, already)
	assert.False(t, dup.Running())

	running, ok := pool.Status("10.0.0.5")
	assert.True(t, ok)
	assert.True(t, running)

	pool.RemoveCamera("10.0.0.5")
	_, ok = pool.Status("10.0.0.5")
	assert.False(t, ok)
	assert.False(t, l.Running())
}

func TestPool_StopAll(t *testing.T) {
	pool := NewPool()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, ip := range []string{"10.0.0.5", "10.0.0.6"} {
		client := onvifsoap.New(ip, 80, "admin", "admin")
		pool.AddCamera(ctx, NewListener(ip, "", "/onvif/events", client, NewDedup(), nil))
	}

	pool.StopAll()
	assert.Empty(t, pool.Statuses())
}

func newTestClient(t *testing.T, url string) *onvifsoap.Client {
	t.Helper()
	trimmed := strings.TrimPrefix(url, "http://")
	host, portStr, err := net.SplitHostPort(trimmed)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return onvifsoap.New(host, port, "admin", "admin")
}
