// Package dispatcher routes inbound cloud commands to the RTSP prober,
// ONVIF listener pool, stream manager and network scanner, enforcing
// per-command idempotency and reporting a terminal status back through
// the cloud client.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/devicestore"
	"github.com/technosupport/camguard/internal/onviflisten"
	"github.com/technosupport/camguard/internal/onvifsoap"
	"github.com/technosupport/camguard/internal/rtspprobe"
	"github.com/technosupport/camguard/internal/scanner"
	"github.com/technosupport/camguard/internal/streammgr"
)

// knownCommandTypes is the closed set of command types this agent can
// execute; anything else fails with "unknown command".
var knownCommandTypes = map[string]bool{
	"test_rtsp":          true,
	"start_stream":       true,
	"stop_stream":        true,
	"get_status":         true,
	"test_onvif":         true,
	"start_onvif_events": true,
	"stop_onvif_events":  true,
	"get_onvif_status":   true,
	"scan_network":       true,
}

// Dispatcher routes commands to the handlers owning each subsystem.
type Dispatcher struct {
	Reporter  *cloudclient.Client
	Streams   *streammgr.Manager
	ONVIFPool *onviflisten.Pool
	Dedup     *onviflisten.Dedup
	Devices   *devicestore.Store
	Scanner   *scanner.Scanner
	UserID    string

	OnEvent func(onviflisten.Event)
}

// Dispatch executes c, reporting status=executing up front and a terminal
// completed/failed status once the handler returns.
func (d *Dispatcher) Dispatch(ctx context.Context, c cloudclient.Command) {
	if d.Reporter != nil {
		if err := d.Reporter.ReportResult(ctx, c.ID, cloudclient.CommandResult{Status: "executing"}); err != nil {
			log.Printf("[dispatcher] failed to mark %s executing: %v", c.ID, err)
		}
	}

	result, err := d.execute(ctx, c)

	final := cloudclient.CommandResult{Status: "completed", Result: result}
	if err != nil {
		final.Status = "failed"
		final.Error = err.Error()
	}
	if d.Reporter != nil {
		if rerr := d.Reporter.ReportResult(ctx, c.ID, final); rerr != nil {
			log.Printf("[dispatcher] failed to report result for %s: %v", c.ID, rerr)
		}
	}
}

// execute recovers from any panic in a handler, reporting it as a failed
// command rather than crashing the agent.
func (d *Dispatcher) execute(ctx context.Context, c cloudclient.Command) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.Internal, fmt.Sprintf("panic: %v", r))
		}
	}()

	if !knownCommandTypes[c.Type] {
		return nil, apperr.New(apperr.InvalidInput, "unknown command")
	}

	switch c.Type {
	case "test_rtsp":
		return d.handleTestRTSP(ctx, c.Payload)
	case "start_stream":
		return d.handleStartStream(ctx, c.Payload)
	case "stop_stream":
		return d.handleStopStream(c.Payload)
	case "get_status":
		return d.handleGetStatus(c.Payload)
	case "test_onvif":
		return d.handleTestONVIF(ctx, c.Payload)
	case "start_onvif_events":
		return d.handleStartONVIFEvents(ctx, c.Payload)
	case "stop_onvif_events":
		return d.handleStopONVIFEvents(c.Payload)
	case "get_onvif_status":
		return d.handleGetONVIFStatus(c.Payload)
	case "scan_network":
		return d.handleScanNetwork(ctx, c.Payload)
	default:
		return nil, apperr.New(apperr.InvalidInput, "unknown command")
	}
}

func strField(payload map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func intField(payload map[string]interface{}, key string, def int) int {
	v, ok := payload[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

func boolField(payload map[string]interface{}, key string) bool {
	v, ok := payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (d *Dispatcher) handleTestRTSP(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	url := strField(payload, "rtsp_url")
	if url == "" {
		return nil, apperr.New(apperr.InvalidInput, "rtsp_url is required")
	}
	res, _ := rtspprobe.Probe(ctx, url, 5*time.Second)
	if d.Devices != nil {
		validated := ""
		if res.OK {
			validated = url
		}
		d.Devices.SetTestOutcome(d.UserID, cameraHostFromRTSP(url), res.Outcome, validated)
	}
	return map[string]interface{}{
		"ok":            res.OK,
		"outcome":       res.Outcome,
		"message":       res.Message,
		"requires_auth": res.RequiresAuth,
		"auth_type":     res.AuthType,
	}, nil
}

func (d *Dispatcher) handleStartStream(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	streamKey := strField(payload, "stream_key")
	rtspURL := strField(payload, "rtsp_url")
	if streamKey == "" || rtspURL == "" {
		return nil, apperr.New(apperr.InvalidInput, "stream_key and rtsp_url are required")
	}
	cameraName := strField(payload, "camera_name")

	alreadyRunning, err := d.Streams.Start(ctx, streamKey, rtspURL, cameraName)
	if err != nil {
		return nil, err
	}
	if alreadyRunning {
		return map[string]interface{}{"already_running": true}, nil
	}

	if boolField(payload, "enable_onvif_events") {
		ip := strField(payload, "camera_ip", "ip")
		if ip == "" {
			ip = cameraHostFromRTSP(rtspURL)
		}
		port := intField(payload, "onvif_port", 80)
		user := strField(payload, "onvif_username")
		pass := strField(payload, "onvif_password")
		if ip != "" {
			d.startONVIFListener(ctx, ip, cameraName, port, user, pass)
		}
	}

	return map[string]interface{}{"already_running": false}, nil
}

func (d *Dispatcher) handleStopStream(payload map[string]interface{}) (map[string]interface{}, error) {
	streamKey := strField(payload, "stream_key")
	if streamKey == "" {
		return nil, apperr.New(apperr.InvalidInput, "stream_key is required")
	}
	if err := d.Streams.Stop(streamKey); err != nil {
		return nil, err
	}
	if ip := strField(payload, "camera_ip"); ip != "" {
		d.ONVIFPool.RemoveCamera(ip)
	}
	return map[string]interface{}{"stopped": true}, nil
}

func (d *Dispatcher) handleGetStatus(payload map[string]interface{}) (map[string]interface{}, error) {
	streamKey := strField(payload, "stream_key")
	if streamKey == "" {
		return map[string]interface{}{"streams": d.Streams.Statuses()}, nil
	}
	st, ok := d.Streams.Get(streamKey)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "stream not found")
	}
	return map[string]interface{}{
		"state":      string(st.State()),
		"bytes_sent": st.BytesSent,
		"last_error": st.LastError,
	}, nil
}

func (d *Dispatcher) handleTestONVIF(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	ip, port, user, pass, err := onvifFields(payload)
	if err != nil {
		return nil, err
	}
	client := onvifsoap.New(ip, port, user, pass)
	caps, err := onviflisten.CheckCapabilities(ctx, client, "/onvif/events")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"pull_point_supported": caps.PullPoint,
		"basic_notification":   caps.BasicNotificationInterface,
		"persistent":           caps.PersistentNotification,
	}, nil
}

func (d *Dispatcher) handleStartONVIFEvents(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	ip, port, user, pass, err := onvifFields(payload)
	if err != nil {
		return nil, err
	}
	cameraName := strField(payload, "camera_name")
	return d.startONVIFListener(ctx, ip, cameraName, port, user, pass), nil
}

func (d *Dispatcher) startONVIFListener(ctx context.Context, ip, cameraName string, port int, user, pass string) map[string]interface{} {
	client := onvifsoap.New(ip, port, user, pass)
	listener := onviflisten.NewListener(ip, cameraName, "/onvif/events", client, d.Dedup, d.OnEvent)
	already := d.ONVIFPool.AddCamera(ctx, listener)
	return map[string]interface{}{"already_listening": already}
}

func (d *Dispatcher) handleStopONVIFEvents(payload map[string]interface{}) (map[string]interface{}, error) {
	ip := strField(payload, "camera_ip", "ip")
	if ip == "" {
		return nil, apperr.New(apperr.InvalidInput, "camera_ip is required")
	}
	d.ONVIFPool.RemoveCamera(ip)
	return map[string]interface{}{"stopped": true}, nil
}

func (d *Dispatcher) handleGetONVIFStatus(payload map[string]interface{}) (map[string]interface{}, error) {
	ip := strField(payload, "camera_ip", "ip")
	if ip == "" {
		return nil, apperr.New(apperr.InvalidInput, "camera_ip is required")
	}
	running, ok := d.ONVIFPool.Status(ip)
	if !ok {
		return map[string]interface{}{"listening": false}, nil
	}
	return map[string]interface{}{"listening": running}, nil
}

func (d *Dispatcher) handleScanNetwork(_ context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	cidr := strField(payload, "network_range", "cidr")
	if cidr == "" {
		return nil, apperr.New(apperr.InvalidInput, "network_range is required")
	}
	workers := intField(payload, "workers", 50)

	d.Devices.BeginScan(d.UserID)
	scanStart := time.Now()

	scanCtx := context.Background()
	go func() {
		err := d.Scanner.Scan(scanCtx, cidr, workers, func(rec scanner.DeviceRecord) {
			d.Devices.Upsert(d.UserID, rec)
		}, nil)
		if err != nil {
			log.Printf("[dispatcher] scan of %s ended: %v", cidr, err)
		}
	}()

	return map[string]interface{}{
		"started":    true,
		"cidr":       cidr,
		"started_at": scanStart,
	}, nil
}

func onvifFields(payload map[string]interface{}) (ip string, port int, user, pass string, err error) {
	ip = strField(payload, "camera_ip", "ip")
	if ip == "" {
		return "", 0, "", "", apperr.New(apperr.InvalidInput, "camera_ip is required")
	}
	port = intField(payload, "camera_port", 0)
	if port == 0 {
		port = intField(payload, "port", 80)
	}
	user = strField(payload, "username")
	pass = strField(payload, "password")
	return ip, port, user, pass, nil
}

// cameraHostFromRTSP extracts the bare host from an rtsp:// URL, used to key
// test_rtsp outcomes in the device store and when a start_stream command
// enables ONVIF events but omits camera_ip.
func cameraHostFromRTSP(rtspURL string) string {
	const prefix = "rtsp://"
	if len(rtspURL) <= len(prefix) {
		return ""
	}
	rest := rtspURL[len(prefix):]
	if i := indexAny(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := indexAny(rest, "/:"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func indexAny(s, chars string) int {
	for i, c := range s {
		for _, want := range chars {
			if c == want {
				return i
			}
		}
	}
	return -1
}
