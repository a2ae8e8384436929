// Package cloudclient talks to the cloud backend:
// registration, heartbeats with pending-command poll, command-result
// reporting, and batched event upload, all carrying the device token as a
// single opaque bearer header.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/camguard/internal/apperr"
)

const (
	registerTimeout  = 15 * time.Second
	heartbeatTimeout = 15 * time.Second
	resultTimeout    = 10 * time.Second
	uploadTimeout    = 10 * time.Second

	maxCommandsPerHeartbeat = 10
	maxEventsPerBatch       = 50
)

// Client talks to the cloud backend over HTTPS, carrying DeviceToken as a
// bearer-style header on every call.
type Client struct {
	BaseURL     string
	DeviceToken string
	httpCli     *http.Client

	AgentID  string
	ClientID string
	UserID   string
}

func New(baseURL, deviceToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		DeviceToken: deviceToken,
		httpCli:     &http.Client{},
	}
}

// RegisterResponse is the payload returned by a successful registration.
type RegisterResponse struct {
	AgentID     string `json:"agent_id"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	SupabaseURL string `json:"supabase_url"`
	AnonKey     string `json:"anon_key"`
}

// HostInfo describes the machine the agent is running on, sent with
// registration and every heartbeat.
type HostInfo struct {
	LocalIP         string `json:"local_ip"`
	Hostname        string `json:"hostname"`
	OSInfo          string `json:"os_info"`
	FFmpegInstalled bool   `json:"ffmpeg_installed"`
}

// Register is required before any other call; the returned identifiers are
// cached on the Client for convenience.
func (c *Client) Register(ctx context.Context, host HostInfo) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.doJSON(ctx, registerTimeout, http.MethodPost, "/api/agent/register", host, &out)
	if err != nil {
		return RegisterResponse{}, err
	}
	c.AgentID, c.ClientID, c.UserID = out.AgentID, out.ClientID, out.UserID
	return out, nil
}

// Command is one pending command returned by Heartbeat.
type Command struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// HeartbeatRequest is the body sent on every heartbeat tick.
type HeartbeatRequest struct {
	HostInfo       // embeds local_ip, hostname, os_info, ffmpeg_installed
	ClientID       string            `json:"client_id"`
	ActiveStreams  []string          `json:"active_streams"`
	NetworkRange   string            `json:"network_range"`
	StreamStatuses map[string]string `json:"stream_statuses,omitempty"`
	ONVIFStatuses  map[string]string `json:"onvif_statuses,omitempty"`
}

// Heartbeat reports current status and returns at most 10 pending
// commands, in created_at ascending order.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.doJSON(ctx, heartbeatTimeout, http.MethodPost, "/api/agent/heartbeat", req, &out); err != nil {
		return nil, err
	}
	if len(out.Commands) > maxCommandsPerHeartbeat {
		out.Commands = out.Commands[:maxCommandsPerHeartbeat]
	}
	return out.Commands, nil
}

// CommandResult is the PATCH body reported back for one command.
type CommandResult struct {
	Status string                 `json:"status"` // executing|completed|failed
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// ReportResult patches a command's status: executing, then the terminal
// completed or failed.
func (c *Client) ReportResult(ctx context.Context, commandID string, result CommandResult) error {
	path := fmt.Sprintf("/api/agent/commands/%s", commandID)
	return c.doJSON(ctx, resultTimeout, http.MethodPatch, path, result, nil)
}

// EventPayload is one event in an upload batch.
type EventPayload struct {
	EventType  string        `json:"event_type"`
	CameraIP   string        `json:"camera_ip"`
	CameraName string        `json:"camera_name"`
	Severity   string        `json:"severity"`
	Message    string        `json:"message"`
	Metadata   EventMetadata `json:"metadata"`
	CameraID   string        `json:"camera_id,omitempty"`
}

// EventMetadata is the nested metadata object of an event upload payload.
type EventMetadata struct {
	Topic     string            `json:"topic"`
	Source    string            `json:"source"`
	Data      map[string]string `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// UploadEvents sends up to 50 events in a single batch; callers are
// responsible for chunking larger slices; the event buffer does.
func (c *Client) UploadEvents(ctx context.Context, events []EventPayload) error {
	if len(events) > maxEventsPerBatch {
		return apperr.New(apperr.InvalidInput, fmt.Sprintf("batch of %d exceeds max %d", len(events), maxEventsPerBatch))
	}
	body := struct {
		Events []EventPayload `json:"events"`
	}{Events: events}
	return c.doJSON(ctx, uploadTimeout, http.MethodPost, "/api/agent/events", body, nil)
}

// doJSON performs one HTTP call, marshaling reqBody (if non-nil), carrying
// the device token header, and unmarshaling into out (if non-nil and the
// response is non-empty). A 4xx surfaces its "message" field as the error;
// a 5xx is returned as a retryable network_unreachable-classed error,
// leaving retry cadence to the caller's own loop.
func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method, path string, reqBody, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "marshal request", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "build request", err)
	}
	req.Header.Set("X-Device-Token", c.DeviceToken)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.Timeout, "request timed out", err)
		}
		return apperr.Wrap(apperr.NetworkUnreachable, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.NetworkUnreachable, "read response", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg := extractMessage(data)
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return apperr.New(apperr.InvalidInput, msg)
	}
	if resp.StatusCode >= 500 {
		return apperr.New(apperr.NetworkUnreachable, fmt.Sprintf("server error %d", resp.StatusCode))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return apperr.Wrap(apperr.ProtocolError, "decode response", err)
		}
	}
	return nil
}

func extractMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil {
		return m.Message
	}
	return ""
}
