package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/devicestore"
	"github.com/technosupport/camguard/internal/dispatcher"
	"github.com/technosupport/camguard/internal/eventbuffer"
	"github.com/technosupport/camguard/internal/onviflisten"
	"github.com/technosupport/camguard/internal/scanner"
	"github.com/technosupport/camguard/internal/streammgr"
)

// fakeCloud is an httptest-backed cloud: it registers the agent, hands out
// one get_status command on the first heartbeat, and records every command
// status patch it receives.
type fakeCloud struct {
	mu             sync.Mutex
	commandPatches []string
	heartbeats     int
	srv            *httptest.Server
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/agent/register":
			json.NewEncoder(w).Encode(map[string]string{
				"agent_id":  "agent-1",
				"client_id": "client-1",
				"user_id":   "user-1",
			})
		case r.URL.Path == "/api/agent/heartbeat":
			fc.mu.Lock()
			fc.heartbeats++
			first := fc.heartbeats == 1
			fc.mu.Unlock()
			if first {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"commands": []map[string]interface{}{
						{"id": "cmd-1", "type": "get_status", "payload": map[string]interface{}{}},
					},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"commands": []interface{}{}})
		case strings.HasPrefix(r.URL.Path, "/api/agent/commands/"):
			var body struct {
				Status string `json:"status"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			fc.mu.Lock()
			fc.commandPatches = append(fc.commandPatches, body.Status)
			fc.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/agent/events":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCloud) patches() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]string, len(fc.commandPatches))
	copy(out, fc.commandPatches)
	return out
}

func newTestOrchestrator(fc *fakeCloud) (*Orchestrator, *cloudclient.Client) {
	cloud := cloudclient.New(fc.srv.URL, "test-token")
	streams := streammgr.NewManager("ws://localhost:8090")
	pool := onviflisten.NewPool()
	buffer := eventbuffer.New(0, cloud)
	disp := &dispatcher.Dispatcher{
		Reporter:  cloud,
		Streams:   streams,
		ONVIFPool: pool,
		Dedup:     onviflisten.NewDedup(),
		Devices:   devicestore.New(),
		Scanner:   scanner.New(),
		OnEvent:   buffer.Append,
	}
	orch := New(Options{
		Cloud:             cloud,
		Streams:           streams,
		ONVIFPool:         pool,
		Buffer:            buffer,
		Dispatcher:        disp,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	return orch, cloud
}

func TestRun_RegistersAndDispatchesPendingCommands(t *testing.T) {
	fc := newFakeCloud(t)
	orch, cloud := newTestOrchestrator(fc)

	var readyOnce sync.Once
	readyCh := make(chan struct{})
	orch.opts.OnReady = func() { readyOnce.Do(func() { close(readyCh) }) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	select {
	case <-readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator never became ready")
	}
	assert.Equal(t, "user-1", cloud.UserID)

	// The immediate first heartbeat carries the pending command; wait for
	// its executing -> completed patch sequence.
	require.Eventually(t, func() bool {
		p := fc.patches()
		return len(p) >= 2 && p[0] == "executing" && p[len(p)-1] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}
}

func TestRun_RegistrationFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cloud := cloudclient.New(srv.URL, "test-token")
	orch := New(Options{
		Cloud:      cloud,
		Streams:    streammgr.NewManager(""),
		ONVIFPool:  onviflisten.NewPool(),
		Buffer:     eventbuffer.New(0, cloud),
		Dispatcher: &dispatcher.Dispatcher{Reporter: cloud},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := orch.Run(ctx)
	require.Error(t, err)
}

func TestCollectHostInfo(t *testing.T) {
	info := collectHostInfo()
	assert.NotEmpty(t, info.OSInfo)
}
