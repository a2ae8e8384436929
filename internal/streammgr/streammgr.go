// Package streammgr owns the Stream descriptor data model and
// drives its state machine by wiring the Transcoder Supervisor
// (E) to the Uplink Streamer (F) for each active stream_key.
package streammgr

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/camguard/internal/apperr"
	"github.com/technosupport/camguard/internal/metrics"
	"github.com/technosupport/camguard/internal/transcoder"
	"github.com/technosupport/camguard/internal/uplink"
)

// State is one of the stream descriptor's lifecycle states.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Stream is the in-memory stream descriptor.
type Stream struct {
	StreamKey  string
	RTSPURL    string
	CameraName string
	StartedAt  time.Time
	BytesSent  int64
	LastError  string

	mu    sync.Mutex
	state State

	proc     *transcoder.Process
	streamer *uplink.Streamer
	cancel   context.CancelFunc
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.StreamStateTransitionsTotal.WithLabelValues(string(st)).Inc()
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager owns all active streams, keyed by stream_key. It is the sole
// owner of each stream's transcoder process and uplink socket.
type Manager struct {
	RelayBase string

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewManager(relayBase string) *Manager {
	return &Manager{RelayBase: relayBase, streams: map[string]*Stream{}}
}

// Start launches a new stream, or reports already_running if streamKey is
// already active.
func (m *Manager) Start(ctx context.Context, streamKey, rtspURL, cameraName string) (alreadyRunning bool, err error) {
	m.mu.Lock()
	if existing, ok := m.streams[streamKey]; ok && existing.State() != StateStopped && existing.State() != StateError {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	st := &Stream{
		StreamKey:  streamKey,
		RTSPURL:    rtspURL,
		CameraName: cameraName,
		StartedAt:  time.Now(),
		state:      StateStarting,
		cancel:     cancel,
	}

	m.mu.Lock()
	m.streams[streamKey] = st
	m.mu.Unlock()
	metrics.StreamStateTransitionsTotal.WithLabelValues(string(StateStarting)).Inc()

	proc, err := transcoder.Start(streamCtx, streamKey, rtspURL)
	if err != nil {
		st.LastError = err.Error()
		st.setState(StateError)
		cancel()
		return false, err
	}
	st.proc = proc

	streamer := uplink.New(streamKey, m.RelayBase, proc,
		func(n int64) { st.BytesSent = n },
		func(state string) {
			if state == "running" {
				st.setState(StateRunning)
			}
		},
	)
	st.streamer = streamer
	streamer.Start(streamCtx)

	go m.watchExit(streamKey, st, streamCtx)

	return false, nil
}

// watchExit transitions running -> error when the transcoder exits with a
// non-zero status outside of an explicit stop.
func (m *Manager) watchExit(streamKey string, st *Stream, ctx context.Context) {
	select {
	case <-st.proc.Exited():
	case <-ctx.Done():
		return
	}
	if st.State() == StateStopped {
		return
	}
	if err := st.proc.ExitErr(); err != nil {
		st.LastError = err.Error()
		log.Printf("[streammgr] %s: transcoder exited: %v", streamKey, err)
		st.setState(StateError)
	}
}

// Stop terminates streamKey's transcoder and uplink, returning not_found
// if no such stream exists.
func (m *Manager) Stop(streamKey string) error {
	m.mu.Lock()
	st, ok := m.streams[streamKey]
	if ok {
		delete(m.streams, streamKey)
	}
	m.mu.Unlock()

	if !ok {
		return apperr.New(apperr.NotFound, "stream not found")
	}

	st.setState(StateStopped)
	if st.streamer != nil {
		st.streamer.Stop()
	}
	if st.proc != nil {
		st.proc.Terminate()
	}
	if st.cancel != nil {
		st.cancel()
	}
	return nil
}

// Get returns the descriptor for streamKey, if active.
func (m *Manager) Get(streamKey string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[streamKey]
	return st, ok
}

// ActiveKeys returns the stream_keys currently tracked, for heartbeat
// reporting.
func (m *Manager) ActiveKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	return keys
}

// Statuses returns a stream_key -> state string map for heartbeat
// reporting.
func (m *Manager) Statuses() map[string]string {
	m.mu.Lock()
	snapshot := make([]*Stream, 0, len(m.streams))
	for _, st := range m.streams {
		snapshot = append(snapshot, st)
	}
	m.mu.Unlock()

	out := make(map[string]string, len(snapshot))
	for _, st := range snapshot {
		out[st.StreamKey] = string(st.State())
	}
	return out
}

// StopAll terminates every active stream, used by the orchestrator during
// graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.Stop(k)
	}
}
