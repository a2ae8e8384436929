// Package uplink pumps bytes read from a transcoder's standard output to
// the relay over a persistent WebSocket, one long-lived goroutine per
// stream, reconnecting with exponential backoff.
package uplink

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/technosupport/camguard/internal/metrics"
	"github.com/technosupport/camguard/internal/transcoder"
)

const (
	chunkSize      = 8 * 1024
	keepaliveIdle  = 25 * time.Second
	startupWait    = 10 * time.Second
	backoffInitial = 1 * time.Second
	backoffFactor  = 1.5
	backoffCap     = 10 * time.Second
	logEveryBytes  = 1 << 20 // 1 MiB
	readinessPoll  = 100 * time.Millisecond
)

// Streamer owns the uplink WebSocket for one stream and the reconnect loop
// feeding it from a transcoder.Process's stdout.
type Streamer struct {
	StreamKey string
	RelayBase string
	proc      *transcoder.Process

	stopCh chan struct{}
	doneCh chan struct{}

	bytesSent      int64
	lastLoggedAt   int64
	onBytesSent    func(n int64)
	onStateChanged func(state string)
}

// New builds a Streamer for proc, targeting relayBase + /ws/produce/{streamKey}.
func New(streamKey, relayBase string, proc *transcoder.Process, onBytesSent func(int64), onStateChanged func(string)) *Streamer {
	return &Streamer{
		StreamKey:      streamKey,
		RelayBase:      relayBase,
		proc:           proc,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		onBytesSent:    onBytesSent,
		onStateChanged: onStateChanged,
	}
}

// Start runs the streamer loop until Stop is called or ctx is cancelled.
func (s *Streamer) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to exit.
func (s *Streamer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Streamer) run(ctx context.Context) {
	defer close(s.doneCh)

	if !s.waitForData(ctx) {
		log.Printf("[uplink] %s: transcoder exited or stream stopped before streaming began", s.StreamKey)
		return
	}

	backoff := backoffInitial
	reader := s.proc.Stdout()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL(), nil)
		if err != nil {
			metrics.UplinkReconnectsTotal.Inc()
			log.Printf("[uplink] %s: connect failed (%v), retrying in %s", s.StreamKey, err, backoff)
			if !s.sleepOrStop(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial

		err = s.pump(ctx, conn, reader)
		conn.Close()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("[uplink] %s: pump error (%v), reconnecting", s.StreamKey, err)
			metrics.UplinkReconnectsTotal.Inc()
			if !s.sleepOrStop(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// pump reads chunkSize-byte chunks from reader and sends each as a binary
// frame, synchronously. Send blocking is the back-pressure mechanism: no
// in-process buffer beyond the chunk itself. The first successful send on
// each connection reports the "running" state.
func (s *Streamer) pump(ctx context.Context, conn *websocket.Conn, reader io.Reader) error {
	buf := make([]byte, chunkSize)
	reportedRunning := false
	idleTimer := time.NewTimer(keepaliveIdle)
	defer idleTimer.Stop()

	readCh := make(chan readResult, 1)
	go readLoop(reader, buf, readCh)

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-idleTimer.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
			idleTimer.Reset(keepaliveIdle)
		case res := <-readCh:
			if res.err != nil {
				return res.err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, res.data); err != nil {
				return err
			}
			s.bytesSent += int64(len(res.data))
			if !reportedRunning && s.onStateChanged != nil {
				s.onStateChanged("running")
				reportedRunning = true
			}
			s.maybeLog()
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(keepaliveIdle)
			go readLoop(reader, buf, readCh)
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

func readLoop(reader io.Reader, buf []byte, out chan<- readResult) {
	n, err := reader.Read(buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, buf[:n])
		out <- readResult{data: data, err: nil}
		return
	}
	out <- readResult{err: err}
}

func (s *Streamer) maybeLog() {
	if s.bytesSent-s.lastLoggedAt >= logEveryBytes {
		log.Printf("[uplink] %s: %d bytes sent (cumulative)", s.StreamKey, s.bytesSent)
		s.lastLoggedAt = s.bytesSent
		if s.onBytesSent != nil {
			s.onBytesSent(s.bytesSent)
		}
	}
}

// waitForData waits up to startupWait for the transcoder to pass one
// readiness poll: it returns true once the process is still alive after
// readinessPoll, and false if the process exits or the streamer is stopped
// first. It does not check whether the transcoder has written any bytes.
func (s *Streamer) waitForData(ctx context.Context) bool {
	deadline := time.Now().Add(startupWait)
	for time.Now().Before(deadline) {
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-s.proc.Exited():
			return false
		case <-time.After(readinessPoll):
		}
		if s.proc.Alive() {
			return true
		}
	}
	return s.proc.Alive()
}

func (s *Streamer) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffCap {
		return backoffCap
	}
	return next
}

func (s *Streamer) wsURL() string {
	return fmt.Sprintf("%s/ws/produce/%s", s.RelayBase, s.StreamKey)
}
