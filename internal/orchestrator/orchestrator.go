// Package orchestrator owns the agent's lifecycle: it
// registers with the cloud, drives the heartbeat and monitor loops,
// dispatches pending commands in order, and tears every subsystem down
// on shutdown.
package orchestrator

import (
	"context"
	"log"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/dispatcher"
	"github.com/technosupport/camguard/internal/eventbuffer"
	"github.com/technosupport/camguard/internal/metrics"
	"github.com/technosupport/camguard/internal/onviflisten"
	"github.com/technosupport/camguard/internal/streammgr"
	"github.com/technosupport/camguard/internal/transcoder"
)

const (
	registerRetries     = 5
	registerBackoffBase = 2 * time.Second
	monitorInterval     = 5 * time.Second
	shutdownFlushBudget = 5 * time.Second
)

// Options carries the pieces the orchestrator wires together. All fields
// are required except HeartbeatInterval (defaults to 15s), NetworkRange and
// OnReady.
type Options struct {
	Cloud             *cloudclient.Client
	Streams           *streammgr.Manager
	ONVIFPool         *onviflisten.Pool
	Buffer            *eventbuffer.Buffer
	Dispatcher        *dispatcher.Dispatcher
	HeartbeatInterval time.Duration
	NetworkRange      string

	// OnReady is flipped once registration has succeeded, feeding the
	// /readyz surface.
	OnReady func()
}

// Orchestrator boots the agent and holds its main loop.
type Orchestrator struct {
	opts Options
	host cloudclient.HostInfo
}

func New(opts Options) *Orchestrator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Orchestrator{opts: opts, host: collectHostInfo()}
}

// Run registers, then drives the heartbeat, monitor and event-flush loops
// until ctx is cancelled, at which point every subsystem is stopped in
// order: listeners, streams, then a final buffer flush. A registration
// failure past the retry budget is returned to the caller, which exits
// non-zero.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.register(ctx); err != nil {
		return err
	}
	if o.opts.OnReady != nil {
		o.opts.OnReady()
	}

	go o.opts.Buffer.Run(ctx)
	go o.monitorLoop(ctx)

	o.heartbeatLoop(ctx)

	o.shutdown()
	return nil
}

// register retries with linear backoff up to the budget; past it the
// failure is fatal: the process exits non-zero with a diagnostic.
func (o *Orchestrator) register(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= registerRetries; attempt++ {
		resp, err := o.opts.Cloud.Register(ctx, o.host)
		if err == nil {
			log.Printf("[agent] registered as agent_id=%s user_id=%s", resp.AgentID, resp.UserID)
			if o.opts.Dispatcher != nil {
				o.opts.Dispatcher.UserID = resp.UserID
			}
			return nil
		}
		lastErr = err
		log.Printf("[agent] registration attempt %d/%d failed: %v", attempt, registerRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerBackoffBase * time.Duration(attempt)):
		}
	}
	return lastErr
}

// heartbeatLoop sends one heartbeat immediately (so pending commands,
// including any cloud-side auto-start of ONVIF listeners, execute without
// waiting a full interval), then ticks at the configured cadence. Commands
// are executed one at a time in the order the server returned them.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	o.heartbeatOnce(ctx)

	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.heartbeatOnce(ctx)
		}
	}
}

func (o *Orchestrator) heartbeatOnce(ctx context.Context) {
	req := cloudclient.HeartbeatRequest{
		ClientID:       o.opts.Cloud.ClientID,
		HostInfo:       o.host,
		ActiveStreams:  o.opts.Streams.ActiveKeys(),
		NetworkRange:   o.opts.NetworkRange,
		StreamStatuses: o.opts.Streams.Statuses(),
		ONVIFStatuses:  o.opts.ONVIFPool.Statuses(),
	}

	commands, err := o.opts.Cloud.Heartbeat(ctx, req)
	if err != nil {
		metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
		log.Printf("[agent] heartbeat failed: %v", err)
		return
	}
	metrics.HeartbeatTotal.WithLabelValues("success").Inc()

	for _, c := range commands {
		select {
		case <-ctx.Done():
			return
		default:
		}
		o.opts.Dispatcher.Dispatch(ctx, c)
	}
}

// monitorLoop periodically logs stream health; streams that transitioned
// to error surface here rather than silently staying in the map.
func (o *Orchestrator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for key, state := range o.opts.Streams.Statuses() {
				if state == string(streammgr.StateError) {
					log.Printf("[agent] stream %s is in error state", key)
				}
			}
		}
	}
}

// shutdown tears the agent down in order: ONVIF listeners first (they feed
// the buffer), then streams, then one final flush so buffered events are
// not lost on exit.
func (o *Orchestrator) shutdown() {
	log.Printf("[agent] shutting down")
	o.opts.ONVIFPool.StopAll()
	o.opts.Streams.StopAll()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushBudget)
	defer cancel()
	o.opts.Buffer.FlushNow(flushCtx)
	log.Printf("[agent] shutdown complete")
}

func collectHostInfo() cloudclient.HostInfo {
	hostname, _ := os.Hostname()
	_, ffmpegErr := transcoder.Locate()
	return cloudclient.HostInfo{
		LocalIP:         localIP(),
		Hostname:        hostname,
		OSInfo:          runtime.GOOS + "/" + runtime.GOARCH,
		FFmpegInstalled: ffmpegErr == nil,
	}
}

// localIP finds the outbound interface address without sending traffic;
// the UDP dial never transmits a packet.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
