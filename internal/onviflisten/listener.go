package onviflisten

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/camguard/internal/metrics"
	"github.com/technosupport/camguard/internal/onvifsoap"
)

const (
	pollInterval    = 1 * time.Second
	subscriptionTTL = 600 * time.Second
	renewalMargin   = 60 * time.Second
	renewBefore     = subscriptionTTL - renewalMargin // 540s
	failureBudget   = 5
	failureCooldown = 60 * time.Second
	stopJoinTimeout = 5 * time.Second
)

// EventCallback receives every non-duplicate event produced by any
// listener in the pool.
type EventCallback func(Event)

// Listener runs the PullPoint lifecycle for one camera.
type Listener struct {
	CameraIP   string
	CameraName string
	EventsPath string

	client   *onvifsoap.Client
	dedup    *Dedup
	callback EventCallback

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool

	subscriptionRef  string
	createdAt        time.Time
	pullBodyIndex    int
	consecutiveFails int
}

// NewListener constructs a listener; it does not start polling until Start
// is called.
func NewListener(cameraIP, cameraName, eventsPath string, client *onvifsoap.Client, dedup *Dedup, callback EventCallback) *Listener {
	return &Listener{
		CameraIP:      cameraIP,
		CameraName:    cameraName,
		EventsPath:    eventsPath,
		client:        client,
		dedup:         dedup,
		callback:      callback,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		pullBodyIndex: -1,
	}
}

// Running reports whether the listener's poll loop is currently active.
func (l *Listener) Running() bool { return l.running.Load() }

// Start launches the poll loop goroutine. Calling Start twice on a running
// listener is a no-op (the pool enforces add_camera idempotency at a
// higher level, but Start itself is also safe to call repeatedly).
func (l *Listener) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx)
}

// Stop signals the loop to exit and waits up to 5s for it to do so.
func (l *Listener) Stop() {
	if !l.running.Load() {
		return
	}
	close(l.stopCh)
	select {
	case <-l.doneCh:
	case <-time.After(stopJoinTimeout):
		log.Printf("[onvif] listener for %s did not stop within %s", l.CameraIP, stopJoinTimeout)
	}
}

func (l *Listener) run(ctx context.Context) {
	defer func() {
		l.running.Store(false)
		close(l.doneCh)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Listener) tick(ctx context.Context) {
	if l.subscriptionRef == "" || time.Since(l.createdAt) > renewBefore {
		ref, err := CreatePullPointSubscription(ctx, l.client, l.EventsPath)
		if err != nil {
			l.onFailure(err)
			return
		}
		l.subscriptionRef = ref
		l.createdAt = time.Now()
		l.pullBodyIndex = -1
	}

	body, idx, err := PullMessages(ctx, l.client, l.subscriptionRef, l.pullBodyIndex)
	if err != nil {
		if isInvalidOrNotFoundFault(err) {
			l.subscriptionRef = ""
		}
		l.onFailure(err)
		return
	}
	l.pullBodyIndex = idx
	l.onSuccess()

	events := ParseNotifications(body, l.CameraIP, l.CameraName)
	for _, ev := range events {
		if l.dedup.IsDuplicate(ev.CameraIP, ev.Topic) {
			continue
		}
		metrics.ONVIFEventTotal.WithLabelValues(ev.Severity).Inc()
		if l.callback != nil {
			l.callback(ev)
		}
	}
}

func (l *Listener) onFailure(err error) {
	l.consecutiveFails++
	metrics.ONVIFPollTotal.WithLabelValues("failure").Inc()
	log.Printf("[onvif] poll failure for %s (%d/%d): %v", l.CameraIP, l.consecutiveFails, failureBudget, err)

	if l.consecutiveFails >= failureBudget {
		log.Printf("[onvif] %s exceeded failure budget, cooling down %s", l.CameraIP, failureCooldown)
		select {
		case <-time.After(failureCooldown):
		case <-l.stopCh:
		}
		l.consecutiveFails = 0
	}
}

func (l *Listener) onSuccess() {
	l.consecutiveFails = 0
	metrics.ONVIFPollTotal.WithLabelValues("success").Inc()
}

// Pool is the single process-wide manager mapping camera_ip -> listener.
type Pool struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewPool() *Pool {
	return &Pool{listeners: map[string]*Listener{}}
}

// AddCamera is idempotent: a running listener is left alone; a halted one
// is replaced.
func (p *Pool) AddCamera(ctx context.Context, l *Listener) (alreadyListening bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.listeners[l.CameraIP]; ok {
		if existing.Running() {
			return true
		}
	}

	p.listeners[l.CameraIP] = l
	l.Start(ctx)
	return false
}

// RemoveCamera stops and removes the listener for cameraIP, if any.
func (p *Pool) RemoveCamera(cameraIP string) {
	p.mu.Lock()
	l, ok := p.listeners[cameraIP]
	delete(p.listeners, cameraIP)
	p.mu.Unlock()

	if ok {
		l.Stop()
	}
}

// Status reports whether cameraIP currently has a running listener.
func (p *Pool) Status(cameraIP string) (running bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, found := p.listeners[cameraIP]
	if !found {
		return false, false
	}
	return l.Running(), true
}

// Statuses returns a camera_ip -> listening state map for heartbeat
// reporting.
func (p *Pool) Statuses() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.listeners))
	for ip, l := range p.listeners {
		if l.Running() {
			out[ip] = "listening"
		} else {
			out[ip] = "stopped"
		}
	}
	return out
}

// StopAll stops every listener, each with its own bounded join.
func (p *Pool) StopAll() {
	p.mu.Lock()
	all := make([]*Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		all = append(all, l)
	}
	p.listeners = map[string]*Listener{}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range all {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.Stop()
		}(l)
	}
	wg.Wait()
}
