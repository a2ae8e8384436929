// Package eventbuffer is a bounded, mutex-guarded in-memory queue fed by
// ONVIF listeners and drained on a periodic schedule or immediately on a
// critical event. On an upload failure the unsent slice is re-prepended,
// never dropped.
package eventbuffer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/metrics"
	"github.com/technosupport/camguard/internal/onviflisten"
)

const (
	flushInterval = 5 * time.Second
	maxFlushBatch = 50
	defaultCap    = 5000
)

var criticalTypes = map[string]bool{
	"tampering":           true,
	"video_loss":          true,
	"intrusion_detection": true,
}

// Uploader is the subset of cloudclient.Client the buffer needs, so tests
// can substitute a fake without standing up an HTTP server.
type Uploader interface {
	UploadEvents(ctx context.Context, events []cloudclient.EventPayload) error
}

// Buffer holds events pending upload. Capacity bounds the queue; once at
// cap, new appends drop the oldest entry to make room.
type Buffer struct {
	mu       sync.Mutex
	events   []onviflisten.Event
	capacity int

	uploader   Uploader
	criticalCh chan struct{}
}

// New builds a buffer bounded at capacity (0 means defaultCap), posting
// uploads through uploader.
func New(capacity int, uploader Uploader) *Buffer {
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Buffer{
		capacity:   capacity,
		uploader:   uploader,
		criticalCh: make(chan struct{}, 1),
	}
}

// Append adds ev to the buffer, dropping the oldest entry if at capacity,
// and signals the monitor loop to flush immediately when ev is critical.
func (b *Buffer) Append(ev onviflisten.Event) {
	b.mu.Lock()
	if len(b.events) >= b.capacity {
		b.events = b.events[1:]
	}
	b.events = append(b.events, ev)
	depth := len(b.events)
	b.mu.Unlock()

	metrics.EventBufferDepth.Set(float64(depth))

	if criticalTypes[ev.EventType] {
		select {
		case b.criticalCh <- struct{}{}:
		default:
		}
	}
}

// Depth returns the current queue length.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Run drives the periodic + critical flush loop until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush(ctx, maxFlushBatch)
		case <-b.criticalCh:
			b.flushAll(ctx)
		}
	}
}

// flush uploads up to n events, re-prepending them on failure.
func (b *Buffer) flush(ctx context.Context, n int) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batchLen := n
	if batchLen > len(b.events) {
		batchLen = len(b.events)
	}
	batch := make([]onviflisten.Event, batchLen)
	copy(batch, b.events[:batchLen])
	remaining := b.events[batchLen:]
	b.events = remaining
	b.mu.Unlock()

	if err := b.upload(ctx, batch); err != nil {
		log.Printf("[eventbuffer] upload failed for %d events, re-queueing: %v", len(batch), err)
		metrics.EventBufferFlushTotal.WithLabelValues("failure").Inc()
		b.mu.Lock()
		b.events = append(batch, b.events...)
		b.mu.Unlock()
		return
	}
	metrics.EventBufferFlushTotal.WithLabelValues("success").Inc()
	metrics.EventBufferDepth.Set(float64(b.Depth()))
}

// FlushNow drains the buffer synchronously, used by the orchestrator's
// shutdown path so buffered events are not lost on exit.
func (b *Buffer) FlushNow(ctx context.Context) {
	b.flushAll(ctx)
}

// flushAll drains the whole buffer in maxFlushBatch-sized chunks; used for
// the immediate critical-event flush.
func (b *Buffer) flushAll(ctx context.Context) {
	for {
		before := b.Depth()
		if before == 0 {
			return
		}
		b.flush(ctx, maxFlushBatch)
		if b.Depth() == before {
			// upload failed and events were re-queued; stop to avoid a
			// tight retry loop, the periodic tick will try again.
			return
		}
	}
}

func (b *Buffer) upload(ctx context.Context, events []onviflisten.Event) error {
	payloads := make([]cloudclient.EventPayload, 0, len(events))
	for _, ev := range events {
		payloads = append(payloads, cloudclient.EventPayload{
			EventType:  ev.EventType,
			CameraIP:   ev.CameraIP,
			CameraName: ev.CameraName,
			Severity:   ev.Severity,
			Message:    ev.Topic,
			Metadata: cloudclient.EventMetadata{
				Topic:     ev.Topic,
				Source:    ev.Source,
				Data:      ev.Payload,
				Timestamp: ev.OccurredAt,
			},
		})
	}
	return b.uploader.UploadEvents(ctx, payloads)
}
