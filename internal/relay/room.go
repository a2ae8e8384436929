// Package relay implements the video relay: in-memory pub/sub rooms keyed
// by stream_key, with at-most-one producer and many consumers, preserving
// an init segment so late joiners receive decoder configuration before any
// live frame. An optional Redis/NATS registry lets several relay instances
// share rooms behind a load balancer.
package relay

import (
	"sync"
	"time"

	"github.com/technosupport/camguard/internal/metrics"
)

// Consumer is the send-side handle a Room holds for one connected viewer.
type Consumer interface {
	// Send delivers one frame to the consumer. A non-nil error causes the
	// room to drop the consumer after the current broadcast completes.
	Send(frame []byte) error
	// ID is an opaque identifier used for removal; consumers never expose
	// identity beyond this handle.
	ID() uint64
}

// Room holds the pub/sub state for a single stream_key.
type Room struct {
	StreamKey string

	mu           sync.Mutex
	producerID   uint64
	consumers    map[uint64]Consumer
	initSegment  []byte
	bytesSent    int64
	lastDataTime time.Time
}

// NewRoom creates an empty room for streamKey.
func NewRoom(streamKey string) *Room {
	return &Room{
		StreamKey: streamKey,
		consumers: map[uint64]Consumer{},
	}
}

// SetProducer records which producer currently owns this room. Callers are
// responsible for closing any previously displaced producer socket; Room
// itself only tracks the identity to detect displacement.
func (r *Room) SetProducer(id uint64) (displaced uint64, hadProducer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.producerID
	hadProducer = prev != 0
	r.producerID = id
	return prev, hadProducer
}

// ClearProducer removes the producer if id is still the current one
// (guards against a stale close racing a newer producer's attach).
func (r *Room) ClearProducer(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producerID == id {
		r.producerID = 0
	}
}

// AddConsumer registers c and, if an init segment is cached, sends it to c
// before returning. Both steps happen under the room's lock, which
// Broadcast also takes to snapshot membership, so no broadcast can reach
// c until its init segment has already been delivered.
func (r *Room) AddConsumer(c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID()] = c
	if r.initSegment != nil {
		c.Send(r.initSegment)
	}
}

// RemoveConsumer removes a consumer by handle.
func (r *Room) RemoveConsumer(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, id)
}

// ConsumerCount returns the current number of attached consumers.
func (r *Room) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// SetInitSegment designates frame as the room's init segment, replacing any
// prior one.
func (r *Room) SetInitSegment(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.initSegment = cp
}

// Broadcast sends frame to every attached consumer, iterating a snapshot so
// that membership mutations during the broadcast cannot affect the
// in-flight iteration. Consumers whose Send fails are removed after the
// broadcast completes, never during it.
func (r *Room) Broadcast(frame []byte) {
	r.mu.Lock()
	snapshot := make([]Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		snapshot = append(snapshot, c)
	}
	r.bytesSent += int64(len(frame))
	r.lastDataTime = time.Now()
	r.mu.Unlock()

	var failed []uint64
	var failedMu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range snapshot {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			if err := c.Send(frame); err != nil {
				metrics.BroadcastFailuresTotal.Inc()
				failedMu.Lock()
				failed = append(failed, c.ID())
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	metrics.BytesBroadcastTotal.Add(float64(len(frame)))

	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range failed {
		delete(r.consumers, id)
	}
	r.mu.Unlock()
}

// LastDataTime reports the liveness timestamp, updated on every broadcast.
func (r *Room) LastDataTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDataTime
}

// HasProducer reports whether a producer is currently attached.
func (r *Room) HasProducer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerID != 0
}

// Registry is the global map of rooms, guarded by its own mutex; each Room
// owns its own consumer-set mutex.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*Room{}}
}

// GetOrCreate returns the room for streamKey, creating it if absent.
func (reg *Registry) GetOrCreate(streamKey string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[streamKey]
	if !ok {
		r = NewRoom(streamKey)
		reg.rooms[streamKey] = r
		metrics.RoomsActive.Set(float64(len(reg.rooms)))
	}
	return r
}

// Get returns the room for streamKey if it exists, without creating one.
func (reg *Registry) Get(streamKey string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[streamKey]
	return r, ok
}

// Remove deletes the room for streamKey from the registry. It does not check
// whether the room still has a producer or consumers. The relay's handlers
// do not call it, so a room stays registered after its producer disconnects.
func (reg *Registry) Remove(streamKey string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, streamKey)
	metrics.RoomsActive.Set(float64(len(reg.rooms)))
}

// TotalConsumers sums consumer counts across all rooms, for the
// room_consumers_total gauge.
func (reg *Registry) TotalConsumers() int {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	total := 0
	for _, r := range rooms {
		total += r.ConsumerCount()
	}
	return total
}
