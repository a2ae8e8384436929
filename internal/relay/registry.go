// Scale-out registry: when more than one relay process runs behind a load balancer, this
// records which instance currently holds a room's producer in Redis (TTL'd
// presence, refreshed every broadcast) and republishes broadcast payloads
// to a NATS subject for any other instance with a registered remote
// subscriber.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL    = 10 * time.Second
	remoteTTL      = 30 * time.Second
	natsMaxRetries = 2
)

// PresenceRegistry is the optional cross-instance coordination layer. A
// nil *redis.Client (or zero-value PresenceRegistry) leaves it disabled,
// so a single-instance deployment never touches Redis or NATS.
type PresenceRegistry struct {
	redis      *redis.Client
	nc         *nats.Conn
	instanceID string
}

// NewPresenceRegistry builds a registry. Either dependency may be nil; the
// registry degrades to a no-op for whichever half is absent.
func NewPresenceRegistry(rdb *redis.Client, nc *nats.Conn, instanceID string) *PresenceRegistry {
	return &PresenceRegistry{redis: rdb, nc: nc, instanceID: instanceID}
}

// Enabled reports whether presence tracking is active at all.
func (p *PresenceRegistry) Enabled() bool {
	return p != nil && p.redis != nil
}

func presenceKey(streamKey string) string { return fmt.Sprintf("room:%s", streamKey) }
func remoteKey(streamKey string) string   { return fmt.Sprintf("room:%s:remote", streamKey) }
func framesSubject(streamKey string) string {
	return fmt.Sprintf("relay.frames.%s", streamKey)
}

// AnnounceProducer records (or refreshes) this instance as the owner of
// streamKey's producer. Called on attach and again on every broadcast,
// piggybacking on the room's liveness update.
func (p *PresenceRegistry) AnnounceProducer(ctx context.Context, streamKey string) {
	if !p.Enabled() {
		return
	}
	if err := p.redis.Set(ctx, presenceKey(streamKey), p.instanceID, presenceTTL).Err(); err != nil {
		log.Printf("[relay] presence announce failed for %s: %v", streamKey, err)
	}
}

// ForgetProducer releases ownership, e.g. when the local producer detaches.
func (p *PresenceRegistry) ForgetProducer(ctx context.Context, streamKey string) {
	if !p.Enabled() {
		return
	}
	p.redis.Del(ctx, presenceKey(streamKey))
}

// OwnerInstance returns the instance ID currently holding streamKey's
// producer, if any is recorded and not expired.
func (p *PresenceRegistry) OwnerInstance(ctx context.Context, streamKey string) (string, bool) {
	if !p.Enabled() {
		return "", false
	}
	id, err := p.redis.Get(ctx, presenceKey(streamKey)).Result()
	if err != nil {
		return "", false
	}
	return id, id != ""
}

// RegisterRemoteSubscriber marks that some other instance has a consumer
// waiting on streamKey, so the owning instance knows to republish frames
// to NATS. Refreshed by the remote instance periodically.
func (p *PresenceRegistry) RegisterRemoteSubscriber(ctx context.Context, streamKey string) {
	if !p.Enabled() {
		return
	}
	if err := p.redis.Set(ctx, remoteKey(streamKey), "1", remoteTTL).Err(); err != nil {
		log.Printf("[relay] remote subscriber registration failed for %s: %v", streamKey, err)
	}
}

// HasRemoteSubscribers reports whether any other instance has registered
// interest in streamKey's frames.
func (p *PresenceRegistry) HasRemoteSubscribers(ctx context.Context, streamKey string) bool {
	if !p.Enabled() {
		return false
	}
	n, err := p.redis.Exists(ctx, remoteKey(streamKey)).Result()
	return err == nil && n > 0
}

// PublishFrame republishes a broadcast payload to the cross-instance NATS
// subject, retrying briefly on transient publish failure.
func (p *PresenceRegistry) PublishFrame(streamKey string, frame []byte) {
	if p == nil || p.nc == nil {
		return
	}
	subject := framesSubject(streamKey)
	var err error
	for i := 0; i <= natsMaxRetries; i++ {
		if err = p.nc.Publish(subject, frame); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("[relay] nats publish failed for %s after retries: %v", streamKey, err)
}

// SubscribeFrames subscribes to the cross-instance subject for streamKey,
// invoking onFrame for every received payload until ctx is cancelled. Used
// by a consumer handler that found no local room but an OwnerInstance
// elsewhere.
func (p *PresenceRegistry) SubscribeFrames(ctx context.Context, streamKey string, onFrame func([]byte)) error {
	if p == nil || p.nc == nil {
		return fmt.Errorf("relay: nats not configured")
	}
	sub, err := p.nc.Subscribe(framesSubject(streamKey), func(msg *nats.Msg) {
		onFrame(msg.Data)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// Ping checks Redis reachability; the relay binary calls it once at startup
// before marking itself ready.
func (p *PresenceRegistry) Ping(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.redis.Ping(ctx).Err()
}
