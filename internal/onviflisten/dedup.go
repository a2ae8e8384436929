package onviflisten

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup suppresses repeated (camera_ip, topic) pairs within a short,
// fixed 2 second window using an LRU cache of last-seen timestamps.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

const dedupWindow = 2000 * time.Millisecond
const dedupMaxKeys = 8192

func NewDedup() *Dedup {
	c, _ := lru.New[string, time.Time](dedupMaxKeys)
	return &Dedup{cache: c, ttl: dedupWindow}
}

// IsDuplicate reports whether (cameraIP, topic) was seen within the
// dedup window, and records this occurrence either way.
func (d *Dedup) IsDuplicate(cameraIP, topic string) bool {
	key := dedupKey(cameraIP, topic)
	if last, ok := d.cache.Get(key); ok {
		if time.Since(last) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

func dedupKey(cameraIP, topic string) string {
	return fmt.Sprintf("%s|%s", cameraIP, topic)
}
