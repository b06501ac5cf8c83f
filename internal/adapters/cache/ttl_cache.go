package cache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Settled entries live in a ttlcache and expire after the ttl.
// Flights are tracked separately so an in-flight entry can never expire.
type ttlCache[T any] struct {
	settled  *ttlcache.Cache[string, T]
	inflight map[string]*flight[T]
	lock     sync.Mutex
	stopOnce sync.Once
}

func (c *ttlCache[T]) getOrClaim(key string) hitResult[T] {
	c.lock.Lock()
	defer c.lock.Unlock()

	if item := c.settled.Get(key); item != nil {
		return hitResult[T]{
			data:  item.Value(),
			valid: true,
		}
	}

	if f, ok := c.inflight[key]; ok {
		return hitResult[T]{flight: f}
	}

	f := newFlight[T]()
	c.inflight[key] = f
	return hitResult[T]{
		claimed: true,
		flight:  f,
	}
}

func (c *ttlCache[T]) settle(key string, f *flight[T]) {
	c.lock.Lock()
	defer c.lock.Unlock()
	defer close(f.done)

	if c.inflight[key] != f {
		// Invalidated while in flight
		return
	}
	delete(c.inflight, key)

	if f.err != nil {
		return
	}

	c.settled.Set(key, f.data, ttlcache.DefaultTTL)
}

func (c *ttlCache[T]) Invalidate(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.settled.Delete(key)
	delete(c.inflight, key)
}

// Stop ends the goroutine that evicts expired entries. Lookups keep working, expired entries are still not returned.
func (c *ttlCache[T]) Stop() {
	c.stopOnce.Do(c.settled.Stop)
}

// Call Stop when done with the cache
func NewTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	settled := ttlcache.New[string, T](
		ttlcache.WithTTL[string, T](ttl),
		ttlcache.WithDisableTouchOnHit[string, T](),
	)
	go settled.Start()
	return &ttlCache[T]{
		settled:  settled,
		inflight: make(map[string]*flight[T]),
	}
}
