package cache

import "sync"

type basicCacheEntry[T any] struct {
	data   T
	valid  bool
	flight *flight[T]
}

type basicCache[T any] struct {
	cache     map[string]basicCacheEntry[T]
	cacheLock sync.Mutex
}

func (c *basicCache[T]) getOrClaim(key string) hitResult[T] {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	oldValue, ok := c.cache[key]
	if ok {
		return hitResult[T]{
			data:    oldValue.data,
			valid:   oldValue.valid,
			claimed: false,
			flight:  oldValue.flight,
		}
	}

	f := newFlight[T]()
	c.cache[key] = basicCacheEntry[T]{valid: false, flight: f}
	return hitResult[T]{
		valid:   false,
		claimed: true,
		flight:  f,
	}
}

func (c *basicCache[T]) settle(key string, f *flight[T]) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	defer close(f.done)

	current, ok := c.cache[key]
	if !ok || current.flight != f {
		// Invalidated while in flight
		return
	}

	if f.err != nil {
		delete(c.cache, key)
		return
	}

	c.cache[key] = basicCacheEntry[T]{data: f.data, valid: true}
}

func (c *basicCache[T]) Invalidate(key string) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	delete(c.cache, key)
}

func NewBasicCache[T any]() *basicCache[T] {
	return &basicCache[T]{
		cache: make(map[string]basicCacheEntry[T]),
	}
}
