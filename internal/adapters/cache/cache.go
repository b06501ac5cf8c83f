package cache

// A single outstanding call to create a cache entry.
// data and err are written once, before done is closed.
type flight[T any] struct {
	done chan struct{}
	data T
	err  error
}

func newFlight[T any]() *flight[T] {
	return &flight[T]{done: make(chan struct{})}
}

type hitResult[T any] struct {
	data  T
	valid bool

	// Set when the caller reserved the slot and is responsible for running the flight
	claimed bool
	// The flight to wait for when the entry is not valid
	flight *flight[T]
}

type Cache[T any] interface {
	// Return the valid entry for the key, the flight currently creating it, or reserve the slot with a new flight.
	// Must be atomic with respect to other calls on the same cache.
	getOrClaim(key string) hitResult[T]

	// Store the result of a finished flight and release its waiters.
	// The result is only stored if the flight still owns the slot and succeeded.
	settle(key string, f *flight[T])

	// Drop the entry for the key so the next lookup creates it again.
	// A flight running for the key still releases its waiters, but its result is not stored.
	Invalidate(key string)
}
