package document

import "sync"

// RefCounter counts users of shared keys
type RefCounter struct {
	mutex  sync.Mutex
	counts map[string]int
}

func NewRefCounter() *RefCounter {
	return &RefCounter{
		counts: make(map[string]int),
	}
}

// Acquire returns true for the first user of key
func (r *RefCounter) Acquire(key string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.counts[key]++
	return r.counts[key] == 1
}

// Release returns true for the last user of key. Releasing a key with no users does nothing.
func (r *RefCounter) Release(key string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count, ok := r.counts[key]
	if !ok {
		return false
	}

	count--
	if count <= 0 {
		delete(r.counts, key)
		return true
	}
	r.counts[key] = count
	return false
}

func (r *RefCounter) Count(key string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.counts[key]
}
