package document

import (
	"sync"

	"github.com/Amund211/applause/internal/domain"
)

// Bus broadcasts commit events to every subscriber in one document
type Bus struct {
	mutex    sync.Mutex
	handlers map[uint64]func(domain.CommitEvent)
	nextID   uint64
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[uint64]func(domain.CommitEvent)),
	}
}

type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

func (b *Bus) Subscribe(handler func(domain.CommitEvent)) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	b.handlers[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID}
}

// Publish calls every handler in the calling goroutine
func (b *Bus) Publish(event domain.CommitEvent) {
	b.mutex.Lock()
	handlers := make([]func(domain.CommitEvent), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mutex.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (b *Bus) subscriberCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.handlers)
}

// Close stops delivery to the handler. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mutex.Lock()
		defer s.bus.mutex.Unlock()

		delete(s.bus.handlers, s.id)
	})
}
