package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus fans engine events out to in-process listeners. A listener registers a
// kind prefix ("timeline.", "conversation.") and receives every event whose
// kind starts with it.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	seq       uint64
}

type listener struct {
	prefix string
	ch     chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[uint64]*listener)}
}

// Publish delivers evt to every matching listener. Slow listeners lose
// events instead of blocking the publisher.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if !strings.HasPrefix(evt.Kind, l.prefix) {
			continue
		}
		select {
		case l.ch <- evt:
		default:
		}
	}
}

// Emit is shorthand for publishing a kind with a payload stamped now.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a listener for kinds starting with prefix. An empty
// prefix receives everything. The returned func removes the listener.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.seq
	b.seq++
	b.listeners[id] = &listener{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}
