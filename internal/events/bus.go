package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 256

// Bus fans engine events out to per-session subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan any
	nextSubID   int
	buffer      int
	dropped     atomic.Int64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subscribers: make(map[string]map[int]chan any),
		buffer:      buffer,
	}
}

// Subscribe returns a channel of events for sessionID and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(sessionID string) (<-chan any, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan any)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan any, b.buffer)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[int]chan any)
	}
	b.subscribers[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[sessionID]
			if subs == nil {
				return
			}
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subscribers, sessionID)
			}
		})
	}
}

func (b *Bus) Publish(sessionID string, evt any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(b.subscribers[sessionID], evt)
}

// Broadcast delivers evt to every subscriber regardless of session.
func (b *Bus) Broadcast(evt any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		b.sendLocked(subs, evt)
	}
}

func (b *Bus) sendLocked(subs map[int]chan any, evt any) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events discarded because a subscriber was too slow.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
