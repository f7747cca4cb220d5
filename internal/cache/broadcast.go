package cache

import (
	"context"
	"sync"
)

// Broadcaster fans change notices out to every terminal sharing a backend.
type Broadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}

type MemoryBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan []byte
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[int]chan []byte)}
}

// Publish never blocks; a subscriber whose buffer is full misses the notice
// and catches up on its next poll.
func (b *MemoryBroadcaster) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(_ context.Context) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 16)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel, nil
}
