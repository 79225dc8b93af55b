package message

import (
	"sync"
	"time"
)

// sendBuffer holds outbound payloads that could not be written because the
// socket was down. FIFO; when full the oldest entry is dropped to admit the
// new one. Put is bounded so a wedged consumer cannot block senders.
type sendBuffer struct {
	mu    sync.Mutex
	items [][]byte
	cap   int

	putBound time.Duration
}

func newSendBuffer(capacity int, putBound time.Duration) *sendBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &sendBuffer{cap: capacity, putBound: putBound}
}

// Put appends payload, evicting the oldest entry when at capacity. The
// returned flag reports whether an eviction happened. Gives up after the
// put bound if the lock cannot be taken.
func (b *sendBuffer) Put(payload []byte) (evicted bool) {
	deadline := time.Now().Add(b.putBound)
	for !b.mu.TryLock() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	defer b.mu.Unlock()

	if len(b.items) >= b.cap {
		b.items = b.items[1:]
		evicted = true
	}
	b.items = append(b.items, payload)
	return evicted
}

// Drain removes and returns all buffered payloads in FIFO order.
func (b *sendBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Len reports the number of buffered payloads.
func (b *sendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear discards all buffered payloads.
func (b *sendBuffer) Clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}
