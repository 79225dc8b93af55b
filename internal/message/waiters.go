package message

import (
	"sync"
	"time"
)

// StreamAck is the payload delivered to a stream waiter: either the ack
// fields from the server or a sentinel Err.
type StreamAck struct {
	SessionID string
	PushURL   string
	PullURL   string
	MessageID string
	// Err is "connection_lost" or "timeout" when the wait cannot complete.
	Err string
}

type streamWaiter struct {
	ch        chan StreamAck
	receivers []string
	created   time.Time
}

// Waiters tracks pending stream-create requests by request id. Each
// waiter is one-shot: the first resolve or notify wins and removes it.
type Waiters struct {
	mu      sync.Mutex
	waiters map[string]*streamWaiter
}

func newWaiters() *Waiters {
	return &Waiters{waiters: make(map[string]*streamWaiter)}
}

// Register creates a waiter for requestID and returns its channel.
func (m *Waiters) Register(requestID string, receivers []string) <-chan StreamAck {
	w := &streamWaiter{
		ch:        make(chan StreamAck, 1),
		receivers: receivers,
		created:   time.Now(),
	}
	m.mu.Lock()
	m.waiters[requestID] = w
	m.mu.Unlock()
	return w.ch
}

// Unregister drops a waiter without signalling it.
func (m *Waiters) Unregister(requestID string) {
	m.mu.Lock()
	delete(m.waiters, requestID)
	m.mu.Unlock()
}

// Resolve delivers an ack to the waiter for requestID, if present.
func (m *Waiters) Resolve(requestID string, ack StreamAck) bool {
	m.mu.Lock()
	w, ok := m.waiters[requestID]
	if ok {
		delete(m.waiters, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- ack
	return true
}

// NotifyAll signals every pending waiter with a sentinel error and clears
// the map.
func (m *Waiters) NotifyAll(errSentinel string) int {
	m.mu.Lock()
	pending := m.waiters
	m.waiters = make(map[string]*streamWaiter)
	m.mu.Unlock()
	for _, w := range pending {
		w.ch <- StreamAck{Err: errSentinel}
	}
	return len(pending)
}

// DropStale signals waiters older than maxAge with a timeout sentinel.
func (m *Waiters) DropStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []*streamWaiter
	m.mu.Lock()
	for id, w := range m.waiters {
		if w.created.Before(cutoff) {
			stale = append(stale, w)
			delete(m.waiters, id)
		}
	}
	m.mu.Unlock()
	for _, w := range stale {
		w.ch <- StreamAck{Err: "timeout"}
	}
	return len(stale)
}

// Pending reports the number of outstanding waiters.
func (m *Waiters) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
