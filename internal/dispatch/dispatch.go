// Package dispatch implements the per-identity inbound pipeline between
// the transport receive goroutine and the worker pool: a bounded queue fed
// non-blockingly, a dispatcher that submits records to the scheduler with
// bounded retries, and the three-scope handler registry.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/metrics"
	"github.com/agentunion/agentcp-go/internal/scheduler"
	"github.com/agentunion/agentcp-go/internal/session"
)

const (
	submitRetries     = 3
	submitBackoffBase = 50 * time.Millisecond

	queuePollPeriod = time.Second
)

// Record is one inbound message ready for handler dispatch.
type Record struct {
	Msg           session.InboundMessage
	IsStream      bool
	ContentBlocks []map[string]any
	Instruction   map[string]any
	Received      time.Time
}

// Handler processes one record on a scheduler worker.
type Handler func(ctx context.Context, rec *Record) error

// Queue is the bounded hand-off between the transport goroutine and the
// dispatcher. Put never blocks: a full queue drops the record.
type Queue struct {
	ch chan *Record
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Record, capacity)}
}

// Put offers a record without blocking. False means the queue was full and
// the record is dropped.
func (q *Queue) Put(rec *Record) bool {
	select {
	case q.ch <- rec:
		return true
	default:
		return false
	}
}

// Get blocks up to timeout for the next record.
func (q *Queue) Get(timeout time.Duration) (*Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Len reports the number of queued records.
func (q *Queue) Len() int { return len(q.ch) }

// Drain discards all queued records and returns the count.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Registry holds handlers in three scopes. A session-scoped handler owns
// its session's messages exclusively; an instruction-command handler owns
// its command; global handlers see everything else, all of them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handler
	routes   map[string]Handler
	globals  []Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Handler),
		routes:   make(map[string]Handler),
	}
}

// SetSessionHandler binds h exclusively to sessionID.
func (r *Registry) SetSessionHandler(sessionID string, h Handler) {
	r.mu.Lock()
	r.sessions[sessionID] = h
	r.mu.Unlock()
}

// RemoveSessionHandler unbinds the session handler.
func (r *Registry) RemoveSessionHandler(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// SetRouteHandler binds h exclusively to an instruction command.
func (r *Registry) SetRouteHandler(command string, h Handler) {
	r.mu.Lock()
	r.routes[command] = h
	r.mu.Unlock()
}

// AddGlobalHandler appends a catch-all handler.
func (r *Registry) AddGlobalHandler(h Handler) {
	r.mu.Lock()
	r.globals = append(r.globals, h)
	r.mu.Unlock()
}

// ClearScoped removes session and route handlers, keeping globals. Used by
// the runtime's reset orchestration.
func (r *Registry) ClearScoped() {
	r.mu.Lock()
	r.sessions = make(map[string]Handler)
	r.routes = make(map[string]Handler)
	r.mu.Unlock()
}

// HandlersFor resolves the handlers for a record: session match beats
// route match beats globals.
func (r *Registry) HandlersFor(rec *Record) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.sessions[rec.Msg.SessionID]; ok {
		return []Handler{h}
	}
	if cmd := instructionCommand(rec.Instruction); cmd != "" {
		if h, ok := r.routes[cmd]; ok {
			return []Handler{h}
		}
	}
	out := make([]Handler, len(r.globals))
	copy(out, r.globals)
	return out
}

func instructionCommand(instruction map[string]any) string {
	if instruction == nil {
		return ""
	}
	cmd, _ := instruction["cmd"].(string)
	return cmd
}

// Dispatcher drains the queue and fans records out onto the scheduler.
// Only the dispatcher goroutine blocks; the transport side never does.
type Dispatcher struct {
	queue    *Queue
	registry *Registry
	sched    *scheduler.Scheduler
	metrics  *metrics.Collector

	// persist runs after a successful submit for non-stream records.
	persist func(rec *Record)

	mu      sync.Mutex
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewDispatcher wires a dispatcher. persist may be nil.
func NewDispatcher(queue *Queue, registry *Registry, sched *scheduler.Scheduler,
	collector *metrics.Collector, persist func(rec *Record)) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		sched:    sched,
		metrics:  collector,
		persist:  persist,
	}
}

// Start launches the dispatcher goroutine. Idempotent while running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.loop(d.done)
}

// Stop halts the dispatcher goroutine. Queued records stay queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) loop(done chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-done:
			return
		default:
		}
		rec, ok := d.queue.Get(queuePollPeriod)
		if !ok {
			continue
		}
		d.dispatch(rec)
	}
}

// dispatch submits the record's handler task with bounded retries. A final
// failure drops the record.
func (d *Dispatcher) dispatch(rec *Record) {
	start := time.Now()
	task := d.buildTask(rec)

	var err error
	for attempt := 0; attempt < submitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(submitBackoffBase << (attempt - 1))
		}
		if err = d.sched.Submit(task); err == nil {
			break
		}
	}
	if err != nil {
		d.metrics.RecordDispatch(false, time.Since(start))
		log.Warn().Err(err).Str("message_id", rec.Msg.MessageID).
			Msg("dispatch dropped after submit retries")
		return
	}
	d.metrics.RecordDispatch(true, time.Since(start))

	if !rec.IsStream && d.persist != nil {
		// Persistence failures are logged inside persist and never affect
		// the dispatch outcome.
		d.persist(rec)
	}
}

// buildTask wraps the record's handlers into one scheduler task, recording
// handler metrics per invocation.
func (d *Dispatcher) buildTask(rec *Record) scheduler.Task {
	handlers := d.registry.HandlersFor(rec)
	return func(ctx context.Context) error {
		var firstErr error
		for _, h := range handlers {
			start := time.Now()
			err := h(ctx, rec)
			d.metrics.RecordHandler(err == nil, time.Since(start))
			if err != nil {
				log.Warn().Err(err).Str("message_id", rec.Msg.MessageID).
					Str("session_id", rec.Msg.SessionID).Msg("handler failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}
