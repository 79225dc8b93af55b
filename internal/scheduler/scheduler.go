// Package scheduler implements the bounded worker pool that runs user
// message handlers. A fixed set of workers each owns a bounded task queue
// and runs up to a capped number of handler invocations concurrently;
// submission places a task on one of the least-loaded workers or rejects it
// after bounded retries.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRejected is returned when no worker accepted the task after all
	// submit retries.
	ErrRejected = errors.New("scheduler: task rejected")
	// ErrShutdown is returned when submitting to a stopped scheduler.
	ErrShutdown = errors.New("scheduler: shut down")
)

// Task is one handler invocation. The context carries the handler timeout;
// tasks should return promptly once it is cancelled.
type Task func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	CoreWorkers       int
	MaxWorkers        int
	MaxTasksPerWorker int
	WorkerQueueSize   int

	HandlerTimeout   time.Duration
	SubmitTimeout    time.Duration
	MaxSubmitRetries int
}

// DefaultConfig returns the standard pool sizing.
func DefaultConfig() Config {
	return Config{
		CoreWorkers:       20,
		MaxWorkers:        50,
		MaxTasksPerWorker: 10,
		WorkerQueueSize:   5000,
		HandlerTimeout:    600 * time.Second,
		SubmitTimeout:     5 * time.Second,
		MaxSubmitRetries:  3,
	}
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Received    int64   `json:"received"`
	Processed   int64   `json:"processed"`
	Failed      int64   `json:"failed"`
	Rejected    int64   `json:"rejected"`
	Workers     int     `json:"workers"`
	ActiveTasks []int   `json:"active_tasks"`
	SuccessRate float64 `json:"success_rate"`
}

// Scheduler is the worker pool.
type Scheduler struct {
	cfg Config

	workersMu sync.RWMutex
	workers   []*worker

	// statsMu keeps the global counters consistent as a set.
	statsMu   sync.Mutex
	received  int64
	processed int64
	failed    int64
	rejected  int64

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

type worker struct {
	id     int
	queue  chan Task
	active atomic.Int64
	ready  chan struct{}
}

// New creates a scheduler; call Start before submitting.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = def.CoreWorkers
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.MaxTasksPerWorker <= 0 {
		cfg.MaxTasksPerWorker = def.MaxTasksPerWorker
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = def.WorkerQueueSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.MaxSubmitRetries <= 0 {
		cfg.MaxSubmitRetries = def.MaxSubmitRetries
	}
	return &Scheduler{cfg: cfg, done: make(chan struct{})}
}

// Start spawns the core workers and waits (bounded) for each to signal
// readiness. A scheduler may be started again after Shutdown.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.workersMu.Lock()
	s.workers = nil
	s.workersMu.Unlock()

	for i := 0; i < s.cfg.CoreWorkers; i++ {
		s.spawnWorker(i)
	}

	deadline := time.After(5 * time.Second)
	s.workersMu.RLock()
	workers := append([]*worker(nil), s.workers...)
	s.workersMu.RUnlock()
	for _, w := range workers {
		select {
		case <-w.ready:
		case <-deadline:
			log.Warn().Int("worker", w.id).Msg("scheduler worker slow to start")
		}
	}

	log.Debug().Int("workers", len(workers)).Msg("scheduler started")
	return nil
}

func (s *Scheduler) spawnWorker(id int) {
	w := &worker{
		id:    id,
		queue: make(chan Task, s.cfg.WorkerQueueSize),
		ready: make(chan struct{}),
	}
	s.workersMu.Lock()
	s.workers = append(s.workers, w)
	s.workersMu.Unlock()

	s.wg.Add(1)
	go s.runWorker(w, s.doneCh())
}

// doneCh snapshots the current generation's shutdown channel.
func (s *Scheduler) doneCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Submit hands a task to one of the least-loaded workers. It may block up
// to SubmitTimeout per candidate and retries with exponential backoff;
// exhaustion counts the task as rejected and returns ErrRejected.
func (s *Scheduler) Submit(task Task) error {
	done := s.doneCh()
	select {
	case <-done:
		return ErrShutdown
	default:
	}

	s.statsMu.Lock()
	s.received++
	s.statsMu.Unlock()

	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= s.cfg.MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			s.maybeGrow()
			select {
			case <-done:
				return ErrShutdown
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 200*time.Millisecond {
				backoff = 200 * time.Millisecond
			}
		}
		if s.tryPlace(task, done) {
			return nil
		}
	}

	s.statsMu.Lock()
	s.rejected++
	s.statsMu.Unlock()
	log.Error().Msg("scheduler: all workers saturated, task rejected")
	return ErrRejected
}

// tryPlace offers the task to the three least-loaded workers in order,
// skipping any whose queue is at least 90% full.
func (s *Scheduler) tryPlace(task Task, done chan struct{}) bool {
	candidates := s.leastLoaded(3)
	for _, w := range candidates {
		if len(w.queue)*10 >= s.cfg.WorkerQueueSize*9 {
			continue
		}
		select {
		case w.queue <- task:
			if depth := len(w.queue); depth*10 >= s.cfg.WorkerQueueSize*8 {
				log.Warn().Int("worker", w.id).Int("depth", depth).Msg("worker queue nearly full")
			}
			return true
		case <-time.After(s.cfg.SubmitTimeout):
		case <-done:
			return false
		}
	}
	return false
}

// leastLoaded returns up to n workers ordered by queue depth plus in-flight
// count.
func (s *Scheduler) leastLoaded(n int) []*worker {
	s.workersMu.RLock()
	workers := append([]*worker(nil), s.workers...)
	s.workersMu.RUnlock()

	sort.Slice(workers, func(i, j int) bool {
		li := len(workers[i].queue) + int(workers[i].active.Load())
		lj := len(workers[j].queue) + int(workers[j].active.Load())
		return li < lj
	})
	if len(workers) > n {
		workers = workers[:n]
	}
	return workers
}

// maybeGrow adds one worker when the pool is saturated and below MaxWorkers.
func (s *Scheduler) maybeGrow() {
	s.workersMu.RLock()
	count := len(s.workers)
	s.workersMu.RUnlock()
	if count >= s.cfg.MaxWorkers {
		return
	}
	s.spawnWorker(count)
	log.Debug().Int("workers", count+1).Msg("scheduler pool grown")
}

func (s *Scheduler) runWorker(w *worker, done chan struct{}) {
	defer s.wg.Done()
	close(w.ready)

	var inflight sync.WaitGroup
	for {
		select {
		case <-done:
			inflight.Wait()
			return
		case task := <-w.queue:
			if int(w.active.Load()) >= s.cfg.MaxTasksPerWorker {
				// The submitter's retry logic redistributes load; an
				// over-committed worker drops rather than requeues.
				s.statsMu.Lock()
				s.rejected++
				s.statsMu.Unlock()
				log.Warn().Int("worker", w.id).Msg("worker at task cap, dropping task")
				continue
			}
			w.active.Add(1)
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer w.active.Add(-1)
				s.runTask(w.id, task)
			}()
		}
	}
}

// runTask invokes the handler under the handler timeout with a short grace
// for cooperative cancellation.
func (s *Scheduler) runTask(workerID int, task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Int("worker", workerID).Interface("panic", r).Msg("handler panicked")
				result <- errors.New("handler panic")
			}
		}()
		result <- task(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		select {
		case err = <-result:
		case <-time.After(time.Second):
			err = ctx.Err()
			log.Error().Int("worker", workerID).Msg("handler timed out and ignored cancellation")
		}
	}

	s.statsMu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.processed++
	}
	s.statsMu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (s *Scheduler) Stats() Stats {
	s.workersMu.RLock()
	active := make([]int, len(s.workers))
	for i, w := range s.workers {
		active[i] = int(w.active.Load())
	}
	workers := len(s.workers)
	s.workersMu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := Stats{
		Received:    s.received,
		Processed:   s.processed,
		Failed:      s.failed,
		Rejected:    s.rejected,
		Workers:     workers,
		ActiveTasks: active,
	}
	if done := s.processed + s.failed; done > 0 {
		st.SuccessRate = float64(s.processed) / float64(done) * 100
	}
	return st
}

// Shutdown stops the pool. With wait set it gives in-flight and queued work
// up to 10 seconds to finish before returning.
func (s *Scheduler) Shutdown(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if wait {
		drained := make(chan struct{})
		go func() {
			for {
				if s.queuedTasks() == 0 {
					close(drained)
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
		}()
		select {
		case <-drained:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("scheduler shutdown timed out waiting for queued tasks")
		}
	}

	close(s.doneCh())
	s.wg.Wait()
	log.Debug().Msg("scheduler stopped")
}

func (s *Scheduler) queuedTasks() int {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	total := 0
	for _, w := range s.workers {
		total += len(w.queue) + int(w.active.Load())
	}
	return total
}
