// Package workerpool implements the bounded MPMC worker pool that runs
// CPU-bound worker_action callbacks off the Reactor's I/O goroutine (§4.3).
// Handoff from the Reactor is always non-blocking: Post tries each
// worker's queue in round-robin order and returns false rather than ever
// block the caller.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/slog"
)

var log = slog.NewModuleLogger("workerpool")

// Job is a unit of work posted to a worker. Run executes on whichever
// worker goroutine dequeues it; Done is called once, from that same
// goroutine, with any panic converted to err.
type Job struct {
	Run  func() error
	Done func(err error)
}

type worker struct {
	id    int
	queue chan Job
	pool  *Pool
}

func (w *worker) loop() {
	defer w.pool.wg.Done()
	idle := time.NewTimer(w.pool.expelAfter)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-w.queue:
			if !ok {
				return
			}
			w.run(job)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(w.pool.expelAfter)

		case <-idle.C:
			if w.pool.expel(w) {
				return
			}
			idle.Reset(w.pool.expelAfter)
		}
	}
}

func (w *worker) run(job Job) {
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("worker %d: recovered panic in job: %v", w.id, r)
				runErr = panicError{r}
			}
		}()
		runErr = job.Run()
	}()
	if job.Done != nil {
		job.Done(runErr)
	}
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "panic in worker_action" }

// Pool is a fixed-size-at-any-instant set of workers, each backed by its
// own bounded channel, elastically shrinking and regrowing with the
// expelling policy (§4.3). Workers are siblings: Post tries them in
// round-robin order so a momentarily-full queue doesn't reject work that
// another worker could take immediately.
type Pool struct {
	mu         sync.Mutex
	wg         sync.WaitGroup
	workers    []*worker
	queueSize  int
	expelAfter time.Duration
	nextID     int
	next       uint64 // atomic round-robin cursor
	closed     bool
}

// New creates a pool with size workers (GOMAXPROCS when size < 1), rounded
// up to a power of two, each with a queue capacity of queueSize, expelling
// workers idle longer than expelAfter.
func New(size, queueSize int, expelAfter time.Duration) *Pool {
	if size < 1 {
		size = runtime.GOMAXPROCS(0)
	}
	n := 1
	for n < size {
		n <<= 1
	}
	size = n
	p := &Pool{queueSize: queueSize, expelAfter: expelAfter}
	for i := 0; i < size; i++ {
		p.spawn()
	}
	return p
}

func (p *Pool) spawn() *worker {
	p.mu.Lock()
	w := &worker{id: p.nextID, queue: make(chan Job, p.queueSize), pool: p}
	p.nextID++
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.wg.Add(1)
	go w.loop()
	return w
}

// expel removes w from the live set, possibly down to zero workers —
// Post elastically respawns one the moment a new job needs somewhere to
// land (§4.3).
func (p *Pool) expel(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for i, ww := range p.workers {
		if ww == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			close(w.queue)
			return true
		}
	}
	return false
}

// Post attempts a non-blocking handoff, trying each worker in round-robin
// order starting from an internally rotating cursor. It returns false
// (the caller's cue to respond Busy) only once every worker's queue is
// currently full — it never blocks.
func (p *Pool) Post(job Job) bool {
	p.mu.Lock()
	closed := p.closed
	empty := len(p.workers) == 0
	p.mu.Unlock()

	if closed {
		return false
	}
	if empty {
		p.spawn() // elastic respawn: the last worker was expelled for idling
	}

	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	if len(workers) == 0 {
		return false
	}

	start := int(atomic.AddUint64(&p.next, 1)) % len(workers)
	for i := 0; i < len(workers); i++ {
		w := workers[(start+i)%len(workers)]
		select {
		case w.queue <- job:
			return true
		default:
		}
	}
	return false
}

// Size reports the current number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Full reports whether every live worker's queue is currently at capacity,
// i.e. a Post right now would fail. It is a point-in-time snapshot (workers
// can drain between this check and a subsequent Post) used by the
// thread-pool overflow guard to reject early, before a phase even runs.
func (p *Pool) Full() bool {
	p.mu.Lock()
	workers := p.workers
	closed := p.closed
	p.mu.Unlock()

	if closed || len(workers) == 0 {
		return false
	}
	for _, w := range workers {
		if len(w.queue) < cap(w.queue) {
			return false
		}
	}
	return true
}

// Close stops accepting new work and waits for every worker to drain its
// queue and exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		close(w.queue)
	}
	p.wg.Wait()
}
