// Package reactor wires the Router, Worker Pool, Upstream Manager, and
// Context Store into the single-threaded I/O event loop described in
// §4.1: it implements statemachine.Runtime and drives every Task through
// the table in internal/statemachine.
package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/ctxstore"
	"github.com/graft-project/graft-ng-sub001/internal/ratelimit"
	"github.com/graft-project/graft-ng-sub001/internal/router"
	"github.com/graft-project/graft-ng-sub001/internal/slog"
	"github.com/graft-project/graft-ng-sub001/internal/statemachine"
	"github.com/graft-project/graft-ng-sub001/internal/sysinfo"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/graft-project/graft-ng-sub001/internal/upstream"
	"github.com/graft-project/graft-ng-sub001/internal/workerpool"
)

var log = slog.NewModuleLogger("reactor")

// Config bundles the reactor-level tunables §6 assigns to the process as
// a whole, as opposed to one collaborator's own constructor args.
type Config struct {
	HTTPConnectionTimeout time.Duration // deadline for a parked (Postpone) task
	TimerPollInterval     time.Duration
	WorkersCount          int
	WorkerQueueLen        int
	WorkersExpellingAfter time.Duration
	UpstreamDefault       upstream.Config
}

// ResponseWriter is the minimal surface RespondAndDie needs from whatever
// transport accepted the request — implemented by the fasthttp adapter in
// internal/supernode and, in tests, a recording fake.
type ResponseWriter interface {
	WriteChunk(body []byte) error // Again: one more chunk, connection stays open
	WriteFinal(status int, body []byte)
	Close()
}

// Reactor is the single-threaded driver: every Runtime method it exposes
// to internal/statemachine either runs synchronously on the calling
// goroutine or posts a resumption closure onto events, which the single
// loop goroutine started by Run drains. That keeps every Task's actual
// phase calls single-driver (§3, §8.3) without a global lock.
type Reactor struct {
	cfg Config

	Router   *router.Root
	Pool     *workerpool.Pool
	Upstream *upstream.Manager
	Global   *ctxstore.Global
	Black    *ratelimit.Blacklist
	Counters *sysinfo.Counters

	events chan func()
	stopCh chan struct{}

	mu           sync.Mutex
	postponed    map[string]*task.Task
	earlyAnswers *ctxstore.ExpiringList

	timerMu sync.Mutex
	timers  timerHeap

	metaMu sync.Mutex
	meta   map[*task.Task]ResponseWriter
}

func New(cfg Config, root *router.Root, black *ratelimit.Blacklist, counters *sysinfo.Counters) *Reactor {
	r := &Reactor{
		cfg:          cfg,
		Router:       root,
		Pool:         workerpool.New(cfg.WorkersCount, cfg.WorkerQueueLen, cfg.WorkersExpellingAfter),
		Global:       ctxstore.NewGlobal(),
		Black:        black,
		Counters:     counters,
		events:       make(chan func(), 1024),
		stopCh:       make(chan struct{}),
		postponed:    make(map[string]*task.Task),
		earlyAnswers: ctxstore.NewExpiringList(cfg.HTTPConnectionTimeout),
		meta:         make(map[*task.Task]ResponseWriter),
	}
	r.Upstream = upstream.NewManager(cfg.UpstreamDefault, r.onUpstreamDone)
	heap.Init(&r.timers)
	return r
}

// timerItem is a one-shot deferred callback, used for postpone timeouts
// and (via ScheduleEvery) periodic tasks.
type timerItem struct {
	deadline time.Time
	fire     func()
	every    time.Duration // 0 for one-shot
}

type timerHeap []timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (r *Reactor) after(d time.Duration, fire func()) {
	r.timerMu.Lock()
	heap.Push(&r.timers, timerItem{deadline: time.Now().Add(d), fire: fire})
	r.timerMu.Unlock()
}

// ScheduleEvery registers a periodic task (§3's Kind=Periodic), fired on
// the reactor's own goroutine just like every other action.
func (r *Reactor) ScheduleEvery(d time.Duration, fire func()) {
	r.timerMu.Lock()
	heap.Push(&r.timers, timerItem{deadline: time.Now().Add(d), fire: fire, every: d})
	r.timerMu.Unlock()
}

func (r *Reactor) popDueTimers(now time.Time) []timerItem {
	var due []timerItem
	r.timerMu.Lock()
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		it := heap.Pop(&r.timers).(timerItem)
		due = append(due, it)
		if it.every > 0 {
			heap.Push(&r.timers, timerItem{deadline: now.Add(it.every), fire: it.fire, every: it.every})
		}
	}
	r.timerMu.Unlock()
	return due
}

// Run is the single event loop goroutine: it drains cross-thread
// resumptions (worker-pool/upstream completions) and fires due timers
// (postpone timeouts, periodic tasks, the context-store TTL sweep) until
// Stop is called. HTTP request handling itself runs on whatever goroutine
// the transport calls Serve from — Serve and Run never touch the same
// Task concurrently because the table's single-driver invariant is
// enforced per-task, not by serializing onto this loop.
func (r *Reactor) Run() {
	poll := r.cfg.TimerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case fn := <-r.events:
			fn()
		case now := <-ticker.C:
			r.Global.EvictExpired(now, 256)
			for _, it := range r.popDueTimers(now) {
				it.fire()
			}
		}
	}
}

// Stop ends Run's loop; in-flight tasks are not cancelled.
func (r *Reactor) Stop() { close(r.stopCh) }

// Serve runs one request's Task from EXECUTE to its first suspend point,
// synchronously on the calling (I/O) goroutine — exactly how the original
// dispatches a freshly-accepted connection inline rather than queuing it.
func (r *Reactor) Serve(t *task.Task, w ResponseWriter) {
	r.attach(t, w)
	statemachine.Run(r, t, statemachine.Execute, r.onTableGap)
}

func (r *Reactor) attach(t *task.Task, w ResponseWriter) {
	r.metaMu.Lock()
	r.meta[t] = w
	r.metaMu.Unlock()
}

func (r *Reactor) detach(t *task.Task) {
	r.metaMu.Lock()
	delete(r.meta, t)
	r.metaMu.Unlock()
}

func (r *Reactor) writerFor(t *task.Task) ResponseWriter {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.meta[t]
}

func (r *Reactor) onTableGap(state statemachine.State, status task.Status, t *task.Task) {
	log.Crit("no transition for state=%s status=%s task=%s", state, status, t.ID)
}

// --- statemachine.Runtime ---

// CheckThreadPoolOverflow is the table's cheap early-reject (§4.2's
// "thread-pool overflow guard"): if the task binds a worker phase and the
// pool's queues are all currently full, the task is rejected with Busy
// before pre_action even runs. DispatchWorkerAction still re-checks at
// Post time — Full is a snapshot and a worker can drain between the two
// checks — so this is advisory, not the only guard.
func (r *Reactor) CheckThreadPoolOverflow(t *task.Task) {
	if t.Handler.Worker != nil && r.Pool.Full() {
		t.LastStatus = task.Busy
	}
}

func (r *Reactor) RunPreAction(t *task.Task) {
	r.runPhase(t, t.Handler.Pre)
}

// RunPostAction runs post_action. After a successful upstream reply it runs
// a second time, with the reply now sitting in Input (RespCode set) and
// LastStatus Ok; its verdict is acted on by CHK_POST_ACTION as usual, so a
// Forward it returns on that pass is sent upstream again. Handlers tell the
// two passes apart by Input.RespCode. A failed upstream call does not come
// back here: onUpstreamDone writes the error response directly.
func (r *Reactor) RunPostAction(t *task.Task) {
	r.runPhase(t, t.Handler.Post)
}

func (r *Reactor) runPhase(t *task.Task, h task.HandlerFunc) {
	if h == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task %s: recovered panic in phase: %v", t.ID, rec)
			t.SetError(fmt.Sprintf("panic: %v", rec))
			t.Output.Body = []byte(t.ErrorMessage())
			t.Input.Reset()
		}
	}()
	status := h(&t.Vars, &t.Input, t.Ctx, &t.Output)
	t.LastStatus = status
	if status == task.Ok || status == task.Forward {
		t.Input.Assign(&t.Output)
	}
}

func (r *Reactor) DispatchWorkerAction(t *task.Task) {
	if t.Handler.Worker == nil {
		return
	}
	ok := r.Pool.Post(workerpool.Job{
		Run: func() error {
			t.Lock()
			defer t.Unlock()
			t.EnterWorkerAction()
			defer t.ExitWorkerAction()
			status := t.Handler.Worker(&t.Vars, &t.Input, t.Ctx, &t.Output)
			t.LastStatus = status
			if status == task.Ok || status == task.Forward {
				t.Input.Assign(&t.Output)
			}
			return nil
		},
		Done: func(error) {
			r.events <- func() {
				statemachine.Run(r, t, statemachine.WorkerActionDone, r.onTableGap)
			}
		},
	})
	if !ok {
		t.LastStatus = task.Busy
		r.RespondAndDie(t, "Service busy.", true)
	}
}

func (r *Reactor) ProcessForward(t *task.Task) {
	r.Upstream.Send(t)
}

func (r *Reactor) onUpstreamDone(t *task.Task) {
	r.Counters.RecordUpstream(t.LastStatus == task.Ok, 0, len(t.Input.Body))
	if t.LastStatus != task.Ok {
		// upstream failure: error exit with the upstream's message as the
		// body, without running post_action again.
		r.events <- func() { r.RespondAndDie(t, t.ErrorMessage(), true) }
		return
	}
	r.events <- func() {
		statemachine.Run(r, t, statemachine.PostAction, r.onTableGap)
	}
}

func (r *Reactor) ProcessOk(t *task.Task) {
	if next := t.Ctx.NextTaskID(); next != nil {
		r.resumeParked(next.String(), t)
	}
	r.RespondAndDie(t, t.Output.Data(), true)
}

// resumeParked implements the Postpone/Resume race from §4.5: if the
// target task has already reached PostponeTask (is in r.postponed), copy
// the answering task's reply into it and reschedule at POST_ACTION;
// otherwise the answer arrived early, so it is staged in earlyAnswers
// keyed by the target's correlation uuid for PostponeTask to pick up.
func (r *Reactor) resumeParked(key string, answer *task.Task) {
	r.mu.Lock()
	parked, found := r.postponed[key]
	if found {
		delete(r.postponed, key)
	}
	r.mu.Unlock()

	if !found {
		r.earlyAnswers.Add(key, answer.Output)
		return
	}
	parked.Input.Assign(&answer.Output)
	parked.LastStatus = task.Ok
	r.events <- func() {
		statemachine.Run(r, parked, statemachine.PostAction, r.onTableGap)
	}
}

// PostponeTask parks t under its own correlation id (§4.5's "dispatched
// again later on reception of the correlating id"), first checking
// whether an answer already arrived early.
func (r *Reactor) PostponeTask(t *task.Task) {
	key := t.Ctx.ID(true).String()

	if payload, found := r.earlyAnswers.Extract(key); found {
		out := payload.(task.Output)
		t.Input.Assign(&out)
		t.LastStatus = task.Ok
		r.events <- func() {
			statemachine.Run(r, t, statemachine.PostAction, r.onTableGap)
		}
		return
	}

	r.mu.Lock()
	r.postponed[key] = t
	r.mu.Unlock()

	r.after(r.cfg.HTTPConnectionTimeout, func() {
		r.mu.Lock()
		_, stillParked := r.postponed[key]
		if stillParked {
			delete(r.postponed, key)
		}
		r.mu.Unlock()
		if stillParked {
			t.SetError("Postpone task response timeout")
			r.RespondAndDie(t, t.ErrorMessage(), true)
		}
	})
}

func (r *Reactor) RespondAndDie(t *task.Task, body string, die bool) {
	w := r.writerFor(t)
	if die {
		r.Counters.RecordResponse(outcomeLabel(t.LastStatus), len(body))
	}

	if w == nil {
		if die {
			r.detach(t)
		}
		return
	}
	if !die {
		if err := w.WriteChunk([]byte(body)); err != nil {
			log.Warn("task %s: chunk write failed: %v", t.ID, err)
		}
		return
	}
	w.WriteFinal(t.LastStatus.HTTPStatus(), []byte(body))
	w.Close()
	r.detach(t)
}

func outcomeLabel(s task.Status) string {
	switch s {
	case task.Ok, task.Forward, task.Again:
		return "ok"
	case task.Drop:
		return "drop"
	case task.Busy:
		return "busy"
	default:
		return "error"
	}
}
