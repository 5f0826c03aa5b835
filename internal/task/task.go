package task

import (
	"sync"
	"sync/atomic"

	"github.com/graft-project/graft-ng-sub001/internal/ctxstore"
	"github.com/pborman/uuid"
)

// HandlerFunc is the shape every pre/worker/post phase implements: a pure
// callable from (path vars, request input, context, response output) to a
// Status. The concrete payment handlers (sale/pay/approve/reject/status)
// live outside this spec's scope and are injected as HandlerFuncs.
type HandlerFunc func(vars *Vars, in *Input, ctx *Context, out *Output) Status

// Handler3 names and bundles the three optional phases a route can bind.
type Handler3 struct {
	Pre    HandlerFunc
	Worker HandlerFunc
	Post   HandlerFunc
	Name   string
}

// Kind classifies how a Task came to exist, per §3.
type Kind int

const (
	KindClient Kind = iota
	KindPeriodic
	KindUpstreamBlocking
)

// Task is the central long-lived entity the state machine drives through
// its phases. Mutated only by the goroutine currently driving it — the
// I/O goroutine for pre/post/dispatch, at most one worker goroutine during
// worker_action (which runs holding driverMu).
type Task struct {
	ID uuid.UUID

	Handler Handler3
	Vars    Vars
	Input   Input
	Output  Output
	Ctx     *Context

	LastStatus Status
	Kind       Kind

	// driverMu is held by the worker pool job while worker_action runs;
	// pre/post phases run on the I/O goroutine without taking it.
	driverMu sync.Mutex

	// errMsg carries a phase panic's message into the error-exit branch.
	errMsg string

	// inWorker is set while worker_action is actually running on a worker
	// goroutine, and nowhere else — it's the signal send_upstream_blocking
	// checks to refuse a call made from the Reactor's own I/O goroutine.
	inWorker int32
}

// EnterWorkerAction/ExitWorkerAction bracket a worker_action invocation.
// Only the worker pool should call these.
func (t *Task) EnterWorkerAction() { atomic.StoreInt32(&t.inWorker, 1) }
func (t *Task) ExitWorkerAction()  { atomic.StoreInt32(&t.inWorker, 0) }

// InWorkerAction reports whether the calling goroutine is (as far as the
// task can tell) currently running this task's worker_action — the gate
// send_upstream_blocking uses to refuse calls from the I/O goroutine.
func (t *Task) InWorkerAction() bool { return atomic.LoadInt32(&t.inWorker) == 1 }

// New creates a task bound to the process-wide Context Store; callers
// typically pass a fresh random ID (see NewID) except when resuming a
// postponed task under an externally-chosen uuid.
func New(id uuid.UUID, h Handler3, kind Kind, global *ctxstore.Global) *Task {
	t := &Task{
		ID:      id,
		Handler: h,
		Kind:    kind,
	}
	t.Ctx = NewContext(global)
	return t
}

// NewID generates a fresh random task identity.
func NewID() uuid.UUID { return uuid.NewRandom() }

// ParseUUID parses a correlation id off the wire (e.g. the
// /callback/{uuid} path variable), returning nil on malformed input.
func ParseUUID(s string) uuid.UUID { return uuid.Parse(s) }

// Lock/Unlock expose the single-driver mutex; the Reactor's worker pool
// job holds it around worker_action.
func (t *Task) Lock()   { t.driverMu.Lock() }
func (t *Task) Unlock() { t.driverMu.Unlock() }

func (t *Task) SetError(msg string) {
	t.errMsg = msg
	t.LastStatus = Error
}

func (t *Task) ErrorMessage() string { return t.errMsg }
