// Package statemachine implements the three-phase task state machine
// (§4.2): a table of (start_state, status_predicate, guard, action,
// end_state) rows, driven one transition at a time until a state of Exit
// is reached. Exit is reused, as in the original, both for a genuinely
// finished task (a terminal action already ran) and for "nothing more to
// do synchronously — wait for an external re-entry", namely
// WORKER_ACTION_DONE posted by the worker pool once a dispatched
// worker_action completes.
package statemachine

import "github.com/graft-project/graft-ng-sub001/internal/task"

type State int

const (
	Execute State = iota
	PreAction
	ChkPreAction
	WorkerAction
	ChkWorkerAction
	WorkerActionDone
	PostAction
	ChkPostAction
	Exit
)

var stateNames = [...]string{
	"EXECUTE", "PRE_ACTION", "CHK_PRE_ACTION", "WORKER_ACTION", "CHK_WORKER_ACTION",
	"WORKER_ACTION_DONE", "POST_ACTION", "CHK_POST_ACTION", "EXIT",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Runtime is the set of side effects a table Action may trigger. The
// Reactor implements it; tests can supply a fake to observe exactly which
// actions ran without a real I/O loop or worker pool.
type Runtime interface {
	// CheckThreadPoolOverflow sets the task's status to Busy if the worker
	// pool's queues are already full; it is a no-op otherwise. The table
	// itself is responsible for turning that Busy into a response (the
	// PreAction row for Busy runs the 503 action and exits before
	// pre_action is ever invoked).
	CheckThreadPoolOverflow(t *task.Task)
	RunPreAction(t *task.Task)
	// DispatchWorkerAction enqueues worker_action on the worker pool. On
	// queue-full it must itself set Busy and call RespondAndDie directly,
	// bypassing the table — belt and suspenders against CheckThreadPoolOverflow's
	// guard going stale between its check and this call (the pool promises
	// never to block the caller either way).
	DispatchWorkerAction(t *task.Task)
	RunPostAction(t *task.Task)
	RespondAndDie(t *task.Task, body string, die bool)
	ProcessForward(t *task.Task)
	ProcessOk(t *task.Task)
	PostponeTask(t *task.Task)
}

type guard func(h task.Handler3) bool

func hasPre(h task.Handler3) bool    { return h.Pre != nil }
func hasWorker(h task.Handler3) bool { return h.Worker != nil }

type action func(rt Runtime, t *task.Task)

func runPreAction(rt Runtime, t *task.Task)      { rt.RunPreAction(t) }
func runWorkerAction(rt Runtime, t *task.Task)   { rt.DispatchWorkerAction(t) }
func runPostAction(rt Runtime, t *task.Task)     { rt.RunPostAction(t) }
func runForward(rt Runtime, t *task.Task)        { rt.ProcessForward(t) }
func runOkResponse(rt Runtime, t *task.Task)     { rt.ProcessOk(t) }
func runPostpone(rt Runtime, t *task.Task)       { rt.PostponeTask(t) }
func checkOverflow(rt Runtime, t *task.Task)     { rt.CheckThreadPoolOverflow(t) }
func runResponse(rt Runtime, t *task.Task)       { rt.RespondAndDie(t, t.Output.Data(), false) }
func runErrorResponse(rt Runtime, t *task.Task)  { rt.RespondAndDie(t, t.Output.Data(), true) }
func runDrop(rt Runtime, t *task.Task)           { rt.RespondAndDie(t, "Job done Drop.", true) }
func runBusyResponse(rt Runtime, t *task.Task)   { rt.RespondAndDie(t, "Service busy.", true) }

type row struct {
	start    State
	statuses []task.Status // nil/empty means "any status"
	guard    guard
	action   action
	end      State
}

func matchesAny(statuses []task.Status, s task.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}

// table is the transition table, translated row for row from
// src/lib/graft/task.cpp's StateMachine::init_table.
var table = []row{
	{Execute, nil, nil, checkOverflow, PreAction},

	{PreAction, []task.Status{task.Busy}, nil, runBusyResponse, Exit},
	{PreAction, []task.Status{task.None, task.Ok, task.Forward, task.Postpone, task.Again}, nil, runPreAction, ChkPreAction},

	{ChkPreAction, []task.Status{task.Again}, nil, runResponse, PreAction},
	{ChkPreAction, []task.Status{task.Ok}, hasPre, nil, WorkerAction},
	{ChkPreAction, []task.Status{task.Forward}, hasPre, nil, PostAction},
	{ChkPreAction, []task.Status{task.Error, task.InternalError, task.Stop}, hasPre, runErrorResponse, Exit},
	{ChkPreAction, []task.Status{task.Drop}, hasPre, runDrop, Exit},
	{ChkPreAction, []task.Status{task.Busy}, hasPre, runBusyResponse, Exit},
	{ChkPreAction, []task.Status{task.None, task.Ok, task.Forward, task.Postpone}, nil, nil, WorkerAction},

	{WorkerAction, nil, nil, runWorkerAction, ChkWorkerAction},
	{ChkWorkerAction, nil, hasWorker, nil, Exit},
	{ChkWorkerAction, nil, nil, nil, PostAction},

	{WorkerActionDone, []task.Status{task.Again}, nil, runResponse, WorkerAction},
	{WorkerActionDone, nil, nil, nil, PostAction},

	{PostAction, nil, nil, runPostAction, ChkPostAction},
	{ChkPostAction, []task.Status{task.Again}, nil, runResponse, PostAction},
	{ChkPostAction, []task.Status{task.Forward}, nil, runForward, Exit},
	{ChkPostAction, []task.Status{task.Ok}, nil, runOkResponse, Exit},
	{ChkPostAction, []task.Status{task.Error, task.InternalError, task.Stop}, nil, runErrorResponse, Exit},
	{ChkPostAction, []task.Status{task.Drop}, nil, runDrop, Exit},
	{ChkPostAction, []task.Status{task.Busy}, nil, runBusyResponse, Exit},
	{ChkPostAction, []task.Status{task.Postpone}, nil, runPostpone, Exit},
}

// Lookup returns the first row, in table order, matching (state, status,
// handler), if any. Guarded rows precede the unguarded fallback rows for
// the same state, so order decides which of several matching rows is used.
func Lookup(state State, status task.Status, h task.Handler3) (int, bool) {
	for i, r := range table {
		if r.start != state {
			continue
		}
		if !matchesAny(r.statuses, status) {
			continue
		}
		if r.guard != nil && !r.guard(h) {
			continue
		}
		return i, true
	}
	return 0, false
}

// TableGapFunc is invoked when no row matches — a programming error per
// §7.4 / §8.2. Production wiring passes a function that logs at Crit and
// aborts the process; tests may inject a recoverable stand-in.
type TableGapFunc func(state State, status task.Status, t *task.Task)

// Step performs exactly one transition and returns the resulting state.
func Step(rt Runtime, t *task.Task, state State, onGap TableGapFunc) State {
	idx, ok := Lookup(state, t.LastStatus, t.Handler)
	if !ok {
		onGap(state, t.LastStatus, t)
		return Exit
	}
	r := table[idx]
	if r.action != nil {
		r.action(rt, t)
	}
	return r.end
}

// Run drives the table from start until a transition lands on Exit,
// mirroring TaskManager::Execute / dispatch(state). A single Run call may
// perform several transitions synchronously (e.g. EXECUTE through
// CHK_WORKER_ACTION) before control returns to the caller to await the
// next external re-entry (WORKER_ACTION_DONE, a postpone resumption, or
// an upstream reply).
func Run(rt Runtime, t *task.Task, start State, onGap TableGapFunc) {
	state := start
	for state != Exit {
		state = Step(rt, t, state, onGap)
	}
}
