package statemachine

import (
	"fmt"
	"testing"

	"github.com/graft-project/graft-ng-sub001/internal/ctxstore"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/stretchr/testify/require"
)

// fakeRuntime records which Runtime method ran, in order, without doing
// any real I/O or worker-pool dispatch. setStatus scripts what a phase
// call leaves behind in t.LastStatus, standing in for the handler body a
// real Runtime would have invoked. RunPostAction also calls a bound Post
// handler first; a setStatus entry for "post" overrides its result.
type fakeRuntime struct {
	calls     []string
	setStatus map[string]task.Status
}

func (f *fakeRuntime) record(name string, t *task.Task) {
	f.calls = append(f.calls, name)
	if s, ok := f.setStatus[name]; ok {
		t.LastStatus = s
	}
}

func (f *fakeRuntime) CheckThreadPoolOverflow(t *task.Task) { f.record("overflow", t) }
func (f *fakeRuntime) RunPreAction(t *task.Task)             { f.record("pre", t) }
func (f *fakeRuntime) DispatchWorkerAction(t *task.Task)     { f.record("worker", t) }
func (f *fakeRuntime) RunPostAction(t *task.Task) {
	if t.Handler.Post != nil {
		t.LastStatus = t.Handler.Post(&t.Vars, &t.Input, t.Ctx, &t.Output)
	}
	f.record("post", t)
}
func (f *fakeRuntime) RespondAndDie(t *task.Task, body string, die bool) {
	f.record(fmt.Sprintf("respond(die=%v)", die), t)
}
func (f *fakeRuntime) ProcessForward(t *task.Task) { f.record("forward", t) }
func (f *fakeRuntime) ProcessOk(t *task.Task)       { f.record("ok", t) }
func (f *fakeRuntime) PostponeTask(t *task.Task)    { f.record("postpone", t) }

func newTestTask(h task.Handler3) *task.Task {
	return task.New(task.NewID(), h, task.KindClient, ctxstore.NewGlobal())
}

func noopGap(State, task.Status, *task.Task) {}

func noopHandler(*task.Vars, *task.Input, *task.Context, *task.Output) task.Status { return task.Ok }

// A route with no worker_action never suspends: PRE_ACTION, WORKER_ACTION
// (a no-op dispatch — nothing bound) and POST_ACTION all run synchronously
// inside one Run call.
func TestHandlerWithoutWorkerActionRunsSynchronouslyToOk(t *testing.T) {
	rt := &fakeRuntime{setStatus: map[string]task.Status{"pre": task.Ok, "post": task.Ok}}
	tk := newTestTask(task.Handler3{
		Pre:  noopHandler,
		Post: noopHandler,
	})

	Run(rt, tk, Execute, noopGap)

	require.Equal(t, []string{"overflow", "pre", "worker", "post", "ok"}, rt.calls)
}

// A bound worker_action suspends the synchronous drive at CHK_WORKER_ACTION
// (Exit) until the pool's completion callback re-enters at
// WORKER_ACTION_DONE.
func TestWorkerActionSuspendsForAsyncCompletion(t *testing.T) {
	rt := &fakeRuntime{}
	tk := newTestTask(task.Handler3{
		Worker: noopHandler,
	})

	Run(rt, tk, Execute, noopGap)
	require.Equal(t, []string{"overflow", "pre", "worker"}, rt.calls)

	tk.LastStatus = task.Ok // the worker pool's completion result
	rt2 := &fakeRuntime{setStatus: map[string]task.Status{"post": task.Ok}}
	Run(rt2, tk, WorkerActionDone, noopGap)
	require.Equal(t, []string{"post", "ok"}, rt2.calls)
}

func TestDropFromPreActionShortCircuitsToExit(t *testing.T) {
	rt := &fakeRuntime{setStatus: map[string]task.Status{"pre": task.Drop}}
	tk := newTestTask(task.Handler3{Pre: noopHandler})

	Run(rt, tk, Execute, noopGap)
	require.Equal(t, []string{"overflow", "pre", "respond(die=true)"}, rt.calls)
}

// CheckThreadPoolOverflow rejecting a task with Busy before pre_action ever
// runs must itself write the 503 and exit — not fall through as a table gap.
func TestBusyFromOverflowGuardShortCircuitsBeforePreAction(t *testing.T) {
	rt := &fakeRuntime{setStatus: map[string]task.Status{"overflow": task.Busy}}
	tk := newTestTask(task.Handler3{Pre: noopHandler})

	Run(rt, tk, Execute, noopGap)
	require.Equal(t, []string{"overflow", "respond(die=true)"}, rt.calls)
}

// Busy returned from post_action must also write 503 and exit, per §4.2's
// CHK_POST_ACTION row for Busy.
func TestBusyFromPostActionRespondsAndExits(t *testing.T) {
	rt := &fakeRuntime{setStatus: map[string]task.Status{"pre": task.Ok, "post": task.Busy}}
	tk := newTestTask(task.Handler3{Pre: noopHandler, Post: noopHandler})

	Run(rt, tk, Execute, noopGap)
	require.Equal(t, []string{"overflow", "pre", "worker", "post", "respond(die=true)"}, rt.calls)
}

// Forward from pre_action skips WORKER_ACTION entirely but still runs
// post_action, whose own verdict decides what CHK_POST_ACTION does. No
// post_action is bound here, so the Forward left by pre_action reaches
// CHK_POST_ACTION's forward row.
func TestForwardFromPreActionSkipsWorkerButStillRunsPost(t *testing.T) {
	rt := &fakeRuntime{setStatus: map[string]task.Status{"pre": task.Forward}}
	tk := newTestTask(task.Handler3{Pre: noopHandler})

	Run(rt, tk, Execute, noopGap)
	require.Equal(t, []string{"overflow", "pre", "post", "forward"}, rt.calls)
}

func TestAgainLoopsSamePhaseUntilTerminal(t *testing.T) {
	count := 0
	rt := &fakeRuntime{setStatus: map[string]task.Status{"pre": task.Ok}}
	tk := newTestTask(task.Handler3{
		Pre: noopHandler,
		Post: func(*task.Vars, *task.Input, *task.Context, *task.Output) task.Status {
			count++
			if count < 3 {
				return task.Again
			}
			return task.Ok
		},
	})

	Run(rt, tk, Execute, noopGap)

	require.Equal(t, []string{
		"overflow", "pre", "worker",
		"post", "respond(die=false)",
		"post", "respond(die=false)",
		"post", "ok",
	}, rt.calls)
}

func TestTableGapAbortsOnUnhandledStatusAtState(t *testing.T) {
	rt := &fakeRuntime{}
	tk := newTestTask(task.Handler3{})
	tk.LastStatus = task.Error // PRE_ACTION has no row for Error

	var gapState State
	var gapStatus task.Status
	Run(rt, tk, PreAction, func(s State, st task.Status, _ *task.Task) {
		gapState, gapStatus = s, st
	})

	require.Equal(t, PreAction, gapState)
	require.Equal(t, task.Error, gapStatus)
}

// TestExactlyOneRowMatches is Testable Property #2: for every (state,
// status, pre-present, worker-present) combination, at most one table row
// may match — never two.
func TestExactlyOneRowMatches(t *testing.T) {
	states := []State{Execute, PreAction, ChkPreAction, WorkerAction, ChkWorkerAction, WorkerActionDone, PostAction, ChkPostAction}
	statuses := []task.Status{task.None, task.Ok, task.Forward, task.Again, task.Error, task.InternalError, task.Drop, task.Busy, task.Postpone, task.Stop}
	handlers := []task.Handler3{
		{},
		{Pre: noopHandler},
		{Worker: noopHandler},
		{Pre: noopHandler, Worker: noopHandler},
	}

	for _, st := range states {
		for _, status := range statuses {
			for _, h := range handlers {
				matches := 0
				for _, r := range table {
					if r.start != st {
						continue
					}
					if !matchesAny(r.statuses, status) {
						continue
					}
					if r.guard != nil && !r.guard(h) {
						continue
					}
					matches++
				}
				require.LessOrEqual(t, matches, 1,
					"state=%v status=%v handler=%+v matched %d rows", st, status, h, matches)
			}
		}
	}
}
