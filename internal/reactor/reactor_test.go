package reactor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/ratelimit"
	"github.com/graft-project/graft-ng-sub001/internal/router"
	"github.com/graft-project/graft-ng-sub001/internal/sysinfo"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/graft-project/graft-ng-sub001/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	chunks [][]byte
	status int
	final  []byte
	closed bool
	done   chan struct{}
}

func newRecordingWriter() *recordingWriter { return &recordingWriter{done: make(chan struct{})} }

func (w *recordingWriter) WriteChunk(b []byte) error { w.chunks = append(w.chunks, append([]byte(nil), b...)); return nil }
func (w *recordingWriter) WriteFinal(status int, b []byte) {
	w.status = status
	w.final = append([]byte(nil), b...)
}
func (w *recordingWriter) Close() { w.closed = true; close(w.done) }

func newTestReactor(t *testing.T, upstreamURL string) *Reactor {
	t.Helper()
	cfg := Config{
		HTTPConnectionTimeout: 50 * time.Millisecond,
		TimerPollInterval:     5 * time.Millisecond,
		WorkersCount:          2,
		WorkerQueueLen:        8,
		WorkersExpellingAfter: time.Minute,
	}
	if upstreamURL != "" {
		cfg.UpstreamDefault = upstream.Config{URI: upstreamURL, Timeout: time.Second}
	}
	r := New(cfg, router.NewRoot(), ratelimit.NewBlacklist(1, 100), sysinfo.NewCounters(prometheus.NewRegistry()))
	go r.Run()
	t.Cleanup(r.Stop)
	return r
}

func newTask(r *Reactor, h task.Handler3) *task.Task {
	return task.New(task.NewID(), h, task.KindClient, r.Global)
}

func TestServeSynchronousOkRoundTrip(t *testing.T) {
	r := newTestReactor(t, "")
	h := task.Handler3{Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
		out.Body = []byte("hello")
		return task.Ok
	}}
	tk := newTask(r, h)
	w := newRecordingWriter()

	r.Serve(tk, w)

	require.True(t, w.closed)
	require.Equal(t, http.StatusOK, w.status)
	require.Equal(t, "hello", string(w.final))
}

func TestServeWorkerActionSuspendsThenCompletesAsync(t *testing.T) {
	r := newTestReactor(t, "")
	h := task.Handler3{
		Worker: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			out.Body = []byte("worked")
			return task.Ok
		},
	}
	tk := newTask(r, h)
	w := newRecordingWriter()

	r.Serve(tk, w)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker_action completion")
	}
	require.Equal(t, "worked", string(w.final))
}

func TestServeDropShortCircuits(t *testing.T) {
	r := newTestReactor(t, "")
	h := task.Handler3{Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
		return task.Drop
	}}
	tk := newTask(r, h)
	w := newRecordingWriter()

	r.Serve(tk, w)

	require.Equal(t, http.StatusBadRequest, w.status)
	require.Equal(t, "Job done Drop.", string(w.final))
}

func TestForwardRoundTripThroughUpstream(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream-said-hi"))
	}))
	t.Cleanup(upstreamSrv.Close)

	r := newTestReactor(t, upstreamSrv.URL)

	h := task.Handler3{
		Post: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			if in.RespCode != 0 {
				// second pass: the upstream's reply is now in Input.
				out.Body = in.Body
				return task.Ok
			}
			out.Path = "/anything"
			return task.Forward
		},
	}
	tk := newTask(r, h)
	w := newRecordingWriter()

	r.Serve(tk, w)

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward round trip")
	}
	require.Equal(t, "upstream-said-hi", string(w.final))
}

func TestPostponeResumesOnLateAnswer(t *testing.T) {
	r := newTestReactor(t, "")

	var resumeID = task.NewID()
	parkedHandler := task.Handler3{
		Post: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			if in.Body != nil {
				out.Body = in.Body
				return task.Ok
			}
			ctx.SetID(resumeID)
			return task.Postpone
		},
	}
	parked := newTask(r, parkedHandler)
	pw := newRecordingWriter()
	r.Serve(parked, pw)

	answererHandler := task.Handler3{
		Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			ctx.SetNextTaskID(resumeID)
			out.Body = []byte("the answer")
			return task.Ok
		},
	}
	answerer := newTask(r, answererHandler)
	aw := newRecordingWriter()
	r.Serve(answerer, aw)

	select {
	case <-pw.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for parked task to resume")
	}
	require.Equal(t, "the answer", string(pw.final))
}

func TestPostponeTimesOutWithoutAnswer(t *testing.T) {
	r := newTestReactor(t, "")
	h := task.Handler3{Post: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
		return task.Postpone
	}}
	tk := newTask(r, h)
	w := newRecordingWriter()

	r.Serve(tk, w)

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for postpone timeout response")
	}
	require.Equal(t, http.StatusInternalServerError, w.status)
	require.Equal(t, "Postpone task response timeout", string(w.final))
}
