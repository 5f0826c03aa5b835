package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/ctxstore"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/stretchr/testify/require"
)

func TestSendDispatchesAndFillsInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	done := make(chan *task.Task, 1)
	mgr := NewManager(Config{Name: "default", URI: srv.URL, MaxConnections: 2, Timeout: time.Second}, func(tk *task.Task) {
		done <- tk
	})

	tk := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())
	tk.Output.Body = []byte(`{"hello":"world"}`)
	tk.Input.Method = "POST"

	mgr.Send(tk)

	select {
	case got := <-done:
		require.Equal(t, task.Ok, got.LastStatus)
		require.Equal(t, 200, got.Input.RespCode)
		require.Equal(t, `{"ok":true}`, string(got.Input.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}
}

func TestSendBlockingRefusedOutsideWorkerAction(t *testing.T) {
	mgr := NewManager(Config{Name: "default", URI: "http://127.0.0.1:0", Timeout: time.Second}, nil)
	caller := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())

	_, err := mgr.SendBlocking(caller, task.Output{})
	require.Error(t, err)
}

func TestSendBlockingRoundTripsFromWorkerAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	mgr := NewManager(Config{Name: "default", URI: srv.URL, MaxConnections: 2, Timeout: time.Second}, nil)
	caller := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())
	caller.EnterWorkerAction()
	defer caller.ExitWorkerAction()

	in, err := mgr.SendBlocking(caller, task.Output{Body: []byte(`{"hello":"world"}`)})
	require.NoError(t, err)
	require.Equal(t, 200, in.RespCode)
	require.Equal(t, `{"ok":true}`, string(in.Body))
}

func TestDispatchDefaultsContentTypeToJSON(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Content-Type")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	done := make(chan *task.Task, 1)
	mgr := NewManager(Config{Name: "default", URI: srv.URL, MaxConnections: 1, Timeout: time.Second}, func(tk *task.Task) { done <- tk })
	tk := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())
	tk.Output.Body = []byte(`{}`)

	mgr.Send(tk)

	select {
	case ct := <-seen:
		require.Equal(t, "application/json", ct)
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached server")
	}
	<-done
}

func TestTimeoutErrorMessageMatchesSpec(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	done := make(chan *task.Task, 1)
	mgr := NewManager(Config{Name: "default", URI: srv.URL, MaxConnections: 1, Timeout: 10 * time.Millisecond}, func(tk *task.Task) { done <- tk })
	tk := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())

	mgr.Send(tk)

	select {
	case got := <-done:
		require.Equal(t, task.Error, got.LastStatus)
		require.Equal(t, "cryptonode request timeout", got.ErrorMessage())
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}
}

func TestQueueingAtMaxConnections(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(200)
	}))
	defer srv.Close()

	doneCh := make(chan *task.Task, 3)
	mgr := NewManager(Config{Name: "default", URI: srv.URL, MaxConnections: 1, Timeout: 5 * time.Second}, func(tk *task.Task) {
		doneCh <- tk
	})

	for i := 0; i < 3; i++ {
		tk := task.New(task.NewID(), task.Handler3{}, task.KindClient, ctxstore.NewGlobal())
		mgr.Send(tk)
	}

	require.Eventually(t, func() bool {
		mgr.def.mu.Lock()
		defer mgr.def.mu.Unlock()
		return mgr.def.connCount == 1 && len(mgr.def.queue) == 2
	}, time.Second, time.Millisecond)

	close(release)
	for i := 0; i < 3; i++ {
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			t.Fatal("queued sends never drained")
		}
	}
}
