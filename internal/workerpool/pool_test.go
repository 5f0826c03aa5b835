package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsJobOnSomeWorker(t *testing.T) {
	p := New(4, 8, time.Hour)
	defer p.Close()

	var ran int32
	done := make(chan struct{})
	ok := p.Post(Job{
		Run: func() error { atomic.AddInt32(&ran, 1); return nil },
		Done: func(error) { close(done) },
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPostNeverBlocksWhenEveryQueueIsFull(t *testing.T) {
	p := New(1, 1, time.Hour)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Post(Job{Run: func() error { close(started); <-block; return nil }}))
	<-started // the worker has dequeued job 1 and is now blocked running it
	// its queue (capacity 1) is empty again, so this absorbs one more...
	require.True(t, p.Post(Job{Run: func() error { return nil }}))
	// ...and a third must be rejected, not block this goroutine.
	rejected := make(chan bool, 1)
	go func() { rejected <- p.Post(Job{Run: func() error { return nil }}) }()

	select {
	case ok := <-rejected:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Post blocked instead of returning false")
	}
	close(block)
}

func TestPanicInJobBecomesError(t *testing.T) {
	p := New(1, 1, time.Hour)
	defer p.Close()

	var gotErr error
	done := make(chan struct{})
	p.Post(Job{
		Run:  func() error { panic("boom") },
		Done: func(err error) { gotErr = err; close(done) },
	})
	<-done
	require.Error(t, gotErr)
}

func TestExpelledWorkerRespawnsElasticallyOnNextJob(t *testing.T) {
	p := New(1, 1, 5*time.Millisecond)
	defer p.Close()

	require.Eventually(t, func() bool { return p.Size() == 0 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	ok := p.Post(Job{Run: func() error { close(done); return nil }})
	require.True(t, ok)
	<-done
}

func TestStrandRunsCallablesInSubmitOrder(t *testing.T) {
	p := New(2, 16, time.Hour)
	defer p.Close()
	s := NewStrand(p, 64)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		require.True(t, s.Post(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}
