// Package upstream implements the per-destination keep-alive connection
// pools described in §4.4: a default destination plus named
// substitutions, each queuing tasks once its max_connections cap is hit
// and dispatching an UpstreamSender per in-flight call.
package upstream

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/slog"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

var log = slog.NewModuleLogger("upstream")

// Config describes one destination entry — the default, or a named
// substitution reachable as Output.URI == "$name".
type Config struct {
	Name           string
	URI            string
	MaxConnections int // 0 = unbounded
	KeepAlive      bool
	Timeout        time.Duration
}

// pending is a task queued because its entry was at max_connections.
type pending struct {
	t   *task.Task
	uri string
}

// entry is ConnItem: per-destination state (§3). connCount tracks
// in-flight sends; fasthttp.Client owns the actual idle/active socket
// pooling underneath, so connCount here enforces the *task-level*
// concurrency cap the spec describes rather than duplicating fasthttp's
// own bookkeeping.
type entry struct {
	cfg Config

	mu        sync.Mutex
	connCount int
	queue     []pending
	nextLease uint64

	client *fasthttp.Client
}

func newEntry(cfg Config) *entry {
	return &entry{
		cfg: cfg,
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxInt(cfg.MaxConnections, 1),
			MaxIdleConnDuration: 90 * time.Second,
		},
	}
}

func maxInt(v, floor int) int {
	if v <= 0 {
		return floor * 64 // effectively unbounded when the spec says 0
	}
	return v
}

// Manager owns the default entry and every named substitution, plus a
// small LRU of parsed destination URLs so repeated sends against the
// same destination skip URL re-parsing.
type Manager struct {
	onDone func(t *task.Task)

	mu      sync.RWMutex
	def     *entry
	named   map[string]*entry
	resolve *lru.Cache

	blockingMu sync.Mutex
	blocking   map[*task.Task]chan struct{} // in-flight send_upstream_blocking calls
}

// NewManager builds a Manager with def as the fallback destination.
// onDone is invoked once a task's upstream round-trip finishes, whatever
// the outcome — it re-enters the state machine at CHK_POST_ACTION's
// Forward branch's continuation.
func NewManager(def Config, onDone func(t *task.Task)) *Manager {
	cache, err := lru.New(256)
	if err != nil {
		// only returns an error for a non-positive size, which 256 never is
		panic(err)
	}
	return &Manager{
		def:      newEntry(def),
		named:    make(map[string]*entry),
		resolve:  cache,
		onDone:   onDone,
		blocking: make(map[*task.Task]chan struct{}),
	}
}

// SendBlocking implements send_upstream_blocking (§4.3): a worker_action
// body calls this to make an upstream round trip and block the worker
// goroutine until it completes, instead of suspending the task back through
// the Reactor. caller must be the task currently running worker_action —
// InWorkerAction is the detect-and-refuse guard the spec requires against
// calling this from the Reactor's own goroutine, where blocking would stall
// every other task.
//
// The call builds its own UpstreamBlocking task around out and drives it
// through the same per-destination dispatch path as an ordinary Forward
// transition (§4.4); it never touches caller's own Input/Output/LastStatus.
func (m *Manager) SendBlocking(caller *task.Task, out task.Output) (task.Input, error) {
	if !caller.InWorkerAction() {
		return task.Input{}, errors.New("send_upstream_blocking called outside worker_action")
	}

	blocking := task.New(task.NewID(), task.Handler3{}, task.KindUpstreamBlocking, caller.Ctx.Global)
	blocking.Output = out

	done := make(chan struct{})
	m.blockingMu.Lock()
	m.blocking[blocking] = done
	m.blockingMu.Unlock()

	m.Send(blocking)
	<-done

	if blocking.LastStatus != task.Ok {
		return task.Input{}, errors.New(blocking.ErrorMessage())
	}
	return blocking.Input, nil
}

// AddDestination registers a named substitution selectable via
// Output.URI == "$" + cfg.Name.
func (m *Manager) AddDestination(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.named[cfg.Name] = newEntry(cfg)
}

// findEntry resolves Output.URI to its owning entry and the concrete URI
// to dial, per §4.4: "$name" selects a substitution, empty falls through
// to the default.
func (m *Manager) findEntry(outputURI string) (*entry, string) {
	if outputURI == "" {
		return m.def, m.def.cfg.URI
	}
	if strings.HasPrefix(outputURI, "$") {
		name := outputURI[1:]
		m.mu.RLock()
		e, ok := m.named[name]
		m.mu.RUnlock()
		if ok {
			return e, e.cfg.URI
		}
		return m.def, m.def.cfg.URI
	}
	return m.def, outputURI
}

// Send implements the Forward transition's handoff (§4.4 "On send(task)").
func (m *Manager) Send(t *task.Task) {
	e, uri := m.findEntry(t.Output.URI)
	uri = m.mergeURI(uri, t.Output.Path, t.Output.Query)

	e.mu.Lock()
	if e.cfg.MaxConnections > 0 && e.connCount >= e.cfg.MaxConnections {
		e.queue = append(e.queue, pending{t: t, uri: uri})
		e.mu.Unlock()
		return
	}
	e.connCount++
	lease := atomic.AddUint64(&e.nextLease, 1)
	e.mu.Unlock()

	go m.dispatch(e, t, uri, lease)
}

// mergeURI grafts a destination-entry template with the task's own path
// and query, mirroring UpstreamManager::getUri / make_uri. The parsed
// base is kept in a small LRU (m.resolve) since the same handful of
// destination templates get merged on every Forward.
func (m *Manager) mergeURI(base, path, query string) string {
	var u *url.URL
	if cached, ok := m.resolve.Get(base); ok {
		parsed := *cached.(*url.URL)
		u = &parsed
	} else {
		parsed, err := url.Parse(base)
		if err != nil {
			return base
		}
		m.resolve.Add(base, parsed)
		cp := *parsed
		u = &cp
	}
	if path != "" {
		u.Path = joinPath(u.Path, path)
	}
	if query != "" {
		u.RawQuery = query
	}
	return u.String()
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	return strings.TrimRight(a, "/") + "/" + strings.TrimLeft(b, "/")
}

func (m *Manager) dispatch(e *entry, t *task.Task, uri string, lease uint64) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(firstNonEmpty(t.Input.Method, "POST"))
	if len(t.Output.Body) > 0 {
		req.SetBody(t.Output.Body)
	}
	for k, vs := range t.Output.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if t.Output.ExtraHeaders != "" {
		applyExtraHeaders(req, t.Output.ExtraHeaders)
	}
	// §4.4's bit-exact header shape: a forwarded request always carries a
	// Content-Type, defaulting to application/json when the task set none.
	if len(req.Header.ContentType()) == 0 {
		req.Header.SetContentType("application/json")
	}

	err := e.client.DoTimeout(req, resp, e.cfg.Timeout)
	m.onSenderDone(e, t, resp, err, lease)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// applyExtraHeaders parses a blob of "Key: Value" lines joined by "\n" or
// "\r\n", the shape the original's make_mg_http_string / extra_headers
// field carries.
func applyExtraHeaders(req *fasthttp.Request, blob string) {
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

// onSenderDone maps a completed (or failed) round trip onto the sender
// lifecycle events of §4.4: Connect error, HttpReply, Close, Timer.
func (m *Manager) onSenderDone(e *entry, t *task.Task, resp *fasthttp.Response, err error, lease uint64) {
	switch {
	case err == nil:
		t.Input.Reset()
		t.Input.RespCode = resp.StatusCode()
		t.Input.Body = append([]byte(nil), resp.Body()...)
		t.Input.Headers = make(http.Header)
		resp.Header.VisitAll(func(k, v []byte) {
			key := string(k)
			t.Input.Headers[key] = append(t.Input.Headers[key], string(v))
		})
		t.LastStatus = task.Ok

	case errors.Is(err, fasthttp.ErrTimeout), errors.Is(err, fasthttp.ErrDialTimeout):
		t.SetError("cryptonode request timeout")

	case isConnectError(err):
		t.SetError(err.Error())

	default:
		t.SetError("cryptonode connection unexpectedly closed")
	}

	e.mu.Lock()
	e.connCount--
	var next *pending
	if len(e.queue) > 0 {
		p := e.queue[0]
		e.queue = e.queue[1:]
		e.connCount++
		next = &p
	}
	e.mu.Unlock()

	if next != nil {
		lease2 := atomic.AddUint64(&e.nextLease, 1)
		go m.dispatch(e, next.t, next.uri, lease2)
	}

	m.blockingMu.Lock()
	waiter, isBlocking := m.blocking[t]
	if isBlocking {
		delete(m.blocking, t)
	}
	m.blockingMu.Unlock()

	if isBlocking {
		close(waiter)
		return
	}

	if m.onDone != nil {
		m.onDone(t)
	}
}

func isConnectError(err error) bool {
	var dialErr interface{ Temporary() bool }
	if errors.As(err, &dialErr) {
		return true
	}
	return bytes.Contains([]byte(err.Error()), []byte("dial"))
}
