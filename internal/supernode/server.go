// Package supernode wires the HTTP surface (§6) onto the Reactor: it
// accepts connections with valyala/fasthttp, enforces the blacklist/rate
// limiter ahead of routing, resolves the route via internal/router, and
// builds one task.Task per request before handing it to the Reactor.
package supernode

import (
	"net"
	"net/http"
	"sync"

	"github.com/graft-project/graft-ng-sub001/internal/ratelimit"
	"github.com/graft-project/graft-ng-sub001/internal/reactor"
	"github.com/graft-project/graft-ng-sub001/internal/slog"
	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/valyala/fasthttp"
)

var log = slog.NewModuleLogger("supernode")

// Server is the fasthttp-backed HTTP front door. One Server per listen
// address (§6's http_address and, eventually, a second one for
// coap_address's bridge) sits in front of a single, shared Reactor.
type Server struct {
	Addr    string
	React   *reactor.Reactor
	Black   *ratelimit.Blacklist

	srv *fasthttp.Server
}

func NewServer(addr string, r *reactor.Reactor, black *ratelimit.Blacklist) *Server {
	s := &Server{Addr: addr, React: r, Black: black}
	s.srv = &fasthttp.Server{
		Handler: s.handle,
		Name:    "supernode",
	}
	return s
}

func (s *Server) ListenAndServe() error {
	log.Info("listening on %s", s.Addr)
	return s.srv.ListenAndServe(s.Addr)
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// handle implements §4.6's admission order: blacklist/rate-limit check,
// then route match, then task creation — a request that fails either gate
// never reaches the state machine at all.
func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	ip, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		ip = ctx.RemoteAddr().String()
	}
	remoteIP := net.ParseIP(ip)

	if remoteIP != nil && s.Black != nil {
		if _, allow := s.Black.Find(remoteIP); !allow {
			ctx.SetStatusCode(http.StatusForbidden)
			ctx.SetBodyString("Forbidden")
			return
		}
		if s.Black.Active(remoteIP) {
			ctx.SetStatusCode(http.StatusTooManyRequests)
			ctx.SetBodyString("Rate limit exceeded")
			return
		}
	}

	method := string(ctx.Method())
	path := string(ctx.Path())
	route, vars, ok := s.React.Router.Match(method, path)
	if !ok {
		ctx.SetStatusCode(http.StatusNotFound)
		ctx.SetBodyString("Not found")
		return
	}

	t := task.New(task.NewID(), route.Handler, task.KindClient, s.React.Global)
	t.Ctx.UpstreamBlocking = func(out task.Output) (task.Input, error) {
		return s.React.Upstream.SendBlocking(t, out)
	}
	if vars != nil {
		t.Vars = *vars
	}
	t.Input.Method = method
	t.Input.URI = path
	t.Input.Query = string(ctx.QueryArgs().QueryString())
	t.Input.Body = append([]byte(nil), ctx.PostBody()...)
	t.Input.Headers = make(http.Header)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		t.Input.Headers[key] = append(t.Input.Headers[key], string(v))
	})

	w := newCtxWriter(ctx)
	s.React.Serve(t, w)
	w.wait()
}

// ctxWriter adapts a fasthttp.RequestCtx, which must be answered before
// the handler returns, to reactor.ResponseWriter, whose WriteFinal may be
// called from a different goroutine once a task suspends on worker_action
// or an upstream Forward. handle blocks on wait() until Close is called.
type ctxWriter struct {
	ctx  *fasthttp.RequestCtx
	once sync.Once
	done chan struct{}
}

func newCtxWriter(ctx *fasthttp.RequestCtx) *ctxWriter {
	return &ctxWriter{ctx: ctx, done: make(chan struct{})}
}

func (w *ctxWriter) WriteChunk(body []byte) error {
	// Again: append another chunk to the buffered response body. Nothing
	// reaches the client until the handler returns, so every Again chunk and
	// the final body arrive together as one response with a Content-Length;
	// no chunked transfer encoding is used.
	w.ctx.Response.AppendBody(body)
	return nil
}

func (w *ctxWriter) WriteFinal(status int, body []byte) {
	w.ctx.SetStatusCode(status)
	w.ctx.Response.AppendBody(body)
}

func (w *ctxWriter) Close() {
	w.once.Do(func() { close(w.done) })
}

func (w *ctxWriter) wait() { <-w.done }
