// Package router implements §4.6's path/method matcher: routes compile
// into julienschmidt/httprouter's tree, method-masked so one endpoint
// pattern can bind a different Handler3 per HTTP method, with duplicate
// registration caught at Arm time rather than silently overwriting.
package router

import (
	"net/http"
	"sync"

	"github.com/graft-project/graft-ng-sub001/internal/task"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

type MethodMask int

const (
	GET MethodMask = 1 << iota
	POST
	PUT
	DELETE
	HEAD
)

func maskToHTTPMethods(m MethodMask) []string {
	var out []string
	if m&GET != 0 {
		out = append(out, http.MethodGet)
	}
	if m&POST != 0 {
		out = append(out, http.MethodPost)
	}
	if m&PUT != 0 {
		out = append(out, http.MethodPut)
	}
	if m&DELETE != 0 {
		out = append(out, http.MethodDelete)
	}
	if m&HEAD != 0 {
		out = append(out, http.MethodHead)
	}
	return out
}

// Route binds one endpoint pattern + method mask to a Handler3 (§3).
type Route struct {
	Pattern string
	Methods MethodMask
	Handler task.Handler3
}

// Router groups routes under an optional endpoint-prefix, mirroring the
// original's Router/addRouter(prefixed-group) split, before they're all
// armed into one compiled tree.
type Router struct {
	prefix string
	routes []Route
}

func New(prefix string) *Router { return &Router{prefix: prefix} }

func (r *Router) Add(pattern string, methods MethodMask, h task.Handler3) {
	r.routes = append(r.routes, Route{Pattern: r.prefix + pattern, Methods: methods, Handler: h})
}

// Root compiles every registered Router's routes into a single matcher.
// Arming twice, or arming over a conflicting route, errors — a
// programming error caught at startup, same as r3_tree_compile's error
// path in the original plus its own duplicate-route check
// (dbgCheckConflictRoutes).
type Root struct {
	mux   *httprouter.Router
	armed bool
	seen  map[string]bool // "METHOD pattern" -> true, duplicate detector

	mu      sync.Mutex // guards lastMatched across the Lookup+invoke pair in Match
	lastMatched Route
}

func NewRoot() *Root {
	return &Root{mux: httprouter.New(), seen: map[string]bool{}}
}

// Arm compiles every route from every given Router. Call exactly once,
// after all Routers have registered their routes.
func (root *Root) Arm(routers ...*Router) error {
	if root.armed {
		return errors.New("router: Arm called twice")
	}
	for _, rt := range routers {
		for _, route := range rt.routes {
			for _, m := range maskToHTTPMethods(route.Methods) {
				key := m + " " + route.Pattern
				if root.seen[key] {
					return errors.Errorf("router: duplicate route %s", key)
				}
				root.seen[key] = true
				root.mux.Handle(m, route.Pattern, root.dispatchFunc(route))
			}
		}
	}
	root.armed = true
	return nil
}

// dispatchFunc's closure is never served over net/http — Match invokes it
// directly after Lookup to recover which Route a match landed on, since
// httprouter.Router.Lookup hands back the raw Handle but not the pattern
// it was registered under.
func (root *Root) dispatchFunc(route Route) httprouter.Handle {
	return func(http.ResponseWriter, *http.Request, httprouter.Params) {
		root.lastMatched = route
	}
}

// Match finds the Route (and extracted path variables) for method+path,
// or ok=false if nothing matches — the caller (the HTTP server in
// internal/supernode) then answers 404.
func (root *Root) Match(method, path string) (Route, *task.Vars, bool) {
	root.mu.Lock()
	defer root.mu.Unlock()

	handle, ps, _ := root.mux.Lookup(method, path)
	if handle == nil {
		return Route{}, nil, false
	}
	handle(nil, nil, ps)
	route := root.lastMatched

	vars := &task.Vars{}
	for _, p := range ps {
		vars.Add(p.Key, p.Value)
	}
	return route, vars, true
}
