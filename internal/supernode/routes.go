package supernode

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/graft-project/graft-ng-sub001/internal/reactor"
	"github.com/graft-project/graft-ng-sub001/internal/router"
	"github.com/graft-project/graft-ng-sub001/internal/sysinfo"
	"github.com/graft-project/graft-ng-sub001/internal/task"
)

// dapiEndpoints is the payment-flow surface named in §6. Their business
// logic (crypto primitives, wallet RTA negotiation) is this spec's
// explicit Non-goal — each is wired as a Forward-to-cryptonode passthrough
// so the route, state machine, and upstream plumbing are real even though
// no bespoke payment semantics live behind them.
var dapiEndpoints = []string{
	"sale", "approve_payment", "reject_sale", "reject_pay", "presale",
	"sale_status", "get_payment_data", "get_payment_status", "get_tx",
}

// cryptonodeCallbacks are inbound peer notifications the teacher's
// upstream RPC makes back into this process.
var cryptonodeCallbacks = []string{
	"store_payment_data", "update_sale_status", "update_payment_status_encrypted",
	"payment_data_request", "payment_data_response", "authorize_rta_tx_response",
}

// passthroughPaths are forwarded byte-for-byte to the default cryptonode
// upstream, no pre/post interpretation at all.
var passthroughPaths = []string{"/getblocks.bin", "/sendrawtransaction", "/json_rpc"}

func forwardHandler() task.Handler3 {
	return task.Handler3{
		Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			out.Path = in.URI
			out.Query = in.Query
			out.Body = in.Body
			out.Headers = in.Headers
			return task.Forward
		},
		Post: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			if in.RespCode == 0 {
				// still the pre-forward pass; post_action propagates the
				// Forward verdict unchanged, the table re-enters here once
				// the upstream reply lands.
				return task.Forward
			}
			out.Body = in.Body
			out.RespCode = in.RespCode
			return task.Ok
		},
		Name: "forward",
	}
}

// sysInfoHandler answers GET /sys_info from live Counters, matching
// Response's shape in internal/sysinfo.
func sysInfoHandler(counters *sysinfo.Counters, cfg sysinfo.Configuration, dapi []sysinfo.DapiEntry) task.Handler3 {
	return task.Handler3{
		Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			resp := sysinfo.Response{
				Version:       "1",
				Configuration: cfg,
				RunningInfo:   counters.Snapshot(),
				Dapi:          dapi,
			}
			body, err := json.Marshal(resp)
			if err != nil {
				return task.InternalError
			}
			out.Body = body
			out.Headers = http.Header{"Content-Type": {"application/json"}}
			return task.Ok
		},
		Name: "sys_info",
	}
}

// callbackHandler implements the `/callback/{uuid}` postpone-resumption
// entry point (§4.5): the peer's answer becomes this task's Input, and
// SetNextTaskID tells ProcessOk which parked task to wake.
func callbackHandler() task.Handler3 {
	return task.Handler3{
		Pre: func(v *task.Vars, in *task.Input, ctx *task.Context, out *task.Output) task.Status {
			id, ok := v.Get("uuid")
			if !ok {
				return task.Drop
			}
			parsed := task.ParseUUID(id)
			if parsed == nil {
				return task.Drop
			}
			ctx.SetNextTaskID(parsed)
			out.Body = in.Body
			return task.Ok
		},
		Name: "callback",
	}
}

// defaultDapiInfo renders the listing sys_info echoes back, grounded on
// §6's fixed endpoint set.
func defaultDapiInfo() []sysinfo.DapiEntry {
	eps := make([]sysinfo.EndPoint, 0, len(dapiEndpoints))
	for _, name := range dapiEndpoints {
		eps = append(eps, sysinfo.EndPoint{
			Path:    "/dapi/v3.0/" + name,
			Handler: name,
			Info:    fmt.Sprintf("%s endpoint", name),
		})
	}
	return []sysinfo.DapiEntry{{Protocol: "HTTP", Version: "v3.0", EndPoints: eps}}
}

// RegisterRoutes arms react.Router with every route named in §6. Call
// once at startup, after counters and cfg are ready.
func RegisterRoutes(react *reactor.Reactor, counters *sysinfo.Counters, cfg sysinfo.Configuration) error {
	dapi := router.New("/dapi/v3.0")
	for _, name := range dapiEndpoints {
		dapi.Add("/"+name, router.GET|router.POST, forwardHandler())
	}

	cryptonode := router.New("/cryptonode")
	for _, name := range cryptonodeCallbacks {
		cryptonode.Add("/"+name, router.POST, forwardHandler())
	}

	misc := router.New("")
	misc.Add("/sys_info", router.GET, sysInfoHandler(counters, cfg, defaultDapiInfo()))
	misc.Add("/callback/:uuid", router.POST, callbackHandler())
	for _, p := range passthroughPaths {
		misc.Add(p, router.GET|router.POST, forwardHandler())
	}

	return react.Router.Arm(dapi, cryptonode, misc)
}
