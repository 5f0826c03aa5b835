// Package sysinfo backs the GET /sys_info endpoint: process configuration
// echo plus running counters, grounded on
// include/lib/graft/sys_info_request.h's Configuratioon/Running/EndPoint/
// DapiEntry structs (renamed to idiomatic Go names — typo in the
// original's struct name not carried over).
package sysinfo

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	metrics "github.com/rcrowley/go-metrics"
)

// Configuration is an echo of the process's active configuration,
// trimmed to the fields a caller can safely observe (no secrets).
type Configuration struct {
	ConfigFilename          string   `json:"config_filename"`
	HTTPAddress             string   `json:"http_address"`
	CoapAddress             string   `json:"coap_address"`
	HTTPConnectionTimeoutMs uint32   `json:"http_connection_timeout"`
	UpstreamRequestTimeout  uint32   `json:"upstream_request_timeout"`
	WorkersCount            uint32   `json:"workers_count"`
	WorkerQueueLen          uint32   `json:"worker_queue_len"`
	CryptonodeRPCAddress    string   `json:"cryptonode_rpc_address"`
	TimerPollIntervalMs     uint32   `json:"timer_poll_interval_ms"`
	LRUTimeoutMs            uint32   `json:"lru_timeout_ms"`
	GraftletDirs            []string `json:"graftlet_dirs"`
	Testnet                 bool     `json:"testnet"`
	DataDir                 string   `json:"data_dir"`
	LogLevel                uint32   `json:"log_level"`
	LogConsole              bool     `json:"log_console"`
	LogFilename             string   `json:"log_filename"`
	LogCategories           string   `json:"log_categories"`
}

// Running is the live counters snapshot (Running).
type Running struct {
	HTTPRequestTotal    uint64 `json:"http_request_total"`
	HTTPRequestRouted   uint64 `json:"http_request_routed"`
	HTTPRequestUnrouted uint64 `json:"http_request_unrouted"`

	HTTPRespOk    uint64 `json:"http_resp_status_ok"`
	HTTPRespError uint64 `json:"http_resp_status_error"`
	HTTPRespDrop  uint64 `json:"http_resp_status_drop"`
	HTTPRespBusy  uint64 `json:"http_resp_status_busy"`

	HTTPReqBytesRaw  uint64 `json:"http_req_bytes_raw"`
	HTTPRespBytesRaw uint64 `json:"http_resp_bytes_raw"`

	UpstreamReq       uint64 `json:"upstrm_http_req"`
	UpstreamRespOk    uint64 `json:"upstrm_http_resp_ok"`
	UpstreamRespErr   uint64 `json:"upstrm_http_resp_err"`
	UpstreamReqBytes  uint64 `json:"upstrm_http_req_bytes_raw"`
	UpstreamRespBytes uint64 `json:"upstrm_http_resp_bytes_raw"`

	UptimeSec uint32 `json:"uptime_sec"`
}

// EndPoint documents one exposed route for the dapi listing.
type EndPoint struct {
	Path    string `json:"path"`
	Handler string `json:"handler"`
	Info    string `json:"info"`
}

// DapiEntry groups EndPoints under a protocol/version banner.
type DapiEntry struct {
	Protocol  string     `json:"protocol"`
	Version   string     `json:"version"`
	EndPoints []EndPoint `json:"end_points"`
}

// Response is the full /sys_info payload.
type Response struct {
	Version       string      `json:"version"`
	Configuration Configuration `json:"configuration"`
	RunningInfo   Running     `json:"running_info"`
	Dapi          []DapiEntry `json:"dapi"`
}

// Counters accumulates Running's fields with atomics for the hot path
// (every request touches these). Two of them are also mirrored into the
// metrics stacks the rest of the dependency pack favors: RecordRequest
// marks a go-metrics meter ("http.request.total"), and RecordResponse
// counts final responses by status in a prometheus CounterVec. The other
// fields are kept only as atomics.
type Counters struct {
	start time.Time

	httpRequestTotal    uint64
	httpRequestRouted   uint64
	httpRequestUnrouted uint64
	httpRespOk          uint64
	httpRespError       uint64
	httpRespDrop        uint64
	httpRespBusy        uint64
	httpReqBytesRaw     uint64
	httpRespBytesRaw    uint64
	upstreamReq         uint64
	upstreamRespOk      uint64
	upstreamRespErr     uint64
	upstreamReqBytes    uint64
	upstreamRespBytes   uint64

	registry metrics.Registry

	promRequests *prometheus.CounterVec
}

// NewCounters wires both a go-metrics registry (metrics.NewRegistry, as
// the teacher's metrics subsystem does) and a prometheus CounterVec
// counting requests by outcome, registered against reg.
func NewCounters(reg *prometheus.Registry) *Counters {
	c := &Counters{
		start:    time.Now(),
		registry: metrics.NewRegistry(),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supernode",
			Name:      "http_responses_total",
			Help:      "HTTP responses by outcome status.",
		}, []string{"status"}),
	}
	reg.MustRegister(c.promRequests)
	metrics.GetOrRegisterMeter("http.request.total", c.registry)
	return c
}

func (c *Counters) RecordRequest(routed bool, reqBytes int) {
	atomic.AddUint64(&c.httpRequestTotal, 1)
	atomic.AddUint64(&c.httpReqBytesRaw, uint64(reqBytes))
	if routed {
		atomic.AddUint64(&c.httpRequestRouted, 1)
	} else {
		atomic.AddUint64(&c.httpRequestUnrouted, 1)
	}
	metrics.GetOrRegisterMeter("http.request.total", c.registry).Mark(1)
}

// RecordResponse tallies a final response by its Status label ("ok",
// "error", "drop", "busy") and body size.
func (c *Counters) RecordResponse(status string, respBytes int) {
	atomic.AddUint64(&c.httpRespBytesRaw, uint64(respBytes))
	switch status {
	case "ok":
		atomic.AddUint64(&c.httpRespOk, 1)
	case "drop":
		atomic.AddUint64(&c.httpRespDrop, 1)
	case "busy":
		atomic.AddUint64(&c.httpRespBusy, 1)
	default:
		atomic.AddUint64(&c.httpRespError, 1)
	}
	c.promRequests.WithLabelValues(status).Inc()
}

func (c *Counters) RecordUpstream(ok bool, reqBytes, respBytes int) {
	atomic.AddUint64(&c.upstreamReq, 1)
	atomic.AddUint64(&c.upstreamReqBytes, uint64(reqBytes))
	atomic.AddUint64(&c.upstreamRespBytes, uint64(respBytes))
	if ok {
		atomic.AddUint64(&c.upstreamRespOk, 1)
	} else {
		atomic.AddUint64(&c.upstreamRespErr, 1)
	}
}

// Snapshot renders the current counters as a Running struct.
func (c *Counters) Snapshot() Running {
	return Running{
		HTTPRequestTotal:    atomic.LoadUint64(&c.httpRequestTotal),
		HTTPRequestRouted:   atomic.LoadUint64(&c.httpRequestRouted),
		HTTPRequestUnrouted: atomic.LoadUint64(&c.httpRequestUnrouted),
		HTTPRespOk:          atomic.LoadUint64(&c.httpRespOk),
		HTTPRespError:       atomic.LoadUint64(&c.httpRespError),
		HTTPRespDrop:        atomic.LoadUint64(&c.httpRespDrop),
		HTTPRespBusy:        atomic.LoadUint64(&c.httpRespBusy),
		HTTPReqBytesRaw:     atomic.LoadUint64(&c.httpReqBytesRaw),
		HTTPRespBytesRaw:    atomic.LoadUint64(&c.httpRespBytesRaw),
		UpstreamReq:         atomic.LoadUint64(&c.upstreamReq),
		UpstreamRespOk:      atomic.LoadUint64(&c.upstreamRespOk),
		UpstreamRespErr:     atomic.LoadUint64(&c.upstreamRespErr),
		UpstreamReqBytes:    atomic.LoadUint64(&c.upstreamReqBytes),
		UpstreamRespBytes:   atomic.LoadUint64(&c.upstreamRespBytes),
		UptimeSec:           uint32(time.Since(c.start).Seconds()),
	}
}
