package ratelimit

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// window mirrors Window: a decaying request count anchored at the start
// of the current window.
type window struct {
	start time.Time
	count int
}

// IPMap is a per-IP sliding-window request counter (IpMap). Inc reports
// whether the request that just arrived pushed the IP's count over
// wndSizeSec*requestsPerSec; entries decay instead of resetting on every
// call so a steady trickle of requests doesn't dodge the cap by arriving
// just after each window boundary.
type IPMap struct {
	mu             sync.Mutex
	wndSize        time.Duration
	wndSizeSec     int
	requestsPerSec int
	windows        map[uint32]*window
}

func NewIPMap(wndSizeSec, requestsPerSec int) *IPMap {
	return &IPMap{
		wndSize:        time.Duration(wndSizeSec) * time.Second,
		wndSizeSec:     wndSizeSec,
		requestsPerSec: requestsPerSec,
		windows:        make(map[uint32]*window),
	}
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Inc records one request from ip and reports whether this request
// tripped the cap, per IpMap::inc.
func (m *IPMap) Inc(ip net.IP) bool {
	key := ipToUint32(ip)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	triggered := false
	if !ok {
		m.windows[key] = &window{start: now, count: 1}
		m.removeStale(key, now)
		return false
	}

	tpEnd := w.start.Add(m.wndSize)
	switch {
	case tpEnd.Add(m.wndSize).Before(now):
		// stale beyond two full windows: start fresh.
		*w = window{start: now, count: 1}
	case tpEnd.Add(time.Second).Before(now):
		secs := int(now.Sub(tpEnd) / time.Second)
		w.count -= secs * m.requestsPerSec
		if w.count <= 0 {
			*w = window{start: now, count: 1}
		} else {
			w.start = w.start.Add(time.Duration(secs) * time.Second)
			w.count++
			if m.wndSizeSec*m.requestsPerSec < w.count {
				triggered = true
			}
		}
	default:
		w.count++
		if m.wndSizeSec*m.requestsPerSec < w.count {
			triggered = true
		}
	}

	if triggered {
		delete(m.windows, key)
	}
	m.removeStale(key, now)
	return triggered
}

// removeStale drops one neighboring entry if it has gone cold, bounding
// map growth without a dedicated sweep goroutine — the original does the
// same opportunistic one-neighbor eviction on every inc() call.
func (m *IPMap) removeStale(afterKey uint32, now time.Time) {
	for k, w := range m.windows {
		if k == afterKey {
			continue
		}
		if w.start.Add(2 * m.wndSize).Before(now) || w.start.Add(2*m.wndSize).Equal(now) {
			delete(m.windows, k)
		}
		return
	}
}

// Count reports how many distinct IPs currently have live window state
// (getCnt).
func (m *IPMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
