package ctxstore

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type entry struct {
	val      Value
	expiry   time.Time
	hasTTL   bool
	onExpire func(key string, v Value)
}

type shard struct {
	mu sync.Mutex
	m  map[string]entry
}

// ttlItem is one pending-expiry record in the global min-heap. expiry is
// captured at Set time; at eviction we re-check the live entry still
// carries the same expiry before deleting, so a later Set on the same key
// (which leaves the earlier heap record in place) can't be evicted by a
// stale heap record —
// the same lazy-invalidation trick as the original ExpiringListT::chop.
type ttlItem struct {
	key    string
	expiry time.Time
}

type ttlHeap []ttlItem

func (h ttlHeap) Len() int            { return len(h) }
func (h ttlHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h ttlHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ttlHeap) Push(x interface{}) { *h = append(*h, x.(ttlItem)) }
func (h *ttlHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Global is the process-wide Context Store. Serialization is per-key: it
// shards the keyspace by key hash across independent mutexes, so concurrent
// readers of distinct keys contend only when their keys hash to the same
// shard, while writers of the same key (including Apply's read-modify-write)
// are mutually exclusive.
type Global struct {
	shards [shardCount]*shard

	ttlMu   sync.Mutex
	ttl     ttlHeap
	shardOf func(key string) *shard
}

func NewGlobal() *Global {
	g := &Global{}
	for i := range g.shards {
		g.shards[i] = &shard{m: make(map[string]entry)}
	}
	heap.Init(&g.ttl)
	return g
}

func (g *Global) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%shardCount]
}

// Set stores a value. ttl == 0 means no expiration. onExpire, if non-nil,
// fires exactly once when the entry is reaped by EvictExpired.
func (g *Global) Set(key string, v Value, ttl time.Duration, onExpire func(key string, val Value)) {
	sh := g.shardFor(key)
	e := entry{val: v}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
		e.hasTTL = true
		e.onExpire = onExpire
	}
	sh.mu.Lock()
	sh.m[key] = e
	sh.mu.Unlock()

	if e.hasTTL {
		g.ttlMu.Lock()
		heap.Push(&g.ttl, ttlItem{key: key, expiry: e.expiry})
		g.ttlMu.Unlock()
	}
}

func (g *Global) Get(key string, def Value) Value {
	sh := g.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	sh.mu.Unlock()
	if !ok {
		return def
	}
	return e.val
}

func (g *Global) Has(key string) bool {
	sh := g.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	sh.mu.Unlock()
	return ok
}

func (g *Global) Remove(key string) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Apply is a single atomic critical section over one key: used for
// counters and other read-modify-write updates. The mutator sees the
// current value (zero Value, present=false if absent) and its return
// value becomes the new entry; TTL/onExpire of a pre-existing entry are
// preserved.
func (g *Global) Apply(key string, mutator func(cur Value, present bool) Value) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	nv := mutator(e.val, ok)
	e.val = nv
	sh.m[key] = e
}

// EvictExpired runs bounded work per Reactor iteration: it pops at most
// budget due entries from the TTL heap, deletes any that are still live
// with a matching expiry, and invokes their on_expire callback exactly
// once, outside any shard lock.
func (g *Global) EvictExpired(now time.Time, budget int) int {
	type fired struct {
		key string
		val Value
		cb  func(string, Value)
	}
	var callbacks []fired

	g.ttlMu.Lock()
	reaped := 0
	for reaped < budget && len(g.ttl) > 0 && !g.ttl[0].expiry.After(now) {
		item := heap.Pop(&g.ttl).(ttlItem)
		reaped++

		sh := g.shardFor(item.key)
		sh.mu.Lock()
		e, ok := sh.m[item.key]
		if ok && e.hasTTL && e.expiry.Equal(item.expiry) {
			delete(sh.m, item.key)
			sh.mu.Unlock()
			if e.onExpire != nil {
				callbacks = append(callbacks, fired{key: item.key, val: e.val, cb: e.onExpire})
			}
		} else {
			sh.mu.Unlock()
		}
	}
	g.ttlMu.Unlock()

	for _, f := range callbacks {
		f.cb(f.key, f.val)
	}
	return reaped
}
