// Package ctxstore implements the Context Store (§4.5): a tagged-variant
// KV map shared as the task-local store and the process-global store, the
// latter with per-key serialization and TTL expiration.
package ctxstore

// Kind tags the category of value held by an entry, replacing the
// original's ad-hoc any-typed map with an explicit tagged variant as
// called for in DESIGN NOTES (§9 "Heterogeneous Context values").
type Kind int

const (
	KindNone Kind = iota
	KindInt64
	KindBool
	KindString
	KindBytes
	KindPayload
)

// Value is the heterogeneous value stored against a key. Only one of the
// typed fields is meaningful, selected by Kind.
type Value struct {
	kind    Kind
	i       int64
	b       bool
	s       string
	bs      []byte
	payload interface{}
}

func Int64(v int64) Value  { return Value{kind: KindInt64, i: v} }
func Bool(v bool) Value    { return Value{kind: KindBool, b: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value { return Value{kind: KindBytes, bs: v} }

// Payload wraps an arbitrary task-owned value the store merely carries
// around (e.g. a decrypted payment struct produced by a collaborator
// outside this spec's scope).
func Payload(v interface{}) Value { return Value{kind: KindPayload, payload: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsInt64(def int64) int64 {
	if v.kind != KindInt64 {
		return def
	}
	return v.i
}

func (v Value) AsBool(def bool) bool {
	if v.kind != KindBool {
		return def
	}
	return v.b
}

func (v Value) AsString(def string) string {
	if v.kind != KindString {
		return def
	}
	return v.s
}

func (v Value) AsBytes(def []byte) []byte {
	if v.kind != KindBytes {
		return def
	}
	return v.bs
}

func (v Value) AsPayload() interface{} {
	if v.kind != KindPayload {
		return nil
	}
	return v.payload
}
