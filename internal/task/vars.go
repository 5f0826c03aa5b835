package task

// Vars is an ordered multi-map of path variables extracted by the router.
// It intentionally allows duplicate keys (e.g. a route matched through two
// nested groups that both bind "id"), unlike a plain map[string]string.
type Vars struct {
	keys []string
	vals []string
}

// Add appends a key/value pair, preserving any existing entries for key.
func (v *Vars) Add(key, val string) {
	v.keys = append(v.keys, key)
	v.vals = append(v.vals, val)
}

// Get returns the first value bound to key.
func (v *Vars) Get(key string) (string, bool) {
	for i, k := range v.keys {
		if k == key {
			return v.vals[i], true
		}
	}
	return "", false
}

// GetAll returns every value bound to key, in insertion order.
func (v *Vars) GetAll(key string) []string {
	var out []string
	for i, k := range v.keys {
		if k == key {
			out = append(out, v.vals[i])
		}
	}
	return out
}

// Len returns the number of key/value pairs, counting duplicates.
func (v *Vars) Len() int { return len(v.keys) }

// Each calls fn for every pair in insertion order.
func (v *Vars) Each(fn func(key, val string)) {
	for i, k := range v.keys {
		fn(k, v.vals[i])
	}
}
