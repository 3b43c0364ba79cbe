package commonutils

import "sync"

// ConcurrentMap is a typed wrapper over sync.Map. Every method is a single
// atomic map operation; callers that need compound updates must re-validate
// with LoadOrStore or CompareAndDelete.
type ConcurrentMap[K comparable, V any] struct {
	m sync.Map
}

func (c *ConcurrentMap[K, V]) Load(key K) (V, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *ConcurrentMap[K, V]) Store(key K, value V) {
	c.m.Store(key, value)
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it with loaded == false.
func (c *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	v, loaded := c.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (c *ConcurrentMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := c.m.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *ConcurrentMap[K, V]) Delete(key K) {
	c.m.Delete(key)
}

// CompareAndDelete deletes key only while it still maps to old. V must be
// comparable at runtime.
func (c *ConcurrentMap[K, V]) CompareAndDelete(key K, old V) bool {
	return c.m.CompareAndDelete(key, old)
}

// CompareAndSwap replaces the value of key with replacement only while it still
// maps to old.
func (c *ConcurrentMap[K, V]) CompareAndSwap(key K, old, replacement V) bool {
	return c.m.CompareAndSwap(key, old, replacement)
}

// Range calls fn for every entry until fn returns false. Deleting entries
// from fn is safe but the visit order is unspecified.
func (c *ConcurrentMap[K, V]) Range(fn func(key K, value V) bool) {
	c.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

func (c *ConcurrentMap[K, V]) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot copies the current entries into a plain map.
func (c *ConcurrentMap[K, V]) Snapshot() map[K]V {
	out := make(map[K]V)
	c.Range(func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

func (c *ConcurrentMap[K, V]) Clear() {
	c.m.Clear()
}

// CopyInto stores every entry of src into dst.
func CopyInto[K comparable, V any](src map[K]V, dst *ConcurrentMap[K, V]) {
	for k, v := range src {
		dst.Store(k, v)
	}
}
