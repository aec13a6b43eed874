// Package hashtable implements the keyed table backing the file cache: a
// fixed bucket array of singly linked chains keyed by byte strings.
//
// Nodes are never removed. A pointer returned for a key stays valid for the
// lifetime of the table, which lets callers hang their own locks off the
// value instead of holding the table lock.
package hashtable

import "sync"

// DefaultCapacity is the bucket count used when New receives a non-positive size.
const DefaultCapacity = 65536

type node[V any] struct {
	key   string
	value V
	next  *node[V]
}

// Table maps string keys to values of type V using separate chaining.
// Structural changes (chain appends) are serialized by an internal lock;
// the values themselves are not protected by it.
type Table[V any] struct {
	mu      sync.RWMutex
	buckets []*node[V]
	count   int
}

// New returns an empty table with capacity buckets.
func New[V any](capacity int) *Table[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table[V]{buckets: make([]*node[V], capacity)}
}

// Hash is the polynomial rolling hash used for bucket selection: seeded at 7,
// h = h*31 + b for every byte, wrapping at 64 bits.
func Hash(key string) uint64 {
	var h uint64 = 7
	for i := 0; i < len(key); i++ {
		h = h*31 + uint64(key[i])
	}
	return h
}

func (t *Table[V]) bucket(key string) int {
	return int(Hash(key) % uint64(len(t.buckets)))
}

// walk returns the node for key in bucket idx, or the chain tail (nil when
// the bucket is empty) so the caller can append. Caller holds t.mu.
func (t *Table[V]) walk(idx int, key string) (found, tail *node[V]) {
	for n := t.buckets[idx]; n != nil; n = n.next {
		if len(n.key) == len(key) && n.key == key {
			return n, nil
		}
		tail = n
	}
	return nil, tail
}

// Find returns the value stored for key.
func (t *Table[V]) Find(key string) (*V, bool) {
	idx := t.bucket(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n, _ := t.walk(idx, key)
	if n == nil {
		return nil, false
	}
	return &n.value, true
}

// FindOrCreate returns the value stored for key, appending a zero value to
// the bucket chain when the key is new. created reports whether the node was
// added by this call.
func (t *Table[V]) FindOrCreate(key string) (value *V, created bool) {
	if v, ok := t.Find(key); ok {
		return v, false
	}

	idx := t.bucket(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another caller may have inserted between the two locks.
	n, tail := t.walk(idx, key)
	if n != nil {
		return &n.value, false
	}

	n = &node[V]{key: key}
	if tail == nil {
		t.buckets[idx] = n
	} else {
		tail.next = n
	}
	t.count++
	return &n.value, true
}

// FindBy scans every bucket and chain, returning the first key/value for
// which pred reports true. Cost is proportional to the number of entries.
func (t *Table[V]) FindBy(pred func(key string, value *V) bool) (string, *V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			if pred(n.key, &n.value) {
				return n.key, &n.value, true
			}
		}
	}
	return "", nil, false
}

// ForEach visits every entry until fn returns false.
func (t *Table[V]) ForEach(fn func(key string, value *V) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			if !fn(n.key, &n.value) {
				return
			}
		}
	}
}

// Len returns the number of keys stored.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Capacity returns the bucket count.
func (t *Table[V]) Capacity() int {
	return len(t.buckets)
}
