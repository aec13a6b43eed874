package cache

import (
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

// Handle identifies an open read stream. The zero value is never issued.
type Handle uint64

// backing is the stream's source, fixed at open time: either cachedSource
// or passthroughSource. A passthrough stream keeps reading from disk even if
// the entry becomes valid mid-stream, since switching would desynchronize
// its cursor.
type backing interface {
	mode() string
}

// cachedSource serves bytes out of an entry's published buffer.
type cachedSource struct {
	entry *Entry
	gen   uint64
}

// passthroughSource serves bytes from a real file. When populating is set
// the stream owns the entry's fill claim and appends what it reads.
type passthroughSource struct {
	file       afero.File
	entry      *Entry
	gen        uint64
	populating bool
}

func (cachedSource) mode() string       { return "cached" }
func (*passthroughSource) mode() string { return "passthrough" }

type stream struct {
	// mu serializes reads on one handle; different handles never share it.
	mu     sync.Mutex
	path   string
	src    backing
	cursor int
}

// registry tracks every open stream by handle.
type registry struct {
	next atomic.Uint64

	mu      sync.RWMutex
	streams map[Handle]*stream
	drained bool
}

func newRegistry() *registry {
	return &registry{streams: make(map[Handle]*stream)}
}

// reserve allocates a handle before the stream exists so it can be used as
// the population owner id.
func (r *registry) reserve() Handle {
	return Handle(r.next.Add(1))
}

// add records s under h. It refuses once the registry has been drained, so
// an Open racing with shutdown cannot leave a stream nobody will release.
func (r *registry) add(h Handle, s *stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drained {
		return false
	}
	r.streams[h] = s
	return true
}

func (r *registry) get(h Handle) (*stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[h]
	return s, ok
}

func (r *registry) remove(h Handle) (*stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[h]
	if ok {
		delete(r.streams, h)
	}
	return s, ok
}

// counts returns the number of open streams per mode.
func (r *registry) counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int{"cached": 0, "passthrough": 0}
	for _, s := range r.streams {
		out[s.src.mode()]++
	}
	return out
}

// drain removes and returns every open stream and rejects later adds; used
// on shutdown.
func (r *registry) drain() map[Handle]*stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained = true
	out := r.streams
	r.streams = make(map[Handle]*stream)
	return out
}
