package cache

import (
	"io"
	"sync"

	"github.com/zeebo/xxh3"
)

// Entry is the per-path cache record stored in the keyed table. Metadata and
// content carry independent validity flags. All fields are guarded by mu;
// the table lock never covers them.
//
// content is owned by the entry. While contentValid is false it may hold a
// partially populated buffer that only the populating stream appends to; no
// reader copies from it until publishFill flips contentValid under the write
// lock. invalidate drops the buffer under the same lock, so a reader holding
// the read lock always sees one complete generation.
type Entry struct {
	mu sync.RWMutex

	meta      Metadata
	metaValid bool

	content      []byte
	contentValid bool
	digest       uint64

	filling   bool
	fillOwner Handle

	// generation increments on every invalidation; handles and in-flight
	// stats compare it to detect that the data they started from is gone.
	generation   uint64
	watch        WatchHandle
	watchPending bool
}

// EntryState is a point-in-time copy of an entry's flags for diagnostics and tests.
type EntryState struct {
	Path          string      `json:"path"`
	MetadataValid bool        `json:"metadata_valid"`
	ContentValid  bool        `json:"content_valid"`
	ContentLength int         `json:"content_length"`
	Populating    bool        `json:"populating"`
	Generation    uint64      `json:"generation"`
	Watch         WatchHandle `json:"watch"`
}

func (e *Entry) state(path string) EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntryState{
		Path:          path,
		MetadataValid: e.metaValid,
		ContentValid:  e.contentValid,
		ContentLength: len(e.content),
		Populating:    e.filling,
		Generation:    e.generation,
		Watch:         e.watch,
	}
}

func (e *Entry) cachedMetadata() (Metadata, uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta, e.generation, e.metaValid
}

func (e *Entry) currentGeneration() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// storeMetadata records a stat result taken while the entry was at gen.
// It refuses when an invalidation happened in between, since the result may
// predate the change that triggered it.
func (e *Entry) storeMetadata(meta Metadata, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return false
	}
	e.meta = meta
	e.metaValid = true
	return true
}

func (e *Entry) watchHandle() WatchHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watch
}

func (e *Entry) setWatch(h WatchHandle) {
	e.mu.Lock()
	e.watch = h
	e.mu.Unlock()
}

// claimWatch reports whether the caller should register a watch: true only
// for the first caller to find the entry unwatched and not yet pending.
func (e *Entry) claimWatch() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watch != Unwatched || e.watchPending {
		return false
	}
	e.watchPending = true
	return true
}

// finishWatch stores the outcome of a registration started by claimWatch.
func (e *Entry) finishWatch(h WatchHandle) {
	e.mu.Lock()
	e.watch = h
	e.watchPending = false
	e.mu.Unlock()
}

// invalidate clears both flags, releases the content buffer and abandons any
// population in progress. dropWatch also forgets the watch handle so the
// next stat registers a fresh one.
func (e *Entry) invalidate(dropWatch bool) (hadContent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hadContent = e.contentValid
	if dropWatch {
		e.watch = Unwatched
	}
	e.metaValid = false
	e.contentValid = false
	e.content = nil
	e.digest = 0
	e.filling = false
	e.fillOwner = 0
	e.generation++
	return hadContent
}

// openCached reports whether the entry holds complete content and, if so,
// the generation a cached handle should bind to.
func (e *Entry) openCached() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation, e.contentValid
}

// fillPrealloc caps the buffer reserved up front for a population; larger
// files grow through append as bytes actually arrive.
const fillPrealloc = 64 << 10

// claimFill makes owner the only stream allowed to populate the entry.
// gen is the generation observed before the backing file was opened; the
// claim is refused when the entry has been invalidated since, when its
// metadata is not valid, or when the content is already valid or another
// stream is filling.
func (e *Entry) claimFill(owner Handle, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen || !e.metaValid || e.contentValid || e.filling {
		return false
	}
	e.filling = true
	e.fillOwner = owner
	e.content = make([]byte, 0, min(e.meta.Size, fillPrealloc))
	return true
}

func (e *Entry) ownsFill(owner Handle, gen uint64) bool {
	return e.filling && e.fillOwner == owner && e.generation == gen
}

// appendFill copies p onto the entry buffer. A false return means the claim
// was lost (invalidated) and the caller should stop populating.
func (e *Entry) appendFill(owner Handle, gen uint64, p []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsFill(owner, gen) {
		return false
	}
	e.content = append(e.content, p...)
	return true
}

// publishFill marks the populated buffer complete. Without valid metadata,
// or when it disagrees with the number of bytes read, the file changed under
// us and the buffer stays unpublished.
func (e *Entry) publishFill(owner Handle, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ownsFill(owner, gen) {
		return false
	}
	e.filling = false
	e.fillOwner = 0
	if !e.metaValid || e.meta.Size != int64(len(e.content)) {
		e.content = nil
		return false
	}
	e.digest = xxh3.Hash(e.content)
	e.contentValid = true
	return true
}

// abandonFill releases owner's claim, leaving any partial bytes in place
// with contentValid still false. The next claim starts over.
func (e *Entry) abandonFill(owner Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filling && e.fillOwner == owner {
		e.filling = false
		e.fillOwner = 0
	}
}

// readAt copies content[off:] into p for a cached handle bound to gen.
func (e *Entry) readAt(gen uint64, p []byte, off int) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.generation != gen || !e.contentValid {
		return 0, ErrInvalidated
	}
	if off >= len(e.content) {
		return 0, io.EOF
	}
	return copy(p, e.content[off:]), nil
}

func (e *Entry) contentDigest(gen uint64) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.generation != gen || !e.contentValid {
		return 0, false
	}
	return e.digest, true
}
