package cache

import (
	"time"

	"github.com/orca-zhang/ecache"
)

// resolver canonicalizes request paths, optionally memoizing results for a
// short TTL so repeated hits skip the symlink walk. A retargeted symlink is
// observed at most ttl late.
type resolver struct {
	fs   FileSystem
	memo *ecache.Cache
}

func newResolver(fsys FileSystem, ttl time.Duration) *resolver {
	r := &resolver{fs: fsys}
	if ttl > 0 {
		r.memo = ecache.NewLRUCache(16, 1024, ttl)
	}
	return r
}

func (r *resolver) canonical(path string) (string, error) {
	if r.memo != nil {
		if cached, ok := r.memo.Get(path); ok {
			if resolved, ok := cached.(string); ok {
				return resolved, nil
			}
		}
	}
	resolved, err := r.fs.Canonical(path)
	if err != nil {
		return "", classify("resolve", path, err)
	}
	if r.memo != nil {
		r.memo.Put(path, resolved)
	}
	return resolved, nil
}

// forget drops memoized resolutions that point at canonical, used when the
// file is removed or renamed.
func (r *resolver) forget(canonical string) {
	if r.memo == nil {
		return
	}
	var stale []string
	r.memo.Walk(func(key string, iface *interface{}, _ []byte, _ int64) bool {
		if iface != nil {
			if resolved, ok := (*iface).(string); ok && resolved == canonical {
				stale = append(stale, key)
			}
		}
		return true
	})
	for _, key := range stale {
		r.memo.Del(key)
	}
}
