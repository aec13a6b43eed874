package static

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arf20/arfhttpd/internal/cache"
)

// entityTag is strong when derived from the cached content digest and weak
// (size + mtime) when the body is streamed from disk.
func entityTag(meta cache.Metadata, info cache.StreamInfo) string {
	if info.DigestValid {
		return fmt.Sprintf(`"%016x"`, info.Digest)
	}
	return fmt.Sprintf(`W/"%x-%x"`, meta.Size, meta.ModTime.UnixNano())
}

// notModified evaluates If-None-Match (weak comparison) and, when absent,
// If-Modified-Since.
func notModified(ifNoneMatch, ifModifiedSince, etag string, modTime time.Time) bool {
	if ifNoneMatch != "" {
		for _, candidate := range strings.Split(ifNoneMatch, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || opaqueTag(candidate) == opaqueTag(etag) {
				return true
			}
		}
		return false
	}
	if ifModifiedSince == "" || modTime.IsZero() {
		return false
	}
	since, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(since)
}

func opaqueTag(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}
