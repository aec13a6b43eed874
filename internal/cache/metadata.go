package cache

import (
	"io/fs"
	"time"
)

// Metadata is the cached subset of a stat result that request handlers need
// to choose between serving a file, an index, or a listing.
type Metadata struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
	Mode    fs.FileMode
}

func metadataFromInfo(info fs.FileInfo) Metadata {
	return Metadata{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode(),
	}
}
