package cache

import "io"

type handleReader struct {
	store  Store
	handle Handle
}

// NewReader adapts an open handle to io.ReadCloser. Closing the reader
// closes the handle.
func NewReader(store Store, h Handle) io.ReadCloser {
	return &handleReader{store: store, handle: h}
}

func (r *handleReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.store.Read(r.handle, p)
}

func (r *handleReader) Close() error {
	return r.store.Close(r.handle)
}
