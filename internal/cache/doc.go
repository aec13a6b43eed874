// Package cache implements the in-memory file store that sits between the
// HTTP handlers and the webroot. Paths are canonicalized, looked up in a
// keyed table and, on a miss, stat'ed and read from disk exactly once; the
// result stays cached until the change watcher reports that the file was
// modified, removed or renamed. Open returns a handle that either streams a
// published in-memory copy or reads straight from disk while populating the
// entry for later readers.
package cache
