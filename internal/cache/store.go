package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/arf20/arfhttpd/internal/hashtable"
	"github.com/arf20/arfhttpd/internal/logging"
)

// Store 是请求处理层消费的窄接口：stat/open/read/close。
type Store interface {
	// Stat 返回路径的元数据；命中缓存时不访问磁盘。
	Stat(ctx context.Context, path string) (Metadata, error)

	// Open 打开一个读流。内容已缓存时返回 cached 句柄，否则返回直读磁盘的
	// passthrough 句柄，并顺带填充缓存。
	Open(ctx context.Context, path string) (Handle, error)

	// Read 从句柄当前游标处读取，结束时返回 (0, io.EOF)。
	Read(h Handle, p []byte) (int, error)

	// Close 释放句柄及其底层文件，不影响缓存条目。
	Close(h Handle) error
}

// Options 控制 FileStore 的构建。
type Options struct {
	Logger *logrus.Logger
	// FileSystem 默认为真实磁盘。
	FileSystem FileSystem
	// Notifier 默认为 fsnotify。
	Notifier NotifierFactory
	// Backend 仅用于诊断输出。
	Backend string
	// Buckets 为键控表桶数，<=0 时使用 65536。
	Buckets int
	// ResolveCacheTTL >0 时缓存路径规范化结果。
	ResolveCacheTTL time.Duration
	// WatchMaxRetries 为 watcher 连续失败多少次后上报致命错误。
	WatchMaxRetries int
	// WatchInitialBackoff 为 watcher 首次重建前的等待时间。
	WatchInitialBackoff time.Duration
}

// StreamInfo describes an open handle for response headers.
type StreamInfo struct {
	Path string
	Mode string
	// Digest is the xxh3 hash of the cached content; only meaningful when
	// DigestValid is set, i.e. the stream serves a still-valid cached copy.
	Digest      uint64
	DigestValid bool
}

// Snapshot is the diagnostics view of the store.
type Snapshot struct {
	Backend     string         `json:"backend"`
	Buckets     int            `json:"buckets"`
	Entries     int            `json:"entries"`
	OpenStreams map[string]int `json:"open_streams"`
	Sample      []EntryState   `json:"sample,omitempty"`
}

// FileStore is the cached file store: a keyed table of entries, an open
// stream registry and a background invalidation watcher.
type FileStore struct {
	fs       FileSystem
	resolver *resolver
	table    *hashtable.Table[Entry]
	streams  *registry
	watcher  *watcher
	group    singleflight.Group
	logger   *logrus.Logger
	metrics  *Metrics
	backend  string

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	fatal     chan error
	closed    atomic.Bool
}

var _ Store = (*FileStore)(nil)

type statResult struct {
	entry *Entry
	meta  Metadata
}

// NewStore 构建 FileStore。通知器初始化失败不会导致构建失败：Start 之后
// watcher 会按退避策略重试，仍失败时通过 Fatal 上报。
func NewStore(opts Options) (*FileStore, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.FileSystem == nil {
		opts.FileSystem = NewOSFileSystem()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewFSNotifier
		if opts.Backend == "" {
			opts.Backend = BackendFSNotify
		}
	}
	if opts.WatchMaxRetries < 0 {
		opts.WatchMaxRetries = 0
	}
	if opts.WatchInitialBackoff <= 0 {
		opts.WatchInitialBackoff = 200 * time.Millisecond
	}

	s := &FileStore{
		fs:       opts.FileSystem,
		resolver: newResolver(opts.FileSystem, opts.ResolveCacheTTL),
		table:    hashtable.New[Entry](opts.Buckets),
		streams:  newRegistry(),
		logger:   opts.Logger,
		backend:  opts.Backend,
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
	s.metrics = newMetrics(func() float64 { return float64(s.table.Len()) })
	s.watcher = &watcher{
		table:          s.table,
		factory:        opts.Notifier,
		logger:         opts.Logger,
		metrics:        s.metrics,
		dropped:        s.resolver.forget,
		maxRetries:     opts.WatchMaxRetries,
		initialBackoff: opts.WatchInitialBackoff,
	}

	notifier, err := opts.Notifier()
	if err != nil {
		opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action":  "cache",
			"backend": opts.Backend,
		}).Warn("notifier_init_failed")
	} else {
		s.watcher.notifier = notifier
	}
	return s, nil
}

// Start 启动后台 watcher；重复调用无副作用。
func (s *FileStore) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go func() {
			defer close(s.done)
			if err := s.watcher.run(ctx); err != nil {
				s.fatal <- err
			}
		}()
	})
}

// Fatal 在 watcher 无法恢复时产出错误，进程应据此退出。
func (s *FileStore) Fatal() <-chan error {
	return s.fatal
}

// Shutdown 停止 watcher、关闭通知器并释放所有仍打开的流。
func (s *FileStore) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	started := false
	s.startOnce.Do(func() {})
	if s.cancel != nil {
		started = true
		s.cancel()
	}
	if started {
		<-s.done
	}

	errs := []error{s.watcher.close()}
	for h, st := range s.streams.drain() {
		errs = append(errs, s.release(h, st))
	}
	return errors.Join(errs...)
}

// Metrics 返回 Prometheus collector，由调用方决定注册到哪个 registry。
func (s *FileStore) Metrics() *Metrics {
	return s.metrics
}

// Stat implements Store.
func (s *FileStore) Stat(ctx context.Context, path string) (Metadata, error) {
	key, err := s.begin(ctx, "stat", path)
	if err != nil {
		return Metadata{}, err
	}
	_, meta, err := s.statKey(key)
	return meta, err
}

func (s *FileStore) begin(ctx context.Context, kind, path string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := s.resolver.canonical(path)
	if err != nil {
		s.logLookup(kind, path, outcome(err), nil)
		s.metrics.lookup(kind, "error")
		return "", err
	}
	return key, nil
}

func (s *FileStore) statKey(key string) (*Entry, Metadata, error) {
	if e, ok := s.table.Find(key); ok {
		if meta, _, valid := e.cachedMetadata(); valid {
			s.metrics.lookup("stat", "hit")
			s.logLookup("stat", key, "hit", nil)
			return e, meta, nil
		}
	}

	// Concurrent misses on one key share a single disk query.
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.loadMetadata(key)
	})
	if err != nil {
		s.metrics.lookup("stat", "error")
		s.logLookup("stat", key, outcome(err), nil)
		return nil, Metadata{}, err
	}
	res := v.(statResult)
	return res.entry, res.meta, nil
}

func (s *FileStore) loadMetadata(key string) (statResult, error) {
	var gen uint64
	existing, ok := s.table.Find(key)
	if ok {
		meta, g, valid := existing.cachedMetadata()
		if valid {
			return statResult{entry: existing, meta: meta}, nil
		}
		gen = g
	}

	info, err := s.fs.Stat(key)
	if err != nil {
		return statResult{}, classify("stat", key, err)
	}
	meta := metadataFromInfo(info)

	entry := existing
	if entry == nil {
		entry, _ = s.table.FindOrCreate(key)
		gen = entry.currentGeneration()
	}
	stored := entry.storeMetadata(meta, gen)
	s.ensureWatched(key, entry)

	s.metrics.lookup("stat", "miss")
	s.logLookup("stat", key, "miss", logrus.Fields{"stored": stored})
	return statResult{entry: entry, meta: meta}, nil
}

// ensureWatched registers a change watch for an unwatched entry. Failure is
// logged and leaves the entry usable without invalidation coverage.
func (s *FileStore) ensureWatched(key string, e *Entry) {
	if !e.claimWatch() {
		return
	}
	h, err := s.watcher.register(key, e)
	if err != nil {
		s.watcher.logWatchFailure(key, err)
		return
	}
	fields := logging.CacheFields("watch", key, "watching")
	fields["watch"] = h
	s.logger.WithFields(fields).Debug("watch_registered")
}

// Open implements Store.
func (s *FileStore) Open(ctx context.Context, path string) (Handle, error) {
	key, err := s.begin(ctx, "open", path)
	if err != nil {
		return 0, err
	}
	entry, meta, err := s.statKey(key)
	if err != nil {
		return 0, err
	}
	if meta.IsDir {
		return 0, fmt.Errorf("open %s: %w", key, ErrIsDirectory)
	}

	h := s.streams.reserve()
	gen, cached := entry.openCached()
	if cached {
		if !s.streams.add(h, &stream{path: key, src: cachedSource{entry: entry, gen: gen}}) {
			return 0, ErrClosed
		}
		s.metrics.openStreams.WithLabelValues("cached").Inc()
		s.metrics.lookup("open", "hit")
		s.logLookup("open", key, "hit", nil)
		return h, nil
	}

	// gen was read before the file is opened: an invalidation in between
	// means the file may be a replaced inode, and claimFill then refuses.
	file, err := s.fs.Open(key)
	if err != nil {
		err = classify("open", key, err)
		s.metrics.lookup("open", "error")
		s.logLookup("open", key, outcome(err), nil)
		return 0, err
	}
	src := &passthroughSource{file: file, entry: entry, gen: gen}
	src.populating = entry.claimFill(h, gen)
	if !s.streams.add(h, &stream{path: key, src: src}) {
		if src.populating {
			entry.abandonFill(h)
		}
		_ = file.Close()
		return 0, ErrClosed
	}
	s.metrics.openStreams.WithLabelValues("passthrough").Inc()
	s.metrics.lookup("open", "miss")
	s.logLookup("open", key, "miss", logrus.Fields{"populating": src.populating})
	return h, nil
}

// Read implements Store.
func (s *FileStore) Read(h Handle, p []byte) (int, error) {
	st, ok := s.streams.get(h)
	if !ok {
		return 0, ErrInvalidHandle
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch src := st.src.(type) {
	case cachedSource:
		n, err := src.entry.readAt(src.gen, p, st.cursor)
		st.cursor += n
		if errors.Is(err, ErrInvalidated) {
			s.logLookup("read", st.path, "invalidated", logrus.Fields{"cursor": st.cursor})
		}
		return n, err
	case *passthroughSource:
		return s.readPassthrough(h, st, src, p)
	default:
		return 0, ErrInvalidHandle
	}
}

func (s *FileStore) readPassthrough(h Handle, st *stream, src *passthroughSource, p []byte) (int, error) {
	n, err := src.file.Read(p)
	if n > 0 {
		st.cursor += n
		if src.populating && !src.entry.appendFill(h, src.gen, p[:n]) {
			src.populating = false
		}
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if src.populating {
			src.populating = false
			published := src.entry.publishFill(h, src.gen)
			result := "cached"
			if !published {
				result = "discarded"
			}
			s.logLookup("populate", st.path, result, logrus.Fields{"bytes": st.cursor})
		}
		return n, io.EOF
	default:
		if src.populating {
			src.populating = false
			src.entry.abandonFill(h)
		}
		fields := logging.CacheFields("read", st.path, "io_failure")
		fields["cursor"] = st.cursor
		s.logger.WithError(err).WithFields(fields).Warn("passthrough_read_failed")
		return n, fmt.Errorf("read %s: %w: %w", st.path, ErrIO, err)
	}
}

// Close implements Store.
func (s *FileStore) Close(h Handle) error {
	st, ok := s.streams.remove(h)
	if !ok {
		return ErrInvalidHandle
	}
	return s.release(h, st)
}

func (s *FileStore) release(h Handle, st *stream) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.metrics.openStreams.WithLabelValues(st.src.mode()).Dec()
	src, ok := st.src.(*passthroughSource)
	if !ok {
		return nil
	}
	if src.populating {
		src.populating = false
		src.entry.abandonFill(h)
	}
	return src.file.Close()
}

// Describe reports how an open handle is served.
func (s *FileStore) Describe(h Handle) (StreamInfo, error) {
	st, ok := s.streams.get(h)
	if !ok {
		return StreamInfo{}, ErrInvalidHandle
	}
	info := StreamInfo{Path: st.path, Mode: st.src.mode()}
	if src, ok := st.src.(cachedSource); ok {
		info.Digest, info.DigestValid = src.entry.contentDigest(src.gen)
	}
	return info, nil
}

// Inspect returns the state of the entry for path, if one exists.
func (s *FileStore) Inspect(path string) (EntryState, bool) {
	key, err := s.resolver.canonical(path)
	if err != nil {
		return EntryState{}, false
	}
	e, ok := s.table.Find(key)
	if !ok {
		return EntryState{}, false
	}
	return e.state(key), true
}

// Snapshot returns store-wide counters plus up to limit entry states.
func (s *FileStore) Snapshot(limit int) Snapshot {
	snap := Snapshot{
		Backend:     s.backend,
		Buckets:     s.table.Capacity(),
		Entries:     s.table.Len(),
		OpenStreams: s.streams.counts(),
	}
	if limit <= 0 {
		return snap
	}
	s.table.ForEach(func(key string, e *Entry) bool {
		snap.Sample = append(snap.Sample, e.state(key))
		return len(snap.Sample) < limit
	})
	return snap
}

func (s *FileStore) logLookup(kind, path, result string, extra logrus.Fields) {
	if !s.logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	fields := logging.CacheFields(kind, path, result)
	for k, v := range extra {
		fields[k] = v
	}
	s.logger.WithFields(fields).Debug("cache_lookup")
}
