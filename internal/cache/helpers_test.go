package cache

import (
	"errors"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// countingFS records how often the store falls through to the filesystem.
type countingFS struct {
	FileSystem
	stats  atomic.Int64
	opens  atomic.Int64
	closes atomic.Int64

	// afterOpen, when set, runs once the real file has been opened and
	// before the store sees it.
	afterOpen func(name string)

	// gate, when set, blocks Stat until it is closed.
	gate chan struct{}
	// failAfter makes reads of failPath error once that many bytes were served.
	failPath  string
	failAfter int
}

func (c *countingFS) Stat(name string) (fs.FileInfo, error) {
	c.stats.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.FileSystem.Stat(name)
}

func (c *countingFS) Open(name string) (afero.File, error) {
	c.opens.Add(1)
	f, err := c.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	if c.afterOpen != nil {
		c.afterOpen(name)
	}
	f = &trackedFile{File: f, closes: &c.closes}
	if name != c.failPath {
		return f, nil
	}
	return &faultyFile{File: f, remaining: c.failAfter}, nil
}

type trackedFile struct {
	afero.File
	closes *atomic.Int64
}

func (f *trackedFile) Close() error {
	f.closes.Add(1)
	return f.File.Close()
}

var errDiskGone = errors.New("disk gone")

type faultyFile struct {
	afero.File
	remaining int
}

func (f *faultyFile) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, errDiskGone
	}
	if len(p) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.File.Read(p)
	f.remaining -= n
	return n, err
}

// fakeNotifier hands out sequential handles and lets tests inject events.
type fakeNotifier struct {
	mu      sync.Mutex
	next    WatchHandle
	byPath  map[string]WatchHandle
	addErr  error
	closed  bool
	events  chan Event
	errors  chan error
	adds    atomic.Int64
	closing sync.Once

	// block, when set, parks Add until it is closed; entered receives a
	// value each time an Add parks.
	block   chan struct{}
	entered chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		byPath:  make(map[string]WatchHandle),
		events:  make(chan Event, 16),
		errors:  make(chan error, 4),
		entered: make(chan struct{}, 4),
	}
}

func (n *fakeNotifier) Add(path string) (WatchHandle, error) {
	n.mu.Lock()
	block := n.block
	n.mu.Unlock()
	if block != nil {
		n.entered <- struct{}{}
		<-block
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.adds.Add(1)
	if n.addErr != nil {
		return Unwatched, n.addErr
	}
	n.next++
	n.byPath[path] = n.next
	return n.next, nil
}

func (n *fakeNotifier) Events() <-chan Event { return n.events }
func (n *fakeNotifier) Errors() <-chan error { return n.errors }

func (n *fakeNotifier) Close() error {
	n.closing.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()
		close(n.events)
		close(n.errors)
	})
	return nil
}

func (n *fakeNotifier) handle(path string) WatchHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byPath[path]
}

func (n *fakeNotifier) emit(t *testing.T, path string, op Op) {
	t.Helper()
	h := n.handle(path)
	require.NotEqual(t, Unwatched, h, "path %s is not watched", path)
	n.events <- Event{Handle: h, Op: op}
}

// notifierSource is a NotifierFactory that records every notifier it built.
type notifierSource struct {
	mu    sync.Mutex
	built []*fakeNotifier
	fail  atomic.Bool
}

func (s *notifierSource) factory() (Notifier, error) {
	if s.fail.Load() {
		return nil, errors.New("notifier unavailable")
	}
	n := newFakeNotifier()
	s.mu.Lock()
	// Each notifier numbers its handles from a distinct base, as real
	// backends give no cross-instance guarantee either.
	n.next = WatchHandle(100 * len(s.built))
	s.built = append(s.built, n)
	s.mu.Unlock()
	return n, nil
}

func (s *notifierSource) latest() *fakeNotifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.built) == 0 {
		return nil
	}
	return s.built[len(s.built)-1]
}

func (s *notifierSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.built)
}

type testEnv struct {
	store     *FileStore
	mem       afero.Fs
	fs        *countingFS
	notifiers *notifierSource
}

func (e *testEnv) notifier() *fakeNotifier {
	return e.notifiers.latest()
}

func (e *testEnv) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(e.mem, path, []byte(content), 0o644))
}

func newTestEnv(t *testing.T, files map[string]string, tweak ...func(*Options)) *testEnv {
	t.Helper()
	mem := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(mem, path, []byte(content), 0o644))
	}
	env := &testEnv{
		mem:       mem,
		fs:        &countingFS{FileSystem: NewAferoFileSystem(mem)},
		notifiers: &notifierSource{},
	}
	opts := Options{
		Logger:              newTestLogger(),
		FileSystem:          env.fs,
		Notifier:            env.notifiers.factory,
		Backend:             "fake",
		Buckets:             64,
		WatchMaxRetries:     3,
		WatchInitialBackoff: time.Millisecond,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	store, err := NewStore(opts)
	require.NoError(t, err)
	store.Start(t.Context())
	t.Cleanup(func() { _ = store.Shutdown() })
	env.store = store
	return env
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func readAll(t *testing.T, s Store, h Handle) string {
	t.Helper()
	body, err := io.ReadAll(NewReader(s, h))
	require.NoError(t, err)
	return string(body)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
