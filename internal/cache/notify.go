package cache

import (
	"fmt"
	"strings"
)

// WatchHandle identifies one registration with the change-notification
// backend. The zero value means the path is not watched.
type WatchHandle int64

// Unwatched marks an entry without invalidation coverage.
const Unwatched WatchHandle = 0

// Op classifies a change notification.
type Op uint8

const (
	// OpModify covers content writes.
	OpModify Op = iota + 1
	// OpAttrib covers metadata-only changes such as chmod or touch.
	OpAttrib
	// OpRemove means the watched file was deleted; the backend has dropped the watch.
	OpRemove
	// OpRename means the watched file was moved away; the backend has dropped the watch.
	OpRename
	// OpOverflow means the backend dropped events; Handle is Unwatched and
	// every entry must be treated as changed.
	OpOverflow
)

func (op Op) String() string {
	switch op {
	case OpModify:
		return "modify"
	case OpAttrib:
		return "attrib"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// dropsWatch reports whether the backend no longer watches the path after op.
func (op Op) dropsWatch() bool {
	return op == OpRemove || op == OpRename
}

// Event is one change notification for a watched path.
type Event struct {
	Handle WatchHandle
	Op     Op
}

// Notifier is the filesystem change-notification primitive. Events and
// Errors are closed when the notifier shuts down, whether through Close or
// because the backend failed.
type Notifier interface {
	Add(path string) (WatchHandle, error)
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// NotifierFactory builds a fresh notifier; the watcher calls it again after
// the previous one dies.
type NotifierFactory func() (Notifier, error)

const (
	// BackendFSNotify 使用 fsnotify，跨平台。
	BackendFSNotify = "fsnotify"
	// BackendInotify 直接使用 inotify(7)，仅 Linux。
	BackendInotify = "inotify"
)

// NotifierFactoryFor 根据配置的后端名称返回构造函数。
func NotifierFactoryFor(backend string) (NotifierFactory, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFSNotify:
		return NewFSNotifier, nil
	case BackendInotify:
		return NewInotifyNotifier, nil
	default:
		return nil, fmt.Errorf("unknown watch backend: %s", backend)
	}
}
