//go:build linux

package cache

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// inotifyNotifier talks to inotify(7) directly. Watch handles are the
// kernel's watch descriptors.
type inotifyNotifier struct {
	fd     int
	events chan Event
	errors chan error
	stop   chan struct{}

	closeOnce sync.Once
}

// NewInotifyNotifier 创建直接基于 inotify 的通知器。
func NewInotifyNotifier() (Notifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	n := &inotifyNotifier{
		fd:     fd,
		events: make(chan Event, 64),
		errors: make(chan error, 8),
		stop:   make(chan struct{}),
	}
	go n.readLoop()
	return n, nil
}

func (n *inotifyNotifier) Add(path string) (WatchHandle, error) {
	wd, err := unix.InotifyAddWatch(n.fd, path, inotifyMask)
	if err != nil {
		return Unwatched, fmt.Errorf("inotify_add_watch on %s: %w", path, err)
	}
	return WatchHandle(wd), nil
}

func (n *inotifyNotifier) Events() <-chan Event { return n.events }
func (n *inotifyNotifier) Errors() <-chan error { return n.errors }

func (n *inotifyNotifier) Close() error {
	n.closeOnce.Do(func() { close(n.stop) })
	return nil
}

// readLoop polls with a 100ms timeout so the stop signal is noticed without
// spinning. The fd is closed when the loop exits.
func (n *inotifyNotifier) readLoop() {
	defer close(n.events)
	defer close(n.errors)
	defer unix.Close(n.fd)

	buffer := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		select {
		case <-n.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			n.report(fmt.Errorf("poll inotify: %w", err))
			return
		}
		if count == 0 {
			continue
		}

		read, err := unix.Read(n.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			n.report(fmt.Errorf("read inotify: %w", err))
			return
		}
		if !n.decode(buffer[:read]) {
			return
		}
	}
}

// decode walks a buffer of raw events:
//
//	struct inotify_event { int32 wd; uint32 mask; uint32 cookie; uint32 len; char name[]; }
func (n *inotifyNotifier) decode(buf []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		wd := int32(binary.NativeEndian.Uint32(buf[offset : offset+4]))
		mask := binary.NativeEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		offset += unix.SizeofInotifyEvent + nameLen

		op := translateInotifyMask(mask)
		if op == 0 {
			continue
		}
		select {
		case n.events <- Event{Handle: WatchHandle(wd), Op: op}:
		case <-n.stop:
			return false
		}
	}
	return true
}

func (n *inotifyNotifier) report(err error) {
	select {
	case n.errors <- err:
	default:
	}
}

func translateInotifyMask(mask uint32) Op {
	switch {
	case mask&unix.IN_Q_OVERFLOW != 0:
		return OpOverflow
	case mask&unix.IN_DELETE_SELF != 0, mask&unix.IN_IGNORED != 0:
		return OpRemove
	case mask&unix.IN_MOVE_SELF != 0:
		return OpRename
	case mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0:
		return OpModify
	case mask&unix.IN_ATTRIB != 0:
		return OpAttrib
	default:
		return 0
	}
}
