package cache

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsNotifier adapts fsnotify, which reports changes by path, to the
// handle-based Notifier contract by allocating handles itself.
type fsNotifier struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}

	mu     sync.Mutex
	next   WatchHandle
	byPath map[string]WatchHandle
	byID   map[WatchHandle]string

	closeOnce sync.Once
}

// NewFSNotifier 创建基于 fsnotify 的通知器。
func NewFSNotifier() (Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n := &fsNotifier{
		watcher: w,
		events:  make(chan Event, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
		byPath:  make(map[string]WatchHandle),
		byID:    make(map[WatchHandle]string),
	}
	go n.loop()
	return n, nil
}

func (n *fsNotifier) Add(path string) (WatchHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if h, ok := n.byPath[path]; ok {
		return h, nil
	}
	if err := n.watcher.Add(path); err != nil {
		return Unwatched, err
	}
	n.next++
	h := n.next
	n.byPath[path] = h
	n.byID[h] = path
	return h, nil
}

func (n *fsNotifier) Events() <-chan Event { return n.events }
func (n *fsNotifier) Errors() <-chan error { return n.errors }

func (n *fsNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.watcher.Close()
	})
	return err
}

func (n *fsNotifier) loop() {
	defer close(n.events)
	defer close(n.errors)
	for {
		select {
		case <-n.done:
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.dispatch(ev)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				select {
				case n.events <- Event{Op: OpOverflow}:
				case <-n.done:
					return
				}
				continue
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}
		}
	}
}

func (n *fsNotifier) dispatch(ev fsnotify.Event) {
	op := translateFSOp(ev.Op)
	if op == 0 {
		return
	}

	n.mu.Lock()
	h, ok := n.byPath[ev.Name]
	if ok && op.dropsWatch() {
		delete(n.byPath, ev.Name)
		delete(n.byID, h)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	select {
	case n.events <- Event{Handle: h, Op: op}:
	case <-n.done:
	}
}

func translateFSOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Write), op.Has(fsnotify.Create):
		return OpModify
	case op.Has(fsnotify.Chmod):
		return OpAttrib
	default:
		return 0
	}
}
