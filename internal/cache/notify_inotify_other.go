//go:build !linux

package cache

import "errors"

// NewInotifyNotifier 在非 Linux 平台不可用，请改用 fsnotify 后端。
func NewInotifyNotifier() (Notifier, error) {
	return nil, errors.New("inotify backend is only available on linux")
}
