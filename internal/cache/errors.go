package cache

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound 表示路径不存在（或规范化失败）。
	ErrNotFound = errors.New("cache: no such file")
	// ErrPermissionDenied 表示文件系统拒绝访问。
	ErrPermissionDenied = errors.New("cache: permission denied")
	// ErrIsDirectory 表示尝试以流方式打开目录。
	ErrIsDirectory = errors.New("cache: is a directory")
	// ErrWatchRegistration 表示无法为路径注册变更通知；条目仍可用但不再保证失效。
	ErrWatchRegistration = errors.New("cache: watch registration failed")
	// ErrIO 表示 passthrough 读取期间的磁盘错误。
	ErrIO = errors.New("cache: i/o failure")
	// ErrInvalidHandle 表示句柄未打开或已关闭。
	ErrInvalidHandle = errors.New("cache: invalid handle")
	// ErrInvalidated 表示 cached 句柄打开后条目已被 watcher 失效，调用方应重新 Open。
	ErrInvalidated = errors.New("cache: entry invalidated while streaming")
	// ErrClosed 表示 Store 已关闭。
	ErrClosed = errors.New("cache: store closed")
)

// classify wraps a filesystem error with the matching store sentinel while
// keeping the underlying error reachable through errors.Is/As.
func classify(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w: %w", op, path, ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s %s: %w: %w", op, path, ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}

// outcome maps an error to the short label used in log lines and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrIsDirectory):
		return "is_directory"
	case errors.Is(err, ErrIO):
		return "io_failure"
	default:
		return "error"
	}
}
