package cache

import (
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileSystem abstracts the metadata query, read handle and path
// canonicalization primitives the store falls back to on a miss.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	Open(name string) (afero.File, error)
	// Canonical returns the absolute, symlink-free form of name.
	Canonical(name string) (string, error)
}

type aferoFileSystem struct {
	afero.Fs
	resolve func(string) (string, error)
}

func (f aferoFileSystem) Canonical(name string) (string, error) {
	return f.resolve(name)
}

// NewOSFileSystem 返回基于真实磁盘的实现，规范化时会解析符号链接。
func NewOSFileSystem() FileSystem {
	return aferoFileSystem{Fs: afero.NewOsFs(), resolve: resolveOS}
}

// NewAferoFileSystem 包装任意 afero.Fs（例如测试用的 MemMapFs）。
// 该实现只做词法规范化，不解析符号链接。
func NewAferoFileSystem(fsys afero.Fs) FileSystem {
	return aferoFileSystem{Fs: fsys, resolve: resolveLexical}
}

func resolveOS(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func resolveLexical(name string) (string, error) {
	if !filepath.IsAbs(name) {
		name = string(filepath.Separator) + name
	}
	return filepath.Clean(name), nil
}
