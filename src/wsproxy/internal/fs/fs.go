package fs

import (
	"os"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ProxyFS will wrap the filesystem operations used by the proxy.
type ProxyFS interface {
	MkdirAll(path string) error
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(name string, data string) error
	TempFile(dir, pattern string) (*os.File, error)
	Remove(name string) error
	RemoveAll(path string) error
}

type fsImpl struct{}

// New creates a new ProxyFS.
func New() ProxyFS {
	return fsImpl{}
}

// MkdirAll creates a directory and all its parents.
func (fsImpl) MkdirAll(path string) error { return os.MkdirAll(path, os.ModePerm) }

// MkdirTemp creates a new uniquely named temporary directory under dir.
func (fsImpl) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (fsImpl) WriteFile(name string, data string) error {
	return os.WriteFile(name, []byte(data), 0644)
}

func (fsImpl) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (fsImpl) Remove(name string) error {
	return os.Remove(name)
}

// RemoveAll removes a path and any children it contains.
func (fsImpl) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
