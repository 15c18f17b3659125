package internal

import "os"

// SystemVFS is a VFS implementation that calls the os package functions
// directly. The operation tags are ignored.
type SystemVFS struct{}

func (*SystemVFS) Create(_, name string) (*os.File, error) {
	return os.Create(name)
}

func (*SystemVFS) Open(_, name string) (*os.File, error) {
	return os.Open(name)
}

func (*SystemVFS) OpenFile(_, name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (*SystemVFS) Remove(_, name string) error {
	return os.Remove(name)
}

func (*SystemVFS) Stat(_, name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (*SystemVFS) Truncate(_, name string, size int64) error {
	return os.Truncate(name, size)
}
