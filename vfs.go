package quarry

import (
	"os"
)

// VFS is the file system abstraction the WAL subsystem operates over. The
// first argument of every method is a short operation tag used for tracing
// and fault injection in tests.
//
// The WAL only requires byte-addressable random access plus truncate and
// sync; path naming beyond "the log file associated with a main database
// file" is resolved by LogPath.
type VFS interface {
	Create(op, name string) (*os.File, error)
	Open(op, name string) (*os.File, error)
	OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error)
	Remove(op, name string) error
	Stat(op, name string) (os.FileInfo, error)
	Truncate(op, name string, size int64) error
}
