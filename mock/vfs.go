package mock

import (
	"os"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/internal"
)

var _ quarry.VFS = (*VFS)(nil)

// VFS delegates to Underlying unless an individual function is set,
// allowing tests to inject faults into single file system operations.
type VFS struct {
	Underlying quarry.VFS

	CreateFunc   func(op, name string) (*os.File, error)
	OpenFunc     func(op, name string) (*os.File, error)
	OpenFileFunc func(op, name string, flag int, perm os.FileMode) (*os.File, error)
	RemoveFunc   func(op, name string) error
	StatFunc     func(op, name string) (os.FileInfo, error)
	TruncateFunc func(op, name string, size int64) error
}

// NewVFS returns a mock VFS that defaults to the real file system.
func NewVFS() *VFS {
	return &VFS{
		Underlying: &internal.SystemVFS{},
	}
}

func (m *VFS) Create(op, name string) (*os.File, error) {
	if m.CreateFunc == nil {
		return m.Underlying.Create(op, name)
	}
	return m.CreateFunc(op, name)
}

func (m *VFS) Open(op, name string) (*os.File, error) {
	if m.OpenFunc == nil {
		return m.Underlying.Open(op, name)
	}
	return m.OpenFunc(op, name)
}

func (m *VFS) OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error) {
	if m.OpenFileFunc == nil {
		return m.Underlying.OpenFile(op, name, flag, perm)
	}
	return m.OpenFileFunc(op, name, flag, perm)
}

func (m *VFS) Remove(op, name string) error {
	if m.RemoveFunc == nil {
		return m.Underlying.Remove(op, name)
	}
	return m.RemoveFunc(op, name)
}

func (m *VFS) Stat(op, name string) (os.FileInfo, error) {
	if m.StatFunc == nil {
		return m.Underlying.Stat(op, name)
	}
	return m.StatFunc(op, name)
}

func (m *VFS) Truncate(op, name string, size int64) error {
	if m.TruncateFunc == nil {
		return m.Underlying.Truncate(op, name, size)
	}
	return m.TruncateFunc(op, name, size)
}
