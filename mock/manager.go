package mock

import (
	"context"

	"github.com/quarrydb/quarry"
)

var _ quarry.Manager = (*Manager)(nil)

// Manager is a function-backed quarry.Manager for tests.
type Manager struct {
	OpenFunc            func(ctx context.Context, dbPath string) (quarry.Connection, error)
	CloseFunc           func(ctx context.Context, conn quarry.Connection, checkpoint bool) error
	LogExistsFunc       func(ctx context.Context, dbPath string) (bool, error)
	DestroyFunc         func(ctx context.Context, dbPath string) error
	UsesSharedIndexFunc func() bool
}

func (m *Manager) Open(ctx context.Context, dbPath string) (quarry.Connection, error) {
	return m.OpenFunc(ctx, dbPath)
}

func (m *Manager) Close(ctx context.Context, conn quarry.Connection, checkpoint bool) error {
	return m.CloseFunc(ctx, conn, checkpoint)
}

func (m *Manager) LogExists(ctx context.Context, dbPath string) (bool, error) {
	return m.LogExistsFunc(ctx, dbPath)
}

func (m *Manager) Destroy(ctx context.Context, dbPath string) error {
	return m.DestroyFunc(ctx, dbPath)
}

func (m *Manager) UsesSharedIndex() bool {
	return m.UsesSharedIndexFunc()
}
