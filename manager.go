package quarry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quarrydb/quarry/internal"
)

// Manager creates and releases log connections. Implementations decide
// where logs live and how connections to the same database coordinate.
type Manager interface {
	// Open returns a connection to the log of the database at dbPath,
	// creating the log file if needed.
	Open(ctx context.Context, dbPath string) (Connection, error)

	// Close releases a connection previously returned by Open. When the
	// last connection to a log closes and checkpoint is true, the log is
	// folded into the database file and deleted. The connection must have
	// no open transaction.
	Close(ctx context.Context, conn Connection, checkpoint bool) error

	// LogExists reports whether a log file exists for the database at
	// dbPath, without opening a connection.
	LogExists(ctx context.Context, dbPath string) (bool, error)

	// Destroy removes the log of a database that has no open connections.
	// Any content not yet checkpointed is lost.
	Destroy(ctx context.Context, dbPath string) error

	// UsesSharedIndex reports whether connections opened for the same
	// database path coordinate through one shared index.
	UsesSharedIndex() bool
}

// FileManager is the standard Manager backed by the local file system.
// Connections to the same database path share one in-memory index and
// coordinate through its lock table.
type FileManager struct {
	mu      sync.Mutex
	entries map[string]*walEntry

	// VFS used for all file operations.
	VFS VFS

	// MaxLogSize caps the physical log file size when the log restarts.
	// Negative disables the cap.
	MaxLogSize int64

	// HeapMemory opens every connection with an index private to that
	// connection, implicitly in exclusive locking mode. Intended for
	// single-connection embedded use and tests.
	HeapMemory bool
}

type walEntry struct {
	idx  *walIndex
	refN int
}

var _ Manager = (*FileManager)(nil)

// NewFileManager returns a manager using the real file system and no log
// size cap.
func NewFileManager() *FileManager {
	return &FileManager{
		entries:    make(map[string]*walEntry),
		VFS:        &internal.SystemVFS{},
		MaxLogSize: -1,
	}
}

// Open opens a connection to the log of the database at dbPath.
func (m *FileManager) Open(ctx context.Context, dbPath string) (Connection, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, err
	}

	if m.HeapMemory {
		return openWAL(m.VFS, path, newWalIndex(), true, m.MaxLogSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Do not register the entry until the files are actually open: a failed
	// open must not leave a zero-reference entry that blocks Destroy.
	e := m.entries[path]
	idx := newWalIndex()
	if e != nil {
		idx = e.idx
	}

	w, err := openWAL(m.VFS, path, idx, false, m.MaxLogSize)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &walEntry{idx: idx}
		m.entries[path] = e
	}
	e.refN++
	openConnsMetricVec.WithLabelValues(path).Inc()
	return w, nil
}

// Close releases conn. The last connection to a log optionally checkpoints
// it into the database file and deletes it, leaving the base file as the
// sole copy of the data.
func (m *FileManager) Close(ctx context.Context, conn Connection, checkpoint bool) error {
	w, ok := conn.(*WAL)
	if !ok {
		return fmt.Errorf("connection was not opened by this manager")
	}

	m.mu.Lock()
	last := w.heapMemory
	if e := m.entries[w.name]; e != nil {
		e.refN--
		if e.refN == 0 {
			delete(m.entries, w.name)
			last = true
		}
	}
	m.mu.Unlock()

	var err error
	if last && checkpoint {
		err = m.checkpointOnClose(ctx, w)
	}
	if !w.heapMemory {
		openConnsMetricVec.WithLabelValues(w.name).Dec()
	}
	if e := w.close(); e != nil && err == nil {
		err = e
	}
	return err
}

// checkpointOnClose folds the log into the database file and removes it.
// Runs only on the final connection, so exclusive mode is safe.
func (m *FileManager) checkpointOnClose(ctx context.Context, w *WAL) error {
	if err := w.SetExclusive(true); err != nil {
		return err
	}
	if _, err := w.Checkpoint(ctx, CheckpointTruncate, nil, SyncNormal); err != nil {
		if errors.Is(err, ErrBusy) {
			return nil // leave the log in place for the next open
		}
		return err
	}
	if err := m.VFS.Remove("WALCLOSE:LOG", w.logPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	TraceLog.Printf("[WalDestroy(%s)]: log checkpointed and removed", w.name)
	return nil
}

// LogExists reports whether a log file exists for the database at dbPath.
func (m *FileManager) LogExists(ctx context.Context, dbPath string) (bool, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return false, err
	}
	if _, err := m.VFS.Stat("WALEXISTS:LOG", LogPath(path)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// UsesSharedIndex reports whether connections to the same database path
// share one index. False only in heap-memory mode.
func (m *FileManager) UsesSharedIndex() bool { return !m.HeapMemory }

// Destroy removes the log file of a database that has no open connections.
// Any content not yet checkpointed is lost.
func (m *FileManager) Destroy(ctx context.Context, dbPath string) error {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, open := m.entries[path]
	m.mu.Unlock()
	if open {
		return ErrBusy
	}

	if err := m.VFS.Remove("WALDESTROY:LOG", LogPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SharedManager wraps another Manager so that every Open of the same
// database path returns the same underlying connection, reference counted;
// the inner manager's Close runs only when the last reference is released.
// Callers must serialize use of a shared connection, since transaction
// state lives on the connection itself.
type SharedManager struct {
	inner Manager

	mu    sync.Mutex
	conns map[string]*sharedEntry
}

type sharedEntry struct {
	conn Connection
	refN int
}

var _ Manager = (*SharedManager)(nil)

// NewSharedManager returns a ref-counting wrapper around inner.
func NewSharedManager(inner Manager) *SharedManager {
	return &SharedManager{
		inner: inner,
		conns: make(map[string]*sharedEntry),
	}
}

// Open returns the shared connection for dbPath, opening it through the
// inner manager on first use.
func (m *SharedManager) Open(ctx context.Context, dbPath string) (Connection, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.conns[path]; e != nil {
		e.refN++
		return e.conn, nil
	}

	conn, err := m.inner.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	m.conns[path] = &sharedEntry{conn: conn, refN: 1}
	return conn, nil
}

// Close releases one reference to conn, forwarding to the inner manager
// when the last reference is released.
func (m *SharedManager) Close(ctx context.Context, conn Connection, checkpoint bool) error {
	m.mu.Lock()
	e := m.conns[conn.Name()]
	if e == nil || e.conn != conn {
		m.mu.Unlock()
		return fmt.Errorf("connection was not opened by this manager")
	}
	e.refN--
	last := e.refN == 0
	if last {
		delete(m.conns, conn.Name())
	}
	m.mu.Unlock()

	if !last {
		return nil
	}
	return m.inner.Close(ctx, conn, checkpoint)
}

// LogExists reports whether a log file exists for the database at dbPath.
func (m *SharedManager) LogExists(ctx context.Context, dbPath string) (bool, error) {
	return m.inner.LogExists(ctx, dbPath)
}

// Destroy removes the log of a database with no shared connection open.
func (m *SharedManager) Destroy(ctx context.Context, dbPath string) error {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, open := m.conns[path]
	m.mu.Unlock()
	if open {
		return ErrBusy
	}
	return m.inner.Destroy(ctx, path)
}

// UsesSharedIndex reports whether the inner manager shares one index per
// database path.
func (m *SharedManager) UsesSharedIndex() bool { return m.inner.UsesSharedIndex() }

// Manager metrics.
var openConnsMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "quarry_wal_open_conns",
	Help: "Number of open log connections.",
}, []string{"db"})
