package quarry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"

	"github.com/quarrydb/quarry/internal"
)

// Page is one page image handed to AppendFrames by the pager. Page numbers
// are 1-based; page 1 is always the database header page. Data must be
// exactly one page long.
type Page struct {
	Pgno uint32
	Data []byte
}

// SavepointMark captures the write cursor position mid-transaction so the
// log can be rolled back to it without aborting the whole transaction.
type SavepointMark struct {
	MxFrame     uint32
	FrameChksum [2]uint32
	CkptSeq     uint32
}

// CheckpointResult reports the state of the log after a checkpoint.
type CheckpointResult struct {
	LogFrames  uint32 // total frames in the log
	Backfilled uint32 // frames copied into the database file
}

// Connection is a per-pager handle bound to one log file. Implementations
// are not safe for concurrent use by multiple goroutines; concurrency
// arises from multiple connections sharing one log.
type Connection interface {
	// BeginRead opens a read transaction pinned to the current committed
	// snapshot. It reports whether the snapshot contains any log content
	// and whether the snapshot differs from the one this connection last
	// observed (in which case the pager must discard cached pages).
	BeginRead(ctx context.Context) (nonEmpty bool, changed bool, err error)

	// EndRead releases the read transaction. Idempotent.
	EndRead()

	// FindFrame returns the latest frame that wrote pgno within the read
	// snapshot, or zero meaning "read the page from the base file".
	FindFrame(pgno uint32) (uint32, error)

	// ReadFrame reads the page image of a frame into buf.
	ReadFrame(frame uint32, buf []byte) error

	// Dbsize returns the size of the database in pages implied by the read
	// snapshot, or zero if the log is empty and the base file governs.
	Dbsize() uint32

	// PageSize returns the page size recorded in the log, or zero if the
	// log has never been written.
	PageSize() uint32

	// BeginWrite acquires the single writer lock. Returns ErrBusy if
	// another connection holds it and ErrBusySnapshot if this connection's
	// snapshot is no longer current.
	BeginWrite() error

	// EndWrite releases the writer lock without altering the committed
	// snapshot. Idempotent.
	EndWrite()

	// Undo rolls back all frames appended since BeginWrite, invoking fn
	// once per rolled-back page number. Safe to call at any point after
	// BeginWrite, including twice in a row.
	Undo(fn func(pgno uint32) error) error

	// Savepoint captures the current write cursor.
	Savepoint() SavepointMark

	// SavepointUndo rolls the write cursor back to a mark captured by
	// Savepoint within the same write transaction.
	SavepointUndo(mark *SavepointMark) error

	// AppendFrames appends one frame per page. If isCommit is true the
	// final frame carries truncateTo, the database size in pages after the
	// commit, which is the atomic commit marker.
	AppendFrames(pages []Page, truncateTo uint32, isCommit bool, syncFlags SyncFlag) error

	// Checkpoint copies frames into the database file per mode. The busy
	// callback is polled by the blocking modes; returning false gives up.
	Checkpoint(ctx context.Context, mode CheckpointMode, busy func() bool, syncFlags SyncFlag) (CheckpointResult, error)

	// FrameCount returns the number of committed frames in the log.
	FrameCount() uint32

	// BackfillCount returns the number of frames already copied into the
	// database file by checkpoints.
	BackfillCount() uint32

	// SnapshotGet returns a handle to the current read snapshot, which may
	// later be pinned on this or another connection via SnapshotOpen.
	SnapshotGet() (*Snapshot, error)

	// SnapshotOpen pins the snapshot used by subsequent BeginRead calls.
	// Pass nil to clear.
	SnapshotOpen(snapshot *Snapshot)

	// SetExclusive toggles exclusive locking mode. While enabled, all lock
	// table operations are skipped; the caller must guarantee that no
	// other connection accesses the log.
	SetExclusive(on bool) error

	// HeapMemory reports whether the index lives in memory private to this
	// connection rather than shared across connections.
	HeapMemory() bool

	// Digest returns a BLAKE3 digest of the logical database image visible
	// to the current read snapshot.
	Digest() ([32]byte, error)

	// Name returns the path of the main database file.
	Name() string
}

// Snapshot pins a historical read position. It is valid until the frames
// it references are checkpointed or the log is reset.
type Snapshot struct {
	hdr IndexHeader
}

// MxFrame returns the last frame visible to the snapshot.
func (s *Snapshot) MxFrame() uint32 { return s.hdr.MxFrame }

// CkptSeq returns the log incarnation the snapshot belongs to. It changes
// every time the log restarts, so frame numbers are only comparable
// between snapshots with the same CkptSeq.
func (s *Snapshot) CkptSeq() uint32 { return s.hdr.CkptSeq }

// ErrStaleSnapshot is returned by BeginRead when a pinned snapshot is no
// longer available because the log was reset or checkpointed past it.
var ErrStaleSnapshot = errors.New("snapshot no longer available")

// errWalRetry is an internal signal that a begin-read attempt raced a
// writer or checkpointer and must be retried.
var errWalRetry = errors.New("wal retry")

// Retry budget for BeginRead. Attempts past walRetryWarn sleep with a
// quadratic backoff; exceeding walRetryLimit reports ErrProtocol.
const (
	walRetryWarn  = 5
	walRetryLimit = 100
)

var _ Connection = (*WAL)(nil)

// WAL is a Connection backed by a local log file. Instances are created
// through a Manager.
type WAL struct {
	vfs     VFS
	name    string // main database path
	logPath string
	dbFile  *os.File
	logFile *os.File
	id      uuid.UUID

	idx        *walIndex
	heapMemory bool  // index private to this connection
	maxLogSize int64 // truncate log to this size on reset; <0 disables

	hdr       IndexHeader // snapshot of the index header for this connection
	minFrame  uint32      // ignore frames before this index
	readLock  int         // read-mark slot held, -1 if none
	exclusive bool        // skip lock table operations
	snapshot  *Snapshot   // pinned snapshot for BeginRead, if any

	readGuard  *RWMutexGuard
	writeGuard *RWMutexGuard
	writeLock  bool
}

// openWAL opens the database and log files and binds them to a shared
// index. Used by Manager implementations.
func openWAL(vfs VFS, dbPath string, idx *walIndex, heapMemory bool, maxLogSize int64) (*WAL, error) {
	dbFile, err := vfs.OpenFile("WALOPEN:DB", dbPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}

	logPath := LogPath(dbPath)
	logFile, err := vfs.OpenFile("WALOPEN:LOG", logPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		_ = dbFile.Close()
		return nil, fmt.Errorf("open log file: %w", err)
	}

	w := &WAL{
		vfs:        vfs,
		name:       dbPath,
		logPath:    logPath,
		dbFile:     dbFile,
		logFile:    logFile,
		id:         uuid.New(),
		idx:        idx,
		heapMemory: heapMemory,
		maxLogSize: maxLogSize,
		readLock:   -1,
		exclusive:  heapMemory,
	}

	TraceLog.Printf("[WalOpen(%s)]: conn=%s heap=%v", w.name, w.id, heapMemory)
	return w, nil
}

// Name returns the path of the main database file.
func (w *WAL) Name() string { return w.name }

// HeapMemory reports whether the index lives in process-local memory
// private to this connection.
func (w *WAL) HeapMemory() bool { return w.heapMemory }

// SetExclusive toggles exclusive locking mode. Disallowed while a read
// transaction is open, and heap-memory connections cannot leave it.
func (w *WAL) SetExclusive(on bool) error {
	if w.readLock >= 0 {
		return ErrConnOpen
	}
	if !on && w.heapMemory {
		return fmt.Errorf("heap-memory wal connection cannot leave exclusive mode")
	}
	w.exclusive = on
	return nil
}

// close releases lock state and file handles. The manager checkpoints
// and/or removes the log before calling this where appropriate.
func (w *WAL) close() error {
	assert(w.readLock < 0 && !w.writeLock, "wal connection closed with open transaction")
	TraceLog.Printf("[WalClose(%s)]: conn=%s", w.name, w.id)

	var err error
	if e := w.logFile.Close(); e != nil {
		err = e
	}
	if e := w.dbFile.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// Lock helpers. In exclusive mode the lock table is skipped entirely and a
// nil guard stands in for a held lock.

func (w *WAL) tryRLock(m *RWMutex) (*RWMutexGuard, bool) {
	if w.exclusive {
		return nil, true
	}
	g := m.TryRLock()
	return g, g != nil
}

func (w *WAL) tryBusyLock(m *RWMutex, busy func() bool) (*RWMutexGuard, bool) {
	if w.exclusive {
		return nil, true
	}
	g := m.BusyLock(busy)
	return g, g != nil
}

func unlock(g *RWMutexGuard) {
	if g != nil {
		g.Unlock()
	}
}

// readIndexHeader refreshes the connection's copy of the shared index
// header, rebuilding the index from the log if no valid header exists.
// Reports whether the header changed since this connection last read it.
func (w *WAL) readIndexHeader() (changed bool, err error) {
	if h, ok := w.idx.readHeader(); ok {
		if h != w.hdr {
			changed = true
			w.hdr = h
		}
		return changed, nil
	}

	// No valid header: rebuild under the recover lock. If another
	// connection holds it, a rebuild is already in progress and the caller
	// should retry shortly.
	g, ok := w.tryBusyLock(&w.idx.recoverLock, nil)
	if !ok {
		return false, ErrBusy
	}
	defer unlock(g)

	// Another connection may have completed the rebuild while we waited.
	if h, ok := w.idx.readHeader(); ok {
		changed = h != w.hdr
		w.hdr = h
		return changed, nil
	}

	if err := w.rebuild(); err != nil {
		return false, err
	}
	h, ok2 := w.idx.readHeader()
	assert(ok2, "index header invalid after rebuild")
	w.hdr = h
	return true, nil
}

// rebuild reconstructs the shared index by replaying the log from frame
// zero. The scan stops at the first torn, misordered, or foreign-salt
// frame, which is treated as the true end of the log: a half-written final
// frame left by a crash is silently discarded, not treated as corruption.
// Caller holds the recover lock.
func (w *WAL) rebuild() (err error) {
	TraceLog.Printf("[WalRebuild(%s)]: conn=%s", w.name, w.id)
	defer func() {
		TraceLog.Printf("[WalRebuild.Done(%s)]: mxFrame=%d %s", w.name, w.hdr.MxFrame, errorKeyValue(err))
	}()

	fi, err := w.logFile.Stat()
	if err != nil {
		return err
	}

	w.idx.reset()
	hdr := IndexHeader{Version: LogVersion}

	if fi.Size() >= LogHeaderSize {
		r := NewLogReader(io.NewSectionReader(w.logFile, 0, fi.Size()))
		switch err := r.ReadHeader(); {
		case err == nil:
			lh := r.Header()
			hdr.PageSize = lh.PageSize
			hdr.BigEndChksum = lh.ByteOrder() == binary.BigEndian
			hdr.Salt = lh.Salt
			hdr.CkptSeq = lh.CkptSeq
			hdr.FrameChksum = lh.Chksum

			buf := make([]byte, lh.PageSize)
			var frame uint32
			for {
				pgno, commit, err := r.ReadFrame(buf)
				if err != nil {
					break // any invalid frame marks the end of the log
				}
				frame++
				w.idx.appendFrame(frame, pgno)
				if commit != 0 {
					hdr.MxFrame = frame
					hdr.PageN = commit
					hdr.FrameChksum = r.Chksum()
				}
			}
			// Discard any trailing frames of an uncommitted transaction.
			w.idx.truncateFrames(hdr.MxFrame)

		case errors.Is(err, ErrCorrupt):
			return err
		default:
			// A short or torn log header means the log holds no content;
			// the base file alone defines the database.
		}
	}

	w.idx.writeHeader(hdr)
	w.idx.nBackfill.Store(0)
	w.idx.resetReadMarks(hdr.MxFrame)
	return nil
}

// BeginRead opens a read transaction. The returned snapshot is stable for
// the life of the transaction: frames committed by writers afterwards are
// invisible until the next BeginRead.
func (w *WAL) BeginRead(ctx context.Context) (nonEmpty bool, changed bool, err error) {
	assert(w.readLock < 0, "read transaction already open")

	cnt := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, false, err
		}
		changed, err = w.tryBeginRead(false, &cnt)
		if err == errWalRetry {
			continue
		} else if err != nil {
			return false, false, err
		}
		return w.hdr.MxFrame > 0, changed, nil
	}
}

// tryBeginRead makes one attempt to open a read transaction. When useWal
// is true the current header snapshot is kept and a slot that reads from
// the log is always selected (used when a writer re-acquires its snapshot
// after restarting the log).
func (w *WAL) tryBeginRead(useWal bool, cnt *int) (changed bool, err error) {
	// Take steps to avoid spinning forever if there is a protocol error:
	// back off with a quadratic delay, then give up.
	*cnt++
	if *cnt > walRetryWarn {
		if *cnt > walRetryLimit {
			return false, ErrProtocol
		}
		delay := time.Microsecond
		if *cnt >= 10 {
			n := time.Duration(*cnt - 9)
			delay = n * n * 39 * time.Microsecond
		}
		time.Sleep(delay)
	}

	if !useWal {
		changed, err = w.readIndexHeader()
		if errors.Is(err, ErrBusy) {
			return false, errWalRetry
		} else if err != nil {
			return false, err
		}
	}

	mxFrame := w.hdr.MxFrame
	if w.snapshot != nil && w.snapshot.hdr.MxFrame < mxFrame {
		mxFrame = w.snapshot.hdr.MxFrame
	}

	nBackfill := w.idx.nBackfill.Load()
	if !useWal && nBackfill == w.hdr.MxFrame && w.snapshot == nil {
		// The log is empty or fully backfilled and can be ignored. Slot
		// zero marks readers that serve every page from the base file;
		// holding it blocks checkpointers from backfilling underneath us.
		g, ok := w.tryRLock(&w.idx.readLock[0])
		if ok {
			if h, okh := w.idx.readHeader(); !okh || h != w.hdr {
				// Frames may have been appended (or the log wrapped) since
				// the header was read. Ignoring the log is no longer safe.
				unlock(g)
				return false, errWalRetry
			}
			w.readGuard = g
			w.readLock = 0
			w.minFrame = nBackfill + 1
			return changed, nil
		}
		// Slot zero is held exclusively by a checkpointer; fall through
		// and pick a marked slot instead.
	}

	// Select the read-mark slot closest to, but not exceeding, mxFrame.
	mxReadMark, mxI := uint32(0), 0
	for i := 1; i < ReadMarkN; i++ {
		if m := w.idx.readMark[i].Load(); mxReadMark <= m && m <= mxFrame {
			assert(m != ReadMarkUnused, "unused read mark selected")
			mxReadMark, mxI = m, i
		}
	}

	// No slot records our snapshot exactly; try to claim a free slot and
	// move its mark up to mxFrame.
	if mxReadMark < mxFrame || mxI == 0 {
		for i := 1; i < ReadMarkN; i++ {
			if g, ok := w.tryLockSlot(i); ok {
				w.idx.readMark[i].Store(mxFrame)
				mxReadMark, mxI = mxFrame, i
				unlock(g)
				break
			}
		}
	}
	if mxI == 0 {
		return false, errWalRetry
	}

	g, ok := w.tryRLock(&w.idx.readLock[mxI])
	if !ok {
		return false, errWalRetry
	}

	// Now that the slot lock is held, verify that neither the mark nor the
	// header changed while we raced writers and checkpointers. Capture
	// minFrame first: frames at or below nBackfill can be read from the
	// base file directly.
	w.minFrame = w.idx.nBackfill.Load() + 1
	if w.idx.readMark[mxI].Load() != mxReadMark {
		unlock(g)
		return false, errWalRetry
	}
	if !useWal {
		if h, okh := w.idx.readHeader(); !okh || h != w.hdr {
			unlock(g)
			return false, errWalRetry
		}
	}

	if w.snapshot != nil {
		if w.snapshot.hdr.Salt != w.hdr.Salt || w.snapshot.hdr.CkptSeq != w.hdr.CkptSeq || w.minFrame > w.snapshot.hdr.MxFrame+1 {
			unlock(g)
			return false, ErrStaleSnapshot
		}
		w.hdr = w.snapshot.hdr
	}

	w.readGuard = g
	w.readLock = mxI
	readTxCountMetricVec.WithLabelValues(w.name).Inc()
	return changed, nil
}

// tryLockSlot attempts an exclusive lock on one read-mark slot.
func (w *WAL) tryLockSlot(i int) (*RWMutexGuard, bool) {
	if w.exclusive {
		return nil, true
	}
	g := w.idx.readLock[i].TryLock()
	return g, g != nil
}

// EndRead releases the read-mark slot. Idempotent.
func (w *WAL) EndRead() {
	if w.readGuard != nil {
		w.readGuard.Unlock()
		w.readGuard = nil
	}
	w.readLock = -1
}

// FindFrame returns the highest frame at or below the read snapshot bound
// that wrote pgno, or zero meaning "read from the base file". It never
// returns a frame beyond the snapshot's mxFrame, even if newer frames have
// since been appended by another writer.
func (w *WAL) FindFrame(pgno uint32) (uint32, error) {
	if w.readLock < 0 {
		return 0, ErrReadTxRequired
	}
	assert(pgno > 0, "page numbers are 1-based")

	// Slot-zero readers ignore the log entirely.
	if w.readLock == 0 {
		return 0, nil
	}
	if w.hdr.MxFrame == 0 {
		return 0, nil
	}
	return w.idx.lookup(pgno, w.minFrame, w.hdr.MxFrame), nil
}

// ReadFrame reads the page image of a frame into buf, which must be
// exactly one page long.
func (w *WAL) ReadFrame(frame uint32, buf []byte) error {
	if w.readLock < 0 {
		return ErrReadTxRequired
	}
	if len(buf) != int(w.hdr.PageSize) {
		return fmt.Errorf("ReadFrame(): buffer size (%d) must match page size (%d)", len(buf), w.hdr.PageSize)
	}
	_, err := internal.ReadFullAt(w.logFile, buf, FrameOffset(frame, w.hdr.PageSize)+FrameHeaderSize)
	return err
}

// Dbsize returns the size of the database in pages according to the read
// snapshot, or zero if the log holds no commit (the base file's own header
// then defines the size).
func (w *WAL) Dbsize() uint32 {
	if w.readLock >= 0 && w.hdr.MxFrame > 0 {
		return w.hdr.PageN
	}
	return 0
}

// PageSize returns the page size recorded in the log, or zero if the log
// has never been written.
func (w *WAL) PageSize() uint32 {
	if w.readLock >= 0 {
		return w.hdr.PageSize
	}
	if h, ok := w.idx.readHeader(); ok {
		return h.PageSize
	}
	return 0
}

// BeginWrite acquires the single writer lock. It does not block readers.
func (w *WAL) BeginWrite() error {
	if w.readLock < 0 {
		return ErrReadTxRequired
	}
	assert(!w.writeLock, "write transaction already open")

	g, ok := w.tryBusyLock(&w.idx.writeLock, nil)
	if !ok {
		busyCountMetricVec.WithLabelValues(w.name).Inc()
		return ErrBusy
	}

	// If another connection committed since this connection's snapshot was
	// taken, writing would fork history. The caller must refresh its read
	// transaction first.
	if h, okh := w.idx.readHeader(); !okh || h != w.hdr {
		unlock(g)
		busyCountMetricVec.WithLabelValues(w.name).Inc()
		return ErrBusySnapshot
	}

	// Discard index entries left behind by a writer that ended without
	// undoing its uncommitted frames.
	w.idx.truncateFrames(w.hdr.MxFrame)

	w.writeGuard = g
	w.writeLock = true
	return nil
}

// EndWrite releases the writer lock without altering the committed
// snapshot. Idempotent.
func (w *WAL) EndWrite() {
	if w.writeGuard != nil {
		w.writeGuard.Unlock()
		w.writeGuard = nil
	}
	w.writeLock = false
}

// Undo rolls the write cursor back to the last committed position,
// invoking fn once per page number written since BeginWrite so the pager
// can invalidate cached copies. Calling it with no pending frames,
// including a second time in a row, is a no-op.
func (w *WAL) Undo(fn func(pgno uint32) error) error {
	if !w.writeLock {
		return nil
	}

	iMax := w.hdr.MxFrame
	h, ok := w.idx.readHeader()
	assert(ok, "index header invalid while holding write lock")
	w.hdr = h
	assert(w.hdr.MxFrame <= iMax, "committed position beyond write cursor")

	for frame := w.hdr.MxFrame + 1; frame <= iMax; frame++ {
		if fn != nil {
			if err := fn(w.idx.framePgno(frame)); err != nil {
				return err
			}
		}
	}
	if iMax != w.hdr.MxFrame {
		w.idx.truncateFrames(w.hdr.MxFrame)
		undoFrameCountMetricVec.WithLabelValues(w.name).Add(float64(iMax - w.hdr.MxFrame))
	}
	return nil
}

// Savepoint captures the current write cursor position.
func (w *WAL) Savepoint() SavepointMark {
	assert(w.writeLock, "savepoint requires a write transaction")
	return SavepointMark{
		MxFrame:     w.hdr.MxFrame,
		FrameChksum: w.hdr.FrameChksum,
		CkptSeq:     w.hdr.CkptSeq,
	}
}

// SavepointUndo moves the write cursor back to mark, discarding frames
// appended after it.
func (w *WAL) SavepointUndo(mark *SavepointMark) error {
	if !w.writeLock {
		return ErrWriteTxRequired
	}

	// If the log was restarted after the savepoint was captured, the mark
	// refers to a previous incarnation; the restart already discarded the
	// frames, so the mark collapses to the start of the new log.
	if mark.CkptSeq != w.hdr.CkptSeq {
		mark.MxFrame = 0
		mark.CkptSeq = w.hdr.CkptSeq
	}

	if mark.MxFrame < w.hdr.MxFrame {
		w.hdr.MxFrame = mark.MxFrame
		w.hdr.FrameChksum = mark.FrameChksum
		w.idx.truncateFrames(mark.MxFrame)
	}
	return nil
}

// SnapshotGet returns a handle pinning the current read snapshot.
func (w *WAL) SnapshotGet() (*Snapshot, error) {
	if w.readLock < 0 {
		return nil, ErrReadTxRequired
	}
	return &Snapshot{hdr: w.hdr}, nil
}

// SnapshotOpen pins the snapshot used by subsequent BeginRead calls.
func (w *WAL) SnapshotOpen(snapshot *Snapshot) {
	w.snapshot = snapshot
}

// AppendFrames writes one frame per page to the log. Only the final frame
// of a commit carries a non-zero database size: a reader that sees that
// frame pass checksum validation has proof the whole preceding batch is
// durable and consistent, because validity is determined purely by the
// checksum chain.
func (w *WAL) AppendFrames(pages []Page, truncateTo uint32, isCommit bool, syncFlags SyncFlag) (err error) {
	if !w.writeLock {
		return ErrWriteTxRequired
	}
	if len(pages) == 0 {
		return nil
	}

	pageSize := uint32(len(pages[0].Data))
	if !ValidPageSize(pageSize) {
		return fmt.Errorf("invalid page size: %d", pageSize)
	}
	for _, p := range pages {
		if p.Pgno == 0 {
			return fmt.Errorf("invalid page number: 0")
		} else if len(p.Data) != int(pageSize) {
			return fmt.Errorf("page %d size (%d) does not match page size (%d)", p.Pgno, len(p.Data), pageSize)
		}
	}
	if isCommit && truncateTo == 0 {
		return fmt.Errorf("commit requires the database size after commit")
	}

	TraceLog.Printf("[AppendFrames(%s)]: conn=%s n=%d commit=%v", w.name, w.id, len(pages), isCommit)
	defer func() {
		TraceLog.Printf("[AppendFrames.Done(%s)]: mxFrame=%d %s", w.name, w.hdr.MxFrame, errorKeyValue(err))
	}()

	// If every frame has been backfilled and no reader is using the log,
	// wrap around and overwrite the old log from the start.
	if err := w.restartLog(); err != nil {
		return err
	}

	if w.hdr.MxFrame == 0 {
		if err := w.writeLogHeader(pageSize, syncFlags); err != nil {
			return err
		}
	} else if pageSize != w.hdr.PageSize {
		return fmt.Errorf("page size (%d) does not match log page size (%d)", pageSize, w.hdr.PageSize)
	}

	bo := w.hdr.ByteOrder()
	frame := w.hdr.MxFrame
	chksum := w.hdr.FrameChksum
	for i, p := range pages {
		frame++
		var commit uint32
		if isCommit && i == len(pages)-1 {
			commit = truncateTo
		}

		hdr, c := EncodeFrame(p.Pgno, commit, w.hdr.Salt, chksum, bo, p.Data)
		chksum = c

		off := FrameOffset(frame, pageSize)
		if _, err := internal.WriteFullAt(w.logFile, hdr[:], off); err != nil {
			return fmt.Errorf("write frame header: %w", err)
		}
		if _, err := internal.WriteFullAt(w.logFile, p.Data, off+FrameHeaderSize); err != nil {
			return fmt.Errorf("write frame data: %w", err)
		}
		w.idx.appendFrame(frame, p.Pgno)
	}
	w.hdr.MxFrame = frame
	w.hdr.FrameChksum = chksum
	frameWriteCountMetricVec.WithLabelValues(w.name).Add(float64(len(pages)))

	if !isCommit {
		return nil
	}

	// The commit frame must be durable before the new header is published.
	if syncFlags != SyncOff {
		if err := w.logFile.Sync(); err != nil {
			return fmt.Errorf("sync log: %w", err)
		}
	}

	w.hdr.PageN = truncateTo
	w.hdr.Change++
	w.idx.writeHeader(w.hdr)
	h, ok := w.idx.readHeader()
	assert(ok, "index header invalid immediately after commit")
	w.hdr = h

	commitCountMetricVec.WithLabelValues(w.name).Inc()
	frameCountMetricVec.WithLabelValues(w.name).Set(float64(w.hdr.MxFrame))
	return nil
}

// writeLogHeader initializes a fresh log file header at offset zero. On
// the very first use the salts are randomized; after a restart they carry
// the values walRestartHdr assigned.
func (w *WAL) writeLogHeader(pageSize uint32, syncFlags SyncFlag) error {
	if w.hdr.Salt == [2]uint32{} && w.hdr.CkptSeq == 0 {
		w.hdr.Salt = [2]uint32{randomUint32(), randomUint32()}
	}

	lh := LogHeader{
		Magic:    MagicLittleEndian,
		Version:  LogVersion,
		PageSize: pageSize,
		CkptSeq:  w.hdr.CkptSeq,
		Salt:     w.hdr.Salt,
	}
	b := EncodeLogHeader(lh)
	if _, err := internal.WriteFullAt(w.logFile, b, 0); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	if syncFlags != SyncOff {
		if err := w.logFile.Sync(); err != nil {
			return fmt.Errorf("sync log header: %w", err)
		}
	}

	dec, err := DecodeLogHeader(b)
	assert(err == nil, "encoded log header must decode")
	w.hdr.PageSize = pageSize
	w.hdr.BigEndChksum = false
	w.hdr.FrameChksum = dec.Chksum
	return nil
}

// restartLog wraps the log back to frame zero when it has been fully
// backfilled and no reader is mid-log. Called at the start of every write
// transaction's first append. The connection must hold read slot zero for
// the restart to be considered.
func (w *WAL) restartLog() error {
	if w.readLock != 0 {
		return nil
	}

	nBackfill := w.idx.nBackfill.Load()
	assert(nBackfill == w.hdr.MxFrame, "slot-zero reader with partially backfilled log")

	if nBackfill > 0 {
		// If any reader slot is locked, a reader is still replaying old
		// frames; leave the log alone and keep appending.
		if guards, ok := w.lockReaderSlots(nil); ok {
			w.restartHdr()
			for _, g := range guards {
				unlock(g)
			}
		}
	}

	// Trade the slot-zero lock for a slot that reads from the log.
	w.EndRead()
	cnt := 0
	for {
		_, err := w.tryBeginRead(true, &cnt)
		if err == errWalRetry {
			continue
		}
		return err
	}
}

// restartHdr resets the header for a new log incarnation: the salt pair
// changes so stale frames are unreadable, and the next append starts at
// frame zero. Caller holds the write lock and all reader slots.
func (w *WAL) restartHdr() {
	w.hdr.MxFrame = 0
	w.hdr.CkptSeq++
	w.hdr.Change++
	w.hdr.Salt[0]++
	w.hdr.Salt[1] = randomUint32()
	w.idx.writeHeader(w.hdr)
	h, ok := w.idx.readHeader()
	assert(ok, "index header invalid after log restart")
	w.hdr = h

	w.idx.nBackfill.Store(0)
	w.idx.resetReadMarks(0)
	w.idx.reset()

	logRestartCountMetricVec.WithLabelValues(w.name).Inc()
	TraceLog.Printf("[WalRestart(%s)]: conn=%s salt=%08x%08x ckptSeq=%d", w.name, w.id, w.hdr.Salt[0], w.hdr.Salt[1], w.hdr.CkptSeq)

	// Cap the physical file while its content is stale anyway.
	if w.maxLogSize >= 0 {
		if fi, err := w.logFile.Stat(); err == nil && fi.Size() > w.maxLogSize {
			if err := w.logFile.Truncate(w.maxLogSize); err != nil {
				TraceLog.Printf("[WalRestart(%s)]: cannot limit log size: %s", w.name, err)
			}
		}
	}
}

// lockReaderSlots attempts exclusive locks on reader slots 1..N, polling
// the busy callback between attempts. On failure no locks remain held.
func (w *WAL) lockReaderSlots(busy func() bool) ([]*RWMutexGuard, bool) {
	if w.exclusive {
		return nil, true
	}
	guards := make([]*RWMutexGuard, 0, ReadMarkN-1)
	for i := 1; i < ReadMarkN; i++ {
		g := w.idx.readLock[i].BusyLock(busy)
		if g == nil {
			for _, h := range guards {
				h.Unlock()
			}
			return nil, false
		}
		guards = append(guards, g)
	}
	return guards, true
}

// FrameCount returns the number of committed frames currently in the log.
func (w *WAL) FrameCount() uint32 {
	if h, ok := w.idx.readHeader(); ok {
		return h.MxFrame
	}
	return 0
}

// BackfillCount returns the number of log frames already copied into the
// database file.
func (w *WAL) BackfillCount() uint32 {
	return w.idx.nBackfill.Load()
}

// Digest hashes the logical database image visible to the current read
// snapshot: each page comes from its latest visible frame, falling back to
// the base file. Used by verification tooling.
func (w *WAL) Digest() (digest [32]byte, err error) {
	if w.readLock < 0 {
		return digest, ErrReadTxRequired
	}

	hasher := blake3.New()
	pageN := w.Dbsize()
	if pageN == 0 {
		// Empty log: the base file alone is the database.
		fi, err := w.dbFile.Stat()
		if err != nil {
			return digest, err
		}
		if _, err := io.Copy(hasher, io.NewSectionReader(w.dbFile, 0, fi.Size())); err != nil {
			return digest, err
		}
	} else {
		buf := make([]byte, w.hdr.PageSize)
		for pgno := uint32(1); pgno <= pageN; pgno++ {
			frame, err := w.FindFrame(pgno)
			if err != nil {
				return digest, err
			}
			if frame != 0 {
				err = w.ReadFrame(frame, buf)
			} else {
				_, err = internal.ReadFullAt(w.dbFile, buf, int64(pgno-1)*int64(w.hdr.PageSize))
			}
			if err != nil {
				return digest, fmt.Errorf("read page %d: %w", pgno, err)
			}
			_, _ = hasher.Write(buf)
		}
	}

	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("cannot read random salt: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// WAL metrics.
var (
	frameWriteCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_frame_write_count",
		Help: "Number of frames appended to the log.",
	}, []string{"db"})

	commitCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_commit_count",
		Help: "Number of committed write transactions.",
	}, []string{"db"})

	readTxCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_read_tx_count",
		Help: "Number of read transactions served from the log.",
	}, []string{"db"})

	busyCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_busy_count",
		Help: "Number of lock acquisitions that returned busy.",
	}, []string{"db"})

	undoFrameCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_undo_frame_count",
		Help: "Number of frames rolled back before commit.",
	}, []string{"db"})

	frameCountMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarry_wal_frame_count",
		Help: "Number of committed frames currently in the log.",
	}, []string{"db"})

	logRestartCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_restart_count",
		Help: "Number of times the log wrapped back to frame zero.",
	}, []string{"db"})
)
