package quarry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/quarrydb/quarry/internal"
)

// Auto-checkpoint defaults.
const (
	DefaultCheckpointThreshold = 1000
	DefaultCheckpointInterval  = 1 * time.Minute
)

// Checkpoint copies committed frames into the database file. Passive mode
// copies whatever is safe without blocking and may stop early; Full waits
// (via the busy callback) for readers holding old snapshots; Restart
// additionally waits for all readers and resets the log header so the next
// writer starts over from frame zero; Truncate also truncates the log file
// to zero bytes.
//
// Checkpoint must not be called with a read or write transaction open on
// this connection. A nil busy callback never waits.
func (w *WAL) Checkpoint(ctx context.Context, mode CheckpointMode, busy func() bool, syncFlags SyncFlag) (res CheckpointResult, err error) {
	if w.readLock >= 0 || w.writeLock {
		return res, ErrConnOpen
	}

	modeName := mode.String()
	t := time.Now()
	TraceLog.Printf("[Checkpoint(%s)]: conn=%s mode=%s", w.name, w.id, modeName)
	defer func() {
		TraceLog.Printf("[Checkpoint.Done(%s)]: mode=%s frames=%d backfilled=%d elapsed=%s %s",
			w.name, modeName, res.LogFrames, res.Backfilled, time.Since(t), errorKeyValue(err))
	}()

	// Passive never blocks on anyone.
	if mode == CheckpointPassive {
		busy = nil
	}

	// Only one checkpointer at a time.
	ckptGuard, ok := w.tryBusyLock(&w.idx.ckptLock, busy)
	if !ok {
		return res, ErrBusy
	}
	defer unlock(ckptGuard)

	// Blocking modes also hold the writer lock so no transaction can extend
	// the log mid-checkpoint. If a writer is active and won't yield, fall
	// back to passive behavior and report busy afterwards.
	degraded := false
	if mode != CheckpointPassive {
		g, ok := w.tryBusyLock(&w.idx.writeLock, busy)
		if ok {
			defer unlock(g)
		} else {
			degraded, busy, mode = true, nil, CheckpointPassive
		}
	}

	if _, err := w.readIndexHeader(); err != nil {
		return res, err
	}

	if err := w.backfill(ctx, busy, syncFlags); err != nil {
		return res, err
	}
	res.LogFrames = w.hdr.MxFrame
	res.Backfilled = w.idx.nBackfill.Load()

	if mode != CheckpointPassive {
		if res.Backfilled < res.LogFrames {
			return res, ErrBusy
		}

		if mode >= CheckpointRestart {
			// Wait for every reader still replaying the old log, then reset
			// the header: the salt changes, so the next writer starts a
			// fresh log regardless of what bytes remain in the file.
			guards, ok := w.lockReaderSlots(busy)
			if !ok {
				return res, ErrBusy
			}
			w.restartHdr()
			if mode == CheckpointTruncate {
				if err := w.logFile.Truncate(0); err != nil {
					for _, g := range guards {
						unlock(g)
					}
					return res, fmt.Errorf("truncate log: %w", err)
				}
				if syncFlags != SyncOff {
					if err := w.logFile.Sync(); err != nil {
						for _, g := range guards {
							unlock(g)
						}
						return res, fmt.Errorf("sync truncated log: %w", err)
					}
				}
			}
			for _, g := range guards {
				unlock(g)
			}
			res = CheckpointResult{}
		}
	}

	checkpointCountMetricVec.WithLabelValues(w.name, modeName).Inc()
	checkpointSecondsMetricVec.WithLabelValues(w.name, modeName).Add(time.Since(t).Seconds())

	if degraded {
		return res, ErrBusy
	}
	return res, nil
}

// backfill copies the latest visible version of each page into the
// database file, up to the highest frame no active reader still needs to
// see superseded by the log. Caller holds the checkpoint lock.
func (w *WAL) backfill(ctx context.Context, busy func() bool, syncFlags SyncFlag) error {
	if w.idx.nBackfill.Load() >= w.hdr.MxFrame {
		return nil
	}

	pageSize := w.hdr.PageSize
	mxSafeFrame := w.hdr.MxFrame
	mxPage := w.hdr.PageN

	// Raise or retire read marks that would otherwise hold the target back.
	// A slot that cannot be locked has an active reader; lower the target to
	// its mark instead. Marks always sit on commit boundaries, so any value
	// of mxSafeFrame chosen here yields a consistent database image.
	for i := 1; i < ReadMarkN; i++ {
		y := w.idx.readMark[i].Load()
		if mxSafeFrame <= y {
			continue
		}
		if g, ok := w.busyLockSlot(i, busy); ok {
			if i == 1 {
				w.idx.readMark[i].Store(mxSafeFrame)
			} else {
				w.idx.readMark[i].Store(ReadMarkUnused)
			}
			unlock(g)
		} else {
			mxSafeFrame = y
			busy = nil
		}
	}

	nBackfill := w.idx.nBackfill.Load()
	if nBackfill >= mxSafeFrame {
		return nil
	}

	// Exclusive slot zero keeps ignore-the-log readers out while the
	// database file mutates underneath where they would read.
	g0, ok := w.busyLockSlot(0, busy)
	if !ok {
		return nil // leave the rest for a later pass
	}
	defer unlock(g0)

	// The log must be durable before its content lands in the database.
	if syncFlags != SyncOff {
		if err := w.logFile.Sync(); err != nil {
			return fmt.Errorf("sync log: %w", err)
		}
	}

	targets := w.idx.backfillTargets(nBackfill, mxSafeFrame)
	buf := make([]byte, pageSize)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.pgno > mxPage {
			continue // dropped by the final truncation
		}
		if _, err := internal.ReadFullAt(w.logFile, buf, FrameOffset(t.frame, pageSize)+FrameHeaderSize); err != nil {
			return fmt.Errorf("read frame %d: %w", t.frame, err)
		}
		if _, err := internal.WriteFullAt(w.dbFile, buf, int64(t.pgno-1)*int64(pageSize)); err != nil {
			return fmt.Errorf("write page %d: %w", t.pgno, err)
		}
		checkpointFrameCountMetricVec.WithLabelValues(w.name).Inc()
	}

	// Once the whole log is applied the database size is known exactly.
	if mxSafeFrame == w.hdr.MxFrame {
		if err := w.dbFile.Truncate(int64(mxPage) * int64(pageSize)); err != nil {
			return fmt.Errorf("truncate database: %w", err)
		}
	}
	if syncFlags != SyncOff {
		if err := w.dbFile.Sync(); err != nil {
			return fmt.Errorf("sync database: %w", err)
		}
	}

	w.idx.nBackfill.Store(mxSafeFrame)
	return nil
}

// busyLockSlot acquires one reader slot exclusively, polling the busy
// callback between attempts.
func (w *WAL) busyLockSlot(i int, busy func() bool) (*RWMutexGuard, bool) {
	if w.exclusive {
		return nil, true
	}
	g := w.idx.readLock[i].BusyLock(busy)
	return g, g != nil
}

type backfillTarget struct {
	pgno  uint32
	frame uint32
}

// backfillTargets returns, for every page, the latest frame within
// (nBackfill, mxSafeFrame] that wrote it. Results are ordered by page
// number so database file writes are sequential.
func (idx *walIndex) backfillTargets(nBackfill, mxSafeFrame uint32) []backfillTarget {
	idx.mu.RLock()
	targets := make([]backfillTarget, 0, len(idx.frames))
	for pgno, a := range idx.frames {
		i := sort.Search(len(a), func(i int) bool { return a[i] > mxSafeFrame })
		if i == 0 {
			continue
		}
		if frame := a[i-1]; frame > nBackfill {
			targets = append(targets, backfillTarget{pgno: pgno, frame: frame})
		}
	}
	idx.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].pgno < targets[j].pgno })
	return targets
}

// AutoCheckpointer periodically checkpoints a log once enough frames
// accumulate, mirroring what embedded databases run after every commit.
// The connection must be dedicated to the checkpointer since checkpoints
// cannot run with a transaction open on the same connection.
type AutoCheckpointer struct {
	conn Connection

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Threshold is the number of non-backfilled frames that triggers a
	// checkpoint.
	Threshold uint32

	// Interval between inspections of the log.
	Interval time.Duration

	// Mode used for automatic checkpoints.
	Mode CheckpointMode

	// SyncFlags used for automatic checkpoints.
	SyncFlags SyncFlag
}

// NewAutoCheckpointer returns a checkpointer with default settings.
func NewAutoCheckpointer(conn Connection) *AutoCheckpointer {
	c := &AutoCheckpointer{
		conn:      conn,
		Threshold: DefaultCheckpointThreshold,
		Interval:  DefaultCheckpointInterval,
		Mode:      CheckpointPassive,
		SyncFlags: SyncNormal,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start begins monitoring in the background.
func (c *AutoCheckpointer) Start() {
	c.g.Go(func() error {
		c.monitor(c.ctx)
		return nil
	})
}

// Stop stops monitoring and waits for an in-flight checkpoint to finish.
func (c *AutoCheckpointer) Stop() error {
	c.cancel()
	return c.g.Wait()
}

func (c *AutoCheckpointer) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpointIfNeeded(ctx)
		}
	}
}

func (c *AutoCheckpointer) checkpointIfNeeded(ctx context.Context) {
	frameN, backfillN := c.conn.FrameCount(), c.conn.BackfillCount()
	if frameN < backfillN || frameN-backfillN < c.Threshold {
		return
	}

	res, err := c.conn.Checkpoint(ctx, c.Mode, nil, c.SyncFlags)
	switch {
	case errors.Is(err, ErrBusy):
		TraceLog.Printf("[AutoCheckpoint(%s)]: busy, will retry", c.conn.Name())
	case err != nil:
		TraceLog.Printf("[AutoCheckpoint(%s)]: err=%s", c.conn.Name(), err)
	default:
		TraceLog.Printf("[AutoCheckpoint(%s)]: frames=%d backfilled=%d", c.conn.Name(), res.LogFrames, res.Backfilled)
	}
}

// Checkpoint metrics.
var (
	checkpointCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_checkpoint_count",
		Help: "Number of completed checkpoints.",
	}, []string{"db", "mode"})

	checkpointSecondsMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_checkpoint_seconds",
		Help: "Total time spent checkpointing.",
	}, []string{"db", "mode"})

	checkpointFrameCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_wal_checkpoint_frame_count",
		Help: "Number of frames copied into the database file.",
	}, []string{"db"})
)
