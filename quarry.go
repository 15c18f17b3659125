package quarry

import (
	"errors"
	"fmt"
	"io"
	"log"
)

// Quarry WAL errors.
var (
	// ErrBusy is returned when a lock cannot be acquired. It is always
	// transient: the caller may retry after backing off.
	ErrBusy = errors.New("wal busy")

	// ErrBusySnapshot is returned by BeginWrite when another writer has
	// committed since this connection's read snapshot was taken. The caller
	// must end the read transaction and begin a new one before writing.
	ErrBusySnapshot = fmt.Errorf("%w: stale snapshot", ErrBusy)

	// ErrProtocol is returned when the lock retry budget is exhausted.
	// This indicates another process is misbehaving, not a corrupt log.
	ErrProtocol = errors.New("wal locking protocol failure")

	// ErrCorrupt is returned when the log header is unreadable in a way
	// that cannot be explained by a clean crash truncation.
	ErrCorrupt = errors.New("wal corrupt")

	ErrReadTxRequired  = errors.New("read transaction required")
	ErrWriteTxRequired = errors.New("write transaction required")
	ErrConnOpen        = errors.New("transaction open on connection")
)

// Frame codec errors. These are routine signals used to find the true end
// of the log; they only escalate when they occur somewhere other than the
// log tail.
var (
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrSaltMismatch     = errors.New("frame salt mismatch")
	ErrTruncated        = errors.New("truncated frame")
)

// On-disk layout constants.
const (
	LogHeaderSize   = 32
	FrameHeaderSize = 24

	// LogVersion is written to every log header. Logs with a different
	// version are rejected as unreadable.
	LogVersion = 1

	// Log header magic. The low bit selects the byte order used for the
	// checksum words: even is little-endian, odd is big-endian.
	MagicLittleEndian = 0x9d2f31e6
	MagicBigEndian    = 0x9d2f31e7
)

// Page size limits. Sizes must be a power of two. The maximum of 65536 is
// stored directly in the 32-bit page-size field of the log header.
const (
	MinPageSize = 512
	MaxPageSize = 65536
)

// Read-mark slots. Slot zero is pinned to frame zero and marks readers
// that ignore the log entirely; the remaining slots record the snapshot
// boundary of active readers.
const (
	ReadMarkN      = 5
	ReadMarkUnused = 0xffffffff
)

// SyncFlag controls how file syncs are issued while appending frames and
// checkpointing.
type SyncFlag int

const (
	SyncOff SyncFlag = iota
	SyncNormal
	SyncFull
)

// CheckpointMode determines how aggressively a checkpoint coordinates
// with concurrent readers.
type CheckpointMode int

const (
	// CheckpointPassive copies as many frames as possible without blocking
	// any reader. The busy callback is never invoked.
	CheckpointPassive CheckpointMode = iota

	// CheckpointFull waits for readers holding old snapshots to finish so
	// that every frame in the log can be backfilled.
	CheckpointFull

	// CheckpointRestart is like CheckpointFull but additionally waits for
	// all readers and resets the log header so the next writer starts the
	// log over from frame zero.
	CheckpointRestart

	// CheckpointTruncate is like CheckpointRestart but also truncates the
	// log file to zero bytes.
	CheckpointTruncate
)

// String returns the string representation of the mode.
func (m CheckpointMode) String() string {
	switch m {
	case CheckpointPassive:
		return "passive"
	case CheckpointFull:
		return "full"
	case CheckpointRestart:
		return "restart"
	case CheckpointTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("<unknown(%d)>", int(m))
	}
}

// ParseCheckpointMode parses a mode name as used by configuration files
// and the command line tools.
func ParseCheckpointMode(s string) (CheckpointMode, error) {
	switch s {
	case "passive", "":
		return CheckpointPassive, nil
	case "full":
		return CheckpointFull, nil
	case "restart":
		return CheckpointRestart, nil
	case "truncate":
		return CheckpointTruncate, nil
	default:
		return 0, fmt.Errorf("invalid checkpoint mode: %q", s)
	}
}

// ValidPageSize returns true if sz is a legal database page size.
func ValidPageSize(sz uint32) bool {
	if sz < MinPageSize || sz > MaxPageSize {
		return false
	}
	return sz&(sz-1) == 0
}

// LogPath returns the path of the log file associated with a main
// database file.
func LogPath(dbPath string) string { return dbPath + "-wal" }

// TraceLogFlags are the flags to use with TraceLog.
const TraceLogFlags = log.LstdFlags | log.Lmicroseconds | log.LUTC

// TraceLog is a verbose, low-level log of WAL operations. Discarded by
// default; operational tooling may point it at a rotating file.
var TraceLog = log.New(io.Discard, "", TraceLogFlags)

func errorKeyValue(err error) string {
	if err == nil {
		return ""
	}
	return "err=" + err.Error()
}

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}
