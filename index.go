package quarry

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
)

// IndexHeaderSize is the encoded size of an IndexHeader. The checksummed
// prefix is padded to 48 bytes so it is a legal Checksum input (which
// requires a multiple of 8 bytes).
const IndexHeaderSize = 56

// IndexHeader describes the current committed state of the log. It is kept
// in two redundant copies in the shared index; a new reader must observe
// both copies bit-identical or retry, which detects a torn update by a
// concurrent writer.
type IndexHeader struct {
	Version      uint32
	Change       uint32 // incremented on every commit
	Init         bool   // false until the index has been built once
	BigEndChksum bool   // byte order used for checksums
	PageSize     uint32
	MxFrame      uint32 // index of last valid frame in the log
	PageN        uint32 // size of the database in pages
	FrameChksum  [2]uint32
	Salt         [2]uint32
	CkptSeq      uint32
	Chksum       [2]uint32 // checksum over all prior fields
}

// ByteOrder returns the byte order used for checksum computation.
func (h *IndexHeader) ByteOrder() binary.ByteOrder {
	if h.BigEndChksum {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (h *IndexHeader) marshal() [IndexHeaderSize]byte {
	var b [IndexHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:], h.Version)
	binary.BigEndian.PutUint32(b[4:], h.Change)
	var flags uint32
	if h.Init {
		flags |= 1
	}
	if h.BigEndChksum {
		flags |= 2
	}
	binary.BigEndian.PutUint32(b[8:], flags)
	binary.BigEndian.PutUint32(b[12:], h.PageSize)
	binary.BigEndian.PutUint32(b[16:], h.MxFrame)
	binary.BigEndian.PutUint32(b[20:], h.PageN)
	binary.BigEndian.PutUint32(b[24:], h.FrameChksum[0])
	binary.BigEndian.PutUint32(b[28:], h.FrameChksum[1])
	binary.BigEndian.PutUint32(b[32:], h.Salt[0])
	binary.BigEndian.PutUint32(b[36:], h.Salt[1])
	binary.BigEndian.PutUint32(b[40:], h.CkptSeq)
	// b[44:48] is zero padding so the checksummed prefix is 8-byte aligned.
	binary.BigEndian.PutUint32(b[48:], h.Chksum[0])
	binary.BigEndian.PutUint32(b[52:], h.Chksum[1])
	return b
}

// UpdateChecksum recomputes the trailing checksum over all prior fields.
func (h *IndexHeader) UpdateChecksum() {
	b := h.marshal()
	h.Chksum[0], h.Chksum[1] = Checksum(h.ByteOrder(), 0, 0, b[:48])
}

// Valid returns true if the header has been initialized and its checksum
// verifies, i.e. it was not torn by a concurrent or crashed writer.
func (h *IndexHeader) Valid() bool {
	if !h.Init {
		return false
	}
	b := h.marshal()
	s0, s1 := Checksum(h.ByteOrder(), 0, 0, b[:48])
	return s0 == h.Chksum[0] && s1 == h.Chksum[1]
}

// walIndex is the in-memory index shared by every connection to the same
// log file. It maps page numbers to the frames that wrote them and carries
// the header, checkpoint progress, read marks, and the lock table.
//
// The index is process-local: a fresh process rebuilds it from the log on
// first attach. All cross-connection coordination goes through this
// structure, never through connection references.
type walIndex struct {
	// Two redundant header copies. Writers store copy 1 first, then copy 0;
	// readers load copy 0 first and retry unless both copies agree and the
	// checksum verifies.
	hdr [2]atomic.Pointer[IndexHeader]

	nBackfill atomic.Uint32            // frames already copied into the database
	readMark  [ReadMarkN]atomic.Uint32 // snapshot bound per reader slot

	writeLock   RWMutex
	ckptLock    RWMutex
	recoverLock RWMutex
	readLock    [ReadMarkN]RWMutex

	mu     sync.RWMutex
	frames map[uint32][]uint32 // pgno -> frame numbers, ascending
	pgnos  []uint32            // frame number (1-based) -> pgno
}

func newWalIndex() *walIndex {
	idx := &walIndex{frames: make(map[uint32][]uint32)}
	zero := &IndexHeader{}
	idx.hdr[0].Store(zero)
	idx.hdr[1].Store(zero)
	for i := 1; i < ReadMarkN; i++ {
		idx.readMark[i].Store(ReadMarkUnused)
	}
	return idx
}

// readHeader returns a consistent copy of the shared header. It reports
// false if the two copies disagree or the checksum does not verify, which
// means a writer is mid-update (or the index was never built) and the
// caller must retry or rebuild.
func (idx *walIndex) readHeader() (IndexHeader, bool) {
	h0 := *idx.hdr[0].Load()
	h1 := *idx.hdr[1].Load()
	if h0 != h1 || !h0.Valid() {
		return IndexHeader{}, false
	}
	return h0, true
}

// writeHeader publishes a new header. The caller must hold the write lock
// or the recover lock. The tentative copy is stored first so a racing
// reader sees either the old pair or the new pair, never a mix that
// validates.
func (idx *walIndex) writeHeader(h IndexHeader) {
	h.Init = true
	h.UpdateChecksum()
	h1 := h
	idx.hdr[1].Store(&h1)
	h0 := h
	idx.hdr[0].Store(&h0)
}

// lookup returns the highest frame number that wrote pgno within
// [minFrame, maxFrame], or zero meaning "read from the base file".
func (idx *walIndex) lookup(pgno, minFrame, maxFrame uint32) uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	a := idx.frames[pgno]
	// Highest entry <= maxFrame.
	i := sort.Search(len(a), func(i int) bool { return a[i] > maxFrame })
	if i == 0 {
		return 0
	}
	if frame := a[i-1]; frame >= minFrame {
		return frame
	}
	return 0
}

// appendFrame records that frame wrote pgno. Frames must be appended in
// order; the caller holds the write lock (or is rebuilding).
func (idx *walIndex) appendFrame(frame, pgno uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	assert(frame == uint32(len(idx.pgnos))+1, "frames must be appended in order")
	idx.pgnos = append(idx.pgnos, pgno)
	idx.frames[pgno] = append(idx.frames[pgno], frame)
}

// framePgno returns the page number written by the given frame, or zero if
// the frame is not in the index.
func (idx *walIndex) framePgno(frame uint32) uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if frame == 0 || frame > uint32(len(idx.pgnos)) {
		return 0
	}
	return idx.pgnos[frame-1]
}

// frameN returns the number of frames in the index.
func (idx *walIndex) frameN() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return uint32(len(idx.pgnos))
}

// truncateFrames discards all index entries for frames beyond mxFrame.
// Used when a transaction or savepoint is rolled back.
func (idx *walIndex) truncateFrames(mxFrame uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for frame := uint32(len(idx.pgnos)); frame > mxFrame; frame-- {
		pgno := idx.pgnos[frame-1]
		a := idx.frames[pgno]
		assert(len(a) > 0 && a[len(a)-1] == frame, "index entry mismatch on truncate")
		if a = a[:len(a)-1]; len(a) == 0 {
			delete(idx.frames, pgno)
		} else {
			idx.frames[pgno] = a
		}
	}
	idx.pgnos = idx.pgnos[:mxFrame]
}

// reset clears the page mapping entirely. Used when the log restarts.
func (idx *walIndex) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.frames = make(map[uint32][]uint32)
	idx.pgnos = idx.pgnos[:0]
}

// resetReadMarks returns the reader slots to their initial state, seeding
// slot 1 with the current end of the log. The caller must hold the
// read-slot locks exclusively (or be rebuilding under the recover lock).
func (idx *walIndex) resetReadMarks(mxFrame uint32) {
	idx.readMark[0].Store(0)
	idx.readMark[1].Store(mxFrame)
	for i := 2; i < ReadMarkN; i++ {
		idx.readMark[i].Store(ReadMarkUnused)
	}
}
