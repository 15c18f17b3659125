package quarry

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LogHeader is the fixed-size record at the start of every log file. The
// salt pair changes each time the log is reset so that frames left over
// from a previous incarnation can be detected and ignored.
type LogHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	CkptSeq  uint32 // incremented on every log reset
	Salt     [2]uint32
	Chksum   [2]uint32
}

// ByteOrder returns the byte order used for checksum words, as selected by
// the low bit of the magic number.
func (h *LogHeader) ByteOrder() binary.ByteOrder {
	if h.Magic&1 == 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// EncodeLogHeader serializes h, computing the trailing header checksum
// over the preceding fields.
func EncodeLogHeader(h LogHeader) []byte {
	b := make([]byte, LogHeaderSize)
	binary.BigEndian.PutUint32(b[0:], h.Magic)
	binary.BigEndian.PutUint32(b[4:], h.Version)
	binary.BigEndian.PutUint32(b[8:], h.PageSize)
	binary.BigEndian.PutUint32(b[12:], h.CkptSeq)
	binary.BigEndian.PutUint32(b[16:], h.Salt[0])
	binary.BigEndian.PutUint32(b[20:], h.Salt[1])

	s0, s1 := Checksum(h.ByteOrder(), 0, 0, b[:24])
	binary.BigEndian.PutUint32(b[24:], s0)
	binary.BigEndian.PutUint32(b[28:], s1)
	return b
}

// DecodeLogHeader parses and verifies a log header. It fails with
// ErrTruncated if fewer than LogHeaderSize bytes are available, with
// ErrChecksumMismatch if the header was torn by a crash mid-write, and
// with ErrCorrupt if the magic or version is unrecognized.
func DecodeLogHeader(b []byte) (LogHeader, error) {
	if len(b) < LogHeaderSize {
		return LogHeader{}, ErrTruncated
	}

	var h LogHeader
	h.Magic = binary.BigEndian.Uint32(b[0:])
	switch h.Magic {
	case MagicLittleEndian, MagicBigEndian:
	default:
		return LogHeader{}, fmt.Errorf("%w: invalid log magic: %#x", ErrCorrupt, h.Magic)
	}

	h.Version = binary.BigEndian.Uint32(b[4:])
	if h.Version != LogVersion {
		return LogHeader{}, fmt.Errorf("%w: unsupported log version: %d", ErrCorrupt, h.Version)
	}

	h.PageSize = binary.BigEndian.Uint32(b[8:])
	h.CkptSeq = binary.BigEndian.Uint32(b[12:])
	h.Salt[0] = binary.BigEndian.Uint32(b[16:])
	h.Salt[1] = binary.BigEndian.Uint32(b[20:])
	h.Chksum[0] = binary.BigEndian.Uint32(b[24:])
	h.Chksum[1] = binary.BigEndian.Uint32(b[28:])

	if s0, s1 := Checksum(h.ByteOrder(), 0, 0, b[:24]); s0 != h.Chksum[0] || s1 != h.Chksum[1] {
		return LogHeader{}, ErrChecksumMismatch
	}
	if !ValidPageSize(h.PageSize) {
		return LogHeader{}, fmt.Errorf("%w: invalid page size in log header: %d", ErrCorrupt, h.PageSize)
	}
	return h, nil
}

// Frame is one versioned copy of a single database page. Frames are
// immutable once written; a new version of a page is always appended.
type Frame struct {
	Pgno   uint32 // target page number, 1-based
	Commit uint32 // database size in pages; non-zero only on a commit frame
	Salt   [2]uint32
	Chksum [2]uint32 // cumulative checksum through this frame
	Data   []byte
}

// EncodeFrame serializes the header for one frame and returns the new
// cumulative checksum. The checksum chains from prev over the page number,
// commit field, and page data, so checksums form a hash chain across the
// whole log. Commit must be zero except on the final frame of a
// transaction, where it carries the database size after commit.
func EncodeFrame(pgno, commit uint32, salt, prev [2]uint32, bo binary.ByteOrder, data []byte) (hdr [FrameHeaderSize]byte, chksum [2]uint32) {
	assert(len(data)%8 == 0, "page size must be a multiple of 8")

	binary.BigEndian.PutUint32(hdr[0:], pgno)
	binary.BigEndian.PutUint32(hdr[4:], commit)
	binary.BigEndian.PutUint32(hdr[8:], salt[0])
	binary.BigEndian.PutUint32(hdr[12:], salt[1])

	chksum[0], chksum[1] = Checksum(bo, prev[0], prev[1], hdr[:8])
	chksum[0], chksum[1] = Checksum(bo, chksum[0], chksum[1], data)
	binary.BigEndian.PutUint32(hdr[16:], chksum[0])
	binary.BigEndian.PutUint32(hdr[20:], chksum[1])
	return hdr, chksum
}

// DecodeFrame parses and verifies one frame read from storage. It fails
// with ErrTruncated if fewer bytes are available than the frame size, with
// ErrSaltMismatch if the frame belongs to a previous log incarnation, and
// with ErrChecksumMismatch if the checksum chain is broken. All three
// signal "end of valid log content" when they occur at the log tail.
func DecodeFrame(hdr, data []byte, salt, prev [2]uint32, bo binary.ByteOrder) (Frame, error) {
	if len(hdr) < FrameHeaderSize {
		return Frame{}, ErrTruncated
	}

	var f Frame
	f.Pgno = binary.BigEndian.Uint32(hdr[0:])
	f.Commit = binary.BigEndian.Uint32(hdr[4:])
	f.Salt[0] = binary.BigEndian.Uint32(hdr[8:])
	f.Salt[1] = binary.BigEndian.Uint32(hdr[12:])
	if f.Salt != salt {
		return Frame{}, ErrSaltMismatch
	}

	f.Chksum[0] = binary.BigEndian.Uint32(hdr[16:])
	f.Chksum[1] = binary.BigEndian.Uint32(hdr[20:])
	s0, s1 := Checksum(bo, prev[0], prev[1], hdr[:8])
	s0, s1 = Checksum(bo, s0, s1, data)
	if s0 != f.Chksum[0] || s1 != f.Chksum[1] {
		return Frame{}, ErrChecksumMismatch
	}

	f.Data = data
	return f, nil
}

// Checksum computes a running checksum over a byte slice. It is a cheap,
// order-sensitive word-wise accumulator chained from (s0, s1); b must be
// a multiple of 8 bytes.
func Checksum(bo binary.ByteOrder, s0, s1 uint32, b []byte) (uint32, uint32) {
	assert(len(b)%8 == 0, "misaligned checksum byte slice")

	for i := 0; i < len(b); i += 8 {
		s0 += bo.Uint32(b[i:]) + s1
		s1 += bo.Uint32(b[i+4:]) + s0
	}
	return s0, s1
}

// FrameOffset returns the file offset of frame number frameN (1-based) in
// a log with the given page size.
func FrameOffset(frameN, pageSize uint32) int64 {
	assert(frameN > 0, "frame numbers are 1-based")
	return LogHeaderSize + (int64(frameN)-1)*(FrameHeaderSize+int64(pageSize))
}

// LogReader wraps an io.Reader and parses log frames sequentially.
//
// The reader verifies salt and checksum integrity while it reads. It does
// not enforce transaction boundaries (i.e. it may return uncommitted
// frames); it is the responsibility of the caller to handle this.
type LogReader struct {
	r      io.Reader
	hdr    LogHeader
	frameN uint32
	chksum [2]uint32
}

// NewLogReader returns a new instance of LogReader.
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{r: r}
}

// Header returns the log header. Must call ReadHeader() first.
func (r *LogReader) Header() LogHeader { return r.hdr }

// PageSize returns the page size from the header. Must call ReadHeader() first.
func (r *LogReader) PageSize() uint32 { return r.hdr.PageSize }

// FrameN returns the number of frames read so far.
func (r *LogReader) FrameN() uint32 { return r.frameN }

// Chksum returns the cumulative checksum through the last frame read.
func (r *LogReader) Chksum() [2]uint32 { return r.chksum }

// Offset returns the file offset of the last read frame.
// Returns zero if no frames have been read.
func (r *LogReader) Offset() int64 {
	if r.frameN == 0 {
		return 0
	}
	return FrameOffset(r.frameN, r.hdr.PageSize)
}

// ReadHeader reads and verifies the log header. A short or torn header is
// reported as ErrTruncated or ErrChecksumMismatch respectively; both mean
// the log holds no valid content.
func (r *LogReader) ReadHeader() error {
	b := make([]byte, LogHeaderSize)
	if _, err := io.ReadFull(r.r, b); err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	} else if err != nil {
		return err
	}

	hdr, err := DecodeLogHeader(b)
	if err != nil {
		return err
	}
	r.hdr = hdr
	r.chksum = hdr.Chksum
	return nil
}

// ReadFrame reads the next frame into data, which must be exactly one page
// long. It returns the page number and the commit field of the frame.
// ErrTruncated, ErrSaltMismatch, and ErrChecksumMismatch all indicate the
// end of valid log content.
func (r *LogReader) ReadFrame(data []byte) (pgno, commit uint32, err error) {
	if len(data) != int(r.hdr.PageSize) {
		return 0, 0, fmt.Errorf("LogReader.ReadFrame(): buffer size (%d) must match page size (%d)", len(data), r.hdr.PageSize)
	}

	hdr := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r.r, hdr); err == io.EOF || err == io.ErrUnexpectedEOF {
		return 0, 0, ErrTruncated
	} else if err != nil {
		return 0, 0, err
	}
	if _, err := io.ReadFull(r.r, data); err == io.EOF || err == io.ErrUnexpectedEOF {
		return 0, 0, ErrTruncated
	} else if err != nil {
		return 0, 0, err
	}

	f, err := DecodeFrame(hdr, data, r.hdr.Salt, r.chksum, r.hdr.ByteOrder())
	if err != nil {
		return 0, 0, err
	}

	r.chksum = f.Chksum
	r.frameN++
	return f.Pgno, f.Commit, nil
}
