package quarry_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/quarrydb/quarry"
)

func TestLogHeader_EncodeDecode(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		hdr := quarry.LogHeader{
			Magic:    quarry.MagicLittleEndian,
			Version:  quarry.LogVersion,
			PageSize: 4096,
			CkptSeq:  7,
			Salt:     [2]uint32{0xdeadbeef, 0xcafefeed},
		}
		b := quarry.EncodeLogHeader(hdr)
		if got, want := len(b), quarry.LogHeaderSize; got != want {
			t.Fatalf("len=%d, want %d", got, want)
		}

		other, err := quarry.DecodeLogHeader(b)
		if err != nil {
			t.Fatal(err)
		}
		hdr.Chksum = other.Chksum // computed by encode
		if other != hdr {
			t.Fatalf("mismatch: %#v != %#v", other, hdr)
		}
	})

	t.Run("ErrTruncated", func(t *testing.T) {
		if _, err := quarry.DecodeLogHeader(make([]byte, quarry.LogHeaderSize-1)); err != quarry.ErrTruncated {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrCorrupt/Magic", func(t *testing.T) {
		b := quarry.EncodeLogHeader(quarry.LogHeader{Magic: quarry.MagicLittleEndian, Version: quarry.LogVersion, PageSize: 4096})
		binary.BigEndian.PutUint32(b[0:], 0x12345678)
		if _, err := quarry.DecodeLogHeader(b); !errors.Is(err, quarry.ErrCorrupt) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrCorrupt/Version", func(t *testing.T) {
		b := quarry.EncodeLogHeader(quarry.LogHeader{Magic: quarry.MagicLittleEndian, Version: quarry.LogVersion + 1, PageSize: 4096})
		if _, err := quarry.DecodeLogHeader(b); !errors.Is(err, quarry.ErrCorrupt) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrCorrupt/PageSize", func(t *testing.T) {
		b := quarry.EncodeLogHeader(quarry.LogHeader{Magic: quarry.MagicLittleEndian, Version: quarry.LogVersion, PageSize: 1000})
		if _, err := quarry.DecodeLogHeader(b); !errors.Is(err, quarry.ErrCorrupt) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("TornHeader", func(t *testing.T) {
		b := quarry.EncodeLogHeader(quarry.LogHeader{Magic: quarry.MagicLittleEndian, Version: quarry.LogVersion, PageSize: 4096})
		b[8] ^= 0x01 // flip a bit in the page size after the checksum was computed
		if _, err := quarry.DecodeLogHeader(b); err != quarry.ErrChecksumMismatch {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("BigEndianMagic", func(t *testing.T) {
		hdr := quarry.LogHeader{Magic: quarry.MagicBigEndian, Version: quarry.LogVersion, PageSize: 512}
		if hdr.ByteOrder() != binary.BigEndian {
			t.Fatal("expected big-endian checksums")
		}
		b := quarry.EncodeLogHeader(hdr)
		if _, err := quarry.DecodeLogHeader(b); err != nil {
			t.Fatal(err)
		}
	})
}

func TestFrame_EncodeDecode(t *testing.T) {
	salt := [2]uint32{1000, 2000}
	bo := binary.ByteOrder(binary.LittleEndian)

	t.Run("OK", func(t *testing.T) {
		for _, pageSize := range []int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536} {
			t.Run(fmt.Sprint(pageSize), func(t *testing.T) {
				data := make([]byte, pageSize)
				for i := range data {
					data[i] = byte(i)
				}

				hdr, chksum := quarry.EncodeFrame(5, 10, salt, [2]uint32{1, 2}, bo, data)
				f, err := quarry.DecodeFrame(hdr[:], data, salt, [2]uint32{1, 2}, bo)
				if err != nil {
					t.Fatal(err)
				}
				if got, want := f.Pgno, uint32(5); got != want {
					t.Fatalf("pgno=%d, want %d", got, want)
				}
				if got, want := f.Commit, uint32(10); got != want {
					t.Fatalf("commit=%d, want %d", got, want)
				}
				if f.Chksum != chksum {
					t.Fatalf("chksum=%v, want %v", f.Chksum, chksum)
				}
			})
		}
	})

	t.Run("Chained", func(t *testing.T) {
		// Each frame's checksum depends on the previous frame's; validating
		// the chain proves everything before a commit frame is intact.
		data0 := bytes.Repeat([]byte{0xaa}, 512)
		data1 := bytes.Repeat([]byte{0xbb}, 512)

		hdr0, chksum0 := quarry.EncodeFrame(1, 0, salt, [2]uint32{}, bo, data0)
		hdr1, _ := quarry.EncodeFrame(2, 2, salt, chksum0, bo, data1)

		if _, err := quarry.DecodeFrame(hdr0[:], data0, salt, [2]uint32{}, bo); err != nil {
			t.Fatal(err)
		}
		if _, err := quarry.DecodeFrame(hdr1[:], data1, salt, chksum0, bo); err != nil {
			t.Fatal(err)
		}

		// Corrupting the first frame's data breaks the second frame too
		// since the running checksum no longer matches.
		data0[100] ^= 0xff
		_, chksum0x := quarry.EncodeFrame(1, 0, salt, [2]uint32{}, bo, data0)
		if chksum0x == chksum0 {
			t.Fatal("expected checksum change")
		}
		if _, err := quarry.DecodeFrame(hdr1[:], data1, salt, chksum0x, bo); err != quarry.ErrChecksumMismatch {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrSaltMismatch", func(t *testing.T) {
		data := make([]byte, 512)
		hdr, _ := quarry.EncodeFrame(1, 0, salt, [2]uint32{}, bo, data)
		if _, err := quarry.DecodeFrame(hdr[:], data, [2]uint32{1001, 2000}, [2]uint32{}, bo); err != quarry.ErrSaltMismatch {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrChecksumMismatch", func(t *testing.T) {
		data := make([]byte, 512)
		hdr, _ := quarry.EncodeFrame(1, 0, salt, [2]uint32{}, bo, data)
		data[0] ^= 0x01
		if _, err := quarry.DecodeFrame(hdr[:], data, salt, [2]uint32{}, bo); err != quarry.ErrChecksumMismatch {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrTruncated", func(t *testing.T) {
		if _, err := quarry.DecodeFrame(make([]byte, quarry.FrameHeaderSize-1), nil, salt, [2]uint32{}, bo); err != quarry.ErrTruncated {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestChecksum(t *testing.T) {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(i * 7)
	}

	// Chaining two halves must equal a single pass.
	s0, s1 := quarry.Checksum(binary.LittleEndian, 0, 0, b[:8])
	s0, s1 = quarry.Checksum(binary.LittleEndian, s0, s1, b[8:])
	f0, f1 := quarry.Checksum(binary.LittleEndian, 0, 0, b)
	if s0 != f0 || s1 != f1 {
		t.Fatalf("chained (%d,%d) != single pass (%d,%d)", s0, s1, f0, f1)
	}

	// Byte order matters.
	b0, b1 := quarry.Checksum(binary.BigEndian, 0, 0, b)
	if b0 == f0 && b1 == f1 {
		t.Fatal("expected different checksums per byte order")
	}

	// Order sensitivity: swapping words changes the result.
	swapped := append([]byte{}, b[8:]...)
	swapped = append(swapped, b[:8]...)
	w0, w1 := quarry.Checksum(binary.LittleEndian, 0, 0, swapped)
	if w0 == f0 && w1 == f1 {
		t.Fatal("expected different checksums for reordered input")
	}
}

func TestFrameOffset(t *testing.T) {
	if got, want := quarry.FrameOffset(1, 4096), int64(quarry.LogHeaderSize); got != want {
		t.Fatalf("offset=%d, want %d", got, want)
	}
	if got, want := quarry.FrameOffset(3, 512), int64(quarry.LogHeaderSize+2*(quarry.FrameHeaderSize+512)); got != want {
		t.Fatalf("offset=%d, want %d", got, want)
	}
}

func TestValidPageSize(t *testing.T) {
	for _, sz := range []uint32{512, 1024, 4096, 65536} {
		if !quarry.ValidPageSize(sz) {
			t.Fatalf("expected %d valid", sz)
		}
	}
	for _, sz := range []uint32{0, 256, 1000, 65536 * 2} {
		if quarry.ValidPageSize(sz) {
			t.Fatalf("expected %d invalid", sz)
		}
	}
}

func TestLogReader(t *testing.T) {
	salt := [2]uint32{42, 43}
	hdr := quarry.LogHeader{
		Magic:    quarry.MagicLittleEndian,
		Version:  quarry.LogVersion,
		PageSize: 512,
		Salt:     salt,
	}

	buildLog := func(frameN int) *bytes.Buffer {
		var buf bytes.Buffer
		b := quarry.EncodeLogHeader(hdr)
		buf.Write(b)

		dec, err := quarry.DecodeLogHeader(b)
		if err != nil {
			t.Fatal(err)
		}
		chksum := dec.Chksum
		for i := 1; i <= frameN; i++ {
			data := bytes.Repeat([]byte{byte(i)}, 512)
			var commit uint32
			if i == frameN {
				commit = uint32(frameN)
			}
			fh, c := quarry.EncodeFrame(uint32(i), commit, salt, chksum, hdr.ByteOrder(), data)
			chksum = c
			buf.Write(fh[:])
			buf.Write(data)
		}
		return &buf
	}

	t.Run("OK", func(t *testing.T) {
		r := quarry.NewLogReader(buildLog(3))
		if err := r.ReadHeader(); err != nil {
			t.Fatal(err)
		}
		if got, want := r.PageSize(), uint32(512); got != want {
			t.Fatalf("page size=%d, want %d", got, want)
		}

		data := make([]byte, 512)
		for i := 1; i <= 3; i++ {
			pgno, commit, err := r.ReadFrame(data)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := pgno, uint32(i); got != want {
				t.Fatalf("pgno=%d, want %d", got, want)
			}
			if i == 3 && commit != 3 {
				t.Fatalf("commit=%d, want 3", commit)
			}
			if data[0] != byte(i) {
				t.Fatalf("data[0]=%d, want %d", data[0], i)
			}
		}
		if _, _, err := r.ReadFrame(data); err != quarry.ErrTruncated {
			t.Fatalf("unexpected error at end: %v", err)
		}
		if got, want := r.FrameN(), uint32(3); got != want {
			t.Fatalf("frameN=%d, want %d", got, want)
		}
	})

	t.Run("TornTail", func(t *testing.T) {
		buf := buildLog(2)
		full := buf.Bytes()
		r := quarry.NewLogReader(bytes.NewReader(full[:len(full)-100]))
		if err := r.ReadHeader(); err != nil {
			t.Fatal(err)
		}

		data := make([]byte, 512)
		if _, _, err := r.ReadFrame(data); err != nil {
			t.Fatal(err)
		}
		if _, _, err := r.ReadFrame(data); err != quarry.ErrTruncated {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("StaleSaltTail", func(t *testing.T) {
		// A frame from a previous log incarnation ends the read.
		buf := buildLog(1)
		data := bytes.Repeat([]byte{0xcc}, 512)
		fh, _ := quarry.EncodeFrame(9, 0, [2]uint32{99, 98}, [2]uint32{}, hdr.ByteOrder(), data)
		buf.Write(fh[:])
		buf.Write(data)

		r := quarry.NewLogReader(buf)
		if err := r.ReadHeader(); err != nil {
			t.Fatal(err)
		}
		b := make([]byte, 512)
		if _, _, err := r.ReadFrame(b); err != nil {
			t.Fatal(err)
		}
		if _, _, err := r.ReadFrame(b); err != quarry.ErrSaltMismatch {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("EmptyLog", func(t *testing.T) {
		r := quarry.NewLogReader(bytes.NewReader(nil))
		if err := r.ReadHeader(); err != quarry.ErrTruncated {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
