package quarry

import (
	"testing"
)

func TestIndexHeader_Valid(t *testing.T) {
	t.Run("ZeroValueInvalid", func(t *testing.T) {
		var h IndexHeader
		if h.Valid() {
			t.Fatal("zero value header must not validate")
		}
	})

	t.Run("ChecksumDetectsMutation", func(t *testing.T) {
		h := IndexHeader{Version: LogVersion, PageSize: 4096, MxFrame: 10, PageN: 5, Init: true}
		h.UpdateChecksum()
		if !h.Valid() {
			t.Fatal("expected valid header")
		}
		h.MxFrame++
		if h.Valid() {
			t.Fatal("expected invalid header after mutation")
		}
	})
}

func TestWalIndex_Header(t *testing.T) {
	t.Run("FreshIndexInvalid", func(t *testing.T) {
		idx := newWalIndex()
		if _, ok := idx.readHeader(); ok {
			t.Fatal("expected no valid header on a fresh index")
		}
	})

	t.Run("WriteRead", func(t *testing.T) {
		idx := newWalIndex()
		idx.writeHeader(IndexHeader{Version: LogVersion, PageSize: 512, MxFrame: 3, PageN: 3})

		h, ok := idx.readHeader()
		if !ok {
			t.Fatal("expected valid header")
		}
		if got, want := h.MxFrame, uint32(3); got != want {
			t.Fatalf("mxFrame=%d, want %d", got, want)
		}
	})

	t.Run("TornCopiesRejected", func(t *testing.T) {
		idx := newWalIndex()
		idx.writeHeader(IndexHeader{Version: LogVersion, PageSize: 512, MxFrame: 3})

		// Simulate a torn update: copy 1 advanced, copy 0 still old.
		h := IndexHeader{Version: LogVersion, PageSize: 512, MxFrame: 4, Init: true}
		h.UpdateChecksum()
		idx.hdr[1].Store(&h)

		if _, ok := idx.readHeader(); ok {
			t.Fatal("expected disagreeing copies to be rejected")
		}
	})
}

func TestWalIndex_Lookup(t *testing.T) {
	idx := newWalIndex()
	// Page 5 written at frames 1 and 3; page 7 at frame 2.
	idx.appendFrame(1, 5)
	idx.appendFrame(2, 7)
	idx.appendFrame(3, 5)

	t.Run("LatestWithinBound", func(t *testing.T) {
		if got, want := idx.lookup(5, 1, 3), uint32(3); got != want {
			t.Fatalf("frame=%d, want %d", got, want)
		}
	})

	t.Run("SnapshotBound", func(t *testing.T) {
		// A reader pinned at frame 2 must see the older version of page 5.
		if got, want := idx.lookup(5, 1, 2), uint32(1); got != want {
			t.Fatalf("frame=%d, want %d", got, want)
		}
	})

	t.Run("MinFrameExcludesBackfilled", func(t *testing.T) {
		if got, want := idx.lookup(7, 3, 3), uint32(0); got != want {
			t.Fatalf("frame=%d, want %d", got, want)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		if got, want := idx.lookup(9, 1, 3), uint32(0); got != want {
			t.Fatalf("frame=%d, want %d", got, want)
		}
	})
}

func TestWalIndex_TruncateFrames(t *testing.T) {
	idx := newWalIndex()
	idx.appendFrame(1, 5)
	idx.appendFrame(2, 7)
	idx.appendFrame(3, 5)

	idx.truncateFrames(1)

	if got, want := idx.frameN(), uint32(1); got != want {
		t.Fatalf("frameN=%d, want %d", got, want)
	}
	if got, want := idx.lookup(5, 1, 10), uint32(1); got != want {
		t.Fatalf("frame=%d, want %d", got, want)
	}
	if got, want := idx.lookup(7, 1, 10), uint32(0); got != want {
		t.Fatalf("frame=%d, want %d", got, want)
	}

	// Frames can be appended again after truncation.
	idx.appendFrame(2, 9)
	if got, want := idx.framePgno(2), uint32(9); got != want {
		t.Fatalf("pgno=%d, want %d", got, want)
	}
}

func TestWalIndex_BackfillTargets(t *testing.T) {
	idx := newWalIndex()
	idx.appendFrame(1, 5)
	idx.appendFrame(2, 7)
	idx.appendFrame(3, 5) // supersedes frame 1
	idx.appendFrame(4, 9)

	t.Run("LatestVersionOnly", func(t *testing.T) {
		targets := idx.backfillTargets(0, 4)
		want := []backfillTarget{{pgno: 5, frame: 3}, {pgno: 7, frame: 2}, {pgno: 9, frame: 4}}
		if len(targets) != len(want) {
			t.Fatalf("targets=%v, want %v", targets, want)
		}
		for i := range want {
			if targets[i] != want[i] {
				t.Fatalf("targets[%d]=%v, want %v", i, targets[i], want[i])
			}
		}
	})

	t.Run("RespectsSafeBound", func(t *testing.T) {
		targets := idx.backfillTargets(0, 2)
		want := []backfillTarget{{pgno: 5, frame: 1}, {pgno: 7, frame: 2}}
		if len(targets) != len(want) {
			t.Fatalf("targets=%v, want %v", targets, want)
		}
		for i := range want {
			if targets[i] != want[i] {
				t.Fatalf("targets[%d]=%v, want %v", i, targets[i], want[i])
			}
		}
	})

	t.Run("SkipsBackfilled", func(t *testing.T) {
		targets := idx.backfillTargets(3, 4)
		want := []backfillTarget{{pgno: 9, frame: 4}}
		if len(targets) != 1 || targets[0] != want[0] {
			t.Fatalf("targets=%v, want %v", targets, want)
		}
	})
}

func TestWalIndex_ResetReadMarks(t *testing.T) {
	idx := newWalIndex()
	for i := 1; i < ReadMarkN; i++ {
		idx.readMark[i].Store(uint32(i * 100))
	}

	idx.resetReadMarks(42)

	if got := idx.readMark[0].Load(); got != 0 {
		t.Fatalf("mark[0]=%d, want 0", got)
	}
	if got := idx.readMark[1].Load(); got != 42 {
		t.Fatalf("mark[1]=%d, want 42", got)
	}
	for i := 2; i < ReadMarkN; i++ {
		if got := idx.readMark[i].Load(); got != uint32(ReadMarkUnused) {
			t.Fatalf("mark[%d]=%d, want unused", i, got)
		}
	}
}
