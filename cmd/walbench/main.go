package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quarrydb/quarry"
)

// cacheCkptSeq tracks the log incarnation the page cache belongs to.
var cacheCkptSeq atomic.Uint32

var (
	pageSize    = flag.Uint("page-size", 4096, "page size")
	pageN       = flag.Uint("pages", 1000, "number of distinct pages")
	readerN     = flag.Int("readers", 4, "number of concurrent readers")
	pagesPerTx  = flag.Int("pages-per-tx", 10, "maximum pages written per transaction")
	duration    = flag.Duration("duration", 30*time.Second, "how long to run")
	seed        = flag.Int64("seed", 0, "prng seed")
	ckptMode    = flag.String("checkpoint-mode", "passive", "checkpoint mode")
	metricsAddr = flag.String("metrics-addr", "", "prometheus metrics listen address")
	cacheSize   = flag.Int64("cache-size", 64<<20, "reader page cache size in bytes")
)

func main() {
	log.SetFlags(0)
	flag.Usage = usage

	if err := run(context.Background()); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`
walbench exercises a write-ahead log with one writer, N readers, and a
background checkpointer, and verifies that every read transaction observes
a consistent snapshot.

Usage:

	walbench [arguments] DB_PATH

Arguments:
`[1:])
	flag.PrintDefaults()
	fmt.Println("")
}

func run(ctx context.Context) error {
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		return flag.ErrHelp
	} else if flag.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}

	if !quarry.ValidPageSize(uint32(*pageSize)) {
		return fmt.Errorf("invalid page size: %d", *pageSize)
	}
	mode, err := quarry.ParseCheckpointMode(*ckptMode)
	if err != nil {
		return err
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	fmt.Printf("running walbench: seed=%d\n", *seed)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *duration)
	defer timeoutCancel()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("metrics server: %s", err)
			}
		}()
		fmt.Printf("metrics listening on %s\n", *metricsAddr)
	}

	dbPath := flag.Arg(0)
	mgr := quarry.NewFileManager()

	// Cache page images by (pgno, frame). Frames are immutable once
	// written, so entries never need invalidation within a log incarnation;
	// stale entries simply stop being looked up.
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: 10 * (*cacheSize) / int64(*pageSize),
		MaxCost:     *cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Writer.
	writerConn, err := mgr.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(context.Background(), writerConn, true) }()
	g.Go(func() error { return writer(ctx, writerConn, rand.New(rand.NewSource(*seed))) })

	// Readers.
	for i := 0; i < *readerN; i++ {
		conn, err := mgr.Open(ctx, dbPath)
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Close(context.Background(), conn, false) }()

		r := rand.New(rand.NewSource(*seed + int64(i) + 1))
		g.Go(func() error { return reader(ctx, conn, cache, r) })
	}

	// Checkpointer.
	ckptConn, err := mgr.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(context.Background(), ckptConn, false) }()

	ckpt := quarry.NewAutoCheckpointer(ckptConn)
	ckpt.Mode = mode
	ckpt.Interval = 1 * time.Second
	ckpt.Threshold = 100
	ckpt.Start()
	defer func() { _ = ckpt.Stop() }()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	fmt.Printf("done: frames=%d backfilled=%d\n", writerConn.FrameCount(), writerConn.BackfillCount())
	return nil
}

// writer runs commit after commit, each stamping a new monotonic sequence
// number into every page it touches. Page 1 always carries the latest
// sequence so readers know which value to expect everywhere.
func writer(ctx context.Context, conn quarry.Connection, rnd *rand.Rand) error {
	var sequence uint64
	for ctx.Err() == nil {
		if err := writeTx(ctx, conn, rnd, &sequence); err != nil {
			if errors.Is(err, quarry.ErrBusy) {
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("write tx %d: %w", sequence, err)
		}
	}
	return ctx.Err()
}

func writeTx(ctx context.Context, conn quarry.Connection, rnd *rand.Rand, sequence *uint64) error {
	if _, _, err := conn.BeginRead(ctx); err != nil {
		return err
	}
	defer conn.EndRead()

	if err := conn.BeginWrite(); err != nil {
		return err
	}
	defer conn.EndWrite()

	*sequence++
	pages := []quarry.Page{makePage(1, *sequence)}
	for n := rnd.Intn(*pagesPerTx); n > 0; n-- {
		pgno := uint32(2 + rnd.Intn(int(*pageN)-1))
		pages = append(pages, makePage(pgno, *sequence))
	}

	if err := conn.AppendFrames(pages, uint32(*pageN), true, quarry.SyncNormal); err != nil {
		if e := conn.Undo(nil); e != nil {
			return e
		}
		return err
	}
	return nil
}

// makePage builds a page image whose every word is derived from the pgno
// and the sequence number, so torn or misdirected reads are detectable.
func makePage(pgno uint32, sequence uint64) quarry.Page {
	data := make([]byte, *pageSize)
	for off := 0; off < len(data); off += 16 {
		binary.BigEndian.PutUint64(data[off:], sequence)
		binary.BigEndian.PutUint32(data[off+8:], pgno)
		binary.BigEndian.PutUint32(data[off+12:], uint32(off))
	}
	return quarry.Page{Pgno: pgno, Data: data}
}

// reader repeatedly opens a snapshot and checks that page 1's sequence
// number never regresses and that sampled pages are internally consistent.
func reader(ctx context.Context, conn quarry.Connection, cache *ristretto.Cache[uint64, []byte], rnd *rand.Rand) error {
	var lastSequence uint64
	for ctx.Err() == nil {
		if err := readTx(ctx, conn, cache, rnd, &lastSequence); err != nil {
			if errors.Is(err, quarry.ErrBusy) {
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
	}
	return ctx.Err()
}

func readTx(ctx context.Context, conn quarry.Connection, cache *ristretto.Cache[uint64, []byte], rnd *rand.Rand, lastSequence *uint64) error {
	nonEmpty, _, err := conn.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer conn.EndRead()

	if !nonEmpty {
		return nil
	}

	// Frame numbers restart from one whenever the log wraps, so cached
	// entries keyed by (pgno, frame) are only valid within one incarnation.
	// A restart cannot overlap an active read transaction, so by the time
	// any reader observes a new incarnation every other reader is in it too.
	snap, err := conn.SnapshotGet()
	if err != nil {
		return err
	}
	if seq := snap.CkptSeq(); cacheCkptSeq.Load() != seq {
		cache.Clear()
		cacheCkptSeq.Store(seq)
	}

	page1, err := readPage(conn, cache, 1)
	if err != nil {
		return err
	}
	sequence := binary.BigEndian.Uint64(page1)
	if sequence < *lastSequence {
		return fmt.Errorf("sequence regressed: %d -> %d", *lastSequence, sequence)
	}
	*lastSequence = sequence

	// Sample a handful of pages; each must be self-consistent.
	for i := 0; i < 8; i++ {
		pgno := uint32(2 + rnd.Intn(int(*pageN)-1))
		data, err := readPage(conn, cache, pgno)
		if err != nil {
			return err
		}
		if err := verifyPage(pgno, data, sequence); err != nil {
			return err
		}
	}
	return nil
}

func readPage(conn quarry.Connection, cache *ristretto.Cache[uint64, []byte], pgno uint32) ([]byte, error) {
	frame, err := conn.FindFrame(pgno)
	if err != nil {
		return nil, err
	}

	if frame != 0 {
		key := uint64(pgno)<<32 | uint64(frame)
		if data, ok := cache.Get(key); ok {
			return data, nil
		}
		data := make([]byte, conn.PageSize())
		if err := conn.ReadFrame(frame, data); err != nil {
			return nil, err
		}
		cache.Set(key, data, int64(len(data)))
		return data, nil
	}

	// Page was checkpointed into the base file; read it directly.
	f, err := os.Open(conn.Name())
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// A short read means the page has never been written; it reads as zeros.
	data := make([]byte, conn.PageSize())
	if _, err := f.ReadAt(data, int64(pgno-1)*int64(conn.PageSize())); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read base page %d: %w", pgno, err)
	}
	return data, nil
}

func verifyPage(pgno uint32, data []byte, maxSequence uint64) error {
	sequence := binary.BigEndian.Uint64(data)
	if sequence > maxSequence {
		return fmt.Errorf("page %d from the future: sequence %d > %d", pgno, sequence, maxSequence)
	}
	for off := 0; off < len(data); off += 16 {
		if s := binary.BigEndian.Uint64(data[off:]); s != sequence {
			return fmt.Errorf("page %d torn at offset %d: sequence %d != %d", pgno, off, s, sequence)
		}
		// A zero sequence marks a page never written; it carries no pgno stamp.
		if sequence == 0 {
			continue
		}
		if p := binary.BigEndian.Uint32(data[off+8:]); p != pgno {
			return fmt.Errorf("page %d misdirected at offset %d: pgno %d", pgno, off, p)
		}
	}
	return nil
}
