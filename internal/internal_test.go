package internal_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/internal"
)

func TestReadFullAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("0123456789"), 0o666); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	t.Run("OK", func(t *testing.T) {
		buf := make([]byte, 4)
		if n, err := internal.ReadFullAt(f, buf, 3); err != nil {
			t.Fatal(err)
		} else if n != 4 {
			t.Fatalf("n=%d, want 4", n)
		}
		if !bytes.Equal(buf, []byte("3456")) {
			t.Fatalf("buf=%q", buf)
		}
	})

	t.Run("EOF", func(t *testing.T) {
		buf := make([]byte, 4)
		if _, err := internal.ReadFullAt(f, buf, 10); err != io.EOF {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("UnexpectedEOF", func(t *testing.T) {
		buf := make([]byte, 4)
		if n, err := internal.ReadFullAt(f, buf, 8); err != io.ErrUnexpectedEOF {
			t.Fatalf("unexpected error: %v", err)
		} else if n != 2 {
			t.Fatalf("n=%d, want 2", n)
		}
	})
}

func TestWriteFullAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if n, err := internal.WriteFullAt(f, []byte("abcd"), 2); err != nil {
		t.Fatal(err)
	} else if n != 4 {
		t.Fatalf("n=%d, want 4", n)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("\x00\x00abcd")) {
		t.Fatalf("buf=%q", buf)
	}
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	if err := internal.Sync(dir); err != nil {
		t.Fatal(err)
	}
	if err := internal.Sync(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}
