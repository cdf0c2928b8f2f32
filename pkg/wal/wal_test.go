package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"treeline/pkg/common"
)

func TestAppendIterateAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Append(common.Record{Key: common.Key("a"), Value: common.Value("one"), Type: common.EntryWrite, Sequence: 1}); err != nil {
		t.Fatalf("Append write: %v", err)
	}
	if err := w.Append(common.Record{Key: common.Key("b"), Type: common.EntryDelete, Sequence: 2}); err != nil {
		t.Fatalf("Append delete: %v", err)
	}

	sizeBefore, err := w.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sizeBefore <= 0 {
		t.Fatalf("Size = %d, want > 0", sizeBefore)
	}

	it, err := w.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	rec1, err := it.Next()
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if string(rec1.Key) != "a" || rec1.Type != common.EntryWrite || string(rec1.Value) != "one" {
		t.Fatalf("rec1 = %+v", rec1)
	}
	rec2, err := it.Next()
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	if string(rec2.Key) != "b" || rec2.Type != common.EntryDelete {
		t.Fatalf("rec2 = %+v", rec2)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("Next after last record: err=%v, want io.EOF", err)
	}
	it.Close()

	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	sizeAfter, err := w.Size()
	if err != nil {
		t.Fatalf("Size after truncate: %v", err)
	}
	if sizeAfter != 0 {
		t.Fatalf("Size after truncate = %d, want 0", sizeAfter)
	}
}

func TestCorruptedTailDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.wal")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(common.Record{Key: common.Key("a"), Value: common.Value("one"), Type: common.EntryWrite, Sequence: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.Write([]byte{0xFF}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	it, err := w2.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if _, err := it.Next(); err != nil {
		t.Fatalf("first record should still be valid: %v", err)
	}
	if _, err := it.Next(); err == nil {
		t.Fatal("expected an error reading the trailing partial/corrupt record")
	}
}
