package memtable

import (
	"testing"

	"treeline/pkg/common"
)

func TestAddAndGetNewestWins(t *testing.T) {
	mt := New()
	mt.Add(common.Key("a"), common.Value("v1"), common.EntryWrite, 1)
	mt.Add(common.Key("a"), common.Value("v2"), common.EntryWrite, 2)

	val, typ, seq, ok := mt.Get(common.Key("a"))
	if !ok {
		t.Fatal("Get: not found")
	}
	if string(val) != "v2" || typ != common.EntryWrite || seq != 2 {
		t.Fatalf("Get = (%q, %v, %d), want (v2, write, 2)", val, typ, seq)
	}
}

func TestGetMissing(t *testing.T) {
	mt := New()
	if _, _, _, ok := mt.Get(common.Key("missing")); ok {
		t.Fatal("Get on missing key returned ok=true")
	}
}

func TestDeleteShadowsEarlierWrite(t *testing.T) {
	mt := New()
	mt.Add(common.Key("a"), common.Value("v1"), common.EntryWrite, 1)
	mt.Add(common.Key("a"), nil, common.EntryDelete, 2)

	_, typ, _, ok := mt.Get(common.Key("a"))
	if !ok || typ != common.EntryDelete {
		t.Fatalf("Get after delete = (ok=%v typ=%v), want (true, delete)", ok, typ)
	}
}

func TestIteratorAscendingNewestFirstPerKey(t *testing.T) {
	mt := New()
	mt.Add(common.Key("b"), common.Value("1"), common.EntryWrite, 1)
	mt.Add(common.Key("a"), common.Value("1"), common.EntryWrite, 1)
	mt.Add(common.Key("a"), common.Value("2"), common.EntryWrite, 2)

	var keys []string
	var seqs []uint64
	mt.Iterator(func(k common.Key, v common.Value, typ common.EntryType, seq uint64) bool {
		keys = append(keys, string(k))
		seqs = append(seqs, seq)
		return true
	})

	want := []string{"a", "a", "b"}
	if len(keys) != len(want) {
		t.Fatalf("Iterator visited %d entries, want %d", len(keys), len(want))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}
	if seqs[0] != 2 || seqs[1] != 1 {
		t.Fatalf("for key 'a', want seq order [2,1], got %v", seqs[:2])
	}
}

func TestWriteBufferRotation(t *testing.T) {
	wb := NewWriteBuffer(1)
	wb.Add(common.Key("a"), common.Value("v"), common.EntryWrite)

	if !wb.NeedsRotation() {
		t.Fatal("NeedsRotation = false, want true after exceeding threshold")
	}

	old := wb.Rotate()
	if old == nil {
		t.Fatal("Rotate returned nil")
	}
	if wb.Rotate() != nil {
		t.Fatal("second Rotate before Release should return nil")
	}
	wb.Release(old)
	if _, _, _, ok := wb.Active().Get(common.Key("a")); ok {
		t.Fatal("new active table should not contain rotated-out entries")
	}
}

func TestWriteBufferSequenceMonotonic(t *testing.T) {
	wb := NewWriteBuffer(1 << 30)
	wb.Add(common.Key("a"), common.Value("1"), common.EntryWrite)
	wb.Add(common.Key("a"), common.Value("2"), common.EntryWrite)

	_, _, seq, ok := wb.Active().Get(common.Key("a"))
	if !ok || seq != 2 {
		t.Fatalf("Get = (seq=%d ok=%v), want (2, true)", seq, ok)
	}
}
