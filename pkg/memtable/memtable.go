// Package memtable implements the in-memory write buffer: an ordered,
// multi-version table of recent writes and deletes that sits in front of
// the page layer, grounded on the teacher's btree-backed MemTable and
// generalized from a single-version table to the newest-sequence-wins
// multi-version contract the storage engine requires.
package memtable

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"treeline/pkg/common"
)

const btreeDegree = 32

// entry is the btree.Item stored in the table: a (key, sequence) pair
// ordered by ascending key, then descending sequence, so that an ascending
// scan visits the newest version of each key first.
type entry struct {
	key      common.Key
	value    common.Value
	typ      common.EntryType
	sequence uint64
}

func (e entry) Less(than btree.Item) bool {
	o := than.(entry)
	if c := bytes.Compare(e.key, o.key); c != 0 {
		return c < 0
	}
	return e.sequence > o.sequence
}

// MemTable is a single ordered snapshot of buffered writes. It is safe for
// concurrent reads; mutation (Add) must be externally serialized per the
// write buffer's contract, though an internal lock is kept so a MemTable is
// never corrupted by accidental concurrent use.
type MemTable struct {
	mu   sync.RWMutex
	tree *btree.BTree
	// approxBytes tracks arena bytes (key + value) plus a fixed per-entry
	// index overhead, the way the teacher's MemTable.size accumulates
	// 8+len(val) per Put rather than measuring the tree directly.
	approxBytes int64
	count       int
}

// New creates an empty MemTable.
func New() *MemTable {
	return &MemTable{tree: btree.New(btreeDegree)}
}

// entryOverhead approximates the btree node/pointer cost per stored entry.
const entryOverhead = 48

// Add inserts a buffered record at the given sequence number. The caller
// (the write buffer wrapper below) is responsible for sequence assignment;
// MemTable itself only orders by whatever sequence it's given.
func (mt *MemTable) Add(key common.Key, value common.Value, typ common.EntryType, sequence uint64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	e := entry{
		key:      append(common.Key{}, key...),
		value:    append(common.Value{}, value...),
		typ:      typ,
		sequence: sequence,
	}
	mt.tree.ReplaceOrInsert(e)
	mt.approxBytes += int64(len(e.key)+len(e.value)) + entryOverhead
	mt.count++
}

// Get returns the entry with the greatest sequence number for key, and
// whether it exists at all in this table (a tombstone counts as existing;
// callers distinguish write vs. delete via the returned EntryType).
func (mt *MemTable) Get(key common.Key) (common.Value, common.EntryType, uint64, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	pivot := entry{key: key, sequence: math.MaxUint64}
	var found entry
	ok := false
	mt.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		e := i.(entry)
		if !bytes.Equal(e.key, key) {
			return false
		}
		found = e
		ok = true
		return false
	})
	if !ok {
		return nil, 0, 0, false
	}
	return found.value, found.typ, found.sequence, true
}

// Iterator calls fn for every buffered entry in ascending key order; for
// equal keys, newest (highest sequence) first. fn returning false stops
// iteration early. Callers that want newest-only-per-key behavior must
// track the last key seen and skip repeats themselves, matching the
// contract's "callers skip the rest" wording.
func (mt *MemTable) Iterator(fn func(key common.Key, value common.Value, typ common.EntryType, sequence uint64) bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	mt.tree.Ascend(func(i btree.Item) bool {
		e := i.(entry)
		return fn(e.key, e.value, e.typ, e.sequence)
	})
}

// Count returns the number of buffered entries, including tombstones and
// superseded older versions of the same key.
func (mt *MemTable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.count
}

// ApproximateMemoryUsage estimates the arena bytes plus index overhead
// consumed by this table, used by the write buffer to decide when to
// rotate active into immutable.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.approxBytes
}

// WriteBuffer owns the active/immutable pair of MemTables and the
// monotonic sequence counter shared across both, rotated atomically under
// a mutex when the active table crosses its size threshold — the role the
// DB façade plays per the data model's ownership rules.
type WriteBuffer struct {
	mu             sync.Mutex
	active         *MemTable
	immutable      *MemTable // nil when there is nothing pending flush
	nextSeq        atomic.Uint64
	thresholdBytes int64
}

// NewWriteBuffer creates a write buffer that rotates once Active's
// approximate memory usage reaches thresholdBytes.
func NewWriteBuffer(thresholdBytes int64) *WriteBuffer {
	return &WriteBuffer{active: New(), thresholdBytes: thresholdBytes}
}

// Add assigns the next sequence number and inserts (key, value, typ) into
// the active table, returning the table's approximate size afterward so
// the caller can decide whether to trigger a rotation.
func (wb *WriteBuffer) Add(key common.Key, value common.Value, typ common.EntryType) int64 {
	wb.mu.Lock()
	active := wb.active
	wb.mu.Unlock()

	seq := wb.nextSeq.Add(1)
	active.Add(key, value, typ, seq)
	return active.ApproximateMemoryUsage()
}

// NeedsRotation reports whether Active has crossed the configured
// threshold and a Rotate call is due.
func (wb *WriteBuffer) NeedsRotation() bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.active.ApproximateMemoryUsage() >= wb.thresholdBytes
}

// Rotate swaps Active for a fresh empty table and makes the previous
// Active the new Immutable, returning it for the flush coordinator to
// drain. Returns nil if Immutable was already occupied (a flush is still
// in progress) — the caller must not rotate again until Release is called.
func (wb *WriteBuffer) Rotate() *MemTable {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.immutable != nil {
		return nil
	}
	wb.immutable = wb.active
	wb.active = New()
	return wb.immutable
}

// Release clears Immutable once the flush coordinator has fully applied or
// deferred every entry in it, allowing the next Rotate to proceed.
func (wb *WriteBuffer) Release(table *MemTable) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.immutable == table {
		wb.immutable = nil
	}
}

// Active returns the current active table, for reads that must check the
// write buffer before falling through to the page layer.
func (wb *WriteBuffer) Active() *MemTable {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.active
}

// Immutable returns the table currently being flushed, or nil.
func (wb *WriteBuffer) Immutable() *MemTable {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.immutable
}
