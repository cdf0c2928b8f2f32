package common

import (
	"bytes"
	"fmt"
)

// Key is an opaque ordered byte string. Keys compare lexicographically.
type Key []byte

// MinKey is the lower boundary of the very first chain ever created in a
// fresh database: the empty string sorts below every other key.
var MinKey = Key{}

// MaxKey is the sentinel upper boundary of the last chain in the keyspace.
// There is no true "infinity" key; this fixed-length run of 0xFF bytes is
// chosen long enough (255 bytes) to exceed any key this engine's workloads
// realistically produce, the same bounded-keyspace assumption KeyHints'
// record_size defaults make.
var MaxKey = Key(bytes.Repeat([]byte{0xFF}, 255))

// Value is an opaque byte string associated with a Key.
type Value []byte

// EntryType disambiguates a regular write from a delete (tombstone) in the
// write buffer. Unlike an on-page record, a buffered delete must be stored
// explicitly because the key may still be present on disk.
type EntryType uint8

const (
	EntryWrite EntryType = iota
	EntryDelete
)

func (t EntryType) String() string {
	if t == EntryDelete {
		return "delete"
	}
	return "write"
}

// Record is a single (key, value, type, sequence) tuple as it flows through
// the write buffer and flush coordinator. Sequence is a 56-bit monotonically
// increasing counter; the newest sequence for a given key wins.
type Record struct {
	Key      Key
	Value    Value
	Type     EntryType
	Sequence uint64
}

func (r Record) String() string {
	return fmt.Sprintf("Record{key=%x type=%s seq=%d vallen=%d}", r.Key, r.Type, r.Sequence, len(r.Value))
}

// PhysicalPageID is an opaque 64-bit page identifier decomposed by the
// segment manager into (segment, page-within-segment).
type PhysicalPageID uint64

// NoPage is the sentinel "not a page" identifier, analogous to a null
// pointer in the original C++ implementation.
const NoPage PhysicalPageID = ^PhysicalPageID(0)

func (p PhysicalPageID) Valid() bool { return p != NoPage }
