// Package page implements the fixed-size on-disk page format: a header
// naming the page's [lower, upper) key interval and overflow link, a slot
// directory that grows backward from the end of the page, and a forward-
// growing heap of variable-length records — the same slotted-page idiom the
// pack's heapfile manager uses for its rows, generalized here to sorted
// key/value records instead of unordered rows.
package page

import (
	"bytes"
	"encoding/binary"

	"treeline/pkg/common"
)

const (
	magic      uint32 = 0x54524c4e // "TRLN"
	headerSize        = 24
	slotSize          = 4 // offset uint16 + length uint16
)

// Page wraps a fixed-size buffer with header/slot-directory/heap layout.
// All accessors read and write directly through the backing buffer; a Page
// carries no other state, so the buffer IS the page's on-disk form and can
// be handed straight to the segment manager's WritePage.
type Page struct {
	buf []byte
}

// Wrap adapts an existing buffer (freshly read from disk, or a frame from
// the buffer pool) as a Page without copying.
func Wrap(buf []byte) *Page {
	return &Page{buf: buf}
}

// Size returns the page's fixed size in bytes.
func (p *Page) Size() int { return len(p.buf) }

// Bytes returns the backing buffer, for handing to the segment manager.
func (p *Page) Bytes() []byte { return p.buf }

// header field offsets within the first headerSize bytes.
const (
	offMagic     = 0
	offOverflow  = 4
	offSlotCount = 12
	offFreeStart = 14
	offLowerLen  = 16
	offUpperLen  = 18
	// 20-23 reserved
)

func (p *Page) magic() uint32      { return binary.LittleEndian.Uint32(p.buf[offMagic:]) }
func (p *Page) slotCount() uint16  { return binary.LittleEndian.Uint16(p.buf[offSlotCount:]) }
func (p *Page) freeStart() uint16  { return binary.LittleEndian.Uint16(p.buf[offFreeStart:]) }
func (p *Page) lowerLen() uint16   { return binary.LittleEndian.Uint16(p.buf[offLowerLen:]) }
func (p *Page) upperLen() uint16   { return binary.LittleEndian.Uint16(p.buf[offUpperLen:]) }

func (p *Page) setSlotCount(v uint16) { binary.LittleEndian.PutUint16(p.buf[offSlotCount:], v) }
func (p *Page) setFreeStart(v uint16) { binary.LittleEndian.PutUint16(p.buf[offFreeStart:], v) }

// boundaryAreaEnd is the offset where the record heap begins: right after
// the header and the fixed lower/upper boundary bytes written at Init.
func (p *Page) boundaryAreaEnd() uint16 {
	return uint16(headerSize) + p.lowerLen() + p.upperLen()
}

// Init formats an empty page with the given [lower, upper) interval and no
// overflow link. Must be called once before any Put/Get/Delete.
func (p *Page) Init(lower, upper common.Key) error {
	need := headerSize + len(lower) + len(upper)
	if need > len(p.buf) {
		return common.ErrInvalidArgument
	}
	for i := range p.buf {
		p.buf[i] = 0
	}
	binary.LittleEndian.PutUint32(p.buf[offMagic:], magic)
	binary.LittleEndian.PutUint64(p.buf[offOverflow:], uint64(common.NoPage))
	binary.LittleEndian.PutUint16(p.buf[offLowerLen:], uint16(len(lower)))
	binary.LittleEndian.PutUint16(p.buf[offUpperLen:], uint16(len(upper)))
	off := headerSize
	copy(p.buf[off:], lower)
	off += len(lower)
	copy(p.buf[off:], upper)
	p.setSlotCount(0)
	p.setFreeStart(p.boundaryAreaEnd())
	return nil
}

// Validate checks the page's magic number, returning common.ErrCorrupted if
// the page does not look like a page this code wrote — the corruption
// check the read path runs before trusting a frame's contents.
func (p *Page) Validate() error {
	if len(p.buf) < headerSize {
		return common.ErrCorrupted
	}
	if p.magic() != magic {
		return common.ErrCorrupted
	}
	return nil
}

// Lower returns the page's lower key boundary (inclusive).
func (p *Page) Lower() common.Key {
	off := headerSize
	n := int(p.lowerLen())
	return common.Key(p.buf[off : off+n])
}

// Upper returns the page's upper key boundary (exclusive).
func (p *Page) Upper() common.Key {
	off := headerSize + int(p.lowerLen())
	n := int(p.upperLen())
	return common.Key(p.buf[off : off+n])
}

// Overflow returns the head's link to the next page in its chain, or
// common.NoPage if this is the tail.
func (p *Page) Overflow() common.PhysicalPageID {
	return common.PhysicalPageID(binary.LittleEndian.Uint64(p.buf[offOverflow:]))
}

// SetOverflow updates the overflow link.
func (p *Page) SetOverflow(id common.PhysicalPageID) {
	binary.LittleEndian.PutUint64(p.buf[offOverflow:], uint64(id))
}

// NumRecords returns the number of live records on the page.
func (p *Page) NumRecords() int { return int(p.slotCount()) }

// FreeSpace returns the number of bytes available for a new record,
// accounting for both heap growth and one more slot-directory entry.
func (p *Page) FreeSpace() int {
	slotDirStart := len(p.buf) - int(p.slotCount())*slotSize
	return slotDirStart - int(p.freeStart()) - slotSize
}

func (p *Page) slotOffset(i uint16) int {
	return len(p.buf) - int(i+1)*slotSize
}

func (p *Page) readSlot(i uint16) (offset, length uint16) {
	so := p.slotOffset(i)
	return binary.LittleEndian.Uint16(p.buf[so : so+2]), binary.LittleEndian.Uint16(p.buf[so+2 : so+4])
}

func (p *Page) writeSlot(i uint16, offset, length uint16) {
	so := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.buf[so:so+2], offset)
	binary.LittleEndian.PutUint16(p.buf[so+2:so+4], length)
}

// recordAt decodes the record stored at the given heap offset/length:
// [keyLen uint16][key][valLen uint16][value].
func (p *Page) recordAt(offset, length uint16) (common.Key, common.Value) {
	rec := p.buf[offset : offset+length]
	keyLen := binary.LittleEndian.Uint16(rec[0:2])
	key := rec[2 : 2+keyLen]
	valOff := 2 + int(keyLen)
	valLen := binary.LittleEndian.Uint16(rec[valOff : valOff+2])
	val := rec[valOff+2 : valOff+2+int(valLen)]
	return common.Key(key), common.Value(val)
}

// find returns the slot index of key, and whether it was found. If not
// found, the index is where it would be inserted to keep the slot
// directory in ascending key order.
func (p *Page) find(key common.Key) (idx uint16, found bool) {
	n := p.slotCount()
	lo, hi := uint16(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		off, length := p.readSlot(mid)
		k, _ := p.recordAt(off, length)
		switch bytes.Compare(k, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Get returns the value stored for key, if present.
func (p *Page) Get(key common.Key) (common.Value, bool) {
	idx, found := p.find(key)
	if !found {
		return nil, false
	}
	off, length := p.readSlot(idx)
	_, v := p.recordAt(off, length)
	out := make(common.Value, len(v))
	copy(out, v)
	return out, true
}

// Put inserts or overwrites the record for key. The new record bytes are
// always appended at freeStart (old bytes from a prior version of the same
// key are left as unreclaimed heap space, vacated only when the page is
// rewritten during reorganization) — the same append-only-heap, rewrite-
// slot-metadata approach the pack's slotted page uses for updates.
func (p *Page) Put(key common.Key, value common.Value) error {
	recLen := 2 + len(key) + 2 + len(value)
	idx, found := p.find(key)

	slotDirStart := len(p.buf) - int(p.slotCount())*slotSize
	extraSlot := 0
	if !found {
		extraSlot = slotSize
	}
	if int(p.freeStart())+recLen+extraSlot > slotDirStart {
		return common.ErrPageFull
	}

	off := p.freeStart()
	rec := p.buf[off : off+uint16(recLen)]
	binary.LittleEndian.PutUint16(rec[0:2], uint16(len(key)))
	copy(rec[2:], key)
	valOff := 2 + len(key)
	binary.LittleEndian.PutUint16(rec[valOff:valOff+2], uint16(len(value)))
	copy(rec[valOff+2:], value)
	p.setFreeStart(off + uint16(recLen))

	if found {
		p.writeSlot(idx, off, uint16(recLen))
		return nil
	}

	n := p.slotCount()
	for i := n; i > idx; i-- {
		o, l := p.readSlot(i - 1)
		p.writeSlot(i, o, l)
	}
	p.writeSlot(idx, off, uint16(recLen))
	p.setSlotCount(n + 1)
	return nil
}

// Delete removes key's slot, if present, shifting later slots down to keep
// the directory contiguous and sorted. The record's heap bytes are left in
// place as unreclaimed space.
func (p *Page) Delete(key common.Key) bool {
	idx, found := p.find(key)
	if !found {
		return false
	}
	n := p.slotCount()
	for i := idx; i < n-1; i++ {
		o, l := p.readSlot(i + 1)
		p.writeSlot(i, o, l)
	}
	p.setSlotCount(n - 1)
	return true
}

// Iter calls fn for every live record in ascending key order. fn returning
// false stops iteration early.
func (p *Page) Iter(fn func(key common.Key, value common.Value) bool) {
	n := p.slotCount()
	for i := uint16(0); i < n; i++ {
		off, length := p.readSlot(i)
		k, v := p.recordAt(off, length)
		if !fn(k, v) {
			return
		}
	}
}
