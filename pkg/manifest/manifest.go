// Package manifest persists the page-layout parameters fixed at Open:
// page size, pages per segment, and segment count. Grounded on the
// teacher's sstable builder/reader — not its sorted-run file format (the
// engine this spec describes has no compaction hierarchy to persist), but
// its binary magic-number-footer idiom, repurposed into a small metadata
// footer instead.
package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"treeline/pkg/common"
)

const (
	magicNumber   uint32 = 0x544c4d31 // "TLM1"
	schemaVersion uint32 = 1
	recordSize           = 4 + 4 + 4 + 4 + 4 + 8 + 4 // magic+version+pageSize+pagesPerSegment+numSegments+nextPage+crc32
)

// Manifest records the page-layout parameters a store was opened with, plus
// the page-allocation high-water mark as of the last clean Close. NextPage
// is a floor, not a ground truth: segment.Open still recomputes an
// allocation bound from each segment file's size and takes the larger of
// the two, so a crash between a Save and the next Open is never unsafe —
// it only loses the benefit of this floor, not correctness.
type Manifest struct {
	PageSize        uint32
	PagesPerSegment uint32
	NumSegments     uint32
	NextPage        uint64
}

func encode(m Manifest) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], schemaVersion)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], m.PagesPerSegment)
	binary.LittleEndian.PutUint32(buf[16:20], m.NumSegments)
	binary.LittleEndian.PutUint64(buf[20:28], m.NextPage)
	crc := crc32.ChecksumIEEE(buf[:28])
	binary.LittleEndian.PutUint32(buf[28:32], crc)
	return buf
}

func decode(buf []byte) (Manifest, error) {
	if len(buf) != recordSize {
		return Manifest{}, fmt.Errorf("manifest: wrong size %d: %w", len(buf), common.ErrCorrupted)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magicNumber {
		return Manifest{}, fmt.Errorf("manifest: bad magic: %w", common.ErrCorrupted)
	}
	crc := crc32.ChecksumIEEE(buf[:28])
	if binary.LittleEndian.Uint32(buf[28:32]) != crc {
		return Manifest{}, fmt.Errorf("manifest: crc mismatch: %w", common.ErrCorrupted)
	}
	return Manifest{
		PageSize:        binary.LittleEndian.Uint32(buf[8:12]),
		PagesPerSegment: binary.LittleEndian.Uint32(buf[12:16]),
		NumSegments:     binary.LittleEndian.Uint32(buf[16:20]),
		NextPage:        binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// Path returns the conventional MANIFEST file path under dir.
func Path(dir string) string { return filepath.Join(dir, "MANIFEST") }

// Load reads the manifest file under dir. Returns common.ErrNotFound if it
// does not exist yet (a fresh database).
func Load(dir string) (Manifest, error) {
	buf, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, common.ErrNotFound
		}
		return Manifest{}, fmt.Errorf("manifest: read: %w", common.ErrIOError)
	}
	return decode(buf)
}

// Save writes the manifest file under dir, via a temp-file-then-rename so
// a crash mid-write never leaves a half-written MANIFEST behind.
func Save(dir string, m Manifest) error {
	tmp := Path(dir) + ".tmp"
	if err := os.WriteFile(tmp, encode(m), 0o644); err != nil {
		return fmt.Errorf("manifest: write temp: %w", common.ErrIOError)
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		return fmt.Errorf("manifest: rename: %w", common.ErrIOError)
	}
	return nil
}
