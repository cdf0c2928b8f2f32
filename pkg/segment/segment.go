// Package segment implements the file/segment manager: a fixed number of
// preallocated segment files, each holding a fixed number of fixed-size
// pages, with a page ID translated to (segment, offset) by simple integer
// division — the same scheme as the original system's file manager,
// wired to Go's os.File the way the pack's disk manager wires its own
// per-file descriptors.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"treeline/pkg/common"
)

// Manager owns one *os.File per segment and serializes page allocation
// behind a single mutex — the "allocation mutex is leaf" rule the
// concurrency model requires, since allocation never blocks on anything
// else.
type Manager struct {
	dir             string
	pageSize        uint32
	pagesPerSegment uint32
	useDirectIO     bool

	mu       sync.Mutex
	files    []*os.File
	nextPage common.PhysicalPageID
}

// Open creates or reopens numSegments segment files under dir, each named
// "segment-N" after the original system's convention. useDirectIO is
// recorded but does not change the I/O path: files are opened without
// O_DIRECT and every read/write goes through ordinary ReadAt/WriteAt,
// with no buffer alignment applied. persistedNextPage is the
// allocation high-water mark recorded in the MANIFEST as of the last clean
// Close, used as a floor under the page count recomputed from segment file
// sizes: a page that was allocated but never written (so it left no trace
// in any file's length) would otherwise be silently reissued.
func Open(dir string, pageSize, pagesPerSegment, numSegments uint32, useDirectIO bool, persistedNextPage common.PhysicalPageID) (*Manager, error) {
	if numSegments < 1 || pagesPerSegment < 1 {
		return nil, common.ErrInvalidArgument
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create dir: %w", err)
	}

	m := &Manager{
		dir:             dir,
		pageSize:        pageSize,
		pagesPerSegment: pagesPerSegment,
		useDirectIO:     useDirectIO,
		files:           make([]*os.File, numSegments),
	}

	var maxPage common.PhysicalPageID
	found := false
	for i := uint32(0); i < numSegments; i++ {
		path := filepath.Join(dir, fmt.Sprintf("segment-%d", i))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			m.closeOpened()
			return nil, fmt.Errorf("segment: open %s: %w", path, err)
		}
		m.files[i] = f

		stat, err := f.Stat()
		if err != nil {
			m.closeOpened()
			return nil, fmt.Errorf("segment: stat %s: %w", path, err)
		}
		numPages := uint32(stat.Size() / int64(pageSize))
		if numPages > 0 {
			found = true
			last := common.PhysicalPageID(i)*common.PhysicalPageID(pagesPerSegment) + common.PhysicalPageID(numPages)
			if last > maxPage {
				maxPage = last
			}
		}
	}
	if found {
		m.nextPage = maxPage
	}
	if persistedNextPage > m.nextPage {
		m.nextPage = persistedNextPage
	}

	return m, nil
}

func (m *Manager) closeOpened() {
	for _, f := range m.files {
		if f != nil {
			f.Close()
		}
	}
}

// address is a page's location within a segment file.
type address struct {
	segment uint32
	offset  int64
}

// pageIdToAddress derives (segment, offset) from a page ID by simple
// division, exactly as the original system does: no indirection table is
// needed because segment layout is uniform.
func (m *Manager) pageIdToAddress(id common.PhysicalPageID) address {
	return address{
		segment: uint32(uint64(id) / uint64(m.pagesPerSegment)),
		offset:  int64(uint64(id)%uint64(m.pagesPerSegment)) * int64(m.pageSize),
	}
}

// AllocatePage reserves the next page ID. It does not write anything to
// disk; the caller (buffer pool) is responsible for the first WritePage.
func (m *Manager) AllocatePage() (common.PhysicalPageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextPage
	addr := m.pageIdToAddress(id)
	if int(addr.segment) >= len(m.files) {
		return common.NoPage, fmt.Errorf("segment: exhausted %d segments: %w", len(m.files), common.ErrIOError)
	}
	m.nextPage++
	return id, nil
}

// NumSegments reports how many segment files are configured.
func (m *Manager) NumSegments() int { return len(m.files) }

// AllocatedPageCount reports the number of page IDs handed out so far
// (the exclusive upper bound of valid page IDs), used by Open to rebuild
// the learned model by scanning every page that has ever been allocated.
func (m *Manager) AllocatedPageCount() common.PhysicalPageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPage
}

// ReadPage reads the page-sized block for id into buf, which must have
// length pageSize. Matches the original FileManager's ZeroOut-before-read
// so a short read (e.g. a page never written) still yields a well-defined
// all-zero page rather than stale buffer contents.
func (m *Manager) ReadPage(id common.PhysicalPageID, buf []byte) error {
	addr := m.pageIdToAddress(id)
	if int(addr.segment) >= len(m.files) {
		return common.ErrInvalidArgument
	}
	for i := range buf {
		buf[i] = 0
	}
	_, err := m.files[addr.segment].ReadAt(buf, addr.offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("segment: read page %d: %w", id, common.ErrIOError)
	}
	// A short read (including io.EOF for a page never written) leaves the
	// zeroed tail of buf intact — a never-written page reads as all zero.
	return nil
}

// WritePage writes buf (length pageSize) to id's location.
func (m *Manager) WritePage(id common.PhysicalPageID, buf []byte) error {
	addr := m.pageIdToAddress(id)
	if int(addr.segment) >= len(m.files) {
		return common.ErrInvalidArgument
	}
	if uint32(len(buf)) != m.pageSize {
		return common.ErrInvalidArgument
	}
	if _, err := m.files[addr.segment].WriteAt(buf, addr.offset); err != nil {
		return fmt.Errorf("segment: write page %d: %w", id, common.ErrIOError)
	}
	return nil
}

// Sync flushes every segment file to stable storage.
func (m *Manager) Sync() error {
	for i, f := range m.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("segment: sync segment-%d: %w", i, common.ErrIOError)
		}
	}
	return nil
}

// Close closes all segment files.
func (m *Manager) Close() error {
	var first error
	for _, f := range m.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
