// Package reorg implements the overflow-chain fixing and reorganization
// protocol: FixOverflowChain's retry-on-model-version-change loop, and the
// background rewrite of an overgrown chain into a freshly-sized run of
// pages with back-to-front publication. This is the one component with no
// Go precedent anywhere in the retrieved pack, so it is translated
// directly from the original system's ReorganizeOverflowChain and
// FileManager-backed page addressing, in idiomatic Go: explicit error
// returns and a retry loop instead of a nullptr sentinel, []byte pages
// instead of memcpy.
package reorg

import (
	"bytes"
	"fmt"
	"sort"

	"treeline/pkg/bufferpool"
	"treeline/pkg/common"
	"treeline/pkg/model"
	"treeline/pkg/page"
	"treeline/pkg/segment"
)

// Chain is a fixed, ordered sequence of frames belonging to one overflow
// chain, head first. All frames are held in the same mode (exclusive or
// shared) until UnfixAll is called.
type Chain struct {
	frames    []*bufferpool.Frame
	exclusive bool
}

// Len returns the number of pages currently in the chain.
func (c *Chain) Len() int { return len(c.frames) }

// Frame returns the i-th frame, head first.
func (c *Chain) Frame(i int) *bufferpool.Frame { return c.frames[i] }

// Append adds a newly-fixed tail frame to the chain, used when a writer
// extends the chain with a fresh overflow page while still holding the
// rest of the chain fixed.
func (c *Chain) Append(f *bufferpool.Frame) { c.frames = append(c.frames, f) }

// UnfixAll releases every frame in the chain, marking all dirty or all
// clean per the dirty flag.
func (c *Chain) UnfixAll(pool *bufferpool.Pool, dirty bool) {
	for _, f := range c.frames {
		pool.Unfix(f, c.exclusive, dirty)
	}
}

// Engine owns the dependencies FixOverflowChain and Reorganize need: the
// buffer pool, segment manager, and learned model.
type Engine struct {
	Pool  *bufferpool.Pool
	Seg   *segment.Manager
	Model *model.Model

	PageSize   uint32
	TargetFill uint32 // target fill percent, e.g. 90

	// OnRetry, if set, is called every time FixOverflowChain discovers a
	// stale mapping and must retry — used by the monitor to count model
	// version collisions.
	OnRetry func()
}

// FixOverflowChain fixes head_id and, if the model still maps its lower
// boundary to head_id, walks every overflow link in the requested mode and
// returns the whole chain still pinned. If the model has moved on (a
// concurrent reorg finished first), it releases the head and returns
// common.ErrRetry — callers must re-lookup the model and call again.
func (e *Engine) FixOverflowChain(headID common.PhysicalPageID, exclusive bool) (*Chain, error) {
	headFrame, err := e.Pool.Fix(headID, exclusive, false)
	if err != nil {
		return nil, err
	}
	head := page.Wrap(headFrame.Bytes())
	if err := head.Validate(); err != nil {
		e.Pool.Unfix(headFrame, exclusive, false)
		return nil, err
	}

	mapped, err := e.Model.Lookup(head.Lower())
	if err != nil || mapped != headID {
		e.Pool.Unfix(headFrame, exclusive, false)
		if e.OnRetry != nil {
			e.OnRetry()
		}
		return nil, common.ErrRetry
	}

	frames := []*bufferpool.Frame{headFrame}
	cur := head
	for cur.Overflow().Valid() {
		next, err := e.Pool.Fix(cur.Overflow(), exclusive, false)
		if err != nil {
			for _, f := range frames {
				e.Pool.Unfix(f, exclusive, false)
			}
			return nil, err
		}
		frames = append(frames, next)
		cur = page.Wrap(next.Bytes())
	}
	return &Chain{frames: frames, exclusive: exclusive}, nil
}

// FixOverflowChainRetrying loops FixOverflowChain until it stops returning
// common.ErrRetry, the pattern every caller (flush and reorg itself) uses
// per spec: the retry is bounded only by the model settling, never by a
// counter, because each retry is cheap (one failed head fix) and the
// alternative (giving up) would leave the caller's operation undone.
func (e *Engine) FixOverflowChainRetrying(headID func() (common.PhysicalPageID, error), exclusive bool) (*Chain, error) {
	for {
		id, err := headID()
		if err != nil {
			return nil, err
		}
		chain, err := e.FixOverflowChain(id, exclusive)
		if err == common.ErrRetry {
			continue
		}
		return chain, err
	}
}

type cursor struct {
	records []record
	idx     int
}

type record struct {
	key   common.Key
	value common.Value
}

func (c *cursor) peek() (record, bool) {
	if c.idx >= len(c.records) {
		return record{}, false
	}
	return c.records[c.idx], true
}

// mergedRecords k-way-merges every page in the chain (each individually
// sorted) into one globally sorted slice, the same shape as the original
// system's PageMergeIterator.
func mergedRecords(chain *Chain) []record {
	cursors := make([]*cursor, chain.Len())
	total := 0
	for i := 0; i < chain.Len(); i++ {
		var recs []record
		pg := page.Wrap(chain.Frame(i).Bytes())
		pg.Iter(func(k common.Key, v common.Value) bool {
			recs = append(recs, record{key: append(common.Key{}, k...), value: append(common.Value{}, v...)})
			return true
		})
		cursors[i] = &cursor{records: recs}
		total += len(recs)
	}

	out := make([]record, 0, total)
	for {
		bestIdx := -1
		var best record
		for i, c := range cursors {
			r, ok := c.peek()
			if !ok {
				continue
			}
			if bestIdx == -1 || bytes.Compare(r.key, best.key) < 0 {
				bestIdx = i
				best = r
			}
		}
		if bestIdx == -1 {
			break
		}
		out = append(out, best)
		cursors[bestIdx].idx++
	}
	return out
}

// recordsPerPage estimates how many records of the chain's observed
// average size fit in a page at the target fill percent.
func recordsPerPage(recs []record, pageSize uint32, fillPct uint32, boundaryBytes int) int {
	if len(recs) == 0 {
		return 1
	}
	totalBytes := 0
	for _, r := range recs {
		totalBytes += 2 + len(r.key) + 2 + len(r.value) + 4 // record header+body, +4 for its slot entry
	}
	avg := float64(totalBytes) / float64(len(recs))
	usable := float64(int(pageSize)-headerOverhead-boundaryBytes) * float64(fillPct) / 100.0
	n := int(usable / avg)
	if n < 1 {
		n = 1
	}
	return n
}

const headerOverhead = 24 // matches page.headerSize; kept independent to avoid exporting it

// OverflowCeiling reports how many records chain currently holds in total
// and how many would fit on a single page at TargetFill, using the chain's
// own records to estimate average record size (the same heuristic
// Reorganize itself uses to size replacement pages). Callers use this to
// decide whether a chain has genuinely outgrown one page rather than just
// picked up a single small overflow.
func (e *Engine) OverflowCeiling(chain *Chain) (total, ceiling int) {
	recs := mergedRecords(chain)
	head := page.Wrap(chain.Frame(0).Bytes())
	boundaryBytes := len(head.Lower()) + len(head.Upper())
	return len(recs), recordsPerPage(recs, e.PageSize, e.TargetFill, boundaryBytes)
}

// Reorganize rewrites the overflow chain rooted at headID into a fresh
// sequence of pages sized to TargetFill, publishing back-to-front so that
// readers mid-walk of the old chain are never disrupted. Returns nil
// without doing anything if a concurrent reorg already collapsed the chain
// to a single page.
func (e *Engine) Reorganize(headID common.PhysicalPageID) error {
	chain, err := e.FixOverflowChainRetrying(func() (common.PhysicalPageID, error) { return headID, nil }, true)
	if err != nil {
		return err
	}
	if chain.Len() == 1 {
		chain.UnfixAll(e.Pool, false)
		return nil
	}

	head := page.Wrap(chain.Frame(0).Bytes())
	lower := append(common.Key{}, head.Lower()...)
	upper := append(common.Key{}, head.Upper()...)
	boundaryBytes := len(lower) + len(upper)

	recs := mergedRecords(chain)
	R := len(recs)
	perPage := recordsPerPage(recs, e.PageSize, e.TargetFill, boundaryBytes)
	M := (R + perPage - 1) / perPage
	if M < 1 {
		M = 1
	}

	boundaries := make([]common.Key, M+1)
	boundaries[0] = lower
	boundaries[M] = upper
	for i := 1; i < M; i++ {
		idx := i * perPage
		if idx >= R {
			idx = R - 1
		}
		boundaries[i] = recs[idx].key
	}
	sort.SliceStable(boundaries[1:M], func(i, j int) bool { return bytes.Compare(boundaries[1:M][i], boundaries[1:M][j]) < 0 })

	freshPages := make([][]byte, M)
	for i := 0; i < M; i++ {
		buf := make([]byte, e.PageSize)
		pg := page.Wrap(buf)
		if err := pg.Init(boundaries[i], boundaries[i+1]); err != nil {
			chain.UnfixAll(e.Pool, false)
			return fmt.Errorf("reorg: init page %d: %w", i, err)
		}
		start := i * perPage
		end := start + perPage
		if end > R {
			end = R
		}
		for _, r := range recs[start:end] {
			if err := pg.Put(r.key, r.value); err != nil {
				chain.UnfixAll(e.Pool, false)
				return fmt.Errorf("reorg: repopulate page %d: %w", i, err)
			}
		}
		freshPages[i] = buf
	}

	oldSize := chain.Len()

	for i := M - 1; i >= 0; i-- {
		var frame *bufferpool.Frame
		var pageID common.PhysicalPageID

		if i < oldSize {
			frame = chain.Frame(i)
			pageID = frame.ID()
		} else {
			id, err := e.Seg.AllocatePage()
			if err != nil {
				chain.UnfixAll(e.Pool, false)
				return fmt.Errorf("reorg: allocate page %d: %w", i, err)
			}
			f, err := e.Pool.Fix(id, true, true)
			if err != nil {
				chain.UnfixAll(e.Pool, false)
				return fmt.Errorf("reorg: fix new page %d: %w", i, err)
			}
			frame = f
			pageID = id
		}

		copy(frame.Bytes(), freshPages[i])
		// Each republished page is its own chain head with a distinct
		// [b_i, b_i+1) interval, not a continuation of some other page's
		// interval, so it carries no overflow link of its own.
		page.Wrap(frame.Bytes()).SetOverflow(common.NoPage)

		e.Model.Insert(boundaries[i], pageID)

		e.Pool.Unfix(frame, true, true)
	}

	// Any old chain pages beyond the new, shorter chain are now orphaned:
	// nothing in the model references them anymore, and nothing else's
	// overflow link points at them either. Zero them so a model rebuild on
	// a later reopen (which infers heads from "allocated but never pointed
	// to by another page's overflow link") can't mistake an orphan for a
	// live head; their page-id space is still not reclaimed (no free
	// list), matching the original system's reorganization, which never
	// shrinks segment files.
	for i := M; i < oldSize; i++ {
		f := chain.Frame(i)
		buf := f.Bytes()
		for j := range buf {
			buf[j] = 0
		}
		e.Pool.Unfix(f, true, true)
	}

	return nil
}
