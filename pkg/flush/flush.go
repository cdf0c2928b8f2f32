// Package flush implements the flush coordinator: swapping the active
// write buffer for an empty one, grouping the retired buffer's entries by
// target overflow chain, and applying or deferring each batch. Grounded on
// the teacher's HybridStore.adaptiveFlush/compactShard merge pattern for
// the batching shape, and on the pack's lsm.go immutable-memtable hand-off
// and background flush-worker goroutine for the async trigger/worker loop.
package flush

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"treeline/pkg/audit"
	"treeline/pkg/bufferpool"
	"treeline/pkg/common"
	"treeline/pkg/memtable"
	"treeline/pkg/model"
	"treeline/pkg/monitor"
	"treeline/pkg/page"
	"treeline/pkg/reorg"
	"treeline/pkg/segment"
	"treeline/pkg/wal"
)

// Coordinator owns every dependency a flush cycle touches: the write
// buffer it drains, the model and reorg engine it routes batches through,
// the segment manager it overflows onto, and the optional WAL/audit/stats
// sinks.
type Coordinator struct {
	Buffer *memtable.WriteBuffer
	Model  *model.Model
	Reorg  *reorg.Engine
	Seg    *segment.Manager
	Pool   *bufferpool.Pool
	WAL    *wal.WAL // nil when bypass_wal is set
	Audit  *audit.Log
	Stats  *monitor.Stats

	// MinEntriesForImmediateApply mirrors deferred_io_min_entries: a
	// single-page batch smaller than this is deferred rather than applied,
	// unless its chain's deferral counter has already hit MaxDeferrals.
	MinEntriesForImmediateApply uint64
	MaxDeferrals                uint64

	runMu sync.Mutex // serializes whole flush cycles against each other

	mu         sync.Mutex
	deferrals  map[string]uint64 // keyed by chain lower-boundary bytes
	pending    []common.Record   // records deferred out of the last cycle
	scheduling map[common.PhysicalPageID]bool

	schedulingMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewCoordinator creates a flush coordinator. Start must be called to run
// its background worker; Run can also be invoked synchronously (e.g. for a
// manual FlushMemTable(true) call from the DB façade).
func NewCoordinator(buf *memtable.WriteBuffer, mdl *model.Model, rg *reorg.Engine, seg *segment.Manager, pool *bufferpool.Pool, w *wal.WAL, al *audit.Log, st *monitor.Stats, minEntries, maxDeferrals uint64) *Coordinator {
	return &Coordinator{
		Buffer:                      buf,
		Model:                       mdl,
		Reorg:                       rg,
		Seg:                         seg,
		Pool:                        pool,
		WAL:                         w,
		Audit:                       al,
		Stats:                       st,
		MinEntriesForImmediateApply: minEntries,
		MaxDeferrals:                maxDeferrals,
		deferrals:                   make(map[string]uint64),
		scheduling:                  make(map[common.PhysicalPageID]bool),
		kick:                        make(chan struct{}, 1),
		stop:                        make(chan struct{}),
		done:                        make(chan struct{}),
	}
}

// Start launches the background worker that drains a Kick signal into a
// flush cycle, the same fire-on-signal shape as the pack's flush-worker
// goroutine.
func (c *Coordinator) Start() {
	go func() {
		defer close(c.done)
		for {
			select {
			case <-c.stop:
				return
			case <-c.kick:
				_ = c.Run(false)
			}
		}
	}()
}

// Stop signals the background worker to exit and waits for it to do so.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}

// Kick asynchronously requests a flush cycle; it never blocks the caller
// (a full channel means a cycle is already pending).
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// batch groups every record this cycle resolved to one overflow chain.
type batch struct {
	headID  common.PhysicalPageID
	records []common.Record
}

// Run executes one flush cycle. With force=true (disable_deferred_io),
// step 3b never defers. Returns nil with no work done if the active buffer
// has nothing pending and there is no prior deferred backlog.
func (c *Coordinator) Run(force bool) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	immutable := c.Buffer.Rotate()
	// c.pending stays readable by PendingGet/PendingSince for the whole
	// cycle; it is replaced by this cycle's re-deferred records at the end.
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if immutable == nil && len(pending) == 0 {
		return nil
	}

	merged := mergeRecords(immutable, pending)
	if len(merged) == 0 {
		if immutable != nil {
			c.Buffer.Release(immutable)
		}
		return nil
	}

	batches, err := c.group(merged)
	if err != nil {
		return err
	}

	var redeferred []common.Record
	for _, b := range batches {
		redef, err := c.applyOrDefer(b, force)
		if err != nil {
			return err
		}
		redeferred = append(redeferred, redef...)
	}

	c.mu.Lock()
	c.pending = redeferred
	c.mu.Unlock()

	if immutable != nil {
		c.Buffer.Release(immutable)
	}
	if c.WAL != nil && len(c.pending) == 0 {
		if err := c.WAL.Truncate(); err != nil {
			return fmt.Errorf("flush: truncate wal: %w", err)
		}
	}
	return nil
}

// mergeRecords combines the immutable table's newest-per-key view with any
// records deferred out of a prior cycle, the deferred record losing to a
// same-key entry in the immutable table only if the immutable one is
// actually newer (a later write can still beat an earlier deferred one).
func mergeRecords(immutable *memtable.MemTable, pending []common.Record) []common.Record {
	byKey := make(map[string]common.Record, len(pending))
	for _, r := range pending {
		byKey[string(r.Key)] = r
	}

	if immutable != nil {
		seen := make(map[string]bool)
		immutable.Iterator(func(key common.Key, value common.Value, typ common.EntryType, seq uint64) bool {
			ks := string(key)
			if seen[ks] {
				return true // already took this key's newest version
			}
			seen[ks] = true
			if existing, ok := byKey[ks]; ok && existing.Sequence > seq {
				return true
			}
			byKey[ks] = common.Record{Key: append(common.Key{}, key...), Value: append(common.Value{}, value...), Type: typ, Sequence: seq}
			return true
		})
	}

	out := make([]common.Record, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	return out
}

// group resolves each record's target chain via the model and buckets
// records by head page id, sorting within each bucket by key so batch
// application proceeds in a stable order.
func (c *Coordinator) group(records []common.Record) ([]batch, error) {
	byHead := make(map[common.PhysicalPageID][]common.Record)
	for _, r := range records {
		headID, err := c.Model.Lookup(r.Key)
		if err != nil {
			return nil, fmt.Errorf("flush: lookup %q: %w", r.Key, err)
		}
		byHead[headID] = append(byHead[headID], r)
	}

	batches := make([]batch, 0, len(byHead))
	for headID, recs := range byHead {
		sort.Slice(recs, func(i, j int) bool { return bytes.Compare(recs[i].Key, recs[j].Key) < 0 })
		batches = append(batches, batch{headID: headID, records: recs})
	}
	return batches, nil
}

// applyOrDefer fixes b's chain, either defers the whole batch (returning
// it to the caller to re-queue) or applies it to the chain pages, and
// unfixes every frame before returning.
func (c *Coordinator) applyOrDefer(b batch, force bool) (deferredOut []common.Record, err error) {
	chain, err := c.Reorg.FixOverflowChainRetrying(func() (common.PhysicalPageID, error) { return b.headID, nil }, true)
	if err != nil {
		return nil, err
	}

	head := page.Wrap(chain.Frame(0).Bytes())
	lowerKey := string(head.Lower())

	c.mu.Lock()
	counter := c.deferrals[lowerKey]
	c.mu.Unlock()

	shouldDefer := !force && chain.Len() == 1 && uint64(len(b.records)) < c.MinEntriesForImmediateApply && counter < c.MaxDeferrals
	if shouldDefer {
		c.mu.Lock()
		c.deferrals[lowerKey] = counter + 1
		c.mu.Unlock()
		chain.UnfixAll(c.Pool, false)
		if c.Stats != nil {
			c.Stats.RecordFlushDeferred()
		}
		if c.Audit != nil {
			c.Audit.Record(audit.EventFlushDeferred, head.Lower(), b.headID, fmt.Sprintf("%d entries deferred", len(b.records)))
		}
		return b.records, nil
	}

	c.mu.Lock()
	c.deferrals[lowerKey] = 0
	c.mu.Unlock()

	lower := append(common.Key{}, head.Lower()...)
	upper := append(common.Key{}, head.Upper()...)
	oldLen := chain.Len()

	if err := c.applyBatch(chain, lower, upper, b.records); err != nil {
		chain.UnfixAll(c.Pool, false)
		return nil, err
	}

	// Decide whether the chain has genuinely outgrown one page while its
	// frames are still fixed; OverflowCeiling reads page contents, which is
	// unsafe once UnfixAll releases them.
	total, ceiling := c.Reorg.OverflowCeiling(chain)
	grewPastOnePage := chain.Len() > 1
	chain.UnfixAll(c.Pool, true)

	if c.Stats != nil {
		c.Stats.RecordFlushApplied()
	}
	if c.Audit != nil {
		c.Audit.Record(audit.EventFlushApplied, lower, b.headID, fmt.Sprintf("%d entries applied, chain grew %d->%d", len(b.records), oldLen, chain.Len()))
	}

	if grewPastOnePage && total > ceiling {
		c.scheduleReorg(b.headID)
	}
	return nil, nil
}

// applyBatch writes records into the chain's pages in place where the key
// already exists, or into the tail page (overflowing to a freshly
// allocated page when the tail is full) for a brand new key. A delete for
// a key absent from the chain is a no-op.
func (c *Coordinator) applyBatch(chain *reorg.Chain, lower, upper common.Key, records []common.Record) error {
	pages := make([]*page.Page, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		pages[i] = page.Wrap(chain.Frame(i).Bytes())
	}

	for _, rec := range records {
		existingIdx := -1
		for i, pg := range pages {
			if _, ok := pg.Get(rec.Key); ok {
				existingIdx = i
				break
			}
		}

		if rec.Type == common.EntryDelete {
			if existingIdx >= 0 {
				pages[existingIdx].Delete(rec.Key)
			}
			continue
		}

		if existingIdx >= 0 {
			if err := pages[existingIdx].Put(rec.Key, rec.Value); err == nil {
				continue
			}
			pages[existingIdx].Delete(rec.Key)
		}

		if err := pages[len(pages)-1].Put(rec.Key, rec.Value); err == nil {
			continue
		}

		newID, err := c.Seg.AllocatePage()
		if err != nil {
			return fmt.Errorf("flush: allocate overflow page: %w", err)
		}
		nf, err := c.Pool.Fix(newID, true, true)
		if err != nil {
			return fmt.Errorf("flush: fix overflow page: %w", err)
		}
		npg := page.Wrap(nf.Bytes())
		if err := npg.Init(lower, upper); err != nil {
			return fmt.Errorf("flush: init overflow page: %w", err)
		}
		if err := npg.Put(rec.Key, rec.Value); err != nil {
			return fmt.Errorf("flush: record too large for an empty page: %w", err)
		}
		page.Wrap(chain.Frame(chain.Len() - 1).Bytes()).SetOverflow(newID)
		chain.Append(nf)
		pages = append(pages, npg)
	}
	return nil
}

// PendingGet returns the deferred record for key, if any. A deferred batch
// leaves the write buffer (Run rotates and releases the immutable table it
// came from) before it has actually landed on a page, so Get must consult
// this backlog too or a deferred write would be invisible until whatever
// later cycle finally applies it.
func (c *Coordinator) PendingGet(key common.Key) (common.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.pending {
		if bytes.Equal(r.Key, key) {
			return copyRecord(r), true
		}
	}
	return common.Record{}, false
}

// PendingSince returns every deferred record with a key >= start, for
// GetRange to overlay on the page layer the same way it already overlays
// the write buffer.
func (c *Coordinator) PendingSince(start common.Key) []common.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.Record
	for _, r := range c.pending {
		if bytes.Compare(r.Key, start) < 0 {
			continue
		}
		out = append(out, copyRecord(r))
	}
	return out
}

func copyRecord(r common.Record) common.Record {
	return common.Record{
		Key:      append(common.Key{}, r.Key...),
		Value:    append(common.Value{}, r.Value...),
		Type:     r.Type,
		Sequence: r.Sequence,
	}
}

// scheduleReorg fires a non-blocking background reorganization for headID,
// debounced so a chain already being reorganized isn't scheduled twice
// concurrently.
func (c *Coordinator) scheduleReorg(headID common.PhysicalPageID) {
	c.schedulingMu.Lock()
	if c.scheduling[headID] {
		c.schedulingMu.Unlock()
		return
	}
	c.scheduling[headID] = true
	c.schedulingMu.Unlock()

	if c.Stats != nil {
		c.Stats.RecordReorgStarted()
	}
	if c.Audit != nil {
		c.Audit.Record(audit.EventReorgStarted, nil, headID, "chain exceeded its records-per-page ceiling")
	}

	go func() {
		defer func() {
			c.schedulingMu.Lock()
			delete(c.scheduling, headID)
			c.schedulingMu.Unlock()
		}()
		if err := c.Reorg.Reorganize(headID); err == nil {
			if c.Stats != nil {
				c.Stats.RecordReorgCompleted()
			}
			if c.Audit != nil {
				c.Audit.Record(audit.EventReorgCompleted, nil, headID, "reorganization complete")
			}
		}
	}()
}
