// Package db assembles every other package into the storage engine's
// public façade: Open/Put/Get/GetRange/Delete/FlushMemTable/Close.
// Grounded on the teacher's pkg/core/hybrid_store.go (HybridStore),
// generalized from its sharded bloom-filter/SSTable read path to the
// single learned-model/page-chain read path this engine uses, and wired
// to every ambient component (manifest, WAL, record cache, audit log,
// monitor) the rest of the package tree provides.
package db

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"treeline/pkg/audit"
	"treeline/pkg/bufferpool"
	"treeline/pkg/common"
	"treeline/pkg/config"
	"treeline/pkg/flush"
	"treeline/pkg/manifest"
	"treeline/pkg/memtable"
	"treeline/pkg/model"
	"treeline/pkg/monitor"
	"treeline/pkg/page"
	"treeline/pkg/reccache"
	"treeline/pkg/reorg"
	"treeline/pkg/segment"
	"treeline/pkg/wal"
)

// DB is an open database handle. All exported methods are safe for
// concurrent use.
type DB struct {
	dir  string
	opts config.Options

	seg      *segment.Manager
	pool     *bufferpool.Pool
	model    *model.Model
	reorg    *reorg.Engine
	flush    *flush.Coordinator
	manifest manifest.Manifest

	buffer *memtable.WriteBuffer
	wal    *wal.WAL // nil when bypass_wal
	cache  *reccache.Cache
	audit  *audit.Log
	stats  *monitor.Stats

	writeMu sync.Mutex
}

// Open creates or reopens a database at dir per opts. If a MANIFEST
// already exists, its persisted page layout wins over opts (page layout
// is fixed for the life of the database); otherwise opts.CreateIfMissing
// must be set and a fresh MANIFEST is written.
func Open(dir string, opts config.Options) (*DB, error) {
	m, err := manifest.Load(dir)
	switch {
	case err == common.ErrNotFound:
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("db: %s does not exist: %w", dir, common.ErrInvalidArgument)
		}
		m = manifest.Manifest{PageSize: opts.PageSize, PagesPerSegment: opts.PagesPerSegment, NumSegments: opts.NumSegments}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create dir: %w", common.ErrIOError)
		}
		if err := manifest.Save(dir, m); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if opts.ErrorIfExists {
			return nil, fmt.Errorf("db: %s already exists: %w", dir, common.ErrInvalidArgument)
		}
	}

	seg, err := segment.Open(dir, m.PageSize, m.PagesPerSegment, m.NumSegments, opts.UseDirectIO, common.PhysicalPageID(m.NextPage))
	if err != nil {
		return nil, err
	}
	pool := bufferpool.New(seg, m.PageSize, opts.BufferPoolSize)

	mdl := model.New(fanoutFromHints(opts.KeyHints))
	if err := rebuildModel(seg, m.PageSize, mdl); err != nil {
		seg.Close()
		return nil, err
	}
	if mdl.NumBoundaries() == 0 {
		headID, err := seg.AllocatePage()
		if err != nil {
			seg.Close()
			return nil, err
		}
		f, err := pool.Fix(headID, true, true)
		if err != nil {
			seg.Close()
			return nil, err
		}
		if err := page.Wrap(f.Bytes()).Init(common.MinKey, common.MaxKey); err != nil {
			pool.Unfix(f, true, false)
			seg.Close()
			return nil, err
		}
		pool.Unfix(f, true, true)
		mdl.Insert(common.MinKey, headID)
	}

	reorgEngine := &reorg.Engine{
		Pool:       pool,
		Seg:        seg,
		Model:      mdl,
		PageSize:   m.PageSize,
		TargetFill: opts.KeyHints.PageFillPct,
	}

	buffer := memtable.NewWriteBuffer(int64(opts.MemTableSizeMiB) << 20)

	var w *wal.WAL
	if !opts.BypassWAL {
		w, err = wal.Open(filepath.Join(dir, "WAL"))
		if err != nil {
			seg.Close()
			return nil, err
		}
		if err := replayWAL(w, buffer); err != nil {
			w.Close()
			seg.Close()
			return nil, err
		}
	}

	cache, err := reccache.New(effectiveCacheCapacity(opts))
	if err != nil {
		if w != nil {
			w.Close()
		}
		seg.Close()
		return nil, err
	}

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"), opts.EnableAuditLog)
	if err != nil {
		cache.Close()
		if w != nil {
			w.Close()
		}
		seg.Close()
		return nil, err
	}

	stats := monitor.New()
	reorgEngine.OnRetry = stats.RecordModelRetry

	flushCoord := flush.NewCoordinator(buffer, mdl, reorgEngine, seg, pool, w, auditLog, stats, opts.DeferredIOMinEntries, opts.DeferredIOMaxDeferrals)
	flushCoord.Start()

	return &DB{
		dir:      dir,
		opts:     opts,
		seg:      seg,
		pool:     pool,
		model:    mdl,
		reorg:    reorgEngine,
		flush:    flushCoord,
		manifest: m,
		buffer:   buffer,
		wal:      w,
		cache:    cache,
		audit:    auditLog,
		stats:    stats,
	}, nil
}

func effectiveCacheCapacity(opts config.Options) int64 {
	if opts.BypassRecordCache {
		return 0
	}
	return opts.RecordCacheCapacity
}

// fanoutFromHints sizes the model's first-level bucket count off the
// caller's expected key count, the way key_hints informs the original
// system's model fanout, falling back to a small default when no hint is
// given.
func fanoutFromHints(h config.KeyHints) int {
	if h.NumKeys == 0 {
		return 64
	}
	fanout := int(h.NumKeys / 10000)
	if fanout < 4 {
		fanout = 4
	}
	if fanout > 4096 {
		fanout = 4096
	}
	return fanout
}

// rebuildModel reconstructs the learned model's correction table after a
// reopen by scanning every allocated page: a page that no other page's
// overflow link points at is a chain head. Orphaned pages left behind by a
// chain-shrinking reorganization are zeroed at the time they're orphaned
// (see pkg/reorg), so they fail Validate here and are correctly excluded.
func rebuildModel(seg *segment.Manager, pageSize uint32, mdl *model.Model) error {
	count := seg.AllocatedPageCount()
	if count == 0 {
		return nil
	}

	referenced := make(map[common.PhysicalPageID]bool, count)
	lowers := make(map[common.PhysicalPageID]common.Key, count)
	buf := make([]byte, pageSize)

	for id := common.PhysicalPageID(0); id < count; id++ {
		if err := seg.ReadPage(id, buf); err != nil {
			return err
		}
		pg := page.Wrap(buf)
		if pg.Validate() != nil {
			continue
		}
		lowers[id] = append(common.Key{}, pg.Lower()...)
		if ov := pg.Overflow(); ov.Valid() {
			referenced[ov] = true
		}
	}

	for id, lower := range lowers {
		if !referenced[id] {
			mdl.Insert(lower, id)
		}
	}
	return nil
}

// replayWAL restores buffered writes that were durable in the log but
// never reached the page layer before the last close (a crash, or a close
// that skipped a final flush).
func replayWAL(w *wal.WAL, buffer *memtable.WriteBuffer) error {
	it, err := w.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		rec, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		buffer.Add(rec.Key, rec.Value, rec.Type)
	}
}

// Put inserts or overwrites key's value.
func (db *DB) Put(key common.Key, value common.Value) error {
	if err := db.write(key, value, common.EntryWrite); err != nil {
		return err
	}
	db.stats.RecordWrite()
	return nil
}

// Delete removes key, if present.
func (db *DB) Delete(key common.Key) error {
	if err := db.write(key, nil, common.EntryDelete); err != nil {
		return err
	}
	db.stats.RecordDelete()
	return nil
}

func (db *DB) write(key common.Key, value common.Value, typ common.EntryType) error {
	db.writeMu.Lock()
	if db.wal != nil {
		// The WAL's append order, not its sequence field, is authoritative
		// for replay ordering; the field is informational only.
		if err := db.wal.Append(common.Record{Key: key, Value: value, Type: typ}); err != nil {
			db.writeMu.Unlock()
			return err
		}
	}
	db.buffer.Add(key, value, typ)
	needsFlush := db.buffer.NeedsRotation()
	db.writeMu.Unlock()

	db.cache.Invalidate(key)
	if needsFlush {
		db.flush.Kick()
	}
	return nil
}

// Get returns the value stored for key, or common.ErrNotFound.
func (db *DB) Get(key common.Key) (common.Value, error) {
	db.stats.RecordRead()

	if v, deleted, ok := db.cache.Get(key); ok {
		db.stats.RecordRecordCacheHit()
		if deleted {
			return nil, common.ErrNotFound
		}
		return v, nil
	}

	if v, typ, _, ok := db.buffer.Active().Get(key); ok {
		db.stats.RecordBufferHit()
		return db.finishGet(key, v, typ)
	}
	if imm := db.buffer.Immutable(); imm != nil {
		if v, typ, _, ok := imm.Get(key); ok {
			db.stats.RecordBufferHit()
			return db.finishGet(key, v, typ)
		}
	}
	if r, ok := db.flush.PendingGet(key); ok {
		db.stats.RecordBufferHit()
		return db.finishGet(key, r.Value, r.Type)
	}

	for {
		headID, err := db.model.Lookup(key)
		if err != nil {
			return nil, err
		}
		chain, err := db.reorg.FixOverflowChain(headID, false)
		if err == common.ErrRetry {
			continue
		}
		if err != nil {
			return nil, err
		}

		head := page.Wrap(chain.Frame(0).Bytes())
		mapped, lerr := db.model.Lookup(key)
		if lerr != nil || mapped != headID || bytes.Compare(key, head.Lower()) < 0 || bytes.Compare(key, head.Upper()) >= 0 {
			chain.UnfixAll(db.pool, false)
			continue
		}

		for i := 0; i < chain.Len(); i++ {
			pg := page.Wrap(chain.Frame(i).Bytes())
			if v, ok := pg.Get(key); ok {
				out := append(common.Value{}, v...)
				chain.UnfixAll(db.pool, false)
				return db.finishGet(key, out, common.EntryWrite)
			}
		}
		chain.UnfixAll(db.pool, false)
		return nil, common.ErrNotFound
	}
}

func (db *DB) finishGet(key common.Key, value common.Value, typ common.EntryType) (common.Value, error) {
	if typ == common.EntryDelete {
		db.cache.PutDeleted(key)
		return nil, common.ErrNotFound
	}
	db.cache.Put(key, value)
	return value, nil
}

// GetRange returns up to n records with keys >= start, in ascending key
// order, honoring the newest-write-wins rule across the write buffer, the
// flush coordinator's deferred backlog, and the page layer.
func (db *DB) GetRange(start common.Key, n int) ([]common.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	candidates := db.collectBufferOverlay(start)
	for _, r := range db.flush.PendingSince(start) {
		ks := string(r.Key)
		if _, exists := candidates[ks]; exists {
			continue // the write buffer already decided this key's fate
		}
		candidates[ks] = r
	}

	cursor := append(common.Key{}, start...)
	headID, err := db.model.Lookup(cursor)
	if err != nil {
		return nil, err
	}
	visited := make(map[common.PhysicalPageID]bool)

	for headID.Valid() && !visited[headID] {
		visited[headID] = true
		if countLive(candidates, start) >= n {
			break
		}

		chain, err := db.reorg.FixOverflowChain(headID, false)
		if err == common.ErrRetry {
			headID, err = db.model.Lookup(cursor)
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		var pageRecs []common.Record
		for i := 0; i < chain.Len(); i++ {
			pg := page.Wrap(chain.Frame(i).Bytes())
			pg.Iter(func(k common.Key, v common.Value) bool {
				pageRecs = append(pageRecs, common.Record{
					Key:   append(common.Key{}, k...),
					Value: append(common.Value{}, v...),
					Type:  common.EntryWrite,
				})
				return true
			})
		}
		upper := append(common.Key{}, page.Wrap(chain.Frame(0).Bytes()).Upper()...)
		chain.UnfixAll(db.pool, false)

		for _, r := range pageRecs {
			if bytes.Compare(r.Key, start) < 0 {
				continue
			}
			ks := string(r.Key)
			if _, exists := candidates[ks]; exists {
				continue // the write buffer already decided this key's fate
			}
			candidates[ks] = r
		}

		cursor = upper
		if countLive(candidates, start) >= n {
			break
		}
		nextHead, err := db.model.Lookup(cursor)
		if err != nil {
			break // keyspace exhausted
		}
		headID = nextHead
	}

	out := make([]common.Record, 0, len(candidates))
	for _, r := range candidates {
		if bytes.Compare(r.Key, start) < 0 || r.Type == common.EntryDelete {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func countLive(candidates map[string]common.Record, start common.Key) int {
	n := 0
	for _, r := range candidates {
		if r.Type != common.EntryDelete && bytes.Compare(r.Key, start) >= 0 {
			n++
		}
	}
	return n
}

// collectBufferOverlay returns the newest version of every buffered key
// >= start, across both the immutable and active tables. Active entries
// overwrite immutable ones unconditionally: the write buffer's shared
// sequence counter guarantees everything in active is newer than anything
// still sitting in immutable.
func (db *DB) collectBufferOverlay(start common.Key) map[string]common.Record {
	out := make(map[string]common.Record)
	fill := func(mt *memtable.MemTable) {
		if mt == nil {
			return
		}
		seen := make(map[string]bool)
		mt.Iterator(func(k common.Key, v common.Value, typ common.EntryType, seq uint64) bool {
			if bytes.Compare(k, start) < 0 {
				return true
			}
			ks := string(k)
			if seen[ks] {
				return true
			}
			seen[ks] = true
			out[ks] = common.Record{
				Key:      append(common.Key{}, k...),
				Value:    append(common.Value{}, v...),
				Type:     typ,
				Sequence: seq,
			}
			return true
		})
	}
	fill(db.buffer.Immutable())
	fill(db.buffer.Active())
	return out
}

// FlushMemTable forces a flush cycle. With force=true, the flush never
// defers a small single-page batch (disable_deferred_io).
func (db *DB) FlushMemTable(force bool) error {
	return db.flush.Run(force)
}

// Stats returns a point-in-time snapshot of the engine's workload counters.
func (db *DB) Stats() monitor.Snapshot {
	return db.stats.Snapshot()
}

// ExportDiagnostics reports the learned model's prediction-error samples,
// for inspecting fit quality. Returns nil unless write_debug_info is set.
func (db *DB) ExportDiagnostics() []model.DiagnosticPoint {
	if !db.opts.WriteDebugInfo {
		return nil
	}
	return db.model.ExportDiagnostics()
}

// Close stops the background flush worker, flushes every dirty frame,
// persists the allocation high-water mark, and releases every open file
// handle.
func (db *DB) Close() error {
	db.flush.Stop()

	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.seg.Sync(); err != nil {
		return err
	}

	db.manifest.NextPage = uint64(db.seg.AllocatedPageCount())
	if err := manifest.Save(db.dir, db.manifest); err != nil {
		return err
	}

	if err := db.seg.Close(); err != nil {
		return err
	}
	db.cache.Close()
	if err := db.audit.Close(); err != nil {
		return err
	}
	if db.wal != nil {
		return db.wal.Close()
	}
	return nil
}
