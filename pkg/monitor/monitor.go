// Package monitor collects workload counters and exposes them both as a
// Prometheus-style plaintext page and as human-readable diagnostics.
// Grounded on the teacher's WorkloadStats (atomic counters, read/write
// ratio) plus the pack's Prometheus text-exposition idiom, extended with
// the counters this engine's write/flush/reorg paths actually produce.
package monitor

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats holds the engine's workload counters. All fields are accessed
// through atomic operations; the struct itself needs no lock.
type Stats struct {
	reads           atomic.Uint64
	writes          atomic.Uint64
	deletes         atomic.Uint64
	recordCacheHits atomic.Uint64
	bufferHits      atomic.Uint64
	pageMisses      atomic.Uint64
	flushesApplied  atomic.Uint64
	flushesDeferred atomic.Uint64
	reorgsStarted   atomic.Uint64
	reorgsCompleted atomic.Uint64
	modelRetries    atomic.Uint64

	startTime time.Time
}

// New creates an empty Stats collector with its uptime clock started now.
func New() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) RecordRead()            { s.reads.Add(1) }
func (s *Stats) RecordWrite()           { s.writes.Add(1) }
func (s *Stats) RecordDelete()          { s.deletes.Add(1) }
func (s *Stats) RecordRecordCacheHit()  { s.recordCacheHits.Add(1) }
func (s *Stats) RecordBufferHit()       { s.bufferHits.Add(1) }
func (s *Stats) RecordPageMiss()        { s.pageMisses.Add(1) }
func (s *Stats) RecordFlushApplied()    { s.flushesApplied.Add(1) }
func (s *Stats) RecordFlushDeferred()   { s.flushesDeferred.Add(1) }
func (s *Stats) RecordReorgStarted()    { s.reorgsStarted.Add(1) }
func (s *Stats) RecordReorgCompleted()  { s.reorgsCompleted.Add(1) }
func (s *Stats) RecordModelRetry()      { s.modelRetries.Add(1) }

// ReadWriteRatio mirrors the teacher's GetReadWriteRatio: reads per write,
// or 100 if there have been reads but no writes yet, 0 if neither.
func (s *Stats) ReadWriteRatio() float64 {
	reads := s.reads.Load()
	writes := s.writes.Load()
	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}

// Snapshot is a point-in-time copy of every counter, for programmatic
// inspection (e.g. from cmd/example or tests) without races on live atomics.
type Snapshot struct {
	Reads, Writes, Deletes                   uint64
	RecordCacheHits, BufferHits, PageMisses   uint64
	FlushesApplied, FlushesDeferred           uint64
	ReorgsStarted, ReorgsCompleted            uint64
	ModelRetries                              uint64
	UptimeSeconds                             float64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Reads:            s.reads.Load(),
		Writes:           s.writes.Load(),
		Deletes:          s.deletes.Load(),
		RecordCacheHits:  s.recordCacheHits.Load(),
		BufferHits:       s.bufferHits.Load(),
		PageMisses:       s.pageMisses.Load(),
		FlushesApplied:   s.flushesApplied.Load(),
		FlushesDeferred:  s.flushesDeferred.Load(),
		ReorgsStarted:    s.reorgsStarted.Load(),
		ReorgsCompleted:  s.reorgsCompleted.Load(),
		ModelRetries:     s.modelRetries.Load(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
	}
}

// Summary renders a short human-readable line using byte-count
// formatting (github.com/dustin/go-humanize), suitable for logging
// alongside diagnostics export.
func (snap Snapshot) Summary(approxMemtableBytes uint64) string {
	return fmt.Sprintf(
		"reads=%d writes=%d deletes=%d flushes=%d(%d deferred) reorgs=%d memtable=%s uptime=%s",
		snap.Reads, snap.Writes, snap.Deletes,
		snap.FlushesApplied, snap.FlushesDeferred, snap.ReorgsCompleted,
		humanize.Bytes(approxMemtableBytes),
		time.Duration(snap.UptimeSeconds*float64(time.Second)),
	)
}

// Handler returns an http.HandlerFunc exposing every counter in
// Prometheus's plaintext exposition format, the way the pack's metrics
// handler does for its own counters.
func (s *Stats) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		snap := s.Snapshot()

		counter := func(name, help string, value uint64) {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, value)
		}

		fmt.Fprintf(w, "# HELP treeline_uptime_seconds Time since the store was opened\n# TYPE treeline_uptime_seconds gauge\ntreeline_uptime_seconds %.2f\n\n", snap.UptimeSeconds)
		counter("treeline_reads_total", "Total Get calls", snap.Reads)
		counter("treeline_writes_total", "Total Put calls", snap.Writes)
		counter("treeline_deletes_total", "Total Delete calls", snap.Deletes)
		counter("treeline_record_cache_hits_total", "Record cache hits", snap.RecordCacheHits)
		counter("treeline_buffer_hits_total", "Write buffer hits", snap.BufferHits)
		counter("treeline_page_misses_total", "Page-layer lookups that missed the buffer pool", snap.PageMisses)
		counter("treeline_flushes_applied_total", "Flush batches applied directly to a page", snap.FlushesApplied)
		counter("treeline_flushes_deferred_total", "Flush batches deferred rather than applied", snap.FlushesDeferred)
		counter("treeline_reorgs_started_total", "Overflow chain reorganizations started", snap.ReorgsStarted)
		counter("treeline_reorgs_completed_total", "Overflow chain reorganizations completed", snap.ReorgsCompleted)
		counter("treeline_model_retries_total", "FixOverflowChain retries due to a model version change", snap.ModelRetries)
	}
}
