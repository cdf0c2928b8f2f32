// Package model implements the learned mapping from key boundaries to the
// physical page that owns them: a two-level RMI (radix bucket + per-bucket
// linear regression) used as a fast hint, backed by an exact sorted
// correction table so that Lookup is always correct at the instant it
// returns — the only staleness a caller can observe is a page whose
// contents have since moved under a concurrent reorganization, which the
// read path revalidates independently.
package model

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"treeline/pkg/common"
)

// retrainThreshold bounds how many corrections accumulate before the RMI
// is refit against the current boundary array. Keeping it small favors
// prediction accuracy over retrain cost, since retraining a bucketed linear
// model over a modest boundary count is cheap relative to the disk I/O its
// prediction is meant to shortcut.
const retrainThreshold = 64

// DiagnosticPoint reports how far the model's raw prediction landed from a
// boundary's true position in the correction table, for diagnosing model
// fit. Only populated when diagnostics are requested.
type DiagnosticPoint struct {
	Boundary       common.Key
	ActualIndex    int
	PredictedIndex int
	Error          int
}

// Model is the learned key -> page ID mapping described by the storage
// engine: Lookup(k) returns the page ID of the chain whose interval
// contains k, and Insert adds or replaces a (boundary, page ID) edge,
// incrementing Version on every change that alters the mapping.
type Model struct {
	mu sync.RWMutex

	boundaries []common.Key
	pageIDs    []common.PhysicalPageID

	fit                 *rmi
	insertsSinceRetrain int

	version atomic.Uint64
}

// New creates an empty model with the given RMI fanout (bucket count for
// the first layer). A fanout of a few hundred is reasonable for workloads
// with millions of boundaries; it may be tuned via KeyHints at Open.
func New(fanout int) *Model {
	return &Model{fit: newRMI(fanout)}
}

// Version returns the current mapping version. Readers may snapshot this
// before a multi-step operation and compare afterward to detect a
// concurrent Insert (the "model version latch" is this atomic read, not a
// held lock).
func (m *Model) Version() uint64 {
	return m.version.Load()
}

// Lookup returns the page ID whose [lower, upper) interval should contain
// key, per the current correction table. Returns common.ErrNotFound if the
// model has no boundaries yet (the store is empty).
func (m *Model) Lookup(key common.Key) (common.PhysicalPageID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.boundaries) == 0 {
		return common.NoPage, common.ErrNotFound
	}
	idx := m.findIndexLocked(key)
	if idx < 0 {
		return common.NoPage, common.ErrNotFound
	}
	return m.pageIDs[idx], nil
}

// findIndexLocked returns the index of the rightmost boundary <= key, or
// -1 if key precedes every boundary. Callers must hold at least a read
// lock. The RMI's prediction is tried first as an O(1) shortcut; any miss
// falls back to an exact binary search, so the result is always correct
// regardless of how stale the fitted model is.
func (m *Model) findIndexLocked(key common.Key) int {
	n := len(m.boundaries)
	x := keyToFloat(key)

	predicted := m.fit.predict(x)
	if predicted < 0 {
		predicted = 0
	}
	if predicted >= n {
		predicted = n - 1
	}
	if m.boundaryLE(predicted, key) && (predicted == n-1 || bytes.Compare(key, m.boundaries[predicted+1]) < 0) {
		return predicted
	}

	i := sort.Search(n, func(i int) bool { return bytes.Compare(m.boundaries[i], key) > 0 })
	return i - 1
}

func (m *Model) boundaryLE(i int, key common.Key) bool {
	return bytes.Compare(m.boundaries[i], key) <= 0
}

// Insert adds or replaces the (boundary, pageID) edge such that subsequent
// Lookup(k) for k in [boundary, next boundary) returns pageID. Every call
// that changes the mapping increments Version, whether it adds a new
// boundary or replaces an existing one's page ID (the flush and reorg
// engines both rely on this to detect each other's progress).
func (m *Model) Insert(boundary common.Key, pageID common.PhysicalPageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.boundaries), func(i int) bool {
		return bytes.Compare(m.boundaries[i], boundary) >= 0
	})

	switch {
	case i < len(m.boundaries) && bytes.Equal(m.boundaries[i], boundary):
		m.pageIDs[i] = pageID
	default:
		m.boundaries = append(m.boundaries, nil)
		copy(m.boundaries[i+1:], m.boundaries[i:])
		m.boundaries[i] = append(common.Key{}, boundary...)

		m.pageIDs = append(m.pageIDs, 0)
		copy(m.pageIDs[i+1:], m.pageIDs[i:])
		m.pageIDs[i] = pageID
	}

	m.version.Add(1)
	m.insertsSinceRetrain++
	if m.insertsSinceRetrain >= retrainThreshold {
		m.retrainLocked()
		m.insertsSinceRetrain = 0
	}
}

// Retrain forces an immediate refit against the current boundary array,
// bypassing the insert-count threshold. Exposed for the reorg engine, which
// rewrites a large contiguous span of boundaries at once and wants the
// model to reflect the new layout without waiting for retrainThreshold
// unrelated inserts elsewhere.
func (m *Model) Retrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrainLocked()
}

func (m *Model) retrainLocked() {
	xs := make([]float64, len(m.boundaries))
	for i, b := range m.boundaries {
		xs[i] = keyToFloat(b)
	}
	m.fit.train(xs)
}

// NumBoundaries reports the size of the correction table, for diagnostics
// and sizing decisions.
func (m *Model) NumBoundaries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boundaries)
}

// ExportDiagnostics samples the correction table and reports, for each
// sampled boundary, how far the fitted model's raw prediction lands from
// the boundary's true index. Intended to be gated behind write_debug_info;
// callers pay the sampling cost only when they ask for it.
func (m *Model) ExportDiagnostics() []DiagnosticPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.boundaries)
	if n == 0 {
		return nil
	}
	step := 1
	if n > 5000 {
		step = n / 5000
	}

	points := make([]DiagnosticPoint, 0, n/step+1)
	for i := 0; i < n; i += step {
		x := keyToFloat(m.boundaries[i])
		pred := m.fit.predict(x)
		points = append(points, DiagnosticPoint{
			Boundary:       append(common.Key{}, m.boundaries[i]...),
			ActualIndex:    i,
			PredictedIndex: pred,
			Error:          i - pred,
		})
	}
	return points
}

// keyToFloat projects a byte-string key into the real line for regression
// purposes only: it treats the first 8 bytes as a big-endian magnitude,
// zero-padding short keys. This ordering-preserving projection is never
// used for correctness (the correction table, compared with bytes.Compare,
// is authoritative) — only to give the linear models a numeric domain to
// fit, the same role int64 keys played in the teacher's regression.
func keyToFloat(k common.Key) float64 {
	var buf [8]byte
	copy(buf[:], k)
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return float64(v)
}
