package reorg

import (
	"fmt"
	"testing"

	"treeline/pkg/bufferpool"
	"treeline/pkg/common"
	"treeline/pkg/model"
	"treeline/pkg/page"
	"treeline/pkg/segment"
)

const testPageSize = 512

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	seg, err := segment.Open(dir, testPageSize, 64, 4, false, 0)
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	pool := bufferpool.New(seg, testPageSize, 64)
	mdl := model.New(4)

	return &Engine{Pool: pool, Seg: seg, Model: mdl, PageSize: testPageSize, TargetFill: 80}
}

func key(n int) common.Key   { return common.Key(fmt.Sprintf("key-%06d", n)) }
func value(n int) common.Value { return common.Value(fmt.Sprintf("value-%06d-payload", n)) }

// makeHeadChain allocates and fixes a single head page spanning [lo, hi),
// inserts it into the model, and returns its id, ready for the tests to
// grow an overflow chain off of it.
func makeHeadChain(t *testing.T, e *Engine, lo, hi common.Key) common.PhysicalPageID {
	t.Helper()
	id, err := e.Seg.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	f, err := e.Pool.Fix(id, true, true)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	pg := page.Wrap(f.Bytes())
	if err := pg.Init(lo, hi); err != nil {
		t.Fatalf("Init: %v", err)
	}
	e.Pool.Unfix(f, true, true)
	e.Model.Insert(lo, id)
	return id
}

// appendOverflowPage allocates a new page, links it after tailID, and
// returns the new page's id, leaving it initialized and empty.
func appendOverflowPage(t *testing.T, e *Engine, tailID common.PhysicalPageID, lo, hi common.Key) common.PhysicalPageID {
	t.Helper()
	newID, err := e.Seg.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	nf, err := e.Pool.Fix(newID, true, true)
	if err != nil {
		t.Fatalf("Fix new: %v", err)
	}
	npg := page.Wrap(nf.Bytes())
	if err := npg.Init(lo, hi); err != nil {
		t.Fatalf("Init: %v", err)
	}
	e.Pool.Unfix(nf, true, true)

	tf, err := e.Pool.Fix(tailID, true, false)
	if err != nil {
		t.Fatalf("Fix tail: %v", err)
	}
	page.Wrap(tf.Bytes()).SetOverflow(newID)
	e.Pool.Unfix(tf, true, true)
	return newID
}

func TestFixOverflowChainWalksLinks(t *testing.T) {
	e := newTestEngine(t)
	head := makeHeadChain(t, e, key(0), key(1000))
	second := appendOverflowPage(t, e, head, key(0), key(1000))
	third := appendOverflowPage(t, e, second, key(0), key(1000))

	chain, err := e.FixOverflowChain(head, false)
	if err != nil {
		t.Fatalf("FixOverflowChain: %v", err)
	}
	if chain.Len() != 3 {
		t.Fatalf("chain length = %d, want 3", chain.Len())
	}
	if chain.Frame(1).ID() != second || chain.Frame(2).ID() != third {
		t.Fatalf("chain order wrong: %d %d", chain.Frame(1).ID(), chain.Frame(2).ID())
	}
	chain.UnfixAll(e.Pool, false)
}

func TestFixOverflowChainRetriesOnStaleModel(t *testing.T) {
	e := newTestEngine(t)
	head := makeHeadChain(t, e, key(0), key(1000))

	// Simulate a concurrent reorg having already moved this boundary
	// elsewhere by re-inserting it pointing at a different page id.
	other, err := e.Seg.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	e.Model.Insert(key(0), other)

	_, err = e.FixOverflowChain(head, false)
	if err != common.ErrRetry {
		t.Fatalf("FixOverflowChain: err=%v, want ErrRetry", err)
	}
}

func TestReorganizeSinglePageChainIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	head := makeHeadChain(t, e, key(0), key(1000))

	if err := e.Reorganize(head); err != nil {
		t.Fatalf("Reorganize: %v", err)
	}

	got, err := e.Model.Lookup(key(0))
	if err != nil || got != head {
		t.Fatalf("Lookup after no-op reorg = (%d, %v), want (%d, nil)", got, err, head)
	}
}

func TestReorganizeSplitsOverflowChainAndPreservesRecords(t *testing.T) {
	e := newTestEngine(t)
	lo, hi := key(0), key(1000)
	head := makeHeadChain(t, e, lo, hi)

	// Fill the head page, then spill into a couple of overflow pages,
	// tracking every key/value written so we can verify after reorg.
	written := map[string]common.Value{}
	put := func(id common.PhysicalPageID, k common.Key, v common.Value) bool {
		f, err := e.Pool.Fix(id, true, false)
		if err != nil {
			t.Fatalf("Fix: %v", err)
		}
		defer e.Pool.Unfix(f, true, true)
		pg := page.Wrap(f.Bytes())
		if err := pg.Put(k, v); err != nil {
			return false
		}
		written[string(k)] = v
		return true
	}

	tail := head
	n := 1
	for i := 0; i < 400; i++ {
		k, v := key(n), value(n)
		n++
		if put(tail, k, v) {
			continue
		}
		tail = appendOverflowPage(t, e, tail, lo, hi)
		if !put(tail, k, v) {
			t.Fatalf("put failed even on a fresh overflow page")
		}
	}

	chainBefore, err := e.FixOverflowChain(head, false)
	if err != nil {
		t.Fatalf("FixOverflowChain: %v", err)
	}
	chainLenBefore := chainBefore.Len()
	chainBefore.UnfixAll(e.Pool, false)
	if chainLenBefore < 2 {
		t.Fatalf("test setup did not produce an overflow chain, len=%d", chainLenBefore)
	}

	if err := e.Reorganize(head); err != nil {
		t.Fatalf("Reorganize: %v", err)
	}

	// Reorganize publishes each new page as its own independently
	// model-addressed head with a distinct [lower, upper) interval and no
	// overflow link of its own — so walk the result by repeatedly looking
	// up the next boundary in the model, not by following Overflow().
	found := map[string]bool{}
	seen := map[common.PhysicalPageID]bool{}
	cursor := lo
	for {
		pageID, err := e.Model.Lookup(cursor)
		if err != nil {
			t.Fatalf("Lookup %q: %v", cursor, err)
		}
		if seen[pageID] {
			t.Fatalf("model routed back to an already-visited page %d", pageID)
		}
		seen[pageID] = true

		f, err := e.Pool.Fix(pageID, false, false)
		if err != nil {
			t.Fatalf("Fix %d: %v", pageID, err)
		}
		pg := page.Wrap(f.Bytes())
		if pg.Overflow().Valid() {
			t.Fatalf("republished page %d unexpectedly carries an overflow link", pageID)
		}
		upper := append(common.Key{}, pg.Upper()...)
		pg.Iter(func(k common.Key, v common.Value) bool {
			want, ok := written[string(k)]
			if !ok {
				t.Fatalf("unexpected key %q survived reorg", k)
			}
			if string(v) != string(want) {
				t.Fatalf("key %q value = %q, want %q", k, v, want)
			}
			found[string(k)] = true
			return true
		})
		e.Pool.Unfix(f, false, false)

		if string(upper) == string(hi) {
			break
		}
		cursor = upper
	}

	if len(found) != len(written) {
		t.Fatalf("reorganized chain has %d records, want %d", len(found), len(written))
	}
}
