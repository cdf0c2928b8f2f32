package audit

import (
	"path/filepath"
	"testing"

	"treeline/pkg/common"
)

func TestDisabledLogIsNoOp(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Record(EventFlushApplied, common.Key("x"), 1, "detail"); err != nil {
		t.Fatalf("Record on disabled log: %v", err)
	}
	events, err := l.Recent(10)
	if err != nil || events != nil {
		t.Fatalf("Recent on disabled log = (%v, %v), want (nil, nil)", events, err)
	}
}

func TestNilLogIsSafeToCall(t *testing.T) {
	var l *Log
	if err := l.Record(EventReorgStarted, nil, 0, ""); err != nil {
		t.Fatalf("Record on nil log: %v", err)
	}
	if events, err := l.Recent(5); err != nil || events != nil {
		t.Fatalf("Recent on nil log = (%v, %v)", events, err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil log: %v", err)
	}
}

func TestRecordAndRecentRoundTrip(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Record(EventFlushApplied, common.Key("a"), 1, "first"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(EventReorgCompleted, common.Key("b"), 2, "second"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(events))
	}
	// newest first
	if events[0].Kind != EventReorgCompleted || events[0].Detail != "second" {
		t.Fatalf("events[0] = %+v, want reorg_completed/second", events[0])
	}
	if events[1].Kind != EventFlushApplied || string(events[1].ChainLower) != "a" {
		t.Fatalf("events[1] = %+v, want flush_applied/a", events[1])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Record(EventFlushDeferred, common.Key("k"), common.PhysicalPageID(i), ""); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	events, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent(2) returned %d events, want 2", len(events))
	}
}
