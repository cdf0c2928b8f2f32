package model

import (
	"fmt"
	"testing"

	"treeline/pkg/common"
)

func key(n int) common.Key {
	return common.Key(fmt.Sprintf("key-%08d", n))
}

func TestLookupEmptyIsNotFound(t *testing.T) {
	m := New(16)
	if _, err := m.Lookup(key(1)); err != common.ErrNotFound {
		t.Fatalf("Lookup on empty model: got err=%v, want ErrNotFound", err)
	}
}

func TestInsertAndLookupExact(t *testing.T) {
	m := New(16)
	for i := 0; i < 200; i += 10 {
		m.Insert(key(i), common.PhysicalPageID(i))
	}

	got, err := m.Lookup(key(55))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != 50 {
		t.Fatalf("Lookup(55) = %d, want 50 (boundary at 50 covers [50,60))", got)
	}

	got, err = m.Lookup(key(190))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != 190 {
		t.Fatalf("Lookup(190) = %d, want 190", got)
	}
}

func TestLookupBeforeFirstBoundary(t *testing.T) {
	m := New(16)
	m.Insert(key(100), common.PhysicalPageID(1))
	if _, err := m.Lookup(key(1)); err != common.ErrNotFound {
		t.Fatalf("Lookup before first boundary: got err=%v, want ErrNotFound", err)
	}
}

func TestInsertReplacesExistingBoundary(t *testing.T) {
	m := New(16)
	m.Insert(key(10), common.PhysicalPageID(1))
	v1 := m.Version()
	m.Insert(key(10), common.PhysicalPageID(2))
	v2 := m.Version()

	if v2 <= v1 {
		t.Fatalf("Version did not advance on replace: v1=%d v2=%d", v1, v2)
	}
	got, err := m.Lookup(key(10))
	if err != nil || got != 2 {
		t.Fatalf("Lookup after replace = (%d, %v), want (2, nil)", got, err)
	}
	if m.NumBoundaries() != 1 {
		t.Fatalf("NumBoundaries = %d, want 1 (replace must not grow the table)", m.NumBoundaries())
	}
}

func TestVersionMonotonicAcrossManyInserts(t *testing.T) {
	m := New(8)
	var last uint64
	for i := 0; i < 500; i++ {
		m.Insert(key(i), common.PhysicalPageID(i))
		v := m.Version()
		if v <= last {
			t.Fatalf("Version not strictly increasing at i=%d: last=%d now=%d", i, last, v)
		}
		last = v
	}
}

func TestLookupCorrectAfterRetrain(t *testing.T) {
	m := New(4)
	for i := 0; i < retrainThreshold*3; i++ {
		m.Insert(key(i*10), common.PhysicalPageID(i))
	}
	for i := 0; i < retrainThreshold*3; i++ {
		got, err := m.Lookup(key(i * 10))
		if err != nil {
			t.Fatalf("Lookup(%d): %v", i*10, err)
		}
		if got != common.PhysicalPageID(i) {
			t.Fatalf("Lookup(%d) = %d, want %d", i*10, got, i)
		}
	}
}

func TestExportDiagnosticsSamplesAllWhenSmall(t *testing.T) {
	m := New(4)
	for i := 0; i < 50; i++ {
		m.Insert(key(i), common.PhysicalPageID(i))
	}
	points := m.ExportDiagnostics()
	if len(points) != 50 {
		t.Fatalf("ExportDiagnostics returned %d points, want 50", len(points))
	}
}
