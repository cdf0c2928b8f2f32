package manifest

import (
	"testing"

	"treeline/pkg/common"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Manifest{PageSize: 65536, PagesPerSegment: 1024, NumSegments: 4}
	if err := Save(dir, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err != common.ErrNotFound {
		t.Fatalf("Load on empty dir: err=%v, want ErrNotFound", err)
	}
}

func TestSaveLoadRoundTripWithNextPage(t *testing.T) {
	dir := t.TempDir()
	want := Manifest{PageSize: 65536, PagesPerSegment: 1024, NumSegments: 4, NextPage: 9001}
	if err := Save(dir, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}
}
