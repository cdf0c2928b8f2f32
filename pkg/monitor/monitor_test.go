package monitor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersAccumulate(t *testing.T) {
	s := New()
	s.RecordRead()
	s.RecordRead()
	s.RecordWrite()
	s.RecordDelete()
	s.RecordFlushApplied()
	s.RecordFlushDeferred()
	s.RecordReorgStarted()
	s.RecordReorgCompleted()
	s.RecordModelRetry()
	s.RecordRecordCacheHit()
	s.RecordBufferHit()
	s.RecordPageMiss()

	snap := s.Snapshot()
	if snap.Reads != 2 || snap.Writes != 1 || snap.Deletes != 1 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if snap.FlushesApplied != 1 || snap.FlushesDeferred != 1 {
		t.Fatalf("unexpected flush counts: %+v", snap)
	}
	if snap.ReorgsStarted != 1 || snap.ReorgsCompleted != 1 {
		t.Fatalf("unexpected reorg counts: %+v", snap)
	}
	if snap.ModelRetries != 1 {
		t.Fatalf("unexpected model retries: %+v", snap)
	}
}

func TestReadWriteRatio(t *testing.T) {
	s := New()
	if got := s.ReadWriteRatio(); got != 0.0 {
		t.Fatalf("ratio with no activity = %v, want 0", got)
	}
	s.RecordRead()
	if got := s.ReadWriteRatio(); got != 100.0 {
		t.Fatalf("ratio with reads and no writes = %v, want 100", got)
	}
	s.RecordWrite()
	s.RecordWrite()
	if got := s.ReadWriteRatio(); got != 0.5 {
		t.Fatalf("ratio with 1 read, 2 writes = %v, want 0.5", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	s := New()
	s.RecordWrite()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler()(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "treeline_writes_total 1") {
		t.Fatalf("handler output missing write counter: %s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain prefix", ct)
	}
}

func TestSummaryIncludesCoreCounters(t *testing.T) {
	s := New()
	s.RecordRead()
	snap := s.Snapshot()
	line := snap.Summary(4096)
	if !strings.Contains(line, "reads=1") {
		t.Fatalf("summary missing reads: %q", line)
	}
}
