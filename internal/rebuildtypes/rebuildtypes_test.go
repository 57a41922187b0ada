package rebuildtypes

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	if !CanTransition(Init, EventStart) {
		t.Fatal("Init -> start should be legal")
	}
	if CanTransition(Init, EventPause) {
		t.Fatal("Init -> pause should be illegal")
	}
	if !CanTransition(Running, EventPause) {
		t.Fatal("Running -> pause should be legal")
	}
	if CanTransition(Completed, EventStart) {
		t.Fatal("terminal states should never transition")
	}
}

func TestCountersSnapshotProgress(t *testing.T) {
	c := NewCounters(16, 2, 512, 10*time.Second)
	start := time.Now()
	c.Start(start)

	c.RecordTransferred(8, start.Add(time.Millisecond))
	c.RecordSkipped(4)

	snap := c.Snapshot(start.Add(2 * time.Millisecond))
	if snap.BlocksTransferred != 8 {
		t.Fatalf("BlocksTransferred = %d, want 8", snap.BlocksTransferred)
	}
	if snap.BlocksSkipped != 4 {
		t.Fatalf("BlocksSkipped = %d, want 4", snap.BlocksSkipped)
	}
	if snap.BlocksRemaining != 4 {
		t.Fatalf("BlocksRemaining = %d, want 4", snap.BlocksRemaining)
	}
	if snap.Progress != 75 {
		t.Fatalf("Progress = %f, want 75", snap.Progress)
	}
}

func TestCountersWindowedThroughputTrims(t *testing.T) {
	c := NewCounters(100, 1, 512, 10*time.Millisecond)
	start := time.Now()
	c.Start(start)
	c.RecordTransferred(1, start)

	snap := c.Snapshot(start.Add(50 * time.Millisecond))
	if snap.WindowedThroughputBps != 0 {
		t.Fatalf("expected windowed throughput to decay to 0 after the window elapses, got %f", snap.WindowedThroughputBps)
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(2)
	h.Append(HistoryRecord{JobID: "a"})
	h.Append(HistoryRecord{JobID: "b"})
	h.Append(HistoryRecord{JobID: "c"})

	records := h.Records()
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].JobID != "b" || records[1].JobID != "c" {
		t.Fatalf("unexpected ring contents: %+v", records)
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewError("copy", CodeRangeLockFailed, "boom")
	if !errors.Is(err, &Error{Code: CodeRangeLockFailed}) {
		t.Fatal("expected errors.Is to match by Code")
	}
	if errors.Is(err, &Error{Code: CodeBadRange}) {
		t.Fatal("expected errors.Is to reject a different Code")
	}
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewError("read", CodeIOError, "disk fault")
	wrapped := WrapError("copy", CodeIOError, inner)
	if !IsCode(wrapped, CodeIOError) {
		t.Fatal("expected wrapped error to preserve Code")
	}
}
