package descriptor

import (
	"context"
	"testing"

	"github.com/nexusrebuild/rebuild/internal/device"
	"github.com/nexusrebuild/rebuild/internal/rangelock"
	"github.com/nexusrebuild/rebuild/internal/rebuildmap"
)

func testRange(t *testing.T, name string, sizeBlocks uint64) Range {
	t.Helper()
	return Range{
		Device: device.NewMemory(name, 512, sizeBlocks),
		Blocks: rangelock.Range{Start: 0, End: sizeBlocks},
	}
}

func TestNewRejectsBlockSizeMismatch(t *testing.T) {
	src := testRange(t, "src", 16)
	dst := Range{
		Device: device.NewMemory("dst", 4096, 16),
		Blocks: rangelock.Range{Start: 0, End: 16},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err == nil {
		t.Fatal("expected error on block size mismatch")
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	src := testRange(t, "src", 16)
	dst := Range{
		Device: device.NewMemory("dst", 512, 8),
		Blocks: rangelock.Range{Start: 0, End: 8},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err == nil {
		t.Fatal("expected error on range length mismatch")
	}
}

func TestNewRejectsRangeExceedingSourceDevice(t *testing.T) {
	src := Range{
		Device: device.NewMemory("src", 512, 8),
		Blocks: rangelock.Range{Start: 0, End: 20},
	}
	dst := Range{
		Device: device.NewMemory("dst", 512, 20),
		Blocks: rangelock.Range{Start: 0, End: 20},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err == nil {
		t.Fatal("expected error: range exceeds source device size")
	}
}

func TestNewRejectsRangeExceedingDestinationDevice(t *testing.T) {
	src := Range{
		Device: device.NewMemory("src", 512, 20),
		Blocks: rangelock.Range{Start: 0, End: 20},
	}
	dst := Range{
		Device: device.NewMemory("dst", 512, 8),
		Blocks: rangelock.Range{Start: 0, End: 20},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err == nil {
		t.Fatal("expected error: range exceeds destination device size")
	}
}

func TestNewAcceptsSubRangeWithinDeviceBounds(t *testing.T) {
	src := Range{
		Device: device.NewMemory("src", 512, 32),
		Blocks: rangelock.Range{Start: 8, End: 16},
	}
	dst := Range{
		Device: device.NewMemory("dst", 512, 32),
		Blocks: rangelock.Range{Start: 8, End: 16},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err != nil {
		t.Fatalf("New: %v, want a sub-range fully within both devices to be accepted", err)
	}
}

func TestNewAcceptsEmptyRangeRegardlessOfDeviceSize(t *testing.T) {
	src := Range{
		Device: device.NewMemory("src", 512, 4),
		Blocks: rangelock.Range{Start: 0, End: 0},
	}
	dst := Range{
		Device: device.NewMemory("dst", 512, 4),
		Blocks: rangelock.Range{Start: 0, End: 0},
	}
	if _, err := New(src, dst, 4, rangelock.NewInProcess(), nil); err != nil {
		t.Fatalf("New: %v, want a zero-length range to remain legal", err)
	}
}

func TestGetSegmentSizeBlksShortFinalSegment(t *testing.T) {
	src := testRange(t, "src", 10)
	dst := testRange(t, "dst", 10)
	d, err := New(src, dst, 4, rangelock.NewInProcess(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := d.GetSegmentSizeBlks(0); got != 4 {
		t.Fatalf("segment 0 size = %d, want 4", got)
	}
	if got := d.GetSegmentSizeBlks(4); got != 4 {
		t.Fatalf("segment 1 size = %d, want 4", got)
	}
	if got := d.GetSegmentSizeBlks(8); got != 2 {
		t.Fatalf("final segment size = %d, want 2 (short)", got)
	}
	if got := d.NumSegments(); got != 3 {
		t.Fatalf("NumSegments() = %d, want 3", got)
	}
}

func TestIsBlkSyncNilMap(t *testing.T) {
	src := testRange(t, "src", 8)
	dst := testRange(t, "dst", 8)
	d, err := New(src, dst, 4, rangelock.NewInProcess(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.IsBlkSync(0) {
		t.Fatal("nil map should never report blocks as synced")
	}
	d.BlkSynced(0) // no-op, must not panic
}

func TestIsBlkSyncWithMap(t *testing.T) {
	src := testRange(t, "src", 8)
	dst := testRange(t, "dst", 8)
	m := rebuildmap.New(2, 4)
	m.BlkClean(0)

	d, err := New(src, dst, 4, rangelock.NewInProcess(), m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !d.IsBlkSync(0) {
		t.Fatal("expected segment 0 to be synced via pre-marked map")
	}
	if d.IsBlkSync(4) {
		t.Fatal("expected segment 1 to be dirty")
	}
	d.BlkSynced(4)
	if !d.IsBlkSync(4) {
		t.Fatal("expected segment 1 to become synced after BlkSynced")
	}
}

func TestSrcDstIOHandle(t *testing.T) {
	src := testRange(t, "src", 8)
	dst := testRange(t, "dst", 8)
	d, err := New(src, dst, 4, rangelock.NewInProcess(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := d.SrcIOHandle(ctx); err != nil {
		t.Fatalf("SrcIOHandle: %v", err)
	}
	if _, err := d.DstIOHandle(ctx); err != nil {
		t.Fatalf("DstIOHandle: %v", err)
	}
}
