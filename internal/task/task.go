// Package task implements RebuildTask (spec.md section 4.3): the unit of
// work that copies one segment from source to destination under a range
// lock, and retries a failed lock acquisition exactly once before giving up.
//
// The per-slot state machine here generalizes the teacher's per-tag ublk
// state machine (internal/queue/runner.go's TagStateInFlightFetch/Owned/
// InFlightCommit) from "kernel owns / user owns" to "copying / idle",
// driven the same way: one goroutine per slot, one command channel per
// slot, completions fanned into a shared results channel.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nexusrebuild/rebuild/internal/constants"
	"github.com/nexusrebuild/rebuild/internal/descriptor"
	"github.com/nexusrebuild/rebuild/internal/rangelock"
	"github.com/nexusrebuild/rebuild/internal/rebuildtypes"
)

// ErrRangeLockFailed is joined into a Result's Err when a segment's range
// lock could not be acquired after the retry budget is exhausted. Per
// spec.md section 7, this is fatal to the job: callers should check
// errors.Is(result.Err, ErrRangeLockFailed) and fail the job rather than
// retry indefinitely.
var ErrRangeLockFailed = errors.New("task: range lock failed")

// Result reports the outcome of copying one segment.
type Result struct {
	Slot        int
	Segment     uint64
	BytesCopied uint64
	Skipped     bool // segment was already in sync per the dirty map

	// Side, Offset, and Len describe which device an I/O error (Err) was
	// raised against and the block range involved. Unset (Side == "") for a
	// range-lock failure, which is not attributable to either device.
	Side   rebuildtypes.IOSide
	Offset uint64
	Len    uint64

	Err error
}

// Task copies segments for one pool slot, reusing the same bounce buffer
// across every segment it is assigned. Per spec.md's design note, bounce
// buffers are fixed per task rather than drawn from a shared pool.
type Task struct {
	slot int
	desc *descriptor.Descriptor
	buf  []byte
}

// New creates a Task with a bounce buffer sized for one full segment.
func New(slot int, desc *descriptor.Descriptor, bufSizeBytes int) *Task {
	return &Task{
		slot: slot,
		desc: desc,
		buf:  make([]byte, bufSizeBytes),
	}
}

// CopySegment copies the dirty-map-eligible blocks of segment from source to
// destination: lock the destination range, read from source, write to
// destination, mark the segment synced, then unlock. A segment already
// marked clean by the descriptor's dirty map is reported as Skipped without
// touching either device.
func (t *Task) CopySegment(ctx context.Context, segment uint64) Result {
	segStart := segment * t.desc.SegmentSizeBlks
	segLen := t.desc.GetSegmentSizeBlks(segStart)
	if segLen == 0 {
		return Result{Slot: t.slot, Segment: segment, Err: fmt.Errorf("task: segment %d out of range", segment)}
	}
	if t.desc.IsBlkSync(segStart) {
		return Result{Slot: t.slot, Segment: segment, Skipped: true}
	}

	dstRange := rangelock.Range{
		Start: t.desc.DstAbsolute(segStart),
		End:   t.desc.DstAbsolute(segStart + segLen),
	}
	guard, err := t.lockWithRetry(ctx, dstRange)
	if err != nil {
		return Result{Slot: t.slot, Segment: segment, Err: errors.Join(ErrRangeLockFailed, err)}
	}
	defer guard.Release()

	blockSize := int(t.desc.Src.Device.BlockSize())
	byteLen := int(segLen) * blockSize
	buf := t.buf
	if len(buf) < byteLen {
		buf = make([]byte, byteLen)
	}
	buf = buf[:byteLen]

	srcHandle, err := t.desc.SrcIOHandle(ctx)
	if err != nil {
		return Result{Slot: t.slot, Segment: segment, Side: rebuildtypes.SideSrc, Offset: t.desc.SrcAbsolute(segStart), Len: segLen, Err: fmt.Errorf("task: src handle: %w", err)}
	}
	dstHandle, err := t.desc.DstIOHandle(ctx)
	if err != nil {
		return Result{Slot: t.slot, Segment: segment, Side: rebuildtypes.SideDst, Offset: t.desc.DstAbsolute(segStart), Len: segLen, Err: fmt.Errorf("task: dst handle: %w", err)}
	}

	if err := srcHandle.ReadBlocks(ctx, t.desc.SrcAbsolute(segStart), segLen, buf); err != nil {
		return Result{Slot: t.slot, Segment: segment, Side: rebuildtypes.SideSrc, Offset: t.desc.SrcAbsolute(segStart), Len: segLen, Err: fmt.Errorf("task: read segment %d: %w", segment, err)}
	}
	if err := dstHandle.WriteBlocks(ctx, t.desc.DstAbsolute(segStart), segLen, buf); err != nil {
		return Result{Slot: t.slot, Segment: segment, Side: rebuildtypes.SideDst, Offset: t.desc.DstAbsolute(segStart), Len: segLen, Err: fmt.Errorf("task: write segment %d: %w", segment, err)}
	}

	t.desc.BlkSynced(segStart)
	return Result{Slot: t.slot, Segment: segment, BytesCopied: uint64(byteLen)}
}

// lockWithRetry acquires r on the descriptor's range lock, retrying exactly
// constants.RangeLockRetries times on failure before giving up.
func (t *Task) lockWithRetry(ctx context.Context, r rangelock.Range) (rangelock.Guard, error) {
	var guard rangelock.Guard
	attempt := func() error {
		g, err := t.desc.Lock.Acquire(ctx, r)
		if err != nil {
			return err
		}
		guard = g
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), uint64(constants.RangeLockRetries))
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return guard, nil
}
