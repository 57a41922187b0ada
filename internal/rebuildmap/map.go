// Package rebuildmap implements the per-segment dirty bitmap described in
// spec.md section 4.1: a bit-set over the segments of a rebuild range,
// consulted by the scheduler to skip segments already in sync with the
// source.
package rebuildmap

import "sync"

// Strict controls out-of-range behavior. When true, IsBlkClean/BlkClean
// panic on an out-of-range block (debug builds); when false (the default)
// they saturate to "clean", per spec.md section 4.1's rationale: callers
// always derive offsets from the same range the map was built for, so an
// out-of-range access in production is treated as "nothing left to do"
// rather than crashing a running rebuild.
var Strict = false

// Map is a bit-set over the segments of a rebuild range. Bit i clean means
// segment i is already in sync with the source and may be skipped.
type Map struct {
	mu              sync.Mutex
	bits            []uint64
	numSegments     uint64
	segmentSizeBlks uint64
}

// New creates a Map with all segments initially dirty.
func New(numSegments, segmentSizeBlks uint64) *Map {
	if segmentSizeBlks == 0 {
		segmentSizeBlks = 1
	}
	words := (numSegments + 63) / 64
	return &Map{
		bits:            make([]uint64, words),
		numSegments:     numSegments,
		segmentSizeBlks: segmentSizeBlks,
	}
}

// NumSegments returns the number of segments covered by the map.
func (m *Map) NumSegments() uint64 {
	return m.numSegments
}

func (m *Map) segmentIndex(blk uint64) (uint64, bool) {
	seg := blk / m.segmentSizeBlks
	if seg >= m.numSegments {
		if Strict {
			panic("rebuildmap: block out of range")
		}
		return 0, false
	}
	return seg, true
}

// IsBlkClean maps blk to its segment via integer division and returns
// whether that segment's bit is set.
func (m *Map) IsBlkClean(blk uint64) bool {
	seg, ok := m.segmentIndex(blk)
	if !ok {
		return true // saturate to clean, see Strict doc above
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits[seg/64]&(1<<(seg%64)) != 0
}

// BlkClean marks the segment containing blk as clean.
func (m *Map) BlkClean(blk uint64) {
	seg, ok := m.segmentIndex(blk)
	if !ok {
		if Strict {
			panic("rebuildmap: block out of range")
		}
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits[seg/64] |= 1 << (seg % 64)
}

// IsSegmentClean is a segment-index convenience used by tests that build a
// map directly from segment indices rather than block offsets.
func (m *Map) IsSegmentClean(seg uint64) bool {
	if seg >= m.numSegments {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits[seg/64]&(1<<(seg%64)) != 0
}

// SegmentClean marks a segment clean by index.
func (m *Map) SegmentClean(seg uint64) {
	if seg >= m.numSegments {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bits[seg/64] |= 1 << (seg % 64)
}

// CleanCount returns the number of clean segments. Test/diagnostic helper.
func (m *Map) CleanCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for seg := uint64(0); seg < m.numSegments; seg++ {
		if m.bits[seg/64]&(1<<(seg%64)) != 0 {
			n++
		}
	}
	return n
}
