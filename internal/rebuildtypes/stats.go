package rebuildtypes

import (
	"sync"
	"time"
)

// Stats is an immutable snapshot of a job's counters, per spec.md section 3.
// Only the backend mutates the live counters; everyone else reads a copy.
type Stats struct {
	BlocksTotal       uint64
	BlocksTransferred uint64
	BlocksSkipped     uint64
	BlocksRemaining   uint64
	Progress          float64 // 0..100

	SegmentsDone    uint64
	SegmentsSkipped uint64

	TasksTotal  int
	TasksActive int

	StartTime time.Time
	EndTime   time.Time // zero value until the job reaches a terminal state

	AvgThroughputBps      float64
	WindowedThroughputBps float64
}

type sample struct {
	at    time.Time
	bytes uint64
}

// Counters is the backend's mutable live statistics, guarded by a mutex
// because Job.Stats() may take a snapshot concurrently with the backend
// folding a task result into it (spec.md section 5: "Stats are owned by the
// backend; snapshots are taken by copying a small struct under a
// short-held lock").
type Counters struct {
	mu sync.Mutex

	blocksTotal uint64
	blockSize   uint32
	window      time.Duration

	blocksTransferred uint64
	blocksSkipped     uint64
	segmentsDone      uint64
	segmentsSkipped   uint64

	tasksTotal  int
	tasksActive int

	startTime time.Time
	endTime   time.Time

	samples []sample
}

// NewCounters creates Counters for a job with blocksTotal blocks to rebuild,
// tasksTotal pool slots, blockSize bytes per block, and a throughput
// averaging window.
func NewCounters(blocksTotal uint64, tasksTotal int, blockSize uint32, window time.Duration) *Counters {
	return &Counters{
		blocksTotal: blocksTotal,
		blockSize:   blockSize,
		window:      window,
		tasksTotal:  tasksTotal,
	}
}

// Start records the job's start time. Called once, when the backend
// transitions Init -> Running.
func (c *Counters) Start(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = now
}

// Finish records the job's end time. Called once, on any terminal
// transition.
func (c *Counters) Finish(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endTime = now
}

// RecordTransferred accounts for a segment of n blocks copied at time now.
func (c *Counters) RecordTransferred(n uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocksTransferred += n
	c.segmentsDone++
	c.samples = append(c.samples, sample{at: now, bytes: n * uint64(c.blockSize)})
	c.trimSamplesLocked(now)
}

// RecordSkipped accounts for a segment of n blocks skipped via the dirty
// map. Skipped blocks count toward progress but not toward throughput.
func (c *Counters) RecordSkipped(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocksSkipped += n
	c.segmentsSkipped++
}

// SetTasksActive records the current number of in-flight tasks.
func (c *Counters) SetTasksActive(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasksActive = n
}

func (c *Counters) trimSamplesLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = c.samples[i:]
	}
}

// Snapshot copies the current counters into an immutable Stats value.
func (c *Counters) Snapshot(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := c.blocksTransferred + c.blocksSkipped
	remaining := uint64(0)
	if c.blocksTotal > done {
		remaining = c.blocksTotal - done
	}
	progress := 0.0
	if c.blocksTotal > 0 {
		progress = float64(done) / float64(c.blocksTotal) * 100
		if progress > 100 {
			progress = 100
		}
	} else {
		progress = 100
	}

	end := c.endTime
	elapsedRef := now
	if !end.IsZero() {
		elapsedRef = end
	}
	elapsed := elapsedRef.Sub(c.startTime).Seconds()
	avg := 0.0
	if elapsed > 0 {
		avg = float64(c.blocksTransferred*uint64(c.blockSize)) / elapsed
	}

	// Trim against elapsedRef (now, or the job's end time once terminal) so a
	// Snapshot taken long after the last transfer reports decaying-to-zero
	// throughput rather than replaying stale samples forever.
	c.trimSamplesLocked(elapsedRef)
	var windowedBytes uint64
	for _, s := range c.samples {
		windowedBytes += s.bytes
	}
	windowSecs := c.window.Seconds()
	if !c.startTime.IsZero() && elapsedRef.Sub(c.startTime) < c.window {
		windowSecs = elapsedRef.Sub(c.startTime).Seconds()
	}
	windowed := 0.0
	if windowSecs > 0 {
		windowed = float64(windowedBytes) / windowSecs
	}

	return Stats{
		BlocksTotal:           c.blocksTotal,
		BlocksTransferred:     c.blocksTransferred,
		BlocksSkipped:         c.blocksSkipped,
		BlocksRemaining:       remaining,
		Progress:              progress,
		SegmentsDone:          c.segmentsDone,
		SegmentsSkipped:       c.segmentsSkipped,
		TasksTotal:            c.tasksTotal,
		TasksActive:           c.tasksActive,
		StartTime:             c.startTime,
		EndTime:               end,
		AvgThroughputBps:      avg,
		WindowedThroughputBps: windowed,
	}
}
