package rebuild

import (
	"fmt"
	"time"

	"github.com/nexusrebuild/rebuild/internal/constants"
	"github.com/nexusrebuild/rebuild/internal/logging"
	"github.com/nexusrebuild/rebuild/internal/rebuildmap"
)

// config holds the recognized options from spec.md section 6. It is built
// from defaultConfig() and any Options passed to New, mirroring the
// teacher's DefaultParams(backend Backend) DeviceParams / Options split
// between required job state and optional behavior knobs.
type config struct {
	segmentTasks    int
	segmentSizeBlks uint64 // resolved from bytes once block size is known
	segmentSizeSet  bool
	segmentSizeBytes int
	historyDepth    int
	throughputWindow time.Duration
	logger          *logging.Logger
	rebuildMap      *rebuildmap.Map
}

func defaultConfig() *config {
	return &config{
		segmentTasks:     constants.DefaultSegmentTasks,
		segmentSizeBytes: constants.DefaultSegmentSizeBytes,
		historyDepth:     constants.DefaultHistoryDepth,
		throughputWindow: constants.DefaultThroughputWindow,
		logger:           logging.Default(),
	}
}

// Option configures a Job at construction time.
type Option func(*config)

// WithSegmentTasks sets N, the size of the concurrent copy-task pool.
// Must be in [1,64]; New returns BadRange if violated.
func WithSegmentTasks(n int) Option {
	return func(c *config) { c.segmentTasks = n }
}

// WithSegmentSize sets S, the segment size in bytes. Must be a power of two
// and a multiple of the resolved device block size; New validates this once
// both devices are open.
func WithSegmentSize(bytes int) Option {
	return func(c *config) {
		c.segmentSizeBytes = bytes
		c.segmentSizeSet = true
	}
}

// WithHistoryDepth sets K, the number of HistoryRecords a Registry retains
// per destination.
func WithHistoryDepth(k int) Option {
	return func(c *config) { c.historyDepth = k }
}

// WithThroughputWindow sets W, the sliding window used for windowed
// throughput accounting.
func WithThroughputWindow(w time.Duration) Option {
	return func(c *config) { c.throughputWindow = w }
}

// WithLogger overrides the logger a Job uses for its lifetime. Defaults to
// logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRebuildMap supplies a dirty-block map so the job performs a partial
// rebuild, skipping segments already marked clean. Absent (the default),
// every segment is dirty.
func WithRebuildMap(m *rebuildmap.Map) Option {
	return func(c *config) { c.rebuildMap = m }
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// validate checks the bounds from spec.md section 6 that don't depend on a
// resolved block size (segment_tasks' range). Block-size-dependent checks on
// segment_size_bytes happen in New once both devices are open.
func (c *config) validate() error {
	if c.segmentTasks < constants.MinSegmentTasks || c.segmentTasks > constants.MaxSegmentTasks {
		return &Error{Op: "new", Code: CodeBadRange, Msg: fmt.Sprintf("segment_tasks=%d out of range [%d,%d]", c.segmentTasks, constants.MinSegmentTasks, constants.MaxSegmentTasks)}
	}
	if c.historyDepth < 1 {
		return &Error{Op: "new", Code: CodeBadRange, Msg: "history_depth must be positive"}
	}
	if c.throughputWindow <= 0 {
		return &Error{Op: "new", Code: CodeBadRange, Msg: "throughput_window must be positive"}
	}
	if !isPowerOfTwo(c.segmentSizeBytes) {
		return &Error{Op: "new", Code: CodeBadRange, Msg: fmt.Sprintf("segment_size_bytes=%d must be a power of two", c.segmentSizeBytes)}
	}
	return nil
}

// resolveSegmentSizeBlks validates segment_size_bytes against the resolved
// block size and converts it to blocks.
func (c *config) resolveSegmentSizeBlks(blockSize uint32) error {
	if c.segmentSizeBytes%int(blockSize) != 0 {
		return &Error{Op: "new", Code: CodeBadRange, Msg: fmt.Sprintf("segment_size_bytes=%d is not a multiple of block_size=%d", c.segmentSizeBytes, blockSize)}
	}
	c.segmentSizeBlks = uint64(c.segmentSizeBytes) / uint64(blockSize)
	return nil
}
