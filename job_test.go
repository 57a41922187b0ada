package rebuild

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusrebuild/rebuild/internal/device"
	"github.com/nexusrebuild/rebuild/internal/rebuildmap"
)

// registerPair creates a src/dst in-memory device pair under fresh unique
// URIs and registers them, returning a cleanup func.
func registerPair(t *testing.T, sizeBlocks uint64, blockSize uint32) (srcURI, dstURI string, src, dst *device.Memory) {
	t.Helper()
	srcURI = "mem://" + t.Name() + "-src"
	dstURI = "mem://" + t.Name() + "-dst"
	src = device.NewMemory(srcURI, blockSize, sizeBlocks)
	dst = device.NewMemory(dstURI, blockSize, sizeBlocks)
	device.Register(srcURI, src)
	device.Register(dstURI, dst)
	t.Cleanup(func() {
		device.Unregister(srcURI)
		device.Unregister(dstURI)
	})
	return srcURI, dstURI, src, dst
}

func TestJobFullRebuildEndToEnd(t *testing.T) {
	srcURI, dstURI, src, dst := registerPair(t, 32, 512)
	src.Fill(0x5A)

	reg := NewRegistry()
	j, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 32},
		WithSegmentTasks(4), WithSegmentSize(4*512))
	require.NoError(t, err)
	require.NoError(t, j.Start())

	state, err := j.AwaitTerminal(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, state)
	require.Equal(t, uint64(32), j.Stats().BlocksTransferred)
	require.Equal(t, dst.Bytes(), src.Bytes())

	records := reg.History(dstURI)
	require.Len(t, records, 1)
	require.Equal(t, Completed, records[0].FinalState)
	require.Equal(t, j.ID(), records[0].JobID)
}

func TestJobDuplicateStartAlreadyExists(t *testing.T) {
	srcURI, dstURI, _, _ := registerPair(t, 16, 512)
	reg := NewRegistry()

	first, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Stop() })

	_, err = newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 16})
	require.Error(t, err)
	require.True(t, IsCode(err, CodeAlreadyExists))
}

func TestJobRegistryUniquenessConcurrent(t *testing.T) {
	srcURI, dstURI, _, _ := registerPair(t, 16, 512)
	reg := NewRegistry()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	jobs := make([]*Job, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 16})
			jobs[i] = j
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for i, err := range results {
		if err == nil {
			successes++
			t.Cleanup(func(j *Job) func() { return func() { _ = j.Stop() } }(jobs[i]))
		} else {
			require.True(t, IsCode(err, CodeAlreadyExists), "unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent New should succeed")
}

func TestJobPauseResumeTransparency(t *testing.T) {
	srcURI, dstURI, src, dst := registerPair(t, 128, 512)
	src.Fill(0x7E)

	reg := NewRegistry()
	j, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 128},
		WithSegmentTasks(2), WithSegmentSize(8*512))
	require.NoError(t, err)
	require.NoError(t, j.Start())

	for cycle := 0; cycle < 3; cycle++ {
		deadline := time.Now().Add(2 * time.Second)
		for j.Stats().SegmentsDone == 0 && time.Now().Before(deadline) && j.State() == Running {
			time.Sleep(time.Millisecond)
		}
		if j.State().Terminal() {
			break
		}
		require.NoError(t, j.Pause())
		deadline = time.Now().Add(2 * time.Second)
		for j.State() != Paused && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		require.Equal(t, Paused, j.State())
		require.NoError(t, j.Resume())
	}

	state, err := j.AwaitTerminal(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, state)
	require.Equal(t, uint64(128), j.Stats().BlocksTransferred)
	require.Equal(t, dst.Bytes(), src.Bytes())
}

func TestJobStopIsIdempotentOnTerminal(t *testing.T) {
	srcURI, dstURI, _, _ := registerPair(t, 8, 512)
	reg := NewRegistry()
	j, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 8})
	require.NoError(t, err)
	require.NoError(t, j.Start())

	state, err := j.AwaitTerminal(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	require.NoError(t, j.Stop())
	require.Equal(t, Completed, j.State())
}

func TestNewReturnsNoSuchDeviceForUnresolvedURI(t *testing.T) {
	reg := NewRegistry()
	_, err := newJob(context.Background(), reg, "nexus-1", "mem://does-not-exist-src", "mem://does-not-exist-dst", Range{Start: 0, End: 8})
	require.Error(t, err)
	require.True(t, IsCode(err, CodeNoSuchDevice))
}

func TestNewRejectsSegmentTasksOutOfRange(t *testing.T) {
	srcURI, dstURI, _, _ := registerPair(t, 8, 512)
	reg := NewRegistry()
	_, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 8}, WithSegmentTasks(0))
	require.Error(t, err)
	require.True(t, IsCode(err, CodeBadRange))
}

func TestNewRejectsRangeExceedingDeviceSize(t *testing.T) {
	srcURI, dstURI, _, _ := registerPair(t, 8, 512)
	reg := NewRegistry()
	_, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 10_000_000})
	require.Error(t, err)
	require.True(t, IsCode(err, CodeBadRange))

	_, found := reg.Lookup(dstURI)
	require.False(t, found, "a construction-time BadRange must leave the job unregistered")
}

func TestJobMapSkipIdempotence(t *testing.T) {
	srcURI, dstURI, src, dst := registerPair(t, 16, 512)
	src.Fill(0x11)
	dst.Fill(0x11)

	m := rebuildmap.New(2, 8)
	m.SegmentClean(0)
	m.SegmentClean(1)

	reg := NewRegistry()
	j, err := newJob(context.Background(), reg, "nexus-1", srcURI, dstURI, Range{Start: 0, End: 16},
		WithSegmentSize(8*512), WithRebuildMap(m))
	require.NoError(t, err)
	require.NoError(t, j.Start())

	state, err := j.AwaitTerminal(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, state)
	require.Equal(t, uint64(0), j.Stats().BlocksTransferred, "fully-clean map: a re-run transfers zero bytes")
	require.Equal(t, uint64(2), j.Stats().SegmentsSkipped)
}
