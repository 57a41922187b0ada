package rebuild

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nexusrebuild/rebuild/internal/backendloop"
	"github.com/nexusrebuild/rebuild/internal/descriptor"
	"github.com/nexusrebuild/rebuild/internal/device"
	"github.com/nexusrebuild/rebuild/internal/rangelock"
	"github.com/nexusrebuild/rebuild/internal/rebuildtypes"
)

// Job is the caller-facing handle to a rebuild: a long-lived state machine
// that copies the dirty portion of srcURI's range onto dstURI. Every
// operation sends a command to the job's dedicated backend goroutine and
// waits for an acknowledgement; none of them block on I/O themselves.
type Job struct {
	id        string
	nexusUUID string
	srcURI    string
	dstURI    string
	rng       Range

	desc     *descriptor.Descriptor
	backend  *backendloop.Backend
	registry *Registry
}

// New constructs a Job for the given nexus, source, and destination URIs
// and block range, pre-opening both devices and registering the job with
// the process-wide Registry before returning. This mirrors the teacher's
// CreateAndServe: every construction-time failure (NoSuchDevice, BadRange,
// AlreadyExists) is surfaced synchronously here and the job is never
// registered, so a failed New never leaves partial state behind.
//
// The returned Job is in Init; call Start to begin copying.
func New(ctx context.Context, nexusUUID, srcURI, dstURI string, rng Range, opts ...Option) (*Job, error) {
	return newJob(ctx, DefaultRegistry(), nexusUUID, srcURI, dstURI, rng, opts...)
}

func newJob(ctx context.Context, reg *Registry, nexusUUID, srcURI, dstURI string, rng Range, opts ...Option) (*Job, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()

	var srcDesc, dstDesc device.Descriptor
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := device.Resolve(srcURI)
		if err != nil {
			return &Error{Op: "new", JobID: jobID, DstURI: dstURI, Code: CodeNoSuchDevice, Side: SideSrc, Msg: "source device did not resolve", Inner: err}
		}
		srcDesc = d
		return nil
	})
	g.Go(func() error {
		d, err := device.Resolve(dstURI)
		if err != nil {
			return &Error{Op: "new", JobID: jobID, DstURI: dstURI, Code: CodeNoSuchDevice, Side: SideDst, Msg: "destination device did not resolve", Inner: err}
		}
		dstDesc = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := cfg.resolveSegmentSizeBlks(srcDesc.BlockSize()); err != nil {
		return nil, err
	}

	lock := rangelock.NewInProcess()
	blocks := rangelock.Range{Start: rng.Start, End: rng.End}
	desc, err := descriptor.New(
		descriptor.Range{Device: srcDesc, Blocks: blocks},
		descriptor.Range{Device: dstDesc, Blocks: blocks},
		cfg.segmentSizeBlks, lock, cfg.rebuildMap,
	)
	if err != nil {
		return nil, &Error{Op: "new", JobID: jobID, DstURI: dstURI, Code: CodeBadRange, Msg: err.Error(), Inner: err}
	}

	counters := rebuildtypes.NewCounters(desc.Src.Blocks.Len(), cfg.segmentTasks, srcDesc.BlockSize(), cfg.throughputWindow)
	backend := backendloop.New(desc, cfg.segmentTasks, counters, cfg.logger, jobID, dstURI)

	j := &Job{
		id:        jobID,
		nexusUUID: nexusUUID,
		srcURI:    srcURI,
		dstURI:    dstURI,
		rng:       rng,
		desc:      desc,
		backend:   backend,
		registry:  reg,
	}

	if err := reg.register(j, cfg.historyDepth); err != nil {
		// backendloop.New already started the task-pool goroutines; run the
		// backend just long enough to stop it so they are torn down.
		go backend.Run()
		_ = backend.Stop()
		return nil, err
	}

	go backend.Run()
	go j.awaitTermination()

	cfg.logger.WithJob(jobID).Info("rebuild job constructed", "src", srcURI, "dst", dstURI, "range_start", rng.Start, "range_end", rng.End)

	return j, nil
}

// ID returns the job's UUID, assigned at construction.
func (j *Job) ID() string { return j.id }

// NexusUUID returns the nexus UUID supplied by the caller at construction.
func (j *Job) NexusUUID() string { return j.nexusUUID }

// SrcURI returns the source device URI.
func (j *Job) SrcURI() string { return j.srcURI }

// DstURI returns the destination device URI.
func (j *Job) DstURI() string { return j.dstURI }

// Range returns the block range this job rebuilds.
func (j *Job) Range() Range { return j.rng }

// Start transitions Init -> Running, or Init -> Completed immediately if
// the range is empty. Returns InvalidStateTransition if already started.
func (j *Job) Start() error { return j.backend.Start() }

// Pause transitions Running -> Paused, after quiescing in-flight tasks.
// No-op if already Paused; InvalidStateTransition if terminal.
func (j *Job) Pause() error { return j.backend.Pause() }

// Resume transitions Paused -> Running. No-op if already Running.
func (j *Job) Resume() error { return j.backend.Resume() }

// Stop transitions any non-terminal state to Stopped, after quiescing.
// Idempotent (a no-op) on an already-terminal job.
func (j *Job) Stop() error { return j.backend.Stop() }

// Fail forces a transition to Failed, after quiescing in-flight tasks. Used
// by the nexus on child removal.
func (j *Job) Fail(cause error) error { return j.backend.Fail(cause) }

// State returns the job's current state.
func (j *Job) State() State { return j.backend.State() }

// Stats returns a snapshot of the job's live counters.
func (j *Job) Stats() Stats { return j.backend.Stats() }

// TerminalError returns the error that drove a Failed transition, if any.
func (j *Job) TerminalError() error { return j.backend.TerminalError() }

// AwaitTerminal blocks until the job reaches a terminal state or ctx is
// done, returning the state observed at that point.
func (j *Job) AwaitTerminal(ctx context.Context) (State, error) {
	select {
	case <-j.backend.Done():
		return j.backend.State(), nil
	case <-ctx.Done():
		return j.backend.State(), ctx.Err()
	}
}

// awaitTermination runs for the life of the job, recording a HistoryRecord
// into the Registry once the backend reaches a terminal state. This is the
// "removed on terminal transition" half of spec.md section 4.7; the backend
// itself knows nothing about the Registry.
func (j *Job) awaitTermination() {
	<-j.backend.Done()
	stats := j.backend.Stats()
	rec := rebuildtypes.HistoryRecord{
		JobID:      j.id,
		NexusUUID:  j.nexusUUID,
		SrcURI:     j.srcURI,
		DstURI:     j.dstURI,
		RangeStart: j.rng.Start,
		RangeEnd:   j.rng.End,
		StartTime:  stats.StartTime,
		EndTime:    stats.EndTime,
		FinalState: j.backend.State(),
		FinalStats: stats,
		Err:        j.backend.TerminalError(),
	}
	j.registry.complete(j.dstURI, rec)
}
