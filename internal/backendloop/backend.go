// Package backendloop implements RebuildJobBackend (spec.md section 4.5):
// the single-goroutine scheduler that owns a job's state machine, task
// pool, and segment cursor, and drives everything else purely by reacting
// to messages on three channels. It is re-exported at the module root as
// the unexported engine behind rebuild.Job.
//
// The shape is the teacher's Runner.ioLoop/processRequests: one goroutine,
// one select loop, never blocking the executor for longer than handing off
// a command or a completion.
package backendloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexusrebuild/rebuild/internal/descriptor"
	"github.com/nexusrebuild/rebuild/internal/logging"
	"github.com/nexusrebuild/rebuild/internal/rebuildtypes"
	"github.com/nexusrebuild/rebuild/internal/task"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdFail
)

type command struct {
	kind  commandKind
	cause error // only meaningful for cmdFail
	reply chan error
}

// Backend is the scheduler for one rebuild job. Callers drive it through
// Start/Pause/Resume/Stop/Fail and read it through State/Stats; Run must be
// started as its own goroutine and is the only writer of the job's
// internal state.
type Backend struct {
	desc         *descriptor.Descriptor
	pool         *task.Pool
	counters     *rebuildtypes.Counters
	logger       *logging.Logger
	jobID        string
	dstURI       string
	segmentSize  uint64
	rangeEnd     uint64

	ctx    context.Context
	cancel context.CancelFunc

	cmdCh  chan command
	doneCh chan struct{}

	mu            sync.Mutex
	state         rebuildtypes.State
	terminalErr   error
}

// New constructs a Backend and its TaskPool. The pool's goroutines start
// immediately; Run must still be called (as its own goroutine) to drive the
// state machine.
func New(desc *descriptor.Descriptor, segmentTasks int, counters *rebuildtypes.Counters, logger *logging.Logger, jobID, dstURI string) *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		desc:        desc,
		pool:        task.NewPool(ctx, desc, segmentTasks),
		counters:    counters,
		logger:      logger,
		jobID:       jobID,
		dstURI:      dstURI,
		segmentSize: desc.SegmentSizeBlks,
		rangeEnd:    desc.Src.Blocks.Len(),
		ctx:         ctx,
		cancel:      cancel,
		cmdCh:       make(chan command, 4),
		doneCh:      make(chan struct{}),
		state:       rebuildtypes.Init,
	}
}

func (b *Backend) getState() rebuildtypes.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) setState(s rebuildtypes.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// State returns the job's current state.
func (b *Backend) State() rebuildtypes.State {
	return b.getState()
}

// Stats returns a snapshot of the job's live counters.
func (b *Backend) Stats() rebuildtypes.Stats {
	return b.counters.Snapshot(time.Now())
}

// Done is closed once the backend has reached a terminal state and every
// in-flight task has quiesced.
func (b *Backend) Done() <-chan struct{} {
	return b.doneCh
}

// TerminalError returns the error that drove a Failed transition, if any.
func (b *Backend) TerminalError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminalErr
}

func (b *Backend) send(kind commandKind, cause error) error {
	// A command that finds the backend already terminated is a no-op for
	// Stop and Fail; Start, Pause and Resume report InvalidStateTransition.
	onTerminal := func() error {
		if kind == cmdStop || kind == cmdFail {
			return nil
		}
		return &rebuildtypes.Error{Op: "command", JobID: b.jobID, DstURI: b.dstURI, Code: rebuildtypes.CodeInvalidStateTransition, Msg: fmt.Sprintf("job already %s", b.getState())}
	}
	reply := make(chan error, 1)
	select {
	case b.cmdCh <- command{kind: kind, cause: cause, reply: reply}:
	case <-b.doneCh:
		return onTerminal()
	}
	select {
	case err := <-reply:
		return err
	case <-b.doneCh:
		select {
		case err := <-reply: // handled just before the backend exited
			return err
		default:
			return onTerminal()
		}
	}
}

// Start sends the start command. Init -> Running, or Init -> Completed
// immediately if the range is empty.
func (b *Backend) Start() error { return b.send(cmdStart, nil) }

// Pause sends the pause command. Running -> Paused (after quiescing).
func (b *Backend) Pause() error { return b.send(cmdPause, nil) }

// Resume sends the resume command. Paused -> Running.
func (b *Backend) Resume() error { return b.send(cmdResume, nil) }

// Stop sends the stop command. Any non-terminal state -> Stopped (after
// quiescing). Idempotent on a terminal job.
func (b *Backend) Stop() error { return b.send(cmdStop, nil) }

// Fail forces a transition to Failed, after quiescing in-flight tasks.
func (b *Backend) Fail(cause error) error { return b.send(cmdFail, cause) }

// Run drives the scheduling loop described in spec.md section 4.5. It must
// be started as its own goroutine and returns only once the job has
// reached a terminal state and drained every in-flight task.
func (b *Backend) Run() {
	defer func() {
		b.pool.Close()
		b.cancel()
		close(b.doneCh)
	}()

	var (
		nextBlk    uint64
		inflight   int
		quiescing  bool
		pending    rebuildtypes.State
	)

	// settle resolves a pending quiesce once every in-flight task has
	// drained. Pause is not terminal: settling into Paused clears quiescing
	// so the loop keeps running (dispatch stays gated by state != Running
	// until a Resume), while settling into Stopped/Failed/Completed ends the
	// job, recording the end time. Returns settled=false if there is
	// nothing to do yet (either not quiescing, or still draining).
	settle := func(now time.Time) (settled, terminal bool) {
		if !quiescing || inflight != 0 {
			return false, false
		}
		b.setState(pending)
		if pending == rebuildtypes.Paused {
			quiescing = false
			return true, false
		}
		b.counters.Finish(now)
		return true, true
	}

	for {
		state := b.getState()
		if state.Terminal() {
			return
		}

		canDispatch := state == rebuildtypes.Running && !quiescing && nextBlk < b.rangeEnd
		var freeSlots <-chan int
		if canDispatch {
			freeSlots = b.pool.FreeSlots()
		}

		select {
		case cmd := <-b.cmdCh:
			now := time.Now()
			switch cmd.kind {
			case cmdStart:
				if !rebuildtypes.CanTransition(state, rebuildtypes.EventStart) {
					cmd.reply <- &rebuildtypes.Error{Op: "start", JobID: b.jobID, DstURI: b.dstURI, Code: rebuildtypes.CodeInvalidStateTransition, Msg: "job already started"}
					continue
				}
				b.counters.Start(now)
				if b.rangeEnd == 0 {
					b.setState(rebuildtypes.Completed)
					b.counters.Finish(now)
				} else {
					b.setState(rebuildtypes.Running)
				}
				cmd.reply <- nil

			case cmdPause:
				switch {
				case state == rebuildtypes.Paused:
					cmd.reply <- nil
				case state == rebuildtypes.Running && quiescing && pending == rebuildtypes.Stopped:
					// a stop is already committed; pause cannot override it
					cmd.reply <- &rebuildtypes.Error{Op: "pause", JobID: b.jobID, DstURI: b.dstURI, Code: rebuildtypes.CodeInvalidStateTransition, Msg: "stop already in progress"}
				case state == rebuildtypes.Running:
					quiescing = true
					pending = rebuildtypes.Paused
					settle(now) // resolves immediately if nothing is in flight
					cmd.reply <- nil
				default:
					cmd.reply <- &rebuildtypes.Error{Op: "pause", JobID: b.jobID, DstURI: b.dstURI, Code: rebuildtypes.CodeInvalidStateTransition, Msg: fmt.Sprintf("cannot pause from %s", state)}
				}

			case cmdResume:
				switch {
				case state == rebuildtypes.Paused:
					quiescing = false
					if nextBlk >= b.rangeEnd && inflight == 0 {
						// every segment finished while the pause was settling
						b.setState(rebuildtypes.Completed)
						b.counters.Finish(now)
					} else {
						b.setState(rebuildtypes.Running)
					}
					cmd.reply <- nil
				case state == rebuildtypes.Running && quiescing && pending == rebuildtypes.Paused:
					quiescing = false // cancel the pending pause before it takes effect
					cmd.reply <- nil
				case state == rebuildtypes.Running:
					cmd.reply <- nil
				default:
					cmd.reply <- &rebuildtypes.Error{Op: "resume", JobID: b.jobID, DstURI: b.dstURI, Code: rebuildtypes.CodeInvalidStateTransition, Msg: fmt.Sprintf("cannot resume from %s", state)}
				}

			case cmdStop:
				quiescing = true
				pending = rebuildtypes.Stopped
				settle(now)
				cmd.reply <- nil

			case cmdFail:
				quiescing = true
				pending = rebuildtypes.Failed
				if cmd.cause != nil {
					b.mu.Lock()
					b.terminalErr = cmd.cause
					b.mu.Unlock()
				}
				settle(now)
				cmd.reply <- nil
			}
			if b.getState().Terminal() {
				return
			}

		case res := <-b.pool.Results():
			now := time.Now()
			inflight--
			b.counters.SetTasksActive(inflight)

			segStart := res.Segment * b.segmentSize
			segLen := b.desc.GetSegmentSizeBlks(segStart)

			switch {
			case res.Err != nil:
				b.logger.WithJob(b.jobID).WithError(res.Err).Warn("rebuild task failed")
				quiescing = true
				pending = rebuildtypes.Failed
				b.mu.Lock()
				if b.terminalErr == nil {
					b.terminalErr = classifyTaskError(b.jobID, b.dstURI, res)
				}
				b.mu.Unlock()
			case res.Skipped:
				b.counters.RecordSkipped(segLen)
			default:
				b.counters.RecordTransferred(segLen, now)
			}

			if settled, terminal := settle(now); settled {
				if terminal {
					return
				}
				continue // settled into Paused; re-read state at the top of the loop
			}
			if state == rebuildtypes.Running && !quiescing && nextBlk >= b.rangeEnd && inflight == 0 {
				b.setState(rebuildtypes.Completed)
				b.counters.Finish(now)
				return
			}

		case slot := <-freeSlots:
			segIdx := nextBlk / b.segmentSize
			segLen := b.desc.GetSegmentSizeBlks(nextBlk)
			if segLen == 0 {
				b.pool.Release(slot)
				continue
			}
			b.pool.Dispatch(slot, segIdx)
			nextBlk += segLen
			inflight++
			b.counters.SetTasksActive(inflight)
		}
	}
}

// classifyTaskError maps a task-layer result's error into the structured
// taxonomy of spec.md section 7, attributing it to the side (src or dst)
// the task reported, rather than assuming dst.
func classifyTaskError(jobID, dstURI string, res task.Result) *rebuildtypes.Error {
	err := res.Err
	if errors.Is(err, task.ErrRangeLockFailed) {
		return &rebuildtypes.Error{Op: "copy", JobID: jobID, DstURI: dstURI, Code: rebuildtypes.CodeRangeLockFailed, Msg: "range lock failed after retry", Inner: err}
	}
	return &rebuildtypes.Error{Op: "copy", JobID: jobID, DstURI: dstURI, Code: rebuildtypes.CodeIOError, Side: res.Side, Offset: res.Offset, Len: res.Len, Msg: "segment copy failed", Inner: err}
}
