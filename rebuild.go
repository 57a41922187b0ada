// Package rebuild implements a replica rebuild engine: a long-lived job that
// copies the dirty portion of one block device's range onto another,
// interlocking every segment copy with a nexus range-lock so overlapping
// host I/O is never stale-overwritten. See SPEC_FULL.md for the full
// component breakdown; this file holds the public data shapes and re-exports
// the internal types a caller needs without ever importing an internal/
// package directly.
package rebuild

import (
	"github.com/nexusrebuild/rebuild/internal/rangelock"
	"github.com/nexusrebuild/rebuild/internal/rebuildtypes"
)

// Range is a half-open [Start, End) interval expressed in logical blocks on
// both the source and destination device.
type Range = rangelock.Range

// State is one of the rebuild job lifecycle states.
type State = rebuildtypes.State

const (
	Init      = rebuildtypes.Init
	Running   = rebuildtypes.Running
	Paused    = rebuildtypes.Paused
	Stopped   = rebuildtypes.Stopped
	Failed    = rebuildtypes.Failed
	Completed = rebuildtypes.Completed
)

// Stats is an immutable snapshot of a job's live counters.
type Stats = rebuildtypes.Stats

// HistoryRecord is an immutable record of a terminated job.
type HistoryRecord = rebuildtypes.HistoryRecord

// Code categorizes a structured rebuild Error.
type Code = rebuildtypes.Code

const (
	CodeNoSuchDevice           = rebuildtypes.CodeNoSuchDevice
	CodeNoBdevHandle           = rebuildtypes.CodeNoBdevHandle
	CodeIOError                = rebuildtypes.CodeIOError
	CodeRangeLockFailed        = rebuildtypes.CodeRangeLockFailed
	CodeBadRange               = rebuildtypes.CodeBadRange
	CodeAlreadyExists          = rebuildtypes.CodeAlreadyExists
	CodeInvalidStateTransition = rebuildtypes.CodeInvalidStateTransition
)

// IOSide identifies which device an IoError occurred against.
type IOSide = rebuildtypes.IOSide

const (
	SideSrc = rebuildtypes.SideSrc
	SideDst = rebuildtypes.SideDst
)

// Error is the structured error type returned across the engine's public
// surface. Use errors.Is/errors.As with a Code to inspect it.
type Error = rebuildtypes.Error

// IsCode reports whether err is a *Error carrying code.
func IsCode(err error, code Code) bool { return rebuildtypes.IsCode(err, code) }
