// Package rebuildtypes holds the data shapes shared between the root
// rebuild package and internal/backendloop: state, stats, history, and the
// structured error type. It exists so the scheduler package can construct
// and return these values without importing the root package (which itself
// imports the scheduler), mirroring how the teacher keeps errors.go and
// metrics.go at package scope rather than nested under internal/.
package rebuildtypes

import (
	"errors"
	"fmt"
)

// Code is a high-level rebuild error category, per spec.md section 7.
type Code string

const (
	CodeNoSuchDevice           Code = "no such device"
	CodeNoBdevHandle           Code = "no bdev handle"
	CodeIOError                Code = "io error"
	CodeRangeLockFailed        Code = "range lock failed"
	CodeBadRange               Code = "bad range"
	CodeAlreadyExists          Code = "already exists"
	CodeInvalidStateTransition Code = "invalid state transition"
)

// IOSide identifies which device an IoError occurred against.
type IOSide string

const (
	SideSrc IOSide = "src"
	SideDst IOSide = "dst"
)

// Error is the structured error type returned across the rebuild engine's
// public surface, modeled on the teacher's errors.go *Error/Is/Unwrap/
// WrapError machinery.
type Error struct {
	Op     string
	JobID  string
	DstURI string
	Code   Code
	Side   IOSide // set only for CodeIOError
	Offset uint64
	Len    uint64
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.DstURI != "" {
		parts = append(parts, fmt.Sprintf("dst=%s", e.DstURI))
	}
	if e.Side != "" {
		parts = append(parts, fmt.Sprintf("side=%s offset=%d len=%d", e.Side, e.Offset, e.Len))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Inner != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Inner)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("rebuild: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("rebuild: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by Code, matching the teacher's pattern
// of comparing structured errors by category rather than identity.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok || te.Code == "" {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a structured *Error with no wrapped cause.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps inner with rebuild context, preserving an existing
// *Error's Code/Side if inner already carries one.
func WrapError(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	var existing *Error
	if errors.As(inner, &existing) {
		return &Error{
			Op:     op,
			JobID:  existing.JobID,
			DstURI: existing.DstURI,
			Code:   existing.Code,
			Side:   existing.Side,
			Offset: existing.Offset,
			Len:    existing.Len,
			Msg:    existing.Msg,
			Inner:  existing.Inner,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error carrying code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
