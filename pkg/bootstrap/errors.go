package bootstrap

import (
	"context"
	"errors"
	"fmt"
)

// Class separates errors that end a run from errors worth retrying.
type Class int

const (
	ClassFatal Class = iota
	ClassRetryable
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRetryable:
		return "retryable"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Reason classifies why a phase failed.
type Reason string

const (
	ReasonProvisioningFailed Reason = "infrastructure provisioning failed"
	ReasonTimeout            Reason = "timeout"
	ReasonUnreachable        Reason = "cluster unreachable"
	ReasonPermissionDenied   Reason = "permission denied"
	ReasonRoleFailed         Reason = "identity role provisioning failed"
	ReasonInvalidRequest     Reason = "invalid request"
	ReasonThrottled          Reason = "throttled"
)

// Error is a classified bootstrap error.
type Error struct {
	Class  Class
	Reason Reason
	Phase  State
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.prefix()
	}
	// A wrapped classified error already names this reason.
	var inner *Error
	if errors.As(e.Err, &inner) && inner.Reason == e.Reason {
		if e.Phase == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.prefix(), e.Err)
}

func (e *Error) prefix() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s", e.Phase, e.Reason)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal wraps err as a fatal error with the given reason.
func Fatal(reason Reason, err error) error {
	return &Error{Class: ClassFatal, Reason: reason, Err: err}
}

// Retryable wraps err as a retryable error with the given reason.
func Retryable(reason Reason, err error) error {
	return &Error{Class: ClassRetryable, Reason: reason, Err: err}
}

// IsFatal reports whether err is a classified fatal error.
func IsFatal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Class == ClassFatal
}

// IsRetryable reports whether err is a classified retryable error.
func IsRetryable(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Class == ClassRetryable
}

// ReasonOf returns the reason attached to err, or "" if it is unclassified.
func ReasonOf(err error) Reason {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	return ""
}

// PhaseOf returns the phase attached to err, or "" if none was recorded.
func PhaseOf(err error) State {
	var be *Error
	if errors.As(err, &be) {
		return be.Phase
	}
	return ""
}

// fatalIn classifies err as fatal for phase. Deadline expiry always becomes a
// timeout. Other fatal errors keep their reason and anything else gets
// fallback. Context wrapped around a classified error is kept.
func fatalIn(phase State, fallback Reason, err error) error {
	reason := fallback
	var be *Error
	if errors.As(err, &be) && be.Class == ClassFatal {
		reason = be.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}

	if direct, ok := err.(*Error); ok && direct.Class == ClassFatal && direct.Reason == reason {
		if direct.Phase != "" {
			return err
		}
		cp := *direct
		cp.Phase = phase
		return &cp
	}
	return &Error{Class: ClassFatal, Reason: reason, Phase: phase, Err: err}
}
