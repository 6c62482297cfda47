package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/usbms"
)

// Kind is the closed set of transport failures a caller can observe.
type Kind uint8

const (
	// PipeStall is an endpoint halt that survived the recovery budget.
	PipeStall Kind = iota
	// ResourceBusy means the OS would not let us at the device.
	ResourceBusy
	// Timeout is a transfer that exceeded its stage timeout and the retry
	// budget.
	Timeout
	// TagMismatch is a CSW tag rejected by the current phase's policy.
	TagMismatch
	// InvalidCSW is a status wrapper with a bad signature or length, after
	// the one permitted re-read.
	InvalidCSW
	// DeviceGone means the device left the bus; the handle is poisoned.
	DeviceGone
	// ScsiFailure is a CSW status other than 0, in a phase that does not
	// accept those.
	ScsiFailure
	// Cancelled means the caller's context ended the operation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case PipeStall:
		return "pipe stall"
	case ResourceBusy:
		return "resource busy"
	case Timeout:
		return "timeout"
	case TagMismatch:
		return "tag mismatch"
	case InvalidCSW:
		return "invalid CSW"
	case DeviceGone:
		return "device gone"
	case ScsiFailure:
		return "SCSI failure"
	case Cancelled:
		return "cancelled"
	}
	return "INVL"
}

// Error carries the failure kind plus the context needed to diagnose the
// quirky lifecycle: which phase the device was believed to be in, which tag
// the command used, how long the phase had been running, and how many
// attempts were made.
type Error struct {
	Kind    Kind
	Phase   lifecycle.Phase
	Tag     uint32
	Elapsed time.Duration
	Attempt int
	// Status is the CSW status byte for ScsiFailure errors.
	Status usbms.Status
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v (phase %v, tag %d, attempt %d)", e.Kind, e.Phase, e.Tag, e.Attempt+1)
	if e.Kind == ScsiFailure {
		msg = fmt.Sprintf("%s: status %v", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the transport error kind, if err is or wraps one.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a transport error of the given kind.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// ErrClosed is returned by operations on a transport after Close.
var ErrClosed = errors.New("transport is closed")
