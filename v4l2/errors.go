package v4l2

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("device not found")
	ErrNotAVideoDevice          = errors.New("not a video device")
	ErrInsufficientCapabilities = errors.New("insufficient device capabilities")
	ErrUnsupportedFormat        = errors.New("unsupported format")
	ErrAllocationFailed         = errors.New("buffer allocation failed")
	ErrMapFailed                = errors.New("buffer map failed")
	ErrStreamChangeFailed       = errors.New("stream change failed")
	ErrInvalidIndex             = errors.New("invalid buffer index")
	ErrEnqueueFailed            = errors.New("enqueue failed")
	ErrDequeueFailed            = errors.New("dequeue failed")
	ErrWouldBlock               = errors.New("would block")
	ErrControlFailed            = errors.New("control rejected")
	ErrParamFailed              = errors.New("stream parameter rejected")
	ErrClosed                   = errors.New("device closed")

	errNotStreaming  = errors.New("queue is not streaming")
	errNoBuffers     = errors.New("no buffers allocated")
	errAlreadyQueued = errors.New("buffer already queued")
	errIndexRange    = errors.New("driver returned out of range index")
	errBusy          = errors.New("queue is streaming")
)

// OpError is returned by every Device operation. Kind is one of the
// package level sentinels, Err the underlying cause (usually an errno).
type OpError struct {
	Op    string
	Path  string
	Queue Queue
	Kind  error
	Err   error
}

func (e *OpError) Error() string {
	s := "v4l2: " + e.Op
	if e.Queue != 0 {
		s += " " + e.Queue.String()
	}
	if e.Path != "" {
		s += " " + e.Path
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (d *Device) fail(op string, q Queue, kind, err error) error {
	return &OpError{Op: op, Path: d.path, Queue: q, Kind: kind, Err: err}
}

func (d *Device) failf(op string, q Queue, kind error, format string, args ...interface{}) error {
	return d.fail(op, q, kind, fmt.Errorf(format, args...))
}
