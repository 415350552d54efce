// Package encoder drives a V4L2 memory-to-memory H.264 encoder: NV12
// frames go in on the output queue, H.264 access units come out of the
// capture queue.
package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frizinak/camstream/convert"
	"github.com/frizinak/camstream/v4l2"
)

// ErrTimeout is returned when the encoder does not hand back a buffer in
// time.
var ErrTimeout = errors.New("encoder: timeout")

type Options struct {
	Width         int
	Height        int
	FrameRate     int
	InputBuffers  int
	ResultBuffers int
	Controls      Controls
	Timeout       time.Duration
}

// Result is a dequeued capture buffer. EOS marks the end of the encoded
// stream, Data is empty then.
type Result struct {
	Index int
	Data  []byte
	EOS   bool
	Flags uint32
}

type M2M struct {
	l       *slog.Logger
	dev     *v4l2.Device
	in      *v4l2.BufferSet
	out     *v4l2.BufferSet
	inFmt   v4l2.Format
	outFmt  v4l2.Format
	timeout time.Duration
}

func Open(l *slog.Logger, path string, o Options) (*M2M, error) {
	dev, err := v4l2.Open(path, v4l2.RoleEncoder)
	if err != nil {
		return nil, err
	}
	return New(l, dev, o)
}

// New configures both queues of an opened encoder, queues every result
// buffer and starts streaming. dev is closed when that fails.
func New(l *slog.Logger, dev *v4l2.Device, o Options) (*M2M, error) {
	e := &M2M{l: l, dev: dev, timeout: o.Timeout}
	if e.timeout <= 0 {
		e.timeout = time.Second
	}
	if err := e.setup(o); err != nil {
		dev.Close()
		return nil, err
	}
	return e, nil
}

func (e *M2M) setup(o Options) error {
	var err error
	e.inFmt, err = e.dev.NegotiateFormat(v4l2.QueueOutput, v4l2.Format{
		Width:        o.Width,
		Height:       o.Height,
		PixelFormat:  v4l2.PixelFormatNV12,
		Field:        v4l2.FieldNone,
		BytesPerLine: o.Width,
		SizeImage:    convert.NV12Size(o.Width, o.Height),
	})
	if err != nil {
		return err
	}
	if e.inFmt.Width != o.Width || e.inFmt.Height != o.Height ||
		(e.inFmt.BytesPerLine != 0 && e.inFmt.BytesPerLine != o.Width) {
		return fmt.Errorf("encoder: %w: input negotiated as %s", v4l2.ErrUnsupportedFormat, e.inFmt)
	}

	e.outFmt, err = e.dev.NegotiateFormat(v4l2.QueueCapture, v4l2.Format{
		Width:       o.Width,
		Height:      o.Height,
		PixelFormat: v4l2.PixelFormatH264,
		SizeImage:   convert.NV12Size(o.Width, o.Height),
	})
	if err != nil {
		return err
	}

	if err := e.dev.SetFrameRate(v4l2.QueueOutput, o.FrameRate); err != nil {
		e.l.Warn("encoder frame rate not applied", "fps", o.FrameRate, "err", err)
	}
	o.Controls.apply(e.l, e.dev)

	if e.in, err = e.dev.AllocateBuffers(v4l2.QueueOutput, o.InputBuffers); err != nil {
		return err
	}
	for i := 0; i < e.in.Len(); i++ {
		if len(e.in.Buffer(i).Data) < convert.NV12Size(o.Width, o.Height) {
			return fmt.Errorf("encoder: input buffer %d is %d bytes", i, len(e.in.Buffer(i).Data))
		}
	}
	if e.out, err = e.dev.AllocateBuffers(v4l2.QueueCapture, o.ResultBuffers); err != nil {
		return err
	}
	for i := 0; i < e.out.Len(); i++ {
		if err := e.dev.Enqueue(v4l2.QueueCapture, i, 0); err != nil {
			return err
		}
	}

	if err := e.dev.SetStreaming(v4l2.QueueOutput, true); err != nil {
		return err
	}
	if err := e.dev.SetStreaming(v4l2.QueueCapture, true); err != nil {
		return err
	}

	c := e.dev.Capability()
	e.l.Debug(
		"encoder streaming",
		"path", e.dev.Path(),
		"card", c.Card,
		"driver", c.Driver,
		"inputs", e.in.Len(),
		"results", e.out.Len(),
	)
	return nil
}

func (e *M2M) InputFormat() v4l2.Format  { return e.inFmt }
func (e *M2M) ResultFormat() v4l2.Format { return e.outFmt }

func (e *M2M) InputCount() int { return e.in.Len() }

// Input returns the mapped memory of raw input buffer index.
func (e *M2M) Input(index int) []byte {
	b := e.in.Buffer(index)
	if b == nil {
		return nil
	}
	return b.Data
}

func (e *M2M) QueueInput(index, bytesUsed int) error {
	return e.dev.Enqueue(v4l2.QueueOutput, index, bytesUsed)
}

// DequeueInput waits for the encoder to release a consumed input buffer.
func (e *M2M) DequeueInput() (int, error) {
	dq, err := e.dequeue(v4l2.QueueOutput)
	if err != nil {
		return 0, err
	}
	return dq.Index, nil
}

// DequeueResult waits for the next encoded buffer.
func (e *M2M) DequeueResult() (Result, error) {
	dq, err := e.dequeue(v4l2.QueueCapture)
	if err != nil {
		return Result{}, err
	}
	if dq.EndOfStream() {
		return Result{Index: dq.Index, EOS: true, Flags: dq.Flags}, nil
	}
	return Result{Index: dq.Index, Data: e.out.Buffer(dq.Index).Bytes(), Flags: dq.Flags}, nil
}

func (e *M2M) QueueResult(index int) error {
	return e.dev.Enqueue(v4l2.QueueCapture, index, 0)
}

func (e *M2M) dequeue(q v4l2.Queue) (v4l2.Dequeued, error) {
	deadline := time.Now().Add(e.timeout)
	for {
		dq, err := e.dev.Dequeue(q)
		if !errors.Is(err, v4l2.ErrWouldBlock) {
			return dq, err
		}

		left := time.Until(deadline)
		if left <= 0 {
			return dq, fmt.Errorf("%w: %s queue after %s", ErrTimeout, q, e.timeout)
		}
		if _, err := e.dev.Wait(q, left); err != nil {
			return dq, err
		}
	}
}

func (e *M2M) Close() error { return e.dev.Close() }
