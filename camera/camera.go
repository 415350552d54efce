// Package camera opens YUYV capture devices, either through the v4l2
// package or through github.com/blackjack/webcam.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frizinak/camstream/v4l2"
)

// ErrTimeout is returned by Wait when no frame became ready in time.
var ErrTimeout = errors.New("camera: no frame ready")

// Frame is a dequeued capture buffer. Data is only valid until the frame is
// queued back.
type Frame struct {
	Index int
	Data  []byte
}

type Options struct {
	Width     int
	Height    int
	FrameRate int
	Buffers   int
}

// MinBuffers is the least number of capture buffers streaming works with.
const MinBuffers = 2

const (
	BackendV4L2   = "v4l2"
	BackendWebcam = "webcam"
)

// Device is a camera driven directly through the v4l2 buffer queue.
type Device struct {
	l      *slog.Logger
	dev    *v4l2.Device
	set    *v4l2.BufferSet
	format v4l2.Format
}

func Open(l *slog.Logger, path string, o Options) (*Device, error) {
	dev, err := v4l2.Open(path, v4l2.RoleCapture)
	if err != nil {
		return nil, err
	}
	return New(l, dev, o)
}

// New negotiates the format on an opened capture device, queues every
// buffer and starts streaming. dev is closed when that fails.
func New(l *slog.Logger, dev *v4l2.Device, o Options) (*Device, error) {
	d := &Device{l: l, dev: dev}
	if err := d.setup(o); err != nil {
		dev.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) setup(o Options) error {
	f, err := d.dev.NegotiateFormat(v4l2.QueueCapture, v4l2.Format{
		Width:       o.Width,
		Height:      o.Height,
		PixelFormat: v4l2.PixelFormatYUYV,
		Field:       v4l2.FieldNone,
	})
	if err != nil {
		return err
	}
	if err := checkPacked(f); err != nil {
		return err
	}
	d.format = f
	if f.Width != o.Width || f.Height != o.Height {
		d.l.Warn("camera adjusted resolution", "want", fmt.Sprintf("%dx%d", o.Width, o.Height), "got", f.String())
	}

	if err := d.dev.SetFrameRate(v4l2.QueueCapture, o.FrameRate); err != nil {
		d.l.Warn("camera frame rate not applied", "fps", o.FrameRate, "err", err)
	}

	set, err := d.dev.AllocateBuffers(v4l2.QueueCapture, o.Buffers)
	if err != nil {
		return err
	}
	if set.Len() < MinBuffers {
		return fmt.Errorf("camera: %d capture buffers granted, need %d", set.Len(), MinBuffers)
	}
	d.set = set

	for i := 0; i < set.Len(); i++ {
		if err := d.dev.Enqueue(v4l2.QueueCapture, i, 0); err != nil {
			return err
		}
	}

	if err := d.dev.SetStreaming(v4l2.QueueCapture, true); err != nil {
		return err
	}

	c := d.dev.Capability()
	d.l.Debug(
		"camera streaming",
		"path", d.dev.Path(),
		"card", c.Card,
		"driver", c.Driver,
		"format", f.String(),
		"buffers", set.Len(),
	)
	return nil
}

// checkPacked makes sure lines carry no padding, the converter expects
// exactly width*2 bytes per line.
func checkPacked(f v4l2.Format) error {
	if f.BytesPerLine != 0 && f.BytesPerLine != f.Width*2 {
		return fmt.Errorf("camera: %w: stride %d for width %d", v4l2.ErrUnsupportedFormat, f.BytesPerLine, f.Width)
	}
	if f.SizeImage != 0 && f.SizeImage < f.Width*f.Height*2 {
		return fmt.Errorf("camera: %w: image size %d for %dx%d", v4l2.ErrUnsupportedFormat, f.SizeImage, f.Width, f.Height)
	}
	return nil
}

func (d *Device) Format() v4l2.Format { return d.format }

func (d *Device) Wait(timeout time.Duration) error {
	ok, err := d.dev.Wait(v4l2.QueueCapture, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}

func (d *Device) Dequeue() (Frame, error) {
	dq, err := d.dev.Dequeue(v4l2.QueueCapture)
	if err != nil {
		return Frame{}, err
	}
	if dq.Flags&v4l2.FlagError != 0 {
		d.l.Debug("capture buffer flagged corrupt", "index", dq.Index, "sequence", dq.Sequence)
	}
	return Frame{Index: dq.Index, Data: d.set.Buffer(dq.Index).Bytes()}, nil
}

func (d *Device) Queue(index int) error {
	return d.dev.Enqueue(v4l2.QueueCapture, index, 0)
}

func (d *Device) Close() error { return d.dev.Close() }
