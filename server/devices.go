package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frizinak/camstream/camera"
	"github.com/frizinak/camstream/encoder"
	"github.com/frizinak/camstream/protocol"
	"github.com/frizinak/camstream/v4l2"
)

// Camera is a streaming YUYV capture device.
type Camera interface {
	Format() v4l2.Format
	Wait(timeout time.Duration) error
	Dequeue() (camera.Frame, error)
	Queue(index int) error
	Close() error
}

// Encoder is a streaming NV12 to H.264 encoder.
type Encoder interface {
	InputCount() int
	Input(index int) []byte
	QueueInput(index, bytesUsed int) error
	DequeueInput() (int, error)
	DequeueResult() (encoder.Result, error)
	QueueResult(index int) error
	Close() error
}

// Devices opens a streaming camera and encoder pair for one session.
type Devices interface {
	Open(ctx context.Context, p protocol.Params) (Camera, Encoder, error)
}

type HardwareConfig struct {
	Camera        string
	Encoder       string
	Backend       string
	CameraBuffers int
	InputBuffers  int
	ResultBuffers int
	Bitrate       int
	Timeout       time.Duration
}

// Hardware opens the configured V4L2 devices.
type Hardware struct {
	l *slog.Logger
	c HardwareConfig
}

func NewHardware(l *slog.Logger, c HardwareConfig) *Hardware {
	return &Hardware{l: l, c: c}
}

func (h *Hardware) Open(ctx context.Context, p protocol.Params) (Camera, Encoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cam, err := h.openCamera(p)
	if err != nil {
		return nil, nil, fmt.Errorf("camera %s: %w", h.c.Camera, err)
	}

	f := cam.Format()
	enc, err := encoder.Open(h.l, h.c.Encoder, encoder.Options{
		Width:         f.Width,
		Height:        f.Height,
		FrameRate:     p.FrameRate,
		InputBuffers:  h.c.InputBuffers,
		ResultBuffers: h.c.ResultBuffers,
		Controls:      encoder.DefaultControls(h.c.Bitrate),
		Timeout:       h.c.Timeout,
	})
	if err != nil {
		cam.Close()
		return nil, nil, fmt.Errorf("encoder %s: %w", h.c.Encoder, err)
	}

	h.l.Info(
		"devices open",
		"camera", h.c.Camera,
		"encoder", h.c.Encoder,
		"format", f.String(),
		"input", enc.InputFormat().String(),
		"result", enc.ResultFormat().String(),
	)
	return cam, enc, nil
}

func (h *Hardware) openCamera(p protocol.Params) (Camera, error) {
	o := camera.Options{
		Width:     p.Width,
		Height:    p.Height,
		FrameRate: p.FrameRate,
		Buffers:   h.c.CameraBuffers,
	}
	switch h.c.Backend {
	case camera.BackendWebcam:
		return camera.OpenWebcam(h.l, h.c.Camera, o)
	case camera.BackendV4L2, "":
		return camera.Open(h.l, h.c.Camera, o)
	}
	return nil, fmt.Errorf("unknown camera backend %q", h.c.Backend)
}
