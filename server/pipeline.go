package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/frizinak/camstream/convert"
)

// Step names a stage of the frame step.
type Step string

const (
	StepCameraDequeue  Step = "camera dequeue"
	StepConvert        Step = "convert"
	StepEncoderEnqueue Step = "encoder enqueue"
	StepCameraRequeue  Step = "camera requeue"
	StepEncoderDequeue Step = "encoder dequeue"
	StepSend           Step = "send"
	StepEncoderRelease Step = "encoder release"
)

// StepError is a failure in one stage of the frame step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ErrEndOfStream is returned by a step when the encoder signalled the last
// buffer.
var ErrEndOfStream = errors.New("server: encoder end of stream")

var errNoFreeInput = errors.New("no free encoder input buffer")

type pipeline struct {
	l       *slog.Logger
	cam     Camera
	enc     Encoder
	convert convert.Func

	width, height int
	free          []int
	frames        uint64
}

func newPipeline(l *slog.Logger, cam Camera, enc Encoder, conv convert.Func) *pipeline {
	f := cam.Format()
	p := &pipeline{
		l:       l,
		cam:     cam,
		enc:     enc,
		convert: conv,
		width:   f.Width,
		height:  f.Height,
	}
	for i := 0; i < enc.InputCount(); i++ {
		p.free = append(p.free, i)
	}
	return p
}

func fail(s Step, err error) error { return &StepError{Step: s, Err: err} }

// step moves one frame from the camera through the encoder into emit.
func (p *pipeline) step(emit func([]byte) error) error {
	frame, err := p.cam.Dequeue()
	if err != nil {
		return fail(StepCameraDequeue, err)
	}

	if len(p.free) == 0 {
		return fail(StepConvert, errNoFreeInput)
	}
	in := p.free[len(p.free)-1]
	src := frame.Data
	if size := convert.YUYVSize(p.width, p.height); len(src) > size {
		src = src[:size]
	}
	if err := p.convert(p.enc.Input(in), src, p.width, p.height); err != nil {
		return fail(StepConvert, err)
	}

	if err := p.enc.QueueInput(in, convert.NV12Size(p.width, p.height)); err != nil {
		return fail(StepEncoderEnqueue, err)
	}
	p.free = p.free[:len(p.free)-1]

	if err := p.cam.Queue(frame.Index); err != nil {
		return fail(StepCameraRequeue, err)
	}

	res, err := p.enc.DequeueResult()
	if err != nil {
		return fail(StepEncoderDequeue, err)
	}
	if res.EOS {
		return ErrEndOfStream
	}

	if err := emit(res.Data); err != nil {
		return fail(StepSend, err)
	}

	idx, err := p.enc.DequeueInput()
	if err != nil {
		return fail(StepEncoderRelease, err)
	}
	p.free = append(p.free, idx)
	if err := p.enc.QueueResult(res.Index); err != nil {
		return fail(StepEncoderRelease, err)
	}

	p.frames++
	return nil
}

// budget counts down the frames of a session. An unbounded session keeps
// re-arming a small window.
type budget struct {
	left   int
	rearm  bool
	rearms int
}

const rearmWindow = 10

func newBudget(frames int) *budget {
	if frames <= 0 {
		return &budget{left: rearmWindow, rearm: true}
	}
	return &budget{left: frames}
}

func (b *budget) next() bool {
	if b.left == 0 {
		if !b.rearm {
			return false
		}
		b.left = rearmWindow
		b.rearms++
	}
	b.left--
	return true
}
