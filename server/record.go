package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/frizinak/camstream/camera"
	"github.com/frizinak/camstream/logging"
)

// Record runs the frame step without a client and writes the raw H.264
// stream to w until the frame count is reached, the encoder ends the stream
// or ctx is done.
func Record(ctx context.Context, l *slog.Logger, devices Devices, o Options, w io.Writer) error {
	o = o.withDefaults()
	l = logging.WithComponent(l, "record")

	cam, enc, err := devices.Open(ctx, o.Params)
	if err != nil {
		return fmt.Errorf("open devices: %w", err)
	}
	defer enc.Close()
	defer cam.Close()

	p := newPipeline(l, cam, enc, o.Convert)
	m := newMeter(l)
	emit := func(data []byte) error {
		cw := &countWriter{w: w}
		if _, err := cw.Write(data); err != nil {
			return err
		}
		m.addBytes(cw.n)
		return nil
	}

	b := newBudget(o.FrameCount)
	for b.next() {
		if err := ctx.Err(); err != nil {
			l.Info("recording stopped", "frames", p.frames)
			return nil
		}

		if err := cam.Wait(o.ReadyTimeout); err != nil {
			if errors.Is(err, camera.ErrTimeout) {
				return fmt.Errorf("%w after %s", ErrReadinessTimeout, o.ReadyTimeout)
			}
			return fmt.Errorf("camera wait: %w", err)
		}

		if err := p.step(emit); err != nil {
			if errors.Is(err, ErrEndOfStream) {
				break
			}
			return err
		}
	}

	bps, fps := m.rate()
	l.Info("recording done", "frames", p.frames, "kBps", int(bps/1024), "fps", int(fps+0.5))
	return nil
}
