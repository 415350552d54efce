package jitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Pacer writes frames from a Buffer to a sink once every frame interval.
//
// A frame is written on a tick only while at least Low frames are queued.
// When more than High frames are queued the pacer catches up by writing
// frames until Low remain.
type Pacer struct {
	l        *slog.Logger
	buf      *Buffer
	w        io.Writer
	interval time.Duration
	low      int
	high     int

	scratch []byte
	written uint64
	skipped uint64
}

func NewPacer(l *slog.Logger, buf *Buffer, w io.Writer, frameRate, low, high int) (*Pacer, error) {
	if frameRate <= 0 {
		return nil, fmt.Errorf("jitter: invalid frame rate %d", frameRate)
	}
	if low < 1 || high <= low {
		return nil, fmt.Errorf("jitter: invalid watermarks low=%d high=%d", low, high)
	}
	return &Pacer{
		l:        l,
		buf:      buf,
		w:        w,
		interval: time.Second / time.Duration(frameRate),
		low:      low,
		high:     high,
	}, nil
}

// Run paces until ctx is cancelled, or until done is closed, in which case
// the remaining frames are flushed first. Only sink errors are returned.
func (p *Pacer) Run(ctx context.Context, done <-chan struct{}) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return p.Flush()
		case <-t.C:
			if err := p.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick runs one pacing cycle.
func (p *Pacer) Tick() error {
	if p.buf.Count() < p.low {
		return nil
	}
	if ok, err := p.emit(); !ok || err != nil {
		return err
	}

	if p.buf.Count() <= p.high {
		return nil
	}
	drained := 0
	for p.buf.Count() > p.low {
		ok, err := p.emit()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		drained++
	}
	p.l.Debug("drained above high watermark", "frames", drained, "queued", p.buf.Count())
	return nil
}

// Flush writes every queued frame.
func (p *Pacer) Flush() error {
	for p.buf.Count() > 0 {
		ok, err := p.emit()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func (p *Pacer) emit() (bool, error) {
	frame, err := p.buf.Pop(p.scratch)
	p.scratch = frame
	switch {
	case errors.Is(err, ErrLockTimeout):
		p.skipped++
		p.l.Warn("skipping cycle", "err", err)
		return false, nil
	case errors.Is(err, ErrEmpty):
		return false, nil
	case err != nil:
		return false, err
	}

	if _, err := p.w.Write(frame); err != nil {
		return false, fmt.Errorf("jitter: write frame: %w", err)
	}
	p.written++
	return true, nil
}

// Stats returns the number of frames written and of cycles skipped on lock
// contention.
func (p *Pacer) Stats() (written, skipped uint64) { return p.written, p.skipped }
