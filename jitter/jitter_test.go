package jitter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestAddThenRemoveFirst(t *testing.T) {
	b := New(1000, 10)
	for i, n := range []int{100, 200, 150} {
		if err := b.Add(pattern(n, byte(i*50))); err != nil {
			t.Fatal(err)
		}
	}

	if b.Size() != 450 {
		t.Fatalf("got size %d, want 450", b.Size())
	}
	lengths, err := b.Lengths()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lengths, []int{100, 200, 150}) {
		t.Fatalf("got %v, want [100 200 150]", lengths)
	}

	before := append([]byte(nil), b.arena[100:300]...)
	if err := b.RemoveFirst(); err != nil {
		t.Fatal(err)
	}

	if b.Size() != 350 {
		t.Fatalf("got size %d, want 350", b.Size())
	}
	lengths, _ = b.Lengths()
	if !reflect.DeepEqual(lengths, []int{200, 150}) {
		t.Fatalf("got %v, want [200 150]", lengths)
	}
	if !bytes.Equal(b.arena[:200], before) {
		t.Fatalf("arena not shifted down")
	}
	if b.Count() != 2 {
		t.Fatalf("got count %d, want 2", b.Count())
	}
}

func TestPopReturnsHead(t *testing.T) {
	b := New(100, 4)
	b.Add([]byte("first"))
	b.Add([]byte("second"))

	got, err := b.Pop(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Fatalf("got %q, want first", got)
	}
	got, _ = b.Pop(got)
	if string(got) != "second" {
		t.Fatalf("got %q, want second", got)
	}
	if _, err := b.Pop(got); !errors.Is(err, ErrEmpty) {
		t.Fatalf("got %v, want %v", err, ErrEmpty)
	}
	if err := b.RemoveFirst(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("got %v, want %v", err, ErrEmpty)
	}
}

func TestBounds(t *testing.T) {
	b := New(10, 2)
	if err := b.Add(make([]byte, 11)); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("got %v, want %v", err, ErrNoSpace)
	}
	if err := b.Add(make([]byte, 6)); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(make([]byte, 5)); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("got %v, want %v", err, ErrNoSpace)
	}
	if err := b.Add(make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want %v", err, ErrQueueFull)
	}
	if b.Size() != 10 || b.Count() != 2 || b.Capacity() != 10 {
		t.Fatalf("got size %d count %d capacity %d", b.Size(), b.Count(), b.Capacity())
	}
}

func TestLockTimeout(t *testing.T) {
	b := New(100, 4, WithRetries(5, 0))
	b.Add([]byte("kept"))

	b.lock.v.Store(1)
	if err := b.Add([]byte("dropped")); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want %v", err, ErrLockTimeout)
	}
	if err := b.RemoveFirst(); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want %v", err, ErrLockTimeout)
	}
	if _, err := b.Lengths(); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want %v", err, ErrLockTimeout)
	}
	b.lock.unlock()

	if b.Count() != 1 || b.Size() != 4 {
		t.Fatalf("buffer changed while locked: count %d size %d", b.Count(), b.Size())
	}
}

func TestConcurrentOrder(t *testing.T) {
	const frames = 2000
	b := New(64*1024, 64, WithRetries(100000, 0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p := make([]byte, 8)
		for i := 0; i < frames; {
			binary.BigEndian.PutUint64(p, uint64(i))
			if err := b.Add(p); err != nil {
				continue
			}
			i++
		}
	}()

	var frame []byte
	var err error
	for next := uint64(0); next < frames; {
		frame, err = b.Pop(frame)
		if err != nil {
			continue
		}
		if got := binary.BigEndian.Uint64(frame); got != next {
			t.Fatalf("got frame %d, want %d", got, next)
		}
		next++
	}
	wg.Wait()
}

type sink struct {
	frames [][]byte
	err    error
}

func (s *sink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	return len(p), nil
}

func logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPacerWatermarks(t *testing.T) {
	b := New(1000, 20)
	out := &sink{}
	p, err := NewPacer(logger(), b, out, 10, 2, 4)
	if err != nil {
		t.Fatal(err)
	}

	b.Add([]byte{0})
	if err := p.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(out.frames) != 0 {
		t.Fatalf("wrote below the low watermark")
	}

	b.Add([]byte{1})
	p.Tick()
	if len(out.frames) != 1 || b.Count() != 1 {
		t.Fatalf("got %d written, %d queued; want 1, 1", len(out.frames), b.Count())
	}

	for i := 2; i < 7; i++ {
		b.Add([]byte{byte(i)})
	}
	p.Tick()
	if len(out.frames) != 5 || b.Count() != 2 {
		t.Fatalf("got %d written, %d queued; want 5, 2", len(out.frames), b.Count())
	}
	for i, f := range out.frames {
		if f[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
}

func TestPacerRebuffersBelowLow(t *testing.T) {
	b := New(1000, 20)
	out := &sink{}
	p, err := NewPacer(logger(), b, out, 10, 2, 4)
	if err != nil {
		t.Fatal(err)
	}

	b.Add([]byte{0})
	b.Add([]byte{1})
	p.Tick()
	if len(out.frames) != 1 || b.Count() != 1 {
		t.Fatalf("got %d written, %d queued; want 1, 1", len(out.frames), b.Count())
	}

	// Playback already started, an underrun still waits for low again.
	p.Tick()
	if len(out.frames) != 1 {
		t.Fatalf("wrote %d frames while rebuffering", len(out.frames))
	}

	b.Add([]byte{2})
	p.Tick()
	if len(out.frames) != 2 || out.frames[1][0] != 1 {
		t.Fatalf("got %v after refilling", out.frames)
	}
}

func TestPacerSkipsOnLockFailure(t *testing.T) {
	b := New(100, 4, WithRetries(2, 0))
	out := &sink{}
	p, _ := NewPacer(logger(), b, out, 10, 1, 2)
	b.Add([]byte("x"))

	b.lock.v.Store(1)
	if err := p.Tick(); err != nil {
		t.Fatal(err)
	}
	b.lock.unlock()

	if _, skipped := p.Stats(); skipped != 1 {
		t.Fatalf("got %d skipped, want 1", skipped)
	}
	if len(out.frames) != 0 || b.Count() != 1 {
		t.Fatalf("frame lost on skipped cycle")
	}
	p.Tick()
	if written, _ := p.Stats(); written != 1 {
		t.Fatalf("got %d written, want 1", written)
	}
}

func TestPacerFlushOnDone(t *testing.T) {
	b := New(100, 10)
	out := &sink{}
	p, _ := NewPacer(logger(), b, out, 5, 3, 8)
	for i := 0; i < 5; i++ {
		b.Add([]byte{byte(i)})
	}

	done := make(chan struct{})
	close(done)
	if err := p.Run(context.Background(), done); err != nil {
		t.Fatal(err)
	}
	if len(out.frames) != 5 || b.Count() != 0 {
		t.Fatalf("got %d written, %d queued", len(out.frames), b.Count())
	}
}

func TestPacerSinkError(t *testing.T) {
	b := New(100, 10)
	boom := errors.New("boom")
	p, _ := NewPacer(logger(), b, &sink{err: boom}, 30, 1, 2)
	b.Add([]byte{1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Run(ctx, nil); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestNewPacerValidation(t *testing.T) {
	cases := []struct {
		rate, low, high int
	}{
		{0, 1, 2},
		{10, 0, 2},
		{10, 3, 3},
	}
	for _, c := range cases {
		if _, err := NewPacer(logger(), New(1, 1), io.Discard, c.rate, c.low, c.high); err == nil {
			t.Fatalf("accepted %+v", c)
		}
	}
}
