package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/frizinak/camstream/camera"
	"github.com/frizinak/camstream/protocol"
)

// ErrReadinessTimeout is returned when neither the peer nor the devices
// produced anything within the readiness timeout.
var ErrReadinessTimeout = errors.New("server: readiness timeout")

const maxWaitSlice = 100 * time.Millisecond

type peerEvent struct {
	m   *protocol.Message
	err error
}

type session struct {
	l     *slog.Logger
	c     net.Conn
	o     Options
	p     *pipeline
	meter *meter
}

func (s *session) stream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	peer := make(chan peerEvent, 1)
	go s.readPeer(ctx, peer)

	ready := make(chan error)
	ack := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(ctx, s.p.cam, waitSlice(s.o.ReadyTimeout), ready, ack)
	}()

	timer := time.NewTimer(s.o.ReadyTimeout)
	defer timer.Stop()

	b := newBudget(s.o.FrameCount)
	for b.next() {
		select {
		case ev := <-peer:
			return s.peer(ev)

		case err := <-ready:
			if err != nil {
				return fmt.Errorf("camera wait: %w", err)
			}
			if err := s.p.step(s.send); err != nil {
				if errors.Is(err, ErrEndOfStream) {
					s.l.Info("encoder reached end of stream", "frames", s.p.frames)
					return nil
				}
				return err
			}
			select {
			case ack <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrReadinessTimeout, s.o.ReadyTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.o.ReadyTimeout)
	}

	bps, fps := s.meter.rate()
	s.l.Info("frame count reached", "frames", s.p.frames, "kBps", int(bps/1024), "fps", int(fps+0.5))
	return nil
}

// peer handles anything the client sent while streaming. Only STOP and a
// disconnect are allowed, both end the session.
func (s *session) peer(ev peerEvent) error {
	if ev.err != nil {
		if errors.Is(ev.err, protocol.ErrConnectionClosed) {
			s.l.Info("peer disconnected", "frames", s.p.frames)
			return nil
		}
		return fmt.Errorf("peer: %w", ev.err)
	}

	if ev.m.Command != protocol.CmdStop {
		return &protocol.ViolationError{State: protocol.StateStreaming, Got: ev.m.Command}
	}

	s.l.Info("peer stopped", "frames", s.p.frames)
	err := s.write(&protocol.Message{Command: protocol.CmdStop, Status: protocol.StatusOK})
	if err != nil {
		s.l.Debug("stop reply", "err", err)
	}
	return nil
}

func (s *session) readPeer(ctx context.Context, peer chan<- peerEvent) {
	r := protocol.NewReader(s.c, nil)
	for {
		m, err := r.Read(0)
		select {
		case peer <- peerEvent{m: m, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) send(data []byte) error {
	return s.write(&protocol.Message{Command: protocol.CmdData, Status: protocol.StatusOK, Payload: data})
}

func (s *session) write(m *protocol.Message) error {
	if s.o.WriteTimeout > 0 {
		if err := s.c.SetWriteDeadline(time.Now().Add(s.o.WriteTimeout)); err != nil {
			return err
		}
	}

	w := &countWriter{w: s.c}
	if err := protocol.WriteMessage(w, m); err != nil {
		return err
	}
	if m.Command == protocol.CmdData {
		s.meter.addBytes(w.n)
	}
	return nil
}

// watch reports camera readiness on ready and waits for ack before polling
// again, so the device is never touched by two goroutines at once.
func watch(ctx context.Context, cam Camera, slice time.Duration, ready chan<- error, ack <-chan struct{}) {
	for {
		err := cam.Wait(slice)
		if errors.Is(err, camera.ErrTimeout) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case ready <- err:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		select {
		case <-ack:
		case <-ctx.Done():
			return
		}
	}
}

func waitSlice(timeout time.Duration) time.Duration {
	if timeout > 0 && timeout < maxWaitSlice {
		return timeout
	}
	return maxWaitSlice
}
