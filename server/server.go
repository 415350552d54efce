// Package server streams H.264 from a camera and a hardware encoder to one
// client at a time.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/frizinak/camstream/convert"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/protocol"
	"github.com/google/uuid"
)

type Options struct {
	// Params are offered to clients until they ask for something else.
	Params protocol.Params
	// FrameCount ends a session after that many frames, 0 streams until the
	// client leaves.
	FrameCount int

	HandshakeTimeout time.Duration
	ReadyTimeout     time.Duration
	WriteTimeout     time.Duration

	Convert convert.Func
}

func (o Options) withDefaults() Options {
	if o.Params == (protocol.Params{}) {
		o.Params = protocol.Params{Width: 800, Height: 600, FrameRate: 10}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 2 * time.Second
	}
	if o.WriteTimeout < 0 {
		o.WriteTimeout = 0
	}
	if o.Convert == nil {
		o.Convert = convert.YUYVToNV12Chunked
	}
	return o
}

type Server struct {
	l       *slog.Logger
	addr    string
	devices Devices
	o       Options
	meter   *meter
}

func New(l *slog.Logger, addr string, devices Devices, o Options) *Server {
	l = logging.WithComponent(l, "server")
	return &Server{
		l:       l,
		addr:    addr,
		devices: devices,
		o:       o.withDefaults(),
		meter:   newMeter(l),
	}
}

func (s *Server) connErr(l *slog.Logger, err error) {
	if errors.Is(err, protocol.ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		l.Info("session closed", "reason", err)
		return
	}
	l.Error("session failed", "err", err)
}

// Listen accepts clients on the configured address until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs sessions for connections accepted on ln, one at a time. A failed
// session is logged and the next client is accepted.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
	}()

	s.l.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.l.Warn("accept", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		id := uuid.NewString()
		l := s.l.With("session", id, "peer", conn.RemoteAddr().String())
		if err := s.serve(ctx, l, conn); err != nil {
			s.connErr(l, err)
		}
	}
}

// ServeConn runs a single session on c and closes it.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) error {
	return s.serve(ctx, s.l.With("session", uuid.NewString()), c)
}

func (s *Server) serve(ctx context.Context, l *slog.Logger, c net.Conn) error {
	defer c.Close()
	l.Info("new client")

	params, err := protocol.HandshakeServer(c, s.o.Params, s.o.HandshakeTimeout)
	if err != nil {
		return err
	}
	l.Info("handshake done", "params", params.String())

	cam, enc, err := s.devices.Open(ctx, params)
	if err != nil {
		return fmt.Errorf("open devices: %w", err)
	}
	defer func() {
		if err := enc.Close(); err != nil {
			l.Warn("close encoder", "err", err)
		}
		if err := cam.Close(); err != nil {
			l.Warn("close camera", "err", err)
		}
	}()

	sess := &session{
		l:     l,
		c:     c,
		o:     s.o,
		p:     newPipeline(l, cam, enc, s.o.Convert),
		meter: s.meter,
	}
	return sess.stream(ctx)
}
