// Package client receives the H.264 stream from a camstream server and
// feeds it into a jitter buffer.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frizinak/camstream/jitter"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/protocol"
	"github.com/oxtoacart/bpool"
	"golang.org/x/sync/errgroup"
)

type Info int

const (
	InfoConnecting Info = iota
	InfoReconnecting
	InfoConnected
	InfoHandshakeFail
	InfoError
	InfoStopped
)

func (i Info) String() string {
	switch i {
	case InfoConnecting:
		return "connecting"
	case InfoReconnecting:
		return "reconnecting"
	case InfoConnected:
		return "connected"
	case InfoHandshakeFail:
		return "handshake failed"
	case InfoError:
		return "error"
	case InfoStopped:
		return "stopped"
	}
	return fmt.Sprintf("info(%d)", int(i))
}

type Options struct {
	Params           protocol.Params
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	Reconnect        bool
	ReconnectDelay   time.Duration
	WaitKeyframe     bool
	// PoolWidth is the size of pooled receive buffers, larger frames get a
	// fresh allocation.
	PoolWidth int
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.PoolWidth <= 0 {
		o.PoolWidth = 1 << 20
	}
	return o
}

type Client struct {
	l    *slog.Logger
	addr string
	o    Options
	buf  *jitter.Buffer
	pool *bpool.BytePool
	gate *keyframeGate
	info chan Info

	received atomic.Uint64
	dropped  atomic.Uint64
}

func New(l *slog.Logger, addr string, buf *jitter.Buffer, o Options) (*Client, <-chan Info) {
	o = o.withDefaults()
	c := &Client{
		l:    logging.WithComponent(l, "client"),
		addr: addr,
		o:    o,
		buf:  buf,
		pool: bpool.NewBytePool(4, o.PoolWidth),
		info: make(chan Info, 8),
	}
	if o.WaitKeyframe {
		c.gate = &keyframeGate{}
	}
	return c, c.info
}

func (c *Client) report(i Info) {
	select {
	case c.info <- i:
	default:
		c.l.Debug("info dropped", "info", i.String())
	}
}

func (c *Client) connErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrConnectionClosed):
		c.l.Info("server closed the connection")
		return nil
	case errors.Is(err, protocol.ErrRejected), errors.Is(err, protocol.ErrUnexpectedCommand):
		c.report(InfoHandshakeFail)
	default:
		c.report(InfoError)
	}
	c.l.Error("connection", "err", err)
	return err
}

// Connect streams from the server into the jitter buffer until ctx is
// done or, without reconnect, until the first session ends.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if !c.o.Reconnect {
				return nil
			}
			c.report(InfoReconnecting)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.o.ReconnectDelay):
			}
		}

		c.report(InfoConnecting)
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !c.o.Reconnect {
				return err
			}
			c.l.Warn("dial", "addr", c.addr, "err", err)
			continue
		}

		err = c.session(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.report(InfoStopped)
			return nil
		}
		if err = c.connErr(err); err != nil && !c.o.Reconnect {
			return err
		}
	}
}

func (c *Client) session(ctx context.Context, conn net.Conn) error {
	offered, err := protocol.HandshakeClient(conn, c.o.Params, c.o.HandshakeTimeout)
	if err != nil {
		return err
	}
	c.l.Info("connected", "addr", c.addr, "offered", offered, "requested", c.o.Params.String())
	c.report(InfoConnected)
	if c.gate != nil {
		c.gate.reset()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-done:
		case <-ctx.Done():
			c.stop(conn)
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	return c.receive(conn)
}

// stop asks the server to end the session, the server answers with STOP
// and hangs up.
func (c *Client) stop(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(c.o.ReadTimeout))
	if err := protocol.WriteMessage(conn, &protocol.Message{Command: protocol.CmdStop}); err != nil {
		c.l.Debug("stop", "err", err)
		conn.Close()
	}
}

func (c *Client) receive(conn net.Conn) error {
	r := protocol.NewReader(conn, c.pool)
	for {
		m, err := r.Read(c.o.ReadTimeout)
		if err != nil {
			return err
		}

		switch m.Command {
		case protocol.CmdData:
			c.admit(m.Payload)
			r.Release(m)
		case protocol.CmdStop:
			c.l.Info("stopped", "received", c.received.Load(), "dropped", c.dropped.Load())
			return nil
		default:
			return &protocol.ViolationError{State: protocol.StateStreaming, Got: m.Command}
		}
	}
}

func (c *Client) admit(frame []byte) {
	c.received.Add(1)
	if c.gate != nil && !c.gate.admit(frame) {
		c.dropped.Add(1)
		return
	}

	if err := c.buf.Add(frame); err != nil {
		c.dropped.Add(1)
		c.l.Debug(
			"frame dropped",
			"bytes", len(frame),
			"queued", c.buf.Count(),
			"used", c.buf.Size(),
			"capacity", c.buf.Capacity(),
			"err", err,
		)
	}
}

// Run connects and lets p write the received frames until the stream ends,
// p fails or ctx is done. Frames still queued when the stream ends are
// flushed.
func (c *Client) Run(ctx context.Context, p *jitter.Pacer) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return c.Connect(gctx)
	})
	g.Go(func() error {
		return p.Run(gctx, done)
	})
	return g.Wait()
}

// Stats returns the frames received and the frames that never made it into
// the jitter buffer.
func (c *Client) Stats() (received, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}
