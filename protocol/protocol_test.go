package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/oxtoacart/bpool"
)

type bufConn struct {
	io.Reader
	io.Writer
}

func (bufConn) SetReadDeadline(time.Time) error { return nil }

func newBufConn(b *bytes.Buffer) bufConn { return bufConn{Reader: b, Writer: b} }

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"hello", "Hi, client"},
		{"empty", ""},
		{"one byte", "x"},
		{"max text", strings.Repeat("m", MaxTextSize)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, err := NewText(CmdHello, StatusOK, c.payload)
			if err != nil {
				t.Fatal(err)
			}
			buf := &bytes.Buffer{}
			if err := WriteMessage(buf, m); err != nil {
				t.Fatal(err)
			}
			if buf.Len() != HeaderSize+len(c.payload) {
				t.Fatalf("got %d bytes on the wire, want %d", buf.Len(), HeaderSize+len(c.payload))
			}

			// One byte per read: the framing must not depend on chunking.
			got, err := ReadMessage(bufConn{Reader: iotest.OneByteReader(buf)}, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if got.Command != CmdHello || got.Status != StatusOK || got.Text() != c.payload {
				t.Fatalf("got %s %q, want HELLO/OK %q", got, got.Text(), c.payload)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, &Message{Command: CmdGetParam, Status: StatusNOK, Payload: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	want := []byte{3, 255, 0, 0, 0, 3, 'a', 'b', 'c'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestTextTooLarge(t *testing.T) {
	big := strings.Repeat("x", MaxTextSize+1)
	if _, err := NewText(CmdGetParam, StatusOK, big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want %v", err, ErrPayloadTooLarge)
	}
	err := WriteMessage(&bytes.Buffer{}, &Message{Command: CmdGetParam, Payload: []byte(big)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want %v", err, ErrPayloadTooLarge)
	}
	if err := WriteMessage(&bytes.Buffer{}, &Message{Command: CmdData, Payload: []byte(big)}); err != nil {
		t.Fatalf("DATA payload refused: %v", err)
	}
}

func TestReadErrors(t *testing.T) {
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"closed", nil, ErrConnectionClosed},
		{"partial header", []byte{1, 1, 0}, ErrShortRead},
		{"partial payload", []byte{0, 1, 0, 0, 0, 10, 1, 2, 3}, ErrShortRead},
		{"unknown command", []byte{9, 1, 0, 0, 0, 0}, ErrMalformedHeader},
		{"text too long", []byte{1, 1, 0, 0, 0x04, 0x01}, ErrMalformedHeader},
		{"data too long", []byte{0, 1, 0xff, 0, 0, 0}, ErrMalformedHeader},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ReadMessage(newBufConn(bytes.NewBuffer(c.wire)), time.Second)
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	start := time.Now()
	_, err := ReadMessage(a, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
}

func TestWriteToClosedPeer(t *testing.T) {
	a, b := net.Pipe()
	b.Close()
	defer a.Close()

	err := WriteMessage(a, &Message{Command: CmdData, Status: StatusOK, Payload: []byte{1}})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want %v", err, ErrConnectionClosed)
	}
}

func TestPooledReader(t *testing.T) {
	buf := &bytes.Buffer{}
	for _, n := range []int{10, 100} {
		if err := WriteMessage(buf, &Message{Command: CmdData, Status: StatusOK, Payload: bytes.Repeat([]byte{7}, n)}); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(newBufConn(buf), bpool.NewBytePool(2, 64))
	small, err := r.Read(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(small.Payload) != 10 || !small.pooled {
		t.Fatalf("got %d bytes pooled=%v, want 10 pooled", len(small.Payload), small.pooled)
	}
	r.Release(small)
	if small.Payload != nil {
		t.Fatalf("payload kept after release")
	}

	large, err := r.Read(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(large.Payload) != 100 || large.pooled {
		t.Fatalf("got %d bytes pooled=%v, want 100 unpooled", len(large.Payload), large.pooled)
	}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"default", Params{800, 600, 10}, true},
		{"min", Params{320, 240, 5}, true},
		{"max", Params{1920, 1080, 30}, true},
		{"narrow", Params{316, 600, 10}, false},
		{"unaligned width", Params{802, 600, 10}, false},
		{"odd height", Params{800, 601, 10}, false},
		{"tall", Params{800, 1082, 10}, false},
		{"slow", Params{800, 600, 4}, false},
		{"fast", Params{800, 600, 31}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.p.Validate()
			if (err == nil) != c.ok {
				t.Fatalf("got %v, want ok=%v", err, c.ok)
			}
		})
	}
}

func TestParamsWire(t *testing.T) {
	b, err := Params{1024, 768, 15}.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 4, 0, 0, 0, 3, 0, 0, 0, 0, 15}
	if !bytes.Equal(b, want) {
		t.Fatalf("got % x, want % x", b, want)
	}

	var p Params
	if err := p.UnmarshalBinary(append([]byte{0, 0, 0, 0}, b...)); !errors.Is(err, ErrBadParams) {
		t.Fatalf("got %v, want %v", err, ErrBadParams)
	}
}

func send(t *testing.T, c net.Conn, m *Message) *Message {
	t.Helper()
	if err := WriteMessage(c, m); err != nil {
		t.Fatal(err)
	}
	reply, err := ReadMessage(c, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestHandshakeServer(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	type result struct {
		p   Params
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := HandshakeServer(srv, Params{800, 600, 10}, time.Second)
		done <- result{p, err}
	}()

	payload, _ := Params{1024, 768, 15}.MarshalBinary()
	steps := []*Message{
		{Command: CmdHello, Status: StatusOK, Payload: []byte(ClientHello)},
		{Command: CmdGetParam},
		{Command: CmdSetParam, Payload: payload},
		{Command: CmdStart},
	}
	for _, m := range steps {
		reply := send(t, cli, m)
		if reply.Command != m.Command || reply.Status != StatusOK {
			t.Fatalf("%s: got reply %s", m.Command, reply)
		}
		switch m.Command {
		case CmdHello:
			if reply.Text() != ServerHello {
				t.Fatalf("got hello %q", reply.Text())
			}
		case CmdGetParam:
			if reply.Text() != "-w 800 -h 600 -r 10" {
				t.Fatalf("got params %q", reply.Text())
			}
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.p != (Params{1024, 768, 15}) {
		t.Fatalf("got %v, want 1024x768@15", res.p)
	}
}

func TestHandshakeStartFirst(t *testing.T) {
	h := NewHandshake(Params{800, 600, 10})
	reply, err := h.Handle(&Message{Command: CmdStart})
	if !errors.Is(err, ErrUnexpectedCommand) {
		t.Fatalf("got %v, want %v", err, ErrUnexpectedCommand)
	}
	if reply != nil {
		t.Fatalf("got reply %s to a violation", reply)
	}
	if h.State() != StateFailed {
		t.Fatalf("got state %s, want failed", h.State())
	}
	if _, err := h.Handle(&Message{Command: CmdHello}); !errors.Is(err, ErrUnexpectedCommand) {
		t.Fatalf("failed handshake accepted HELLO: %v", err)
	}

	srv, cli := net.Pipe()
	defer cli.Close()
	done := make(chan error, 1)
	go func() {
		_, err := HandshakeServer(srv, Params{800, 600, 10}, time.Second)
		srv.Close()
		done <- err
	}()

	if err := WriteMessage(cli, &Message{Command: CmdStart}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrUnexpectedCommand) {
		t.Fatalf("got %v, want %v", err, ErrUnexpectedCommand)
	}
	if _, err := ReadMessage(cli, time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want the server to hang up", err)
	}
}

func TestHandshakeRepeatedCommand(t *testing.T) {
	h := NewHandshake(Params{800, 600, 10})
	if _, err := h.Handle(&Message{Command: CmdHello}); err != nil {
		t.Fatal(err)
	}
	var verr *ViolationError
	if _, err := h.Handle(&Message{Command: CmdHello}); !errors.As(err, &verr) {
		t.Fatalf("got %v, want a violation", err)
	}
	if verr.State != StateWaitGetParam || verr.Got != CmdHello {
		t.Fatalf("got %+v", verr)
	}
}

func TestHandshakeBadParams(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"leading zero word", []byte{0, 0, 0, 0, 0, 0, 3, 0x20, 0, 0, 0, 240, 0, 0, 0, 10}},
		{"out of range", func() []byte { b, _ := Params{4000, 600, 10}.MarshalBinary(); return b }()},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := NewHandshake(Params{800, 600, 10})
			h.Handle(&Message{Command: CmdHello})
			h.Handle(&Message{Command: CmdGetParam})

			reply, err := h.Handle(&Message{Command: CmdSetParam, Payload: c.payload})
			if !errors.Is(err, ErrBadParams) {
				t.Fatalf("got %v, want %v", err, ErrBadParams)
			}
			if reply == nil || reply.Status != StatusNOK {
				t.Fatalf("got reply %v, want SET_PARAM/NOK", reply)
			}
			if h.Params() != (Params{800, 600, 10}) {
				t.Fatalf("params changed to %v", h.Params())
			}
		})
	}
}

func TestHandshakeEmptySetParamKeepsCurrent(t *testing.T) {
	h := NewHandshake(Params{640, 480, 20})
	for _, cmd := range []Command{CmdHello, CmdGetParam, CmdSetParam, CmdStart} {
		if _, err := h.Handle(&Message{Command: cmd}); err != nil {
			t.Fatal(err)
		}
	}
	if h.State() != StateStreaming || h.Params() != (Params{640, 480, 20}) {
		t.Fatalf("got %s %v", h.State(), h.Params())
	}
}

func TestHandshakeClientServer(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	got := make(chan Params, 1)
	go func() {
		p, err := HandshakeServer(srv, Params{800, 600, 10}, time.Second)
		if err != nil {
			t.Error(err)
		}
		got <- p
	}()

	offered, err := HandshakeClient(cli, Params{1280, 720, 25}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if offered != "-w 800 -h 600 -r 10" {
		t.Fatalf("got offer %q", offered)
	}
	if p := <-got; p != (Params{1280, 720, 25}) {
		t.Fatalf("server agreed on %v", p)
	}
}
