package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/oxtoacart/bpool"
)

const (
	// HeaderSize is the fixed size of a message header: command, status and
	// a big endian payload length.
	HeaderSize = 6
	// MaxTextSize bounds the payload of every command but DATA.
	MaxTextSize = 1024
	// MaxDataSize bounds DATA payloads.
	MaxDataSize = 16 << 20
)

type Command uint8

const (
	CmdData Command = iota
	CmdHello
	CmdSetParam
	CmdGetParam
	CmdStart
	CmdStop
)

func (c Command) String() string {
	switch c {
	case CmdData:
		return "DATA"
	case CmdHello:
		return "HELLO"
	case CmdSetParam:
		return "SET_PARAM"
	case CmdGetParam:
		return "GET_PARAM"
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

func (c Command) valid() bool { return c <= CmdStop }

type Status uint8

const (
	StatusNone  Status = 0
	StatusOK    Status = 1
	StatusIdle  Status = 10
	StatusError Status = 254
	StatusNOK   Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusOK:
		return "OK"
	case StatusIdle:
		return "IDLE"
	case StatusError:
		return "ERROR"
	case StatusNOK:
		return "NOK"
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

var (
	ErrTimeout           = errors.New("protocol: timeout")
	ErrConnectionClosed  = errors.New("protocol: connection closed")
	ErrShortRead         = errors.New("protocol: short read")
	ErrPartialWrite      = errors.New("protocol: partial write")
	ErrMalformedHeader   = errors.New("protocol: malformed header")
	ErrPayloadTooLarge   = errors.New("protocol: payload too large")
	ErrUnexpectedCommand = errors.New("protocol: unexpected command")
	ErrBadParams         = errors.New("protocol: bad parameters")
	ErrRejected          = errors.New("protocol: rejected by peer")
)

// Message is one framed protocol unit. For DATA the payload may come from a
// Reader's pool and is only valid until Release.
type Message struct {
	Command Command
	Status  Status
	Payload []byte

	pooled bool
}

// NewText builds a message with a text payload, refusing text that does not
// fit in MaxTextSize.
func NewText(cmd Command, status Status, text string) (*Message, error) {
	if len(text) > MaxTextSize {
		return nil, fmt.Errorf("%w: %s text is %d bytes", ErrPayloadTooLarge, cmd, len(text))
	}
	return &Message{Command: cmd, Status: status, Payload: []byte(text)}, nil
}

func (m *Message) Text() string { return string(m.Payload) }

func (m *Message) String() string {
	return fmt.Sprintf("%s/%s (%d bytes)", m.Command, m.Status, len(m.Payload))
}

func maxPayload(cmd Command) int {
	if cmd == CmdData {
		return MaxDataSize
	}
	return MaxTextSize
}

// Conn is what the protocol needs from a connection. net.Conn satisfies it.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// Reader reads messages off a Conn. DATA payloads are taken from pool when
// one is set and they fit.
type Reader struct {
	c    Conn
	pool *bpool.BytePool
	hdr  [HeaderSize]byte
}

func NewReader(c Conn, pool *bpool.BytePool) *Reader {
	return &Reader{c: c, pool: pool}
}

// ReadMessage reads a single message with a fresh payload allocation.
func ReadMessage(c Conn, timeout time.Duration) (*Message, error) {
	return NewReader(c, nil).Read(timeout)
}

// Read waits up to timeout for a complete message. A zero timeout waits
// indefinitely.
func (r *Reader) Read(timeout time.Duration) (*Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := r.c.SetReadDeadline(deadline); err != nil {
		return nil, readErr(err, true)
	}

	if _, err := io.ReadFull(r.c, r.hdr[:]); err != nil {
		return nil, readErr(err, true)
	}

	m := &Message{Command: Command(r.hdr[0]), Status: Status(r.hdr[1])}
	n := binary.BigEndian.Uint32(r.hdr[2:])
	if !m.Command.valid() {
		return nil, fmt.Errorf("%w: unknown command %d", ErrMalformedHeader, r.hdr[0])
	}
	if n > uint32(maxPayload(m.Command)) {
		return nil, fmt.Errorf("%w: %s length %d", ErrMalformedHeader, m.Command, n)
	}
	if n == 0 {
		return m, nil
	}

	m.Payload, m.pooled = r.alloc(m.Command, int(n))
	if _, err := io.ReadFull(r.c, m.Payload); err != nil {
		r.Release(m)
		return nil, readErr(err, false)
	}
	return m, nil
}

func (r *Reader) alloc(cmd Command, n int) ([]byte, bool) {
	if r.pool != nil && cmd == CmdData {
		b := r.pool.Get()
		if cap(b) >= n {
			return b[:n], true
		}
		r.pool.Put(b)
	}
	return make([]byte, n), false
}

// Release hands a DATA payload back to the pool.
func (r *Reader) Release(m *Message) {
	if r.pool == nil || m == nil || !m.pooled {
		return
	}
	r.pool.Put(m.Payload)
	m.Payload, m.pooled = nil, false
}

// WriteMessage writes header and payload. A short write is an error.
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Payload) > maxPayload(m.Command) {
		return fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, m.Command, len(m.Payload))
	}

	var hdr [HeaderSize]byte
	hdr[0] = byte(m.Command)
	hdr[1] = byte(m.Status)
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(m.Payload)))

	total := int64(HeaderSize + len(m.Payload))
	bufs := net.Buffers{hdr[:]}
	if len(m.Payload) > 0 {
		bufs = append(bufs, m.Payload)
	}
	n, err := bufs.WriteTo(w)
	if err != nil {
		return writeErr(err)
	}
	if n != total {
		return fmt.Errorf("%w: %d of %d bytes", ErrPartialWrite, n, total)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func readErr(err error, header bool) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case header && errors.Is(err, io.EOF):
		return ErrConnectionClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrShortRead
	case isClosed(err):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return fmt.Errorf("protocol: read: %w", err)
}

func writeErr(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, io.ErrShortWrite):
		return fmt.Errorf("%w: %w", ErrPartialWrite, err)
	case isClosed(err), errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return fmt.Errorf("protocol: write: %w", err)
}
