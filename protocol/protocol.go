// Package protocol implements the length framed command protocol spoken
// between the camera server and its clients.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	ServerHello = "Hi, client -)"
	ClientHello = "Hi, server!"
)

type State int

const (
	StateWaitHello State = iota
	StateWaitGetParam
	StateWaitSetParam
	StateWaitStart
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaitHello:
		return "wait-hello"
	case StateWaitGetParam:
		return "wait-get-param"
	case StateWaitSetParam:
		return "wait-set-param"
	case StateWaitStart:
		return "wait-start"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ViolationError reports a command that is not allowed in the current
// handshake state.
type ViolationError struct {
	State State
	Got   Command
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol: %s received in state %s", e.Got, e.State)
}

func (e *ViolationError) Unwrap() error { return ErrUnexpectedCommand }

var expected = map[State]Command{
	StateWaitHello:    CmdHello,
	StateWaitGetParam: CmdGetParam,
	StateWaitSetParam: CmdSetParam,
	StateWaitStart:    CmdStart,
}

// Handshake is the server side handshake state machine. It is strict:
// the first out of order command fails it for good.
type Handshake struct {
	state  State
	params Params
}

// NewHandshake starts a handshake offering current as the stream settings.
func NewHandshake(current Params) *Handshake {
	return &Handshake{state: StateWaitHello, params: current}
}

func (h *Handshake) State() State { return h.state }

// Params returns the settings agreed on so far.
func (h *Handshake) Params() Params { return h.params }

// Handle advances the state machine with m. The reply, when not nil, must
// be sent even if an error is returned.
func (h *Handshake) Handle(m *Message) (*Message, error) {
	want, ok := expected[h.state]
	if !ok || m.Command != want {
		err := &ViolationError{State: h.state, Got: m.Command}
		h.state = StateFailed
		return nil, err
	}

	switch h.state {
	case StateWaitHello:
		h.state = StateWaitGetParam
		return NewText(CmdHello, StatusOK, ServerHello)

	case StateWaitGetParam:
		h.state = StateWaitSetParam
		return NewText(CmdGetParam, StatusOK, h.params.String())

	case StateWaitSetParam:
		if len(m.Payload) != 0 {
			var p Params
			err := p.UnmarshalBinary(m.Payload)
			if err == nil {
				if verr := p.Validate(); verr != nil {
					err = fmt.Errorf("%w: %w", ErrBadParams, verr)
				}
			}
			if err != nil {
				h.state = StateFailed
				return &Message{Command: CmdSetParam, Status: StatusNOK}, err
			}
			h.params = p
		}
		h.state = StateWaitStart
		return &Message{Command: CmdSetParam, Status: StatusOK}, nil

	case StateWaitStart:
		h.state = StateStreaming
		return &Message{Command: CmdStart, Status: StatusOK}, nil
	}

	return nil, errors.New("protocol: unreachable handshake state")
}

// HandshakeServer runs the server side of the handshake on c. Each message
// must arrive within timeout. It returns the settings the client asked for.
func HandshakeServer(c Conn, current Params, timeout time.Duration) (Params, error) {
	h := NewHandshake(current)
	r := NewReader(c, nil)
	for h.State() != StateStreaming {
		m, err := r.Read(timeout)
		if err != nil {
			return h.Params(), fmt.Errorf("handshake %s: %w", h.State(), err)
		}

		reply, herr := h.Handle(m)
		if reply != nil {
			if err := WriteMessage(c, reply); err != nil {
				return h.Params(), fmt.Errorf("handshake reply %s: %w", reply.Command, errors.Join(herr, err))
			}
		}
		if herr != nil {
			return h.Params(), herr
		}
	}

	return h.Params(), nil
}

// HandshakeClient runs the client side of the handshake and asks for want.
// It returns the parameter text the server offered.
func HandshakeClient(c Conn, want Params, timeout time.Duration) (string, error) {
	r := NewReader(c, nil)

	hello, err := NewText(CmdHello, StatusOK, ClientHello)
	if err != nil {
		return "", err
	}
	if _, err := exchange(c, r, hello, timeout); err != nil {
		return "", err
	}

	reply, err := exchange(c, r, &Message{Command: CmdGetParam, Status: StatusNone}, timeout)
	if err != nil {
		return "", err
	}
	offered := reply.Text()
	if offered == "" {
		return "", fmt.Errorf("%w: empty GET_PARAM reply", ErrRejected)
	}

	payload, err := want.MarshalBinary()
	if err != nil {
		return offered, err
	}
	if _, err := exchange(c, r, &Message{Command: CmdSetParam, Status: StatusNone, Payload: payload}, timeout); err != nil {
		return offered, err
	}

	if _, err := exchange(c, r, &Message{Command: CmdStart, Status: StatusNone}, timeout); err != nil {
		return offered, err
	}

	return offered, nil
}

func exchange(c Conn, r *Reader, m *Message, timeout time.Duration) (*Message, error) {
	if err := WriteMessage(c, m); err != nil {
		return nil, fmt.Errorf("handshake %s: %w", m.Command, err)
	}

	reply, err := r.Read(timeout)
	if err != nil {
		return nil, fmt.Errorf("handshake %s: %w", m.Command, err)
	}
	if reply.Command != m.Command {
		return nil, fmt.Errorf("handshake %s: %w: reply %s", m.Command, ErrUnexpectedCommand, reply.Command)
	}
	if reply.Status != StatusOK {
		return nil, fmt.Errorf("handshake %s: %w: status %s", m.Command, ErrRejected, reply.Status)
	}
	return reply, nil
}
