package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MinWidth     = 320
	MaxWidth     = 1920
	MinHeight    = 240
	MaxHeight    = 1080
	MinFrameRate = 5
	MaxFrameRate = 30
)

// ParamsSize is the SET_PARAM payload size: width, height and frame rate
// as big endian uint32.
const ParamsSize = 12

// Params are the stream settings negotiated during the handshake.
type Params struct {
	Width     int
	Height    int
	FrameRate int
}

func (p Params) String() string {
	return fmt.Sprintf("-w %d -h %d -r %d", p.Width, p.Height, p.FrameRate)
}

func (p Params) Validate() error {
	var errs []error
	if p.Width < MinWidth || p.Width > MaxWidth {
		errs = append(errs, fmt.Errorf("width %d not within [%d, %d]", p.Width, MinWidth, MaxWidth))
	} else if p.Width%4 != 0 {
		errs = append(errs, fmt.Errorf("width %d is not a multiple of 4", p.Width))
	}
	if p.Height < MinHeight || p.Height > MaxHeight {
		errs = append(errs, fmt.Errorf("height %d not within [%d, %d]", p.Height, MinHeight, MaxHeight))
	} else if p.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("height %d is odd", p.Height))
	}
	if p.FrameRate < MinFrameRate || p.FrameRate > MaxFrameRate {
		errs = append(errs, fmt.Errorf("frame rate %d not within [%d, %d]", p.FrameRate, MinFrameRate, MaxFrameRate))
	}
	return errors.Join(errs...)
}

func (p Params) MarshalBinary() ([]byte, error) {
	if p.Width < 0 || p.Height < 0 || p.FrameRate < 0 {
		return nil, fmt.Errorf("%w: negative value in %s", ErrBadParams, p)
	}
	b := make([]byte, ParamsSize)
	binary.BigEndian.PutUint32(b[0:], uint32(p.Width))
	binary.BigEndian.PutUint32(b[4:], uint32(p.Height))
	binary.BigEndian.PutUint32(b[8:], uint32(p.FrameRate))
	return b, nil
}

func (p *Params) UnmarshalBinary(b []byte) error {
	if len(b) != ParamsSize {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrBadParams, len(b), ParamsSize)
	}
	p.Width = int(binary.BigEndian.Uint32(b[0:]))
	p.Height = int(binary.BigEndian.Uint32(b[4:]))
	p.FrameRate = int(binary.BigEndian.Uint32(b[8:]))
	return nil
}
