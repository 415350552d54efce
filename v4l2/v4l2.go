// Package v4l2 drives V4L2 capture and memory-to-memory devices through
// mmap'd buffer queues.
package v4l2

import "fmt"

// Role is what a device is opened for.
type Role int

const (
	RoleCapture Role = iota
	RoleEncoder
)

func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RoleEncoder:
		return "encoder"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Queue is a buffer direction. On a camera only QueueCapture is used, on an
// M2M encoder QueueOutput takes raw frames and QueueCapture yields the
// compressed result.
type Queue uint32

const (
	QueueCapture Queue = 1
	QueueOutput  Queue = 2
)

func (q Queue) String() string {
	switch q {
	case QueueCapture:
		return "capture"
	case QueueOutput:
		return "output"
	}
	return fmt.Sprintf("queue(%d)", uint32(q))
}

// PixelFormat is a fourcc code.
type PixelFormat uint32

const (
	PixelFormatYUYV PixelFormat = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	PixelFormatNV12 PixelFormat = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	PixelFormatH264 PixelFormat = 'H' | '2'<<8 | '6'<<16 | '4'<<24
)

func (p PixelFormat) String() string {
	b := []byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(p))
		}
	}
	return string(b)
}

// Field is the interlacing of a format.
type Field uint32

const (
	FieldAny        Field = 0
	FieldNone       Field = 1
	FieldInterlaced Field = 4
)

// Format is the image format of one queue. After negotiation it holds the
// values the driver settled on.
type Format struct {
	Width        int
	Height       int
	PixelFormat  PixelFormat
	Field        Field
	BytesPerLine int
	SizeImage    int
}

func (f Format) String() string {
	return fmt.Sprintf(
		"%dx%d %s stride=%d size=%d",
		f.Width,
		f.Height,
		f.PixelFormat,
		f.BytesPerLine,
		f.SizeImage,
	)
}

// FormatDesc is one entry of a queue's format enumeration.
type FormatDesc struct {
	Index       int
	PixelFormat PixelFormat
	Description string
	Compressed  bool
}

// Capability is the result of VIDIOC_QUERYCAP.
type Capability struct {
	Driver     string
	Card       string
	BusInfo    string
	Version    uint32
	Caps       uint32
	DeviceCaps uint32
}

// Effective returns the capabilities of the opened node rather than of the
// whole physical device when the driver reports them.
func (c Capability) Effective() uint32 {
	if c.Caps&capDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Caps
}

func (c Capability) Has(flags uint32) bool { return c.Effective()&flags == flags }

const (
	CapVideoCapture uint32 = 0x00000001
	CapVideoOutput  uint32 = 0x00000002
	CapVideoM2M     uint32 = 0x00008000
	CapStreaming    uint32 = 0x04000000
	capDeviceCaps   uint32 = 0x80000000
)

// Buffer flags.
const (
	FlagMapped   uint32 = 0x00000001
	FlagQueued   uint32 = 0x00000002
	FlagDone     uint32 = 0x00000004
	FlagKeyframe uint32 = 0x00000008
	FlagError    uint32 = 0x00000040
	FlagLast     uint32 = 0x00100000
)

// Dequeued describes a buffer handed back by the driver.
type Dequeued struct {
	Index     int
	BytesUsed int
	Flags     uint32
	Sequence  uint32
}

// EndOfStream reports whether this buffer marks the end of an encoder's
// result stream.
func (d Dequeued) EndOfStream() bool {
	return d.Flags&FlagLast != 0 || d.BytesUsed == 0
}

// State of a device handle.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateConfigured
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
