package v4l2

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fake is an in-memory Driver for exercising code built on Device without
// hardware. Queued buffers come back from dequeue in order, formats are
// echoed unless Adjust edits them. It is not safe for concurrent use.
type Fake struct {
	Caps    uint32
	Formats map[Queue][]PixelFormat
	// Adjust edits every requested format before it is stored.
	Adjust func(q Queue, f *Format)

	MaxBuffers int
	BufLen     int

	BytesUsed int
	Flags     uint32
	// DequeueIndex overrides the index of every dequeued buffer when >= 0.
	DequeueIndex int
	// Busy is the number of upcoming dequeues that report EAGAIN.
	Busy int
	// Ready is what poll reports. When false poll sleeps for its timeout.
	Ready bool

	Controls map[uint32]int32
	// Ops logs buffer and stream requests in order, e.g. "qbuf capture 0".
	Ops []string

	Calls    int
	Polls    int
	Mapped   int
	Unmapped int
	Closed   int

	format    map[Queue]v4l2PixFormat
	queued    map[Queue][]uint32
	streaming map[Queue]bool
}

// NewFake returns a driver advertising caps with YUYV on the capture queue.
func NewFake(caps uint32) *Fake {
	return &Fake{
		Caps:         caps,
		Formats:      map[Queue][]PixelFormat{QueueCapture: {PixelFormatYUYV}},
		MaxBuffers:   4,
		BufLen:       800 * 600 * 2,
		BytesUsed:    800 * 600 * 2,
		DequeueIndex: -1,
		Controls:     map[uint32]int32{},
		format:       map[Queue]v4l2PixFormat{},
		queued:       map[Queue][]uint32{},
		streaming:    map[Queue]bool{},
	}
}

// NewFakeEncoder returns a memory-to-memory driver taking NV12 on the output
// queue and producing H.264 on the capture queue.
func NewFakeEncoder() *Fake {
	f := NewFake(CapVideoM2M | CapStreaming)
	f.Formats = map[Queue][]PixelFormat{
		QueueOutput:  {PixelFormatNV12},
		QueueCapture: {PixelFormatH264},
	}
	return f
}

// Queued is the number of buffers of q the driver holds.
func (f *Fake) Queued(q Queue) int { return len(f.queued[q]) }

func (f *Fake) Streaming(q Queue) bool { return f.streaming[q] }

func (f *Fake) ioctl(req uintptr, arg unsafe.Pointer) error {
	f.Calls++

	switch req {
	case vidiocQueryCap:
		c := (*v4l2Capability)(arg)
		copy(c.driver[:], "fake")
		copy(c.card[:], "fake card")
		c.capabilities = f.Caps
	case vidiocEnumFmt:
		d := (*v4l2Fmtdesc)(arg)
		list := f.Formats[Queue(d.typ)]
		if int(d.index) >= len(list) {
			return unix.EINVAL
		}
		d.pixelformat = uint32(list[d.index])
	case vidiocTryFmt, vidiocSFmt:
		fm := (*v4l2Format)(arg)
		p := fm.pix()
		if f.Adjust != nil {
			v := Format{
				Width:        int(p.width),
				Height:       int(p.height),
				PixelFormat:  PixelFormat(p.pixelformat),
				Field:        Field(p.field),
				BytesPerLine: int(p.bytesperline),
				SizeImage:    int(p.sizeimage),
			}
			f.Adjust(Queue(fm.typ), &v)
			p.width, p.height = uint32(v.Width), uint32(v.Height)
			p.pixelformat, p.field = uint32(v.PixelFormat), uint32(v.Field)
			p.bytesperline, p.sizeimage = uint32(v.BytesPerLine), uint32(v.SizeImage)
		}
		f.format[Queue(fm.typ)] = *p
	case vidiocGFmt:
		fm := (*v4l2Format)(arg)
		*fm.pix() = f.format[Queue(fm.typ)]
	case vidiocSParm:
	case vidiocSCtrl:
		c := (*v4l2Control)(arg)
		f.Controls[c.id] = c.value
	case vidiocReqBufs:
		r := (*v4l2RequestBuffers)(arg)
		if r.count > uint32(f.MaxBuffers) {
			r.count = uint32(f.MaxBuffers)
		}
		f.op("reqbufs %s %d", Queue(r.typ), r.count)
	case vidiocQueryBuf:
		b := (*v4l2Buffer)(arg)
		b.length = uint32(f.BufLen)
		b.m = uintptr(b.index * 4096)
	case vidiocQBuf:
		b := (*v4l2Buffer)(arg)
		q := Queue(b.typ)
		f.queued[q] = append(f.queued[q], b.index)
		f.op("qbuf %s %d", q, b.index)
	case vidiocDQBuf:
		b := (*v4l2Buffer)(arg)
		q := Queue(b.typ)
		if f.Busy > 0 {
			f.Busy--
			return unix.EAGAIN
		}
		list := f.queued[q]
		if len(list) == 0 {
			return unix.EAGAIN
		}
		b.index = list[0]
		f.queued[q] = list[1:]
		b.bytesused = uint32(f.BytesUsed)
		b.flags = f.Flags
		if f.DequeueIndex >= 0 {
			b.index = uint32(f.DequeueIndex)
		}
		f.op("dqbuf %s %d", q, b.index)
	case vidiocStreamOn:
		q := Queue(*(*int32)(arg))
		f.streaming[q] = true
		f.op("streamon %s", q)
	case vidiocStreamOff:
		q := Queue(*(*int32)(arg))
		f.streaming[q] = false
		f.queued[q] = nil
		f.op("streamoff %s", q)
	default:
		return unix.ENOTTY
	}
	return nil
}

func (f *Fake) op(format string, args ...interface{}) {
	f.Ops = append(f.Ops, fmt.Sprintf(format, args...))
}

func (f *Fake) mmap(offset int64, length int) ([]byte, error) {
	f.Mapped++
	return make([]byte, length), nil
}

func (f *Fake) munmap(b []byte) error {
	f.Unmapped++
	return nil
}

func (f *Fake) poll(events int16, timeout time.Duration) (bool, error) {
	f.Polls++
	if !f.Ready {
		time.Sleep(timeout)
	}
	return f.Ready, nil
}

func (f *Fake) close() error {
	f.Closed++
	return nil
}
