package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel structures from linux/videodev2.h. Field order and widths must
// match the C layout.

type v4l2Capability struct {
	driver       [16]uint8
	card         [32]uint8
	busInfo      [32]uint8
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]uint8
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// The fmt union contains pointers (v4l2_window), so it is pointer aligned.
type v4l2Format struct {
	typ uint32
	_   [0]uintptr
	fmt [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

// offset is the mmap cookie stored in the low 32 bits of the m union.
func (b *v4l2Buffer) offset() int64 { return int64(uint32(b.m)) }

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

// Shared prefix of v4l2_captureparm and v4l2_outputparm.
type v4l2StreamParmHead struct {
	capability   uint32
	mode         uint32
	timeperframe v4l2Fract
}

type v4l2StreamParm struct {
	typ  uint32
	parm [200]byte
}

func (p *v4l2StreamParm) head() *v4l2StreamParmHead {
	return (*v4l2StreamParmHead)(unsafe.Pointer(&p.parm[0]))
}

type v4l2Control struct {
	id    uint32
	value int32
}

const memoryMMAP = 1

// Layout checks for the structs whose size does not depend on the word size.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Fmtdesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2StreamParm{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Control{}) - 8]struct{}{}
)

const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

var (
	vidiocQueryCap  = ioc(iocRead, 'V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt   = ioc(iocRead|iocWrite, 'V', 2, unsafe.Sizeof(v4l2Fmtdesc{}))
	vidiocGFmt      = ioc(iocRead|iocWrite, 'V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 'V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 'V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 'V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 'V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 'V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = ioc(iocWrite, 'V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 'V', 19, unsafe.Sizeof(int32(0)))
	vidiocSParm     = ioc(iocRead|iocWrite, 'V', 22, unsafe.Sizeof(v4l2StreamParm{}))
	vidiocSCtrl     = ioc(iocRead|iocWrite, 'V', 28, unsafe.Sizeof(v4l2Control{}))
	vidiocTryFmt    = ioc(iocRead|iocWrite, 'V', 64, unsafe.Sizeof(v4l2Format{}))
)

func cstring(b []uint8) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
