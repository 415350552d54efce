package v4l2

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type queueState struct {
	format    Format
	buffers   *BufferSet
	streaming bool
}

// Device is one open V4L2 video node. It is not safe for concurrent use
// except for Wait, which may run alongside a single other caller.
type Device struct {
	path string
	role Role
	drv  Driver
	caps Capability

	queues map[Queue]*queueState
	closed bool
}

// Open opens path non-blocking and checks that it can serve role.
func Open(path string, role Role) (*Device, error) {
	d := &Device{path: path, role: role}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, d.fail("open", 0, ErrNotFound, err)
		}
		return nil, d.fail("open", 0, ErrNotAVideoDevice, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return nil, d.failf("open", 0, ErrNotAVideoDevice, "mode %o", st.Mode)
	}

	drv, err := openFile(path)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO) {
			return nil, d.fail("open", 0, ErrNotFound, err)
		}
		return nil, d.fail("open", 0, ErrNotAVideoDevice, err)
	}

	return OpenDriver(path, role, drv)
}

// OpenDriver checks that drv can serve role and wraps it in a Device. path
// only names the device in errors and logs. drv is closed on failure.
func OpenDriver(path string, role Role, drv Driver) (*Device, error) {
	d := &Device{
		path:   path,
		role:   role,
		drv:    drv,
		queues: map[Queue]*queueState{QueueCapture: {}, QueueOutput: {}},
	}

	if err := d.queryCap(); err != nil {
		drv.close()
		return nil, err
	}

	if err := d.checkRole(); err != nil {
		drv.close()
		return nil, err
	}

	return d, nil
}

func (d *Device) queryCap() error {
	var c v4l2Capability
	if err := d.drv.ioctl(vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return d.fail("querycap", 0, ErrNotAVideoDevice, err)
	}

	d.caps = Capability{
		Driver:     cstring(c.driver[:]),
		Card:       cstring(c.card[:]),
		BusInfo:    cstring(c.busInfo[:]),
		Version:    c.version,
		Caps:       c.capabilities,
		DeviceCaps: c.deviceCaps,
	}
	return nil
}

func (d *Device) checkRole() error {
	if !d.caps.Has(CapStreaming) {
		return d.failf("open", 0, ErrInsufficientCapabilities, "no streaming support")
	}

	switch d.role {
	case RoleCapture:
		if !d.caps.Has(CapVideoCapture) {
			return d.failf("open", 0, ErrInsufficientCapabilities, "no video capture support")
		}
		return nil
	case RoleEncoder:
		if !d.caps.Has(CapVideoM2M) && !d.caps.Has(CapVideoCapture|CapVideoOutput) {
			return d.failf("open", 0, ErrInsufficientCapabilities, "not a memory-to-memory device")
		}
		if err := d.requireFormat(QueueOutput, PixelFormatNV12); err != nil {
			return err
		}
		return d.requireFormat(QueueCapture, PixelFormatH264)
	}

	return d.failf("open", 0, ErrInsufficientCapabilities, "unknown role %s", d.role)
}

func (d *Device) requireFormat(q Queue, pix PixelFormat) error {
	formats, err := d.Formats(q)
	if err != nil {
		return err
	}
	for _, f := range formats {
		if f.PixelFormat == pix {
			return nil
		}
	}
	return d.failf("open", q, ErrInsufficientCapabilities, "format %s not advertised", pix)
}

func (d *Device) Path() string           { return d.path }
func (d *Device) Capability() Capability { return d.caps }

// Format returns the last negotiated format of q.
func (d *Device) Format(q Queue) Format { return d.queue(q).format }

// Buffers returns the buffer set of q, or nil when none are allocated.
func (d *Device) Buffers(q Queue) *BufferSet { return d.queue(q).buffers }

func (d *Device) State() State {
	if d.closed {
		return StateClosed
	}
	state := StateOpened
	for _, q := range d.queues {
		if q.streaming {
			return StateStreaming
		}
		if q.buffers != nil {
			state = StateConfigured
		}
	}
	return state
}

func (d *Device) queue(q Queue) *queueState {
	s, ok := d.queues[q]
	if !ok {
		return &queueState{}
	}
	return s
}

func (d *Device) check(op string, q Queue) error {
	if d.closed {
		return d.fail(op, q, ErrClosed, nil)
	}
	if _, ok := d.queues[q]; !ok {
		return d.failf(op, q, ErrInvalidIndex, "unknown queue")
	}
	return nil
}

// Formats enumerates the pixel formats of q.
func (d *Device) Formats(q Queue) ([]FormatDesc, error) {
	if err := d.check("enum_fmt", q); err != nil {
		return nil, err
	}

	var list []FormatDesc
	for i := uint32(0); ; i++ {
		desc := v4l2Fmtdesc{index: i, typ: uint32(q)}
		if err := d.drv.ioctl(vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return list, nil
			}
			return list, d.fail("enum_fmt", q, ErrUnsupportedFormat, err)
		}
		list = append(list, FormatDesc{
			Index:       int(i),
			PixelFormat: PixelFormat(desc.pixelformat),
			Description: cstring(desc.description[:]),
			Compressed:  desc.flags&0x1 != 0,
		})
	}
}

// NegotiateFormat asks the driver for want on q and returns what it
// settled on. Width, height, stride and size may all differ from want.
func (d *Device) NegotiateFormat(q Queue, want Format) (Format, error) {
	if err := d.check("s_fmt", q); err != nil {
		return Format{}, err
	}
	if d.queue(q).streaming {
		return Format{}, d.fail("s_fmt", q, ErrUnsupportedFormat, errBusy)
	}

	f := v4l2Format{typ: uint32(q)}
	pix := f.pix()
	pix.width = uint32(want.Width)
	pix.height = uint32(want.Height)
	pix.pixelformat = uint32(want.PixelFormat)
	pix.field = uint32(want.Field)
	pix.bytesperline = uint32(want.BytesPerLine)
	pix.sizeimage = uint32(want.SizeImage)

	if err := d.drv.ioctl(vidiocTryFmt, unsafe.Pointer(&f)); err != nil && !errors.Is(err, unix.ENOTTY) {
		return Format{}, d.fail("try_fmt", q, ErrUnsupportedFormat, err)
	}
	if err := d.drv.ioctl(vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, d.fail("s_fmt", q, ErrUnsupportedFormat, err)
	}

	f = v4l2Format{typ: uint32(q)}
	if err := d.drv.ioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, d.fail("g_fmt", q, ErrUnsupportedFormat, err)
	}

	pix = f.pix()
	got := Format{
		Width:        int(pix.width),
		Height:       int(pix.height),
		PixelFormat:  PixelFormat(pix.pixelformat),
		Field:        Field(pix.field),
		BytesPerLine: int(pix.bytesperline),
		SizeImage:    int(pix.sizeimage),
	}
	if got.PixelFormat != want.PixelFormat {
		return got, d.failf("s_fmt", q, ErrUnsupportedFormat, "driver chose %s instead of %s", got.PixelFormat, want.PixelFormat)
	}

	d.queues[q].format = got
	return got, nil
}

// SetFrameRate sets the time per frame of q to 1/fps.
func (d *Device) SetFrameRate(q Queue, fps int) error {
	if err := d.check("s_parm", q); err != nil {
		return err
	}
	if fps <= 0 {
		return d.failf("s_parm", q, ErrParamFailed, "invalid frame rate %d", fps)
	}

	p := v4l2StreamParm{typ: uint32(q)}
	h := p.head()
	h.timeperframe = v4l2Fract{numerator: 1, denominator: uint32(fps)}
	if err := d.drv.ioctl(vidiocSParm, unsafe.Pointer(&p)); err != nil {
		return d.fail("s_parm", q, ErrParamFailed, err)
	}
	return nil
}

// SetControl writes a single control value.
func (d *Device) SetControl(id uint32, value int32) error {
	if d.closed {
		return d.fail("s_ctrl", 0, ErrClosed, nil)
	}
	c := v4l2Control{id: id, value: value}
	if err := d.drv.ioctl(vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return d.failf("s_ctrl", 0, ErrControlFailed, "control 0x%x=%d: %w", id, value, err)
	}
	return nil
}

// AllocateBuffers requests count mmap buffers on q and maps each of them.
// The driver may grant fewer, the returned set has the granted length.
func (d *Device) AllocateBuffers(q Queue, count int) (*BufferSet, error) {
	if err := d.check("reqbufs", q); err != nil {
		return nil, err
	}
	qs := d.queues[q]
	if qs.streaming {
		return nil, d.fail("reqbufs", q, ErrAllocationFailed, errBusy)
	}
	if qs.buffers != nil {
		d.release(q)
	}
	if count <= 0 {
		return nil, d.failf("reqbufs", q, ErrAllocationFailed, "invalid count %d", count)
	}

	req := v4l2RequestBuffers{count: uint32(count), typ: uint32(q), memory: memoryMMAP}
	if err := d.drv.ioctl(vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return nil, d.fail("reqbufs", q, ErrAllocationFailed, err)
	}
	if req.count == 0 {
		return nil, d.failf("reqbufs", q, ErrAllocationFailed, "driver granted no buffers")
	}

	set := &BufferSet{queue: q, bufs: make([]Buffer, 0, req.count)}
	for i := uint32(0); i < req.count; i++ {
		b := v4l2Buffer{index: i, typ: uint32(q), memory: memoryMMAP}
		if err := d.drv.ioctl(vidiocQueryBuf, unsafe.Pointer(&b)); err != nil {
			d.unmap(set)
			d.freeBuffers(q)
			return nil, d.failf("querybuf", q, ErrAllocationFailed, "buffer %d: %w", i, err)
		}

		data, err := d.drv.mmap(b.offset(), int(b.length))
		if err != nil {
			d.unmap(set)
			d.freeBuffers(q)
			return nil, d.failf("mmap", q, ErrMapFailed, "buffer %d: %w", i, err)
		}

		set.bufs = append(set.bufs, Buffer{Index: int(i), Data: data})
	}

	qs.buffers = set
	return set, nil
}

// SetStreaming turns q on or off. Turning it off hands every buffer back
// to the caller as Free.
func (d *Device) SetStreaming(q Queue, on bool) error {
	if err := d.check("stream", q); err != nil {
		return err
	}
	qs := d.queues[q]
	if qs.buffers == nil {
		return d.fail("stream", q, ErrStreamChangeFailed, errNoBuffers)
	}
	if qs.streaming == on {
		return nil
	}

	req, op := vidiocStreamOff, "streamoff"
	if on {
		req, op = vidiocStreamOn, "streamon"
	}
	typ := int32(q)
	if err := d.drv.ioctl(req, unsafe.Pointer(&typ)); err != nil {
		return d.fail(op, q, ErrStreamChangeFailed, err)
	}

	qs.streaming = on
	if !on {
		qs.buffers.reset()
	}
	return nil
}

// Enqueue hands buffer index of q to the driver. For the output queue
// bytesUsed is the payload size, on capture queues it is ignored.
func (d *Device) Enqueue(q Queue, index, bytesUsed int) error {
	if err := d.check("qbuf", q); err != nil {
		return err
	}
	qs := d.queues[q]
	if qs.buffers == nil {
		return d.fail("qbuf", q, ErrEnqueueFailed, errNoBuffers)
	}
	if index < 0 || index >= qs.buffers.Len() {
		return d.failf("qbuf", q, ErrInvalidIndex, "index %d of %d", index, qs.buffers.Len())
	}

	buf := &qs.buffers.bufs[index]
	if buf.State == BufferQueued {
		return d.failf("qbuf", q, ErrEnqueueFailed, "index %d: %w", index, errAlreadyQueued)
	}

	b := v4l2Buffer{index: uint32(index), typ: uint32(q), memory: memoryMMAP}
	if q == QueueOutput {
		if bytesUsed < 0 || bytesUsed > len(buf.Data) {
			return d.failf("qbuf", q, ErrEnqueueFailed, "index %d: %d bytes used of %d", index, bytesUsed, len(buf.Data))
		}
		b.bytesused = uint32(bytesUsed)
		b.field = uint32(FieldNone)
	}
	if err := d.drv.ioctl(vidiocQBuf, unsafe.Pointer(&b)); err != nil {
		return d.failf("qbuf", q, ErrEnqueueFailed, "index %d: %w", index, err)
	}

	buf.State = BufferQueued
	buf.BytesUsed = 0
	return nil
}

// Dequeue takes back the next buffer of q the driver is done with. It
// returns ErrWouldBlock when none is ready.
func (d *Device) Dequeue(q Queue) (Dequeued, error) {
	if err := d.check("dqbuf", q); err != nil {
		return Dequeued{}, err
	}
	qs := d.queues[q]
	if !qs.streaming {
		return Dequeued{}, d.fail("dqbuf", q, ErrDequeueFailed, errNotStreaming)
	}

	b := v4l2Buffer{typ: uint32(q), memory: memoryMMAP}
	if err := d.drv.ioctl(vidiocDQBuf, unsafe.Pointer(&b)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Dequeued{}, d.fail("dqbuf", q, ErrWouldBlock, err)
		}
		return Dequeued{}, d.fail("dqbuf", q, ErrDequeueFailed, err)
	}

	if int(b.index) >= qs.buffers.Len() {
		return Dequeued{}, d.failf("dqbuf", q, ErrDequeueFailed, "%w: %d of %d", errIndexRange, b.index, qs.buffers.Len())
	}

	buf := &qs.buffers.bufs[b.index]
	buf.State = BufferFilled
	buf.BytesUsed = int(b.bytesused)
	if buf.BytesUsed > len(buf.Data) {
		buf.BytesUsed = len(buf.Data)
	}

	return Dequeued{
		Index:     int(b.index),
		BytesUsed: buf.BytesUsed,
		Flags:     b.flags,
		Sequence:  b.sequence,
	}, nil
}

// Wait blocks up to timeout until q has a buffer to dequeue.
func (d *Device) Wait(q Queue, timeout time.Duration) (bool, error) {
	if d.closed {
		return false, d.fail("poll", q, ErrClosed, nil)
	}

	var events int16 = unix.POLLIN
	if q == QueueOutput && d.role == RoleEncoder {
		events = unix.POLLOUT
	}
	ok, err := d.drv.poll(events, timeout)
	if err != nil {
		return false, d.fail("poll", q, ErrDequeueFailed, err)
	}
	return ok, nil
}

// Close stops streaming, unmaps every buffer and closes the node. Calling
// it again is a no-op.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}

	var errs []error
	for _, q := range []Queue{QueueOutput, QueueCapture} {
		qs := d.queues[q]
		if qs.streaming {
			typ := int32(q)
			if err := d.drv.ioctl(vidiocStreamOff, unsafe.Pointer(&typ)); err != nil {
				errs = append(errs, d.fail("streamoff", q, ErrStreamChangeFailed, err))
			}
			qs.streaming = false
		}
		if qs.buffers != nil {
			if err := d.unmap(qs.buffers); err != nil {
				errs = append(errs, d.fail("munmap", q, ErrMapFailed, err))
			}
			qs.buffers = nil
		}
	}

	d.closed = true
	if err := d.drv.close(); err != nil {
		errs = append(errs, d.fail("close", 0, ErrClosed, err))
	}
	return errors.Join(errs...)
}

func (d *Device) release(q Queue) {
	qs := d.queues[q]
	d.unmap(qs.buffers)
	qs.buffers = nil
	d.freeBuffers(q)
}

func (d *Device) freeBuffers(q Queue) {
	req := v4l2RequestBuffers{count: 0, typ: uint32(q), memory: memoryMMAP}
	d.drv.ioctl(vidiocReqBufs, unsafe.Pointer(&req))
}

func (d *Device) unmap(set *BufferSet) error {
	var first error
	for i := range set.bufs {
		if set.bufs[i].Data == nil {
			continue
		}
		if err := d.drv.munmap(set.bufs[i].Data); err != nil && first == nil {
			first = err
		}
		set.bufs[i].Data = nil
	}
	return first
}
