package v4l2

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Driver is the kernel surface a Device talks to. The node opened by Open
// and Fake are the only implementations.
type Driver interface {
	ioctl(req uintptr, arg unsafe.Pointer) error
	mmap(offset int64, length int) ([]byte, error)
	munmap(b []byte) error
	poll(events int16, timeout time.Duration) (bool, error)
	close() error
}

type fileDriver struct {
	fd int
}

func openFile(path string) (*fileDriver, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &fileDriver{fd: fd}, nil
}

func (f *fileDriver) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return errno
	}
}

func (f *fileDriver) mmap(offset int64, length int) ([]byte, error) {
	return unix.Mmap(f.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (f *fileDriver) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (f *fileDriver) poll(events int16, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 && fds[0].Revents&events == 0 {
		return false, unix.EIO
	}
	return fds[0].Revents&events != 0, nil
}

func (f *fileDriver) close() error {
	return unix.Close(f.fd)
}
