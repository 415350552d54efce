// Package jitter buffers received frames so they can be written out at a
// steady rate.
package jitter

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity  = 5000000
	DefaultMaxFrames = 100
	DefaultRetries   = 1000
	DefaultBackoff   = 10 * time.Microsecond
)

var (
	ErrLockTimeout = errors.New("jitter: lock not acquired")
	ErrNoSpace     = errors.New("jitter: arena full")
	ErrQueueFull   = errors.New("jitter: too many frames")
	ErrEmpty       = errors.New("jitter: empty")
)

type spinLock struct {
	v       atomic.Int32
	retries int
	backoff time.Duration
}

func (l *spinLock) lock() bool {
	for i := 0; i < l.retries; i++ {
		if l.v.CompareAndSwap(0, 1) {
			return true
		}
		if l.backoff > 0 {
			time.Sleep(l.backoff)
			continue
		}
		runtime.Gosched()
	}
	return false
}

func (l *spinLock) unlock() { l.v.Store(0) }

// Buffer is a byte arena holding whole frames back to back, with a FIFO of
// their lengths. One producer and one consumer may use it concurrently,
// every mutation happens under a bounded spin lock.
type Buffer struct {
	lock spinLock

	arena   []byte
	size    int
	lengths []int

	count atomic.Int32
	bytes atomic.Int64
}

type Option func(*Buffer)

// WithRetries sets the spin budget and the pause between attempts.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(b *Buffer) {
		b.lock.retries = retries
		b.lock.backoff = backoff
	}
}

func New(capacity, maxFrames int, opts ...Option) *Buffer {
	b := &Buffer{
		lock:    spinLock{retries: DefaultRetries, backoff: DefaultBackoff},
		arena:   make([]byte, capacity),
		lengths: make([]int, 0, maxFrames),
	}
	for _, o := range opts {
		o(b)
	}
	if b.lock.retries < 1 {
		b.lock.retries = 1
	}
	return b
}

// Add appends p as one frame.
func (b *Buffer) Add(p []byte) error {
	if !b.lock.lock() {
		return ErrLockTimeout
	}
	defer b.lock.unlock()

	if len(b.lengths) == cap(b.lengths) {
		return ErrQueueFull
	}
	if b.size+len(p) > len(b.arena) {
		return ErrNoSpace
	}

	copy(b.arena[b.size:], p)
	b.size += len(p)
	b.lengths = append(b.lengths, len(p))
	b.publish()
	return nil
}

// RemoveFirst drops the oldest frame.
func (b *Buffer) RemoveFirst() error {
	if !b.lock.lock() {
		return ErrLockTimeout
	}
	defer b.lock.unlock()

	if len(b.lengths) == 0 {
		return ErrEmpty
	}
	b.shift()
	return nil
}

// Pop appends the oldest frame to dst[:0] and removes it.
func (b *Buffer) Pop(dst []byte) ([]byte, error) {
	if !b.lock.lock() {
		return dst[:0], ErrLockTimeout
	}
	defer b.lock.unlock()

	if len(b.lengths) == 0 {
		return dst[:0], ErrEmpty
	}
	dst = append(dst[:0], b.arena[:b.lengths[0]]...)
	b.shift()
	return dst, nil
}

func (b *Buffer) shift() {
	n := b.lengths[0]
	copy(b.arena, b.arena[n:b.size])
	b.size -= n
	copy(b.lengths, b.lengths[1:])
	b.lengths = b.lengths[:len(b.lengths)-1]
	b.publish()
}

func (b *Buffer) publish() {
	b.count.Store(int32(len(b.lengths)))
	b.bytes.Store(int64(b.size))
}

// Count is the number of queued frames.
func (b *Buffer) Count() int { return int(b.count.Load()) }

// Size is the number of arena bytes in use.
func (b *Buffer) Size() int { return int(b.bytes.Load()) }

// Capacity is the arena size.
func (b *Buffer) Capacity() int { return len(b.arena) }

// Lengths returns a copy of the queued frame lengths, oldest first.
func (b *Buffer) Lengths() ([]int, error) {
	if !b.lock.lock() {
		return nil, ErrLockTimeout
	}
	defer b.lock.unlock()
	return append([]int(nil), b.lengths...), nil
}
