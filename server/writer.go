package server

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

type countWriter struct {
	n uint64
	w io.Writer
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += uint64(n)
	return n, err
}

// meter logs the outgoing throughput about once a second.
type meter struct {
	l   *slog.Logger
	now func() time.Time

	sem        sync.Mutex
	bytes      uint64
	frames     uint64
	since      time.Time
	throughput float64
	fps        float64
}

func newMeter(l *slog.Logger) *meter {
	return &meter{l: l, now: time.Now, since: time.Now()}
}

func (m *meter) addBytes(bytes uint64) {
	m.sem.Lock()
	defer m.sem.Unlock()

	m.bytes += bytes
	m.frames++
	since := m.now().Sub(m.since).Seconds()
	if since <= 1 {
		return
	}

	m.throughput = float64(m.bytes) / since
	m.fps = float64(m.frames) / since
	m.since = m.now()
	m.bytes = 0
	m.frames = 0
	m.l.Debug(
		"throughput",
		"kBps", int(m.throughput/1024),
		"fps", int(m.fps+0.5),
	)
}

// rate returns bytes and frames per second over the last full period.
func (m *meter) rate() (float64, float64) {
	m.sem.Lock()
	defer m.sem.Unlock()
	return m.throughput, m.fps
}
