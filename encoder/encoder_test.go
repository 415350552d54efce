package encoder

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/frizinak/camstream/convert"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/v4l2"
)

func testOptions() Options {
	return Options{
		Width:         640,
		Height:        480,
		FrameRate:     10,
		InputBuffers:  1,
		ResultBuffers: 2,
		Controls:      DefaultControls(5000000),
		Timeout:       20 * time.Millisecond,
	}
}

func newEncoder(t *testing.T, f *v4l2.Fake, o Options) (*M2M, error) {
	t.Helper()
	dev, err := v4l2.OpenDriver("/dev/fake", v4l2.RoleEncoder, f)
	if err != nil {
		t.Fatal(err)
	}
	return New(logging.Discard(), dev, o)
}

func TestNewStartsStreaming(t *testing.T) {
	f := v4l2.NewFakeEncoder()
	e, err := newEncoder(t, f, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	want := []string{
		"reqbufs output 1",
		"reqbufs capture 2",
		"qbuf capture 0",
		"qbuf capture 1",
		"streamon output",
		"streamon capture",
	}
	if fmt.Sprint(f.Ops) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", f.Ops, want)
	}

	in := e.InputFormat()
	if in.PixelFormat != v4l2.PixelFormatNV12 || in.BytesPerLine != 640 || in.SizeImage != convert.NV12Size(640, 480) {
		t.Fatalf("got input format %s", in)
	}
	if e.ResultFormat().PixelFormat != v4l2.PixelFormatH264 {
		t.Fatalf("got result format %s", e.ResultFormat())
	}
	if f.Controls[CIDBitrate] != 5000000 {
		t.Fatalf("bitrate control not applied: %v", f.Controls)
	}
	if e.InputCount() != 1 || len(e.Input(0)) < convert.NV12Size(640, 480) || e.Input(1) != nil {
		t.Fatalf("got %d inputs", e.InputCount())
	}
}

func TestNewRejectsSmallInputBuffer(t *testing.T) {
	f := v4l2.NewFakeEncoder()
	f.BufLen = convert.NV12Size(640, 480) - 1
	if _, err := newEncoder(t, f, testOptions()); err == nil {
		t.Fatal("short input buffer accepted")
	}
	if f.Closed != 1 {
		t.Fatalf("device not closed after failed setup")
	}
	if f.Streaming(v4l2.QueueOutput) || f.Streaming(v4l2.QueueCapture) {
		t.Fatalf("streaming after failed setup")
	}
}

func TestNewRejectsAdjustedInput(t *testing.T) {
	cases := []struct {
		name   string
		adjust func(p *v4l2.Format)
	}{
		{"stride", func(p *v4l2.Format) { p.BytesPerLine = 704 }},
		{"width", func(p *v4l2.Format) { p.Width = 320 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := v4l2.NewFakeEncoder()
			f.Adjust = func(q v4l2.Queue, p *v4l2.Format) {
				if q == v4l2.QueueOutput {
					c.adjust(p)
				}
			}
			_, err := newEncoder(t, f, testOptions())
			if !errors.Is(err, v4l2.ErrUnsupportedFormat) {
				t.Fatalf("got %v, want %v", err, v4l2.ErrUnsupportedFormat)
			}
		})
	}
}

func TestDequeueTimeout(t *testing.T) {
	f := v4l2.NewFakeEncoder()
	e, err := newEncoder(t, f, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	start := time.Now()
	if _, err := e.DequeueInput(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("gave up after %s", time.Since(start))
	}
	if f.Polls == 0 {
		t.Fatalf("never waited on the device")
	}
}

func TestDequeueRetriesAfterWait(t *testing.T) {
	f := v4l2.NewFakeEncoder()
	e, err := newEncoder(t, f, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.QueueInput(0, convert.NV12Size(640, 480)); err != nil {
		t.Fatal(err)
	}
	f.Ready = true
	f.Busy = 2
	index, err := e.DequeueInput()
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 || f.Polls != 2 {
		t.Fatalf("got index %d after %d waits, want 0 after 2", index, f.Polls)
	}
}

func TestDequeueResult(t *testing.T) {
	cases := []struct {
		name  string
		bytes int
		flags uint32
		eos   bool
	}{
		{"frame", 100, 0, false},
		{"keyframe", 100, v4l2.FlagKeyframe, false},
		{"last flag", 100, v4l2.FlagLast, true},
		{"empty", 0, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := v4l2.NewFakeEncoder()
			e, err := newEncoder(t, f, testOptions())
			if err != nil {
				t.Fatal(err)
			}
			defer e.Close()

			f.BytesUsed, f.Flags = c.bytes, c.flags
			r, err := e.DequeueResult()
			if err != nil {
				t.Fatal(err)
			}
			if r.EOS != c.eos || r.Index != 0 || r.Flags != c.flags {
				t.Fatalf("got %+v", r)
			}
			if c.eos && r.Data != nil {
				t.Fatalf("end of stream carries %d bytes", len(r.Data))
			}
			if !c.eos && len(r.Data) != c.bytes {
				t.Fatalf("got %d bytes, want %d", len(r.Data), c.bytes)
			}

			if err := e.QueueResult(r.Index); err != nil {
				t.Fatal(err)
			}
			if f.Queued(v4l2.QueueCapture) != 2 {
				t.Fatalf("result not handed back")
			}
		})
	}
}
