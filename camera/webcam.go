package camera

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/blackjack/webcam"
	"github.com/frizinak/camstream/v4l2"
)

// Webcam is a camera driven through github.com/blackjack/webcam.
type Webcam struct {
	l      *slog.Logger
	cam    *webcam.Webcam
	format v4l2.Format
}

func OpenWebcam(l *slog.Logger, path string, o Options) (*Webcam, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}

	w := &Webcam{l: l, cam: cam}
	if err := w.setup(o); err != nil {
		cam.Close()
		return nil, err
	}
	return w, nil
}

func (w *Webcam) setup(o Options) error {
	code, width, height, err := w.cam.SetImageFormat(
		webcam.PixelFormat(v4l2.PixelFormatYUYV),
		uint32(o.Width),
		uint32(o.Height),
	)
	if err != nil {
		return err
	}
	if v4l2.PixelFormat(code) != v4l2.PixelFormatYUYV {
		return fmt.Errorf("camera: %w: driver chose %s", v4l2.ErrUnsupportedFormat, v4l2.PixelFormat(code))
	}

	w.format = v4l2.Format{
		Width:        int(width),
		Height:       int(height),
		PixelFormat:  v4l2.PixelFormatYUYV,
		BytesPerLine: int(width) * 2,
		SizeImage:    int(width) * int(height) * 2,
	}
	if w.format.Width != o.Width || w.format.Height != o.Height {
		w.l.Warn("camera adjusted resolution", "want", fmt.Sprintf("%dx%d", o.Width, o.Height), "got", w.format.String())
	}

	if err := w.cam.SetFramerate(float32(o.FrameRate)); err != nil {
		w.l.Warn("camera frame rate not applied", "fps", o.FrameRate, "err", err)
	}
	if err := w.cam.SetBufferCount(uint32(o.Buffers)); err != nil {
		return err
	}

	return w.cam.StartStreaming()
}

func (w *Webcam) Format() v4l2.Format { return w.format }

// Wait has a resolution of whole seconds.
func (w *Webcam) Wait(timeout time.Duration) error {
	err := w.cam.WaitForFrame(waitSeconds(timeout))
	switch err.(type) {
	case nil:
		return nil
	case *webcam.Timeout:
		return ErrTimeout
	default:
		return err
	}
}

func waitSeconds(d time.Duration) uint32 {
	s := uint32((d + time.Second - 1) / time.Second)
	if s == 0 {
		return 1
	}
	return s
}

func (w *Webcam) Dequeue() (Frame, error) {
	data, index, err := w.cam.GetFrame()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Index: int(index), Data: data}, nil
}

func (w *Webcam) Queue(index int) error {
	return w.cam.ReleaseFrame(uint32(index))
}

func (w *Webcam) Close() error {
	if err := w.cam.StopStreaming(); err != nil {
		w.l.Debug("stop streaming", "err", err)
	}
	return w.cam.Close()
}

// Info describes a capture device and what it can produce.
type Info struct {
	Path    string
	Name    string
	Formats []FormatInfo
}

type FormatInfo struct {
	PixelFormat v4l2.PixelFormat
	Description string
	Sizes       []string
}

// Describe lists the formats and frame sizes of the device at path.
func Describe(path string) (Info, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer cam.Close()

	info := Info{Path: path}
	if name, err := cam.GetName(); err == nil {
		info.Name = name
	}

	for code, desc := range cam.GetSupportedFormats() {
		f := FormatInfo{PixelFormat: v4l2.PixelFormat(code), Description: desc}
		for _, size := range cam.GetSupportedFrameSizes(code) {
			f.Sizes = append(f.Sizes, size.GetString())
		}
		info.Formats = append(info.Formats, f)
	}
	sort.Slice(info.Formats, func(i, j int) bool {
		return info.Formats[i].PixelFormat < info.Formats[j].PixelFormat
	})

	return info, nil
}

func (i Info) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s: %s\n", i.Path, i.Name); err != nil {
		return err
	}
	for _, f := range i.Formats {
		if _, err := fmt.Fprintf(w, "  %s (%s)\n", f.PixelFormat, f.Description); err != nil {
			return err
		}
		for _, s := range f.Sizes {
			if _, err := fmt.Fprintf(w, "    %s\n", s); err != nil {
				return err
			}
		}
	}
	return nil
}
