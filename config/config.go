package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/frizinak/camstream/camera"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/protocol"
)

const (
	MaxFrameCount = 10000
	MinBitrate    = 64000
	MaxBitrate    = 50000000
)

// Duration is a time.Duration that reads and writes as "2s" in JSON.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Log struct {
	Level  string
	Format string
}

func (l Log) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

type Server struct {
	Address string
	Camera  string
	Encoder string
	Backend string

	Width      int
	Height     int
	FrameRate  int
	FrameCount int
	Bitrate    int

	CameraBuffers        int
	EncoderInputBuffers  int
	EncoderResultBuffers int

	ReadyTimeout   Duration
	EncoderTimeout Duration
	WriteTimeout   Duration

	Log Log
}

func DefaultServer() Server {
	return Server{
		Address:              "0.0.0.0:5100",
		Camera:               "/dev/video2",
		Encoder:              "/dev/video0",
		Backend:              camera.BackendV4L2,
		Width:                800,
		Height:               600,
		FrameRate:            10,
		FrameCount:           100,
		Bitrate:              5000000,
		CameraBuffers:        4,
		EncoderInputBuffers:  1,
		EncoderResultBuffers: 2,
		ReadyTimeout:         Duration{2 * time.Second},
		EncoderTimeout:       Duration{time.Second},
		WriteTimeout:         Duration{5 * time.Second},
		Log:                  Log{Level: "info", Format: "text"},
	}
}

func (s Server) Params() protocol.Params {
	return protocol.Params{Width: s.Width, Height: s.Height, FrameRate: s.FrameRate}
}

func (s Server) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validateAddress(s.Address))
	add(s.Params().Validate())
	add(s.Log.Logging().Validate())
	if s.Camera == "" {
		add(errors.New("camera device not set"))
	}
	if s.Encoder == "" {
		add(errors.New("encoder device not set"))
	}
	switch s.Backend {
	case camera.BackendV4L2, camera.BackendWebcam:
	default:
		add(fmt.Errorf("unknown camera backend %q", s.Backend))
	}
	if s.FrameCount < 0 || s.FrameCount > MaxFrameCount {
		add(fmt.Errorf("frame count %d not within [0, %d]", s.FrameCount, MaxFrameCount))
	}
	if s.Bitrate < MinBitrate || s.Bitrate > MaxBitrate {
		add(fmt.Errorf("bitrate %d not within [%d, %d]", s.Bitrate, MinBitrate, MaxBitrate))
	}
	if s.CameraBuffers < camera.MinBuffers {
		add(fmt.Errorf("camera buffers %d, need at least %d", s.CameraBuffers, camera.MinBuffers))
	}
	if s.EncoderInputBuffers < 1 || s.EncoderResultBuffers < 1 {
		add(fmt.Errorf("encoder buffers %d/%d, need at least 1 each", s.EncoderInputBuffers, s.EncoderResultBuffers))
	}
	if s.ReadyTimeout.Duration <= 0 {
		add(fmt.Errorf("readiness timeout %s must be positive", s.ReadyTimeout))
	}
	if s.EncoderTimeout.Duration <= 0 {
		add(fmt.Errorf("encoder timeout %s must be positive", s.EncoderTimeout))
	}
	if s.WriteTimeout.Duration <= 0 {
		add(fmt.Errorf("write timeout %s must be positive", s.WriteTimeout))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

type Client struct {
	Address   string
	Width     int
	Height    int
	FrameRate int

	Capacity      int
	MaxFrames     int
	LowWatermark  int
	HighWatermark int

	Output       string
	ReadTimeout  Duration
	Reconnect    bool
	WaitKeyframe bool

	Log Log
}

func DefaultClient() Client {
	return Client{
		Address:       "10.1.91.15:5100",
		Width:         800,
		Height:        600,
		FrameRate:     10,
		Capacity:      5000000,
		MaxFrames:     100,
		LowWatermark:  1,
		HighWatermark: 25,
		Output:        "-",
		ReadTimeout:   Duration{5 * time.Second},
		Log:           Log{Level: "info", Format: "text"},
	}
}

func (c Client) Params() protocol.Params {
	return protocol.Params{Width: c.Width, Height: c.Height, FrameRate: c.FrameRate}
}

func (c Client) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validateAddress(c.Address))
	add(c.Params().Validate())
	add(c.Log.Logging().Validate())
	if c.Capacity <= 0 {
		add(fmt.Errorf("buffer capacity %d must be positive", c.Capacity))
	}
	if c.MaxFrames <= 0 {
		add(fmt.Errorf("max frames %d must be positive", c.MaxFrames))
	}
	if c.LowWatermark < 1 || c.LowWatermark >= c.HighWatermark || c.HighWatermark > c.MaxFrames {
		add(fmt.Errorf(
			"watermarks low=%d high=%d, need 1 <= low < high <= %d",
			c.LowWatermark,
			c.HighWatermark,
			c.MaxFrames,
		))
	}
	if c.ReadTimeout.Duration <= 0 {
		add(fmt.Errorf("read timeout %s must be positive", c.ReadTimeout))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("address %q: missing host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("address %q: port not within [1, 65535]", addr)
	}
	return nil
}

// DefaultConfigFile returns ~/.config/camstream/<name>.json.
func DefaultConfigFile(name string) (string, error) {
	home, err := os.UserHomeDir()
	return filepath.Join(home, ".config", "camstream", name+".json"), err
}

// LoadServer reads file on top of the server defaults.
func LoadServer(file string) (Server, error) {
	c := DefaultServer()
	err := load(file, &c)
	return c, err
}

// LoadClient reads file on top of the client defaults.
func LoadClient(file string) (Client, error) {
	c := DefaultClient()
	err := load(file, &c)
	return c, err
}

func load(file string, v interface{}) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return fmt.Errorf("config %s: %w", file, err)
	}
	return nil
}

// EnsureConfig writes v to file unless the file already exists.
func EnsureConfig(file string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
