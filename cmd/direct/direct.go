package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/frizinak/camstream/config"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/server"
	"github.com/frizinak/camstream/sink"
)

// direct records from the local camera and encoder without a network hop.
// It shares the server config file, flags override it.
func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defFile, err := config.DefaultConfigFile("server")
	if err != nil {
		return err
	}

	fl := flag.NewFlagSet("camstream-direct", flag.ContinueOnError)
	file := fl.String("config", defFile, "server config file, defaults are used when missing")

	def := config.DefaultServer()
	cam := fl.String("c", def.Camera, "camera device")
	enc := fl.String("e", def.Encoder, "encoder device")
	backend := fl.String("b", def.Backend, "camera backend: v4l2 or webcam")
	width := fl.Int("w", def.Width, "width")
	height := fl.Int("h", def.Height, "height")
	rate := fl.Int("r", def.FrameRate, "frame rate")
	frames := fl.Int("n", def.FrameCount, "frames to record, 0 until interrupted")
	bitrate := fl.Int("bitrate", def.Bitrate, "encoder bitrate")
	output := fl.String("o", sink.Stdout, "output: - for stdout, a file, or a ws:// url")
	level := fl.String("log-level", def.Log.Level, "debug, info, warn or error")
	format := fl.String("log-format", def.Log.Format, "text or json")
	if err := fl.Parse(args); err != nil {
		return err
	}

	conf, err := config.LoadServer(*file)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	fl.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "c":
			conf.Camera = *cam
		case "e":
			conf.Encoder = *enc
		case "b":
			conf.Backend = strings.ToLower(*backend)
		case "w":
			conf.Width = *width
		case "h":
			conf.Height = *height
		case "r":
			conf.FrameRate = *rate
		case "n":
			conf.FrameCount = *frames
		case "bitrate":
			conf.Bitrate = *bitrate
		case "log-level":
			conf.Log.Level = *level
		case "log-format":
			conf.Log.Format = *format
		}
	})

	if err := conf.Validate(); err != nil {
		return err
	}

	l := logging.New(conf.Log.Logging())
	out, err := sink.Open(*output)
	if err != nil {
		return err
	}
	defer out.Close()

	devices := server.NewHardware(logging.WithComponent(l, "devices"), server.HardwareConfig{
		Camera:        conf.Camera,
		Encoder:       conf.Encoder,
		Backend:       conf.Backend,
		CameraBuffers: conf.CameraBuffers,
		InputBuffers:  conf.EncoderInputBuffers,
		ResultBuffers: conf.EncoderResultBuffers,
		Bitrate:       conf.Bitrate,
		Timeout:       conf.EncoderTimeout.Duration,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Record(ctx, l, devices, server.Options{
		Params:       conf.Params(),
		FrameCount:   conf.FrameCount,
		ReadyTimeout: conf.ReadyTimeout.Duration,
	}, out)
}
