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

	"github.com/frizinak/camstream/camera"
	"github.com/frizinak/camstream/config"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/server"
)

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

	fl := flag.NewFlagSet("camstream-server", flag.ContinueOnError)
	file := fl.String("config", defFile, "config file, created with defaults when missing")
	info := fl.Bool("info", false, "print the camera formats and frame sizes and exit")

	def := config.DefaultServer()
	addr := fl.String("l", def.Address, "listen address")
	cam := fl.String("c", def.Camera, "camera device")
	enc := fl.String("e", def.Encoder, "encoder device")
	backend := fl.String("b", def.Backend, "camera backend: v4l2 or webcam")
	width := fl.Int("w", def.Width, "default width")
	height := fl.Int("h", def.Height, "default height")
	rate := fl.Int("r", def.FrameRate, "default frame rate")
	frames := fl.Int("n", def.FrameCount, "frames per session, 0 streams until the client leaves")
	bitrate := fl.Int("bitrate", def.Bitrate, "encoder bitrate")
	level := fl.String("log-level", def.Log.Level, "debug, info, warn or error")
	format := fl.String("log-format", def.Log.Format, "text or json")
	if err := fl.Parse(args); err != nil {
		return err
	}

	conf, err := config.LoadServer(*file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := config.EnsureConfig(*file, def); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "created default config in %s\n", *file)
	}

	fl.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "l":
			conf.Address = *addr
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

	if *info {
		i, err := camera.Describe(conf.Camera)
		if err != nil {
			return err
		}
		return i.Print(os.Stdout)
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	l := logging.New(conf.Log.Logging())
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

	s := server.New(l, conf.Address, devices, server.Options{
		Params:       conf.Params(),
		FrameCount:   conf.FrameCount,
		ReadyTimeout: conf.ReadyTimeout.Duration,
		WriteTimeout: conf.WriteTimeout.Duration,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Listen(ctx)
}
