package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/frizinak/camstream/client"
	"github.com/frizinak/camstream/config"
	"github.com/frizinak/camstream/jitter"
	"github.com/frizinak/camstream/logging"
	"github.com/frizinak/camstream/sink"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defFile, err := config.DefaultConfigFile("client")
	if err != nil {
		return err
	}

	fl := flag.NewFlagSet("camstream-client", flag.ContinueOnError)
	file := fl.String("config", defFile, "config file, created with defaults when missing")

	def := config.DefaultClient()
	addr := fl.String("s", def.Address, "server address")
	width := fl.Int("w", def.Width, "width")
	height := fl.Int("h", def.Height, "height")
	rate := fl.Int("r", def.FrameRate, "frame rate")
	output := fl.String("o", def.Output, "output: - for stdout, a file, or a ws:// url")
	low := fl.Int("low", def.LowWatermark, "frames queued before playback starts")
	high := fl.Int("high", def.HighWatermark, "frames queued before catching up")
	reconnect := fl.Bool("reconnect", def.Reconnect, "reconnect when the session ends")
	keyframe := fl.Bool("keyframe", def.WaitKeyframe, "drop frames until the first keyframe")
	level := fl.String("log-level", def.Log.Level, "debug, info, warn or error")
	if err := fl.Parse(args); err != nil {
		return err
	}

	conf, err := config.LoadClient(*file)
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
		case "s":
			conf.Address = *addr
		case "w":
			conf.Width = *width
		case "h":
			conf.Height = *height
		case "r":
			conf.FrameRate = *rate
		case "o":
			conf.Output = *output
		case "low":
			conf.LowWatermark = *low
		case "high":
			conf.HighWatermark = *high
		case "reconnect":
			conf.Reconnect = *reconnect
		case "keyframe":
			conf.WaitKeyframe = *keyframe
		case "log-level":
			conf.Log.Level = *level
		}
	})

	if err := conf.Validate(); err != nil {
		return err
	}

	l := logging.New(conf.Log.Logging())
	out, err := sink.Open(conf.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := jitter.New(conf.Capacity, conf.MaxFrames)
	pacer, err := jitter.NewPacer(
		logging.WithComponent(l, "pacer"),
		buf,
		out,
		conf.FrameRate,
		conf.LowWatermark,
		conf.HighWatermark,
	)
	if err != nil {
		return err
	}

	c, info := client.New(l, conf.Address, buf, client.Options{
		Params:       conf.Params(),
		ReadTimeout:  conf.ReadTimeout.Duration,
		Reconnect:    conf.Reconnect,
		WaitKeyframe: conf.WaitKeyframe,
	})
	go func() {
		var last client.Info = -1
		for i := range info {
			if i != last {
				l.Debug("client state", "info", i.String())
				last = i
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx, pacer); err != nil {
		return err
	}

	received, dropped := c.Stats()
	written, skipped := pacer.Stats()
	l.Info("done", "received", received, "dropped", dropped, "written", written, "skipped", skipped)
	return nil
}
