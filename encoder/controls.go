package encoder

import (
	"log/slog"

	"github.com/frizinak/camstream/v4l2"
)

const cidMPEGBase = 0x00990900

const (
	CIDBFrames     = cidMPEGBase + 202
	CIDGOPSize     = cidMPEGBase + 203
	CIDBitrateMode = cidMPEGBase + 206
	CIDBitrate     = cidMPEGBase + 207
	CIDH264Level   = cidMPEGBase + 359
	CIDH264Profile = cidMPEGBase + 363
)

const (
	BitrateModeVBR = 0
	BitrateModeCBR = 1

	ProfileBaseline = 0
	ProfileMain     = 2
	ProfileHigh     = 4

	Level40 = 11
	Level41 = 12
	Level42 = 13
	Level50 = 14
)

// Controls are the H.264 settings written to the encoder before streaming.
type Controls struct {
	Bitrate     int
	BitrateMode int
	Profile     int
	Level       int
	GOPSize     int
	BFrames     int
}

// DefaultControls is high profile level 5.0, VBR, every frame a keyframe
// and no B-frames.
func DefaultControls(bitrate int) Controls {
	return Controls{
		Bitrate:     bitrate,
		BitrateMode: BitrateModeVBR,
		Profile:     ProfileHigh,
		Level:       Level50,
		GOPSize:     1,
		BFrames:     0,
	}
}

type control struct {
	name  string
	id    uint32
	value int32
}

func (c Controls) list() []control {
	return []control{
		{"bitrate", CIDBitrate, int32(c.Bitrate)},
		{"profile", CIDH264Profile, int32(c.Profile)},
		{"level", CIDH264Level, int32(c.Level)},
		{"bitrate mode", CIDBitrateMode, int32(c.BitrateMode)},
		{"gop size", CIDGOPSize, int32(c.GOPSize)},
		{"b-frames", CIDBFrames, int32(c.BFrames)},
	}
}

type controlSetter interface {
	SetControl(id uint32, value int32) error
}

// apply writes every control. Drivers differ in what they accept, so a
// rejected control is only logged.
func (c Controls) apply(l *slog.Logger, dev controlSetter) int {
	var failed int
	for _, ctrl := range c.list() {
		if err := dev.SetControl(ctrl.id, ctrl.value); err != nil {
			failed++
			l.Warn("encoder control rejected", "control", ctrl.name, "value", ctrl.value, "err", err)
		}
	}
	return failed
}

var _ controlSetter = (*v4l2.Device)(nil)
