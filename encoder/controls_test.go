package encoder

import (
	"errors"
	"testing"

	"github.com/frizinak/camstream/logging"
)

type fakeControls struct {
	set    map[uint32]int32
	reject map[uint32]bool
}

func (f *fakeControls) SetControl(id uint32, value int32) error {
	if f.reject[id] {
		return errors.New("EINVAL")
	}
	if f.set == nil {
		f.set = make(map[uint32]int32)
	}
	f.set[id] = value
	return nil
}

func TestDefaultControls(t *testing.T) {
	f := &fakeControls{}
	if n := DefaultControls(5000000).apply(logging.Discard(), f); n != 0 {
		t.Fatalf("got %d failures", n)
	}

	want := map[uint32]int32{
		CIDBitrate:     5000000,
		CIDH264Profile: 4,
		CIDH264Level:   14,
		CIDBitrateMode: 0,
		CIDGOPSize:     1,
		CIDBFrames:     0,
	}
	if len(f.set) != len(want) {
		t.Fatalf("got %d controls, want %d", len(f.set), len(want))
	}
	for id, v := range want {
		if got, ok := f.set[id]; !ok || got != v {
			t.Fatalf("control %#x: got %d (set %v), want %d", id, got, ok, v)
		}
	}
}

func TestRejectedControlContinues(t *testing.T) {
	f := &fakeControls{reject: map[uint32]bool{CIDH264Level: true, CIDBFrames: true}}
	if n := DefaultControls(1000000).apply(logging.Discard(), f); n != 2 {
		t.Fatalf("got %d failures, want 2", n)
	}
	if f.set[CIDGOPSize] != 1 {
		t.Fatal("controls after a rejected one were not applied")
	}
}

func TestControlIDs(t *testing.T) {
	cases := []struct {
		name string
		id   uint32
		want uint32
	}{
		{"b-frames", CIDBFrames, 0x009909ca},
		{"gop", CIDGOPSize, 0x009909cb},
		{"bitrate mode", CIDBitrateMode, 0x009909ce},
		{"bitrate", CIDBitrate, 0x009909cf},
		{"level", CIDH264Level, 0x00990a67},
		{"profile", CIDH264Profile, 0x00990a6b},
	}
	for _, c := range cases {
		if c.id != c.want {
			t.Fatalf("%s: got %#x, want %#x", c.name, c.id, c.want)
		}
	}
}
