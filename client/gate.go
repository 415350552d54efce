package client

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// keyframeGate holds back access units until the first one carrying an IDR
// slice, a decoder cannot start on anything else.
type keyframeGate struct {
	open    bool
	dropped uint64
}

func (g *keyframeGate) admit(au []byte) bool {
	if g.open {
		return true
	}

	nalus, err := h264.AnnexBUnmarshal(au)
	if err == nil && h264.IDRPresent(nalus) {
		g.open = true
		return true
	}
	g.dropped++
	return false
}

func (g *keyframeGate) reset() {
	g.open = false
}
