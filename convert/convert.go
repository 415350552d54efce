// Package convert turns packed YUYV 4:2:2 frames into NV12 4:2:0.
package convert

import (
	"encoding/binary"
	"fmt"
)

// ValidationError is returned when dimensions or buffer sizes do not fit.
// Nothing is written to the destination in that case.
type ValidationError struct {
	Width, Height int
	Reason        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("convert %dx%d: %s", e.Width, e.Height, e.Reason)
}

// YUYVSize is the byte size of a packed YUYV frame.
func YUYVSize(width, height int) int { return width * height * 2 }

// NV12Size is the byte size of an NV12 frame.
func NV12Size(width, height int) int { return width * height * 3 / 2 }

// Func is the signature shared by both converters.
type Func func(dst, src []byte, width, height int) error

func validate(dst, src []byte, width, height int) error {
	switch {
	case width <= 0 || height <= 0:
		return &ValidationError{width, height, "dimensions must be positive"}
	case width%4 != 0:
		return &ValidationError{width, height, "width must be a multiple of 4"}
	case height%2 != 0:
		return &ValidationError{width, height, "height must be even"}
	case len(src) != YUYVSize(width, height):
		return &ValidationError{width, height, fmt.Sprintf("input is %d bytes, want %d", len(src), YUYVSize(width, height))}
	case len(dst) < NV12Size(width, height):
		return &ValidationError{width, height, fmt.Sprintf("output is %d bytes, want at least %d", len(dst), NV12Size(width, height))}
	}
	return nil
}

// YUYVToNV12 converts src into dst one YUYV quad at a time.
func YUYVToNV12(dst, src []byte, width, height int) error {
	if err := validate(dst, src, width, height); err != nil {
		return err
	}

	stride := width * 2
	luma := dst[:width*height]
	chroma := dst[width*height : NV12Size(width, height)]
	for row := 0; row < height; row++ {
		line := src[row*stride : (row+1)*stride]
		y := luma[row*width : (row+1)*width]
		if row%2 == 0 {
			scalarLine(y, chroma[row/2*width:(row/2+1)*width], line)
			continue
		}
		scalarLine(y, nil, line)
	}
	return nil
}

// scalarLine splits one YUYV line. c is nil on rows that carry no chroma.
func scalarLine(y, c, line []byte) {
	for i, o := 0, 0; i < len(line); i, o = i+4, o+2 {
		y[o] = line[i]
		y[o+1] = line[i+2]
		if c != nil {
			c[o] = line[i+1]
			c[o+1] = line[i+3]
		}
	}
}

const chunk = 32

// YUYVToNV12Chunked produces the same output as YUYVToNV12 but handles 32
// input bytes per step, splitting them into 16 luma and 16 chroma bytes
// with 64-bit lane packing. Line remainders go through the quad path.
func YUYVToNV12Chunked(dst, src []byte, width, height int) error {
	if err := validate(dst, src, width, height); err != nil {
		return err
	}

	stride := width * 2
	whole := stride / chunk * chunk
	luma := dst[:width*height]
	chroma := dst[width*height : NV12Size(width, height)]
	for row := 0; row < height; row++ {
		line := src[row*stride : (row+1)*stride]
		y := luma[row*width : (row+1)*width]
		var c []byte
		if row%2 == 0 {
			c = chroma[row/2*width : (row/2+1)*width]
		}

		for i := 0; i < whole; i += chunk {
			o := i / 2
			w0 := binary.LittleEndian.Uint64(line[i:])
			w1 := binary.LittleEndian.Uint64(line[i+8:])
			w2 := binary.LittleEndian.Uint64(line[i+16:])
			w3 := binary.LittleEndian.Uint64(line[i+24:])

			binary.LittleEndian.PutUint64(y[o:], pack(w0)|pack(w1)<<32)
			binary.LittleEndian.PutUint64(y[o+8:], pack(w2)|pack(w3)<<32)
			if c != nil {
				binary.LittleEndian.PutUint64(c[o:], pack(w0>>8)|pack(w1>>8)<<32)
				binary.LittleEndian.PutUint64(c[o+8:], pack(w2>>8)|pack(w3>>8)<<32)
			}
		}

		if whole < stride {
			var cr []byte
			if c != nil {
				cr = c[whole/2:]
			}
			scalarLine(y[whole/2:], cr, line[whole:])
		}
	}
	return nil
}

// pack gathers bytes 0, 2, 4 and 6 of w into the low 32 bits.
func pack(w uint64) uint64 {
	w &= 0x00ff00ff00ff00ff
	w = (w | w>>8) & 0x0000ffff0000ffff
	return (w | w>>16) & 0x00000000ffffffff
}
