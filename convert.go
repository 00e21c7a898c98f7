package i2s

import (
	"encoding/binary"
	"fmt"
)

// converter writes frames frames from src into dst. Both slices start at the first frame to
// convert; the output is always signed 16-bit.
type converter struct {
	name      string
	srcStride int
	dstStride int
	convert   func(dst, src []byte, frames int)
}

// selectConverter picks the single conversion from a producer format to an output channel count.
func selectConverter(src AudioFormat, outChannels int) (converter, error) {
	if src.Channels > outChannels {
		return converter{}, fmt.Errorf("%w: %d channel source into %d channel output", ErrUnsupportedFormat, src.Channels, outChannels)
	}

	c := converter{
		srcStride: src.Encoding.BytesPerSample() * src.Channels,
		dstStride: 2 * outChannels,
	}

	switch {
	case src.Encoding == EncodingS16 && src.Channels == outChannels:
		stride := c.srcStride
		c.name, c.convert = "copy", func(dst, src []byte, frames int) { copy(dst[:frames*stride], src[:frames*stride]) }
	case src.Encoding == EncodingS16 && src.Channels == 1 && outChannels == 2:
		c.name, c.convert = "mono to stereo", monoS16ToStereo
	case src.Encoding == EncodingS8 && src.Channels == 1 && outChannels == 1:
		c.name, c.convert = "8-bit to 16-bit mono", func(dst, src []byte, frames int) { widenS8(dst, src, frames) }
	case src.Encoding == EncodingS8 && src.Channels == 2 && outChannels == 2:
		c.name, c.convert = "8-bit to 16-bit stereo", func(dst, src []byte, frames int) { widenS8(dst, src, frames*2) }
	case src.Encoding == EncodingS8 && src.Channels == 1 && outChannels == 2:
		c.name, c.convert = "8-bit mono to 16-bit stereo", monoS8ToStereo
	default:
		return converter{}, fmt.Errorf("%w: %v into %d channel output", ErrUnsupportedFormat, src, outChannels)
	}

	return c, nil
}

func monoS16ToStereo(dst, src []byte, frames int) {
	for i := 0; i < frames; i++ {
		s := binary.LittleEndian.Uint16(src[i*2:])
		binary.LittleEndian.PutUint16(dst[i*4:], s)
		binary.LittleEndian.PutUint16(dst[i*4+2:], s)
	}
}

// widenS8 promotes signed 8-bit samples to 16-bit by placing them in the high byte.
func widenS8(dst, src []byte, samples int) {
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(int8(src[i]))<<8))
	}
}

func monoS8ToStereo(dst, src []byte, frames int) {
	for i := 0; i < frames; i++ {
		s := uint16(int16(int8(src[i])) << 8)
		binary.LittleEndian.PutUint16(dst[i*4:], s)
		binary.LittleEndian.PutUint16(dst[i*4+2:], s)
	}
}
