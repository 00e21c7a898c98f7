package i2s

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
)

// PoolWriter fills buffers of a producer pool from interleaved PCM and gives them to the pool's
// connection as they fill up. Writes block while no free buffer is available, so a PoolWriter
// must not be used from the real-time path.
type PoolWriter struct {
	pool    *BufferPool
	stride  int
	cur     *Buffer
	partial []byte
	samples []byte
}

// NewPoolWriter returns a writer that produces into pool.
func NewPoolWriter(pool *BufferPool) (*PoolWriter, error) {
	if pool == nil || pool.Role() != RoleProducer {
		return nil, fmt.Errorf("%w: writer requires a producer pool", ErrInvalidConfig)
	}

	if pool.Stats().Total == 0 {
		return nil, fmt.Errorf("%w: producer pool has no buffers", ErrInvalidConfig)
	}

	return &PoolWriter{pool: pool, stride: pool.Format().Stride}, nil
}

// Write copies raw little-endian frames in the pool's format. A trailing partial frame is kept
// until the next Write completes it.
func (w *PoolWriter) Write(p []byte) (int, error) {
	n := len(p)

	if len(w.partial) > 0 {
		need := w.stride - len(w.partial)
		if len(p) < need {
			w.partial = append(w.partial, p...)
			return n, nil
		}
		w.partial = append(w.partial, p[:need]...)
		w.put(w.partial)
		w.partial = w.partial[:0]
		p = p[need:]
	}

	whole := len(p) - len(p)%w.stride
	w.put(p[:whole])
	w.partial = append(w.partial, p[whole:]...)

	return n, nil
}

// WriteIntBuffer converts and writes a go-audio buffer. Its channel count must match the pool;
// samples are rescaled from buf.SourceBitDepth (16 when unset) to the pool's encoding.
func (w *PoolWriter) WriteIntBuffer(buf *audio.IntBuffer) error {
	if buf == nil {
		return nil
	}

	f := w.pool.Format().Format
	if buf.Format != nil && buf.Format.NumChannels != f.Channels {
		return fmt.Errorf("%w: %d channel buffer for a %d channel pool", ErrUnsupportedFormat, buf.Format.NumChannels, f.Channels)
	}

	srcBits := buf.SourceBitDepth
	if srcBits == 0 {
		srcBits = 16
	}
	dstBits := f.Encoding.BitDepth()
	bps := f.Encoding.BytesPerSample()

	frames := len(buf.Data) / f.Channels
	size := frames * f.Channels * bps
	if cap(w.samples) < size {
		w.samples = make([]byte, size)
	}
	out := w.samples[:size]

	for i, v := range buf.Data[:frames*f.Channels] {
		v = rescale(v, srcBits, dstBits)
		if bps == 1 {
			out[i] = byte(int8(v))
		} else {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
		}
	}

	w.put(out)

	return nil
}

func rescale(v, from, to int) int {
	switch {
	case from > to:
		return v >> (from - to)
	case from < to:
		return v << (to - from)
	default:
		return v
	}
}

func (w *PoolWriter) put(p []byte) {
	for len(p) > 0 {
		if w.cur == nil {
			w.cur = w.pool.Take(true)
			w.cur.SampleCount = 0
		}

		off := w.cur.SampleCount * w.stride
		c := copy(w.cur.Bytes[off:], p)
		w.cur.SampleCount += c / w.stride
		p = p[c:]

		if w.cur.SampleCount == w.cur.MaxSampleCount {
			w.pool.Give(w.cur)
			w.cur = nil
		}
	}
}

// Flush gives the partly filled buffer, if any, to the pool.
func (w *PoolWriter) Flush() error {
	if w.cur != nil && w.cur.SampleCount > 0 {
		w.pool.Give(w.cur)
		w.cur = nil
	}

	return nil
}

// Close flushes the writer. A trailing partial frame is dropped.
func (w *PoolWriter) Close() error {
	w.partial = w.partial[:0]

	return w.Flush()
}
