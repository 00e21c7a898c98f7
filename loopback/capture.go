package loopback

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/cmplx"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Samples decodes a capture of signed 16-bit little-endian samples.
func Samples(data []byte) []int {
	out := make([]int, len(data)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}

	return out
}

// IntBuffer returns everything sm has shifted out as a go-audio buffer.
func (b *Block) IntBuffer(sm, channels, sampleRate int) *audio.IntBuffer {
	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           Samples(b.Output(sm)),
		SourceBitDepth: 16,
	}
}

// WriteWAV encodes everything sm has shifted out as a 16-bit PCM WAV stream.
func (b *Block) WriteWAV(w io.WriteSeeker, sm, channels, sampleRate int) error {
	encoder := wav.NewEncoder(w, sampleRate, 16, channels, 1)

	if err := encoder.Write(b.IntBuffer(sm, channels, sampleRate)); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV stream: %w", err)
	}

	return nil
}

// Deinterleave returns channel ch of interleaved samples.
func Deinterleave(samples []int, channels, ch int) []int {
	out := make([]int, 0, len(samples)/channels)
	for i := ch; i < len(samples); i += channels {
		out = append(out, samples[i])
	}

	return out
}

// RMS returns the root mean square level of samples.
func RMS(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}

	seq := make([]float64, len(samples))
	for i, s := range samples {
		seq[i] = float64(s)
	}

	return floats.Norm(seq, 2) / math.Sqrt(float64(len(seq)))
}

// DominantFrequency returns the frequency in Hz of the strongest non-DC component of samples.
func DominantFrequency(samples []int, sampleRate int) float64 {
	if len(samples) < 2 {
		return 0
	}

	seq := make([]float64, len(samples))
	for i, s := range samples {
		seq[i] = float64(s)
	}

	fft := fourier.NewFFT(len(seq))
	coeffs := fft.Coefficients(nil, seq)

	peak, best := 0, 0.0
	for i := 1; i < len(coeffs); i++ {
		if m := cmplx.Abs(coeffs[i]); m > best {
			peak, best = i, m
		}
	}

	return fft.Freq(peak) * float64(sampleRate)
}
