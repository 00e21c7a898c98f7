// Package i2s streams PCM audio from producer-filled buffer pools to one or more I2S DACs,
// using a serial clocking engine (PIO-style state machines) fed by DMA transfers.
package i2s

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/go-audio/audio"
)

// Encoding defines the sample encoding of an audio stream. All encodings are little-endian signed PCM.
type Encoding uint8

const (
	EncodingInvalid Encoding = iota
	EncodingS8               // Signed 8-bit PCM.
	EncodingS16              // Signed 16-bit PCM.
)

// EncodingNames maps encodings to their human-readable names.
var EncodingNames = map[Encoding]string{
	EncodingInvalid: "INVALID",
	EncodingS8:      "S8",
	EncodingS16:     "S16_LE",
}

// String returns the name of the encoding.
func (e Encoding) String() string {
	if name, ok := EncodingNames[e]; ok {
		return name
	}

	return fmt.Sprintf("Encoding(%d)", uint8(e))
}

// BytesPerSample returns the size of a single channel sample in bytes, or 0 for unknown encodings.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingS8:
		return 1
	case EncodingS16:
		return 2
	default:
		return 0
	}
}

// BitDepth returns the number of bits per channel sample.
func (e Encoding) BitDepth() int {
	return e.BytesPerSample() * 8
}

// AudioFormat describes a PCM stream.
type AudioFormat struct {
	SampleRate uint32
	Encoding   Encoding
	Channels   int
}

// Validate checks that the format can be carried by a buffer pool.
func (f AudioFormat) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: sample rate must be greater than zero", ErrInvalidFormat)
	}

	if f.Encoding.BytesPerSample() == 0 {
		return fmt.Errorf("%w: unknown encoding %v", ErrInvalidFormat, f.Encoding)
	}

	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: channel count must be 1 or 2, got %d", ErrInvalidFormat, f.Channels)
	}

	return nil
}

// String returns a short description such as "S16_LE 2ch 44100Hz".
func (f AudioFormat) String() string {
	return fmt.Sprintf("%v %dch %dHz", f.Encoding, f.Channels, f.SampleRate)
}

// ToAudio returns the equivalent go-audio format.
func (f AudioFormat) ToAudio() *audio.Format {
	return &audio.Format{
		NumChannels: f.Channels,
		SampleRate:  int(f.SampleRate),
	}
}

// FormatFromAudio builds an AudioFormat from a go-audio format and the desired encoding.
func FormatFromAudio(format *audio.Format, encoding Encoding) (AudioFormat, error) {
	if format == nil {
		return AudioFormat{}, fmt.Errorf("%w: nil format", ErrInvalidFormat)
	}

	if format.SampleRate <= 0 {
		return AudioFormat{}, fmt.Errorf("%w: sample rate must be greater than zero", ErrInvalidFormat)
	}

	f := AudioFormat{
		SampleRate: uint32(format.SampleRate),
		Encoding:   encoding,
		Channels:   format.NumChannels,
	}

	return f, f.Validate()
}

// BufferFormat is an AudioFormat plus the byte distance between successive frames in a buffer.
type BufferFormat struct {
	Format AudioFormat
	Stride int
}

// NewBufferFormat derives the stride for f.
func NewBufferFormat(f AudioFormat) BufferFormat {
	return BufferFormat{
		Format: f,
		Stride: f.Encoding.BytesPerSample() * f.Channels,
	}
}

var (
	// ErrInvalidFormat is returned when an audio format is malformed.
	ErrInvalidFormat = errors.New("i2s: invalid audio format")

	// ErrUnsupportedFormat is returned when a producer format cannot be carried to the configured output.
	ErrUnsupportedFormat = errors.New("i2s: unsupported format combination")

	// ErrInvalidConfig is returned for out of range or conflicting hardware configuration.
	ErrInvalidConfig = errors.New("i2s: invalid configuration")

	// ErrInvalidChannel is returned when a channel index is outside the configured DAC count.
	ErrInvalidChannel = errors.New("i2s: invalid channel index")

	// ErrDividerRange is returned when a sample rate cannot be represented by the clock divider.
	ErrDividerRange = errors.New("i2s: clock divider out of range")

	// ErrEnabled is returned when an operation requires the output to be stopped.
	ErrEnabled = errors.New("i2s: output is enabled")

	// ErrContractViolation is the panic value (wrapped) raised on the real-time path when
	// a buffer ownership or format contract is broken.
	ErrContractViolation = errors.New("i2s: contract violation")
)

var logger atomic.Pointer[log.Logger]

func init() {
	SetLogger(nil)
}

// SetLogger sets the logger used for setup, connect and enable diagnostics.
// Passing nil discards all output, which is the default.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}

	logger.Store(l)
}

func logf(format string, args ...any) {
	logger.Load().Printf(format, args...)
}

func contractf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}
