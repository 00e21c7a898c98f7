// Package decode opens WAV, MP3 and Ogg Vorbis files as interleaved integer PCM.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// Decoder abstracts the supported formats so the tools can read them uniformly.
type Decoder interface {
	// PCMBuffer reads decoded samples into buf.Data and returns the number of samples (not frames) read.
	PCMBuffer(buf *audio.IntBuffer) (n int, err error)
	// Duration returns the total duration of the stream.
	Duration() (time.Duration, error)
	NumChans() uint16
	SampleRate() uint32
	// BitDepth returns the depth of the integers PCMBuffer produces.
	BitDepth() uint16
}

// File is an open audio file.
type File struct {
	Decoder
	f *os.File
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// Open opens path and picks a decoder by its extension.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var dec Decoder
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		dec, err = newWavDecoder(f)
	case ".mp3":
		dec, err = newMp3Decoder(f)
	case ".ogg", ".oga":
		dec, err = newOggDecoder(f)
	default:
		err = fmt.Errorf("unsupported file extension %q", ext)
	}

	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &File{Decoder: dec, f: f}, nil
}

type wavDecoderWrapper struct {
	*wav.Decoder
}

func newWavDecoder(r io.ReadSeeker) (Decoder, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if decoder.WavAudioFormat == 3 {
		return nil, errors.New("floating point WAV files are not supported")
	}

	return &wavDecoderWrapper{Decoder: decoder}, nil
}

func (w *wavDecoderWrapper) SampleRate() uint32 { return w.Decoder.SampleRate }
func (w *wavDecoderWrapper) NumChans() uint16   { return w.Decoder.NumChans }
func (w *wavDecoderWrapper) BitDepth() uint16   { return w.Decoder.BitDepth }

type mp3DecoderWrapper struct {
	decoder    *mp3.Decoder
	sampleRate uint32
	length     int64 // Total decoded size in bytes.
	byteBuf    []byte
}

func newMp3Decoder(r io.Reader) (Decoder, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3DecoderWrapper{
		decoder:    decoder,
		sampleRate: uint32(decoder.SampleRate()),
		length:     decoder.Length(),
	}, nil
}

// PCMBuffer reads 16-bit little-endian stereo PCM from the MP3 decoder.
func (m *mp3DecoderWrapper) PCMBuffer(buf *audio.IntBuffer) (n int, err error) {
	size := len(buf.Data) * 2
	if cap(m.byteBuf) < size {
		m.byteBuf = make([]byte, size)
	}

	bytesRead, err := io.ReadFull(m.decoder, m.byteBuf[:size])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}

	samples := bytesRead / 2
	for i := 0; i < samples; i++ {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(m.byteBuf[i*2:])))
	}

	if samples > 0 && errors.Is(err, io.EOF) {
		err = nil
	}

	return samples, err
}

func (m *mp3DecoderWrapper) Duration() (time.Duration, error) {
	frames := m.length / 4
	seconds := float64(frames) / float64(m.sampleRate)

	return time.Duration(seconds * float64(time.Second)), nil
}

func (m *mp3DecoderWrapper) SampleRate() uint32 { return m.sampleRate }
func (m *mp3DecoderWrapper) NumChans() uint16   { return 2 }
func (m *mp3DecoderWrapper) BitDepth() uint16   { return 16 }

type oggDecoderWrapper struct {
	reader   *oggvorbis.Reader
	frameBuf []float32
}

func newOggDecoder(r io.Reader) (Decoder, error) {
	reader, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, err
	}

	return &oggDecoderWrapper{reader: reader}, nil
}

// PCMBuffer decodes float samples and scales them to 16-bit integers.
func (o *oggDecoderWrapper) PCMBuffer(buf *audio.IntBuffer) (n int, err error) {
	ch := o.reader.Channels()
	size := len(buf.Data) / ch * ch
	if cap(o.frameBuf) < size {
		o.frameBuf = make([]float32, size)
	}

	// Read returns samples, filling whole frames.
	n, err = o.reader.Read(o.frameBuf[:size])
	for i, v := range o.frameBuf[:n] {
		buf.Data[i] = int(math.Round(float64(max(-1, min(1, v))) * math.MaxInt16))
	}

	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}

	return n, err
}

func (o *oggDecoderWrapper) Duration() (time.Duration, error) {
	seconds := float64(o.reader.Length()) / float64(o.reader.SampleRate())

	return time.Duration(seconds * float64(time.Second)), nil
}

func (o *oggDecoderWrapper) SampleRate() uint32 { return uint32(o.reader.SampleRate()) }
func (o *oggDecoderWrapper) NumChans() uint16   { return uint16(o.reader.Channels()) }
func (o *oggDecoderWrapper) BitDepth() uint16   { return 16 }
