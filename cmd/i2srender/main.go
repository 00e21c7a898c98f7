package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-audio/audio"

	"github.com/gen2brain/i2s"
	"github.com/gen2brain/i2s/cmd/internal/decode"
	"github.com/gen2brain/i2s/loopback"
)

type track struct {
	path   string
	file   *decode.File
	format i2s.AudioFormat
	pool   *i2s.BufferPool
	done   chan error
	ended  bool
}

func main() {
	var (
		prefix      string
		bufferSize  int
		bufferCount int
		mono        bool
		verbose     bool
	)

	flag.StringVar(&prefix, "prefix", "dac", "Prefix of the rendered WAV files")
	flag.IntVar(&bufferSize, "buffer-size", 1024, "The size of a producer buffer in frames")
	flag.IntVar(&bufferCount, "buffer-count", 4, "The number of producer buffers per DAC")
	flag.BoolVar(&mono, "mono", false, "Drive every DAC with one 16-bit sample per frame")
	flag.BoolVar(&verbose, "verbose", false, "Log engine diagnostics")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Renders up to %d WAV, MP3 or Ogg Vorbis files through a software multi-DAC output,\n", i2s.MaxDACs)
		fmt.Fprintln(os.Stderr, "one file per DAC, and writes what every DAC received to a WAV file.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 1 || flag.NArg() > i2s.MaxDACs {
		flag.Usage()
		os.Exit(1)
	}

	if bufferCount < 3 || bufferSize < 2 {
		fmt.Fprintln(os.Stderr, "Error: at least 3 buffers of 2 frames are needed")
		os.Exit(1)
	}

	if verbose {
		i2s.SetLogger(log.New(os.Stderr, "i2s: ", log.Ltime|log.Lmicroseconds))
	}

	tracks := make([]*track, flag.NArg())
	for i, path := range flag.Args() {
		f, err := decode.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		format := i2s.AudioFormat{SampleRate: f.SampleRate(), Encoding: i2s.EncodingS16, Channels: int(f.NumChans())}
		if err := format.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error in %s: %v\n", path, err)
			os.Exit(1)
		}

		if i > 0 && format.SampleRate != tracks[0].format.SampleRate {
			fmt.Fprintf(os.Stderr, "Error: %s is %d Hz but all DACs share %d Hz\n", path, format.SampleRate, tracks[0].format.SampleRate)
			os.Exit(1)
		}

		tracks[i] = &track{path: path, file: f, format: format, done: make(chan error, 1)}
	}

	cfg := i2s.DefaultMultiConfig()
	cfg.NumDACs = len(tracks)
	cfg.DataPins = cfg.DataPins[:0]
	cfg.DMAChannels = cfg.DMAChannels[:0]
	cfg.DataStateMachines = cfg.DataStateMachines[:0]
	for i := range tracks {
		cfg.DataPins = append(cfg.DataPins, 10+i)
		cfg.DMAChannels = append(cfg.DMAChannels, i)
		cfg.DataStateMachines = append(cfg.DataStateMachines, 1+i)
	}
	cfg.MonoOutput = mono

	block := loopback.New(loopback.Options{StateMachines: 1 + len(tracks)})

	out, actual, err := i2s.SetupMulti(&tracks[0].format, block.Hardware(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Output: %d DACs, %v\n", len(tracks), actual)

	for i, t := range tracks {
		t.pool, err = i2s.NewProducerPool(t.format, bufferCount, bufferSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error allocating buffers: %v\n", err)
			os.Exit(1)
		}
		defer t.pool.Close()

		if err := out.Connect(t.pool, i); err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting %s: %v\n", t.path, err)
			os.Exit(1)
		}

		duration, _ := t.file.Duration()
		fmt.Printf("DAC %d: %s (%v, %v)\n", i, t.path, t.format, duration.Round(time.Millisecond))

		go func(t *track) {
			t.done <- produce(t)
		}(t)
	}

	startTime := time.Now()

	// Prime every DAC so rendering does not start on silence.
	waitQueued(tracks)
	out.SetEnabled(true)

	for !finished(tracks) {
		waitQueued(tracks)
		block.Step(bufferSize / 2)
	}

	out.SetEnabled(false)

	for i, t := range tracks {
		sm := cfg.DataStateMachines[i]
		name := fmt.Sprintf("%s%d.wav", prefix, i)

		if err := writeWAV(block, name, sm, actual); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", name, err)
			os.Exit(1)
		}

		stats, _ := out.Stats(i)
		samples := loopback.Deinterleave(loopback.Samples(block.Output(sm)), actual.Channels, 0)
		fmt.Printf("DAC %d: %s, %d frames, %d underruns, peak %.1f Hz, RMS %.1f\n", i, name, len(samples), stats.Underruns,
			loopback.DominantFrequency(samples, int(actual.SampleRate)), loopback.RMS(samples))
	}

	fmt.Printf("Rendered %d ticks in %v.\n", block.Ticks(), time.Since(startTime))
}

// produce decodes t into its pool until the input ends.
func produce(t *track) error {
	w, err := i2s.NewPoolWriter(t.pool)
	if err != nil {
		return err
	}
	defer w.Close()

	buf := &audio.IntBuffer{
		Format:         t.format.ToAudio(),
		Data:           make([]int, 4096*t.format.Channels),
		SourceBitDepth: int(t.file.BitDepth()),
	}

	for {
		n, err := t.file.PCMBuffer(buf)
		if n > 0 {
			chunk := *buf
			chunk.Data = buf.Data[:n]
			if err := w.WriteIntBuffer(&chunk); err != nil {
				return err
			}
		}

		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", t.path, err)
		}
	}
}

// waitQueued waits until every DAC still being produced has a full buffer queued. The writer and
// the connection hold at most one buffer each, so a third one is always being filled.
func waitQueued(tracks []*track) {
	for _, t := range tracks {
		for !t.ended && t.pool.Stats().Full == 0 {
			select {
			case err := <-t.done:
				t.ended = true
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// finished reports whether every input has been decoded and played out.
func finished(tracks []*track) bool {
	for _, t := range tracks {
		if !t.ended || t.pool.Stats().Free != t.pool.Stats().Total {
			return false
		}
	}

	return true
}

func writeWAV(block *loopback.Block, name string, sm int, format i2s.AudioFormat) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}

	if err := block.WriteWAV(f, sm, format.Channels, int(format.SampleRate)); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
