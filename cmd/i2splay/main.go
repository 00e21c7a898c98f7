package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/go-audio/audio"

	"github.com/gen2brain/i2s"
	"github.com/gen2brain/i2s/cmd/internal/decode"
	"github.com/gen2brain/i2s/loopback"
)

func main() {
	var (
		bufferSize   int
		bufferCount  int
		interval     time.Duration
		bufferOnGive bool
		verbose      bool
	)

	flag.IntVar(&bufferSize, "buffer-size", 256, "The size of a consumer buffer in frames")
	flag.IntVar(&bufferCount, "buffer-count", 2, "The number of consumer buffers (0 = pass producer buffers through)")
	flag.DurationVar(&interval, "interval", 10*time.Millisecond, "How often the software DAC is clocked")
	flag.BoolVar(&bufferOnGive, "buffer-on-give", false, "Convert when the producer gives a buffer instead of when the DAC takes one")
	flag.BoolVar(&verbose, "verbose", false, "Log engine diagnostics")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Streams a WAV, MP3 or Ogg Vorbis file through a software I2S output in real time")
		fmt.Fprintln(os.Stderr, "and plays what the DAC receives on the default audio device.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if verbose {
		i2s.SetLogger(log.New(os.Stderr, "i2s: ", log.Ltime|log.Lmicroseconds))
	}

	file, err := decode.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	format := i2s.AudioFormat{SampleRate: file.SampleRate(), Encoding: i2s.EncodingS16, Channels: int(file.NumChans())}
	if err := format.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	block := loopback.New(loopback.Options{})

	out, actual, err := i2s.Setup(&format, block.Hardware(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up output: %v\n", err)
		os.Exit(1)
	}

	pool, err := i2s.NewProducerPool(format, 4, 1024)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error allocating buffers: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := out.ConnectExtra(pool, bufferOnGive, bufferCount, bufferSize, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting producer: %v\n", err)
		os.Exit(1)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(actual.SampleRate),
		ChannelCount: actual.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audio device: %v\n", err)
		os.Exit(1)
	}
	<-ready

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()

	duration, _ := file.Duration()
	fmt.Printf("Playing: %s (%v)\n", flag.Arg(0), duration.Round(time.Millisecond))
	fmt.Printf("Output: %v, divider %v\n", actual, mustDivider(actual.SampleRate))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	produced := make(chan error, 1)
	go func() {
		produced <- produce(file, pool, format)
	}()

	// The output stream is clocked at one word per frame.
	go func() {
		_ = block.Run(ctx, actual.SampleRate, interval)
	}()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = pw.Close()
				return
			case <-ticker.C:
				if data := block.TakeOutput(0); len(data) > 0 {
					if _, err := pw.Write(data); err != nil {
						return
					}
				}
			}
		}
	}()

	startTime := time.Now()
	out.SetEnabled(true)

	select {
	case err := <-produced:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		drain(ctx, out, pool)
	case <-ctx.Done():
	}

	out.SetEnabled(false)
	stop()

	stats := out.Stats()
	fmt.Printf("Playback finished in %v. (%d transfers, %d underruns)\n", time.Since(startTime).Round(time.Millisecond), stats.Commits, stats.Underruns)
}

// produce decodes file into pool until the input ends.
func produce(file *decode.File, pool *i2s.BufferPool, format i2s.AudioFormat) error {
	w, err := i2s.NewPoolWriter(pool)
	if err != nil {
		return err
	}
	defer w.Close()

	buf := &audio.IntBuffer{
		Format:         format.ToAudio(),
		Data:           make([]int, 2048*format.Channels),
		SourceBitDepth: int(file.BitDepth()),
	}

	for {
		n, err := file.PCMBuffer(buf)
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
			return fmt.Errorf("failed to decode: %w", err)
		}
	}
}

// drain waits until every producer buffer has been converted and every consumer buffer has been played.
func drain(ctx context.Context, out *i2s.Output, pool *i2s.BufferPool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s, c := pool.Stats(), out.ConsumerStats()
		if s.Free == s.Total && c.Full == 0 && c.Out == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mustDivider(rate uint32) i2s.Divider {
	d, err := i2s.ComputeDivider(loopback.DefaultClockHz, rate)
	if err != nil {
		panic(err)
	}

	return d
}
