package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gen2brain/i2s"
)

func main() {
	var (
		clock uint
		rates string
	)

	flag.UintVar(&clock, "clock", 125_000_000, "The system clock in Hz")
	flag.StringVar(&rates, "rates", "8000,11025,16000,22050,32000,44100,48000,88200,96000", "Comma separated sample rates in Hz")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Displays the state machine clock dividers for a list of sample rates.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	fmt.Printf("System clock %d Hz, %dx oversampling:\n", clock, i2s.Oversampling)
	fmt.Printf("%10s %12s %10s %14s %10s\n", "Rate", "Divider", "Raw", "Actual", "Error")

	for _, field := range strings.Split(rates, ",") {
		rate, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid rate %q\n", field)
			os.Exit(1)
		}

		d, err := i2s.ComputeDivider(uint32(clock), uint32(rate))
		if err != nil {
			fmt.Printf("%10d %v\n", rate, err)
			continue
		}

		// The fractional divider averages to clock*256/raw state machine cycles per second.
		actual := float64(clock) * 256 / float64(d.Raw()) / i2s.Oversampling
		ppm := (actual - float64(rate)) / float64(rate) * 1e6
		fmt.Printf("%10d %12v %10d %14.3f %8.1fppm\n", rate, d, d.Raw(), actual, ppm)
	}
}
